// Package logging provides structured logging with correlation ID propagation.
//
// Every line carries the emitting service name and, while a routed request
// is being handled, the request's correlation id, so a single request can be
// followed across the caller, the router and the handler.
package logging

import (
	"io"
	"maps"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// sink is the output shared by a logger and everything derived from it.
type sink struct {
	mu         sync.Mutex
	w          io.Writer
	level      atomic.Int32
	format     Format
	addCaller  bool
	callerSkip int
}

func (s *sink) write(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(line)
}

// Logger writes structured lines. Loggers derived with With, WithService or
// WithCorrelationID share their parent's sink, so SetLevel on any of them
// applies to all.
type Logger struct {
	sink          *sink
	service       string
	correlationID string
	fields        map[string]any
}

// Config configures New.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	AddCaller  bool
	CallerSkip int
	Service    string
}

// New creates a logger. A nil Output writes to stderr.
func New(cfg Config) *Logger {
	s := &sink{
		w:          cfg.Output,
		format:     cfg.Format,
		addCaller:  cfg.AddCaller,
		callerSkip: cfg.CallerSkip,
	}
	if s.w == nil {
		s.w = os.Stderr
	}
	s.level.Store(int32(cfg.Level))
	return &Logger{sink: s, service: cfg.Service}
}

// DefaultLogger logs JSON at info to stderr.
func DefaultLogger() *Logger {
	return New(Config{Level: LevelInfo, Format: FormatJSON})
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(Config{Level: LevelError + 1, Output: io.Discard})
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(level Level) {
	l.sink.level.Store(int32(level))
}

// GetLevel returns the minimum level.
func (l *Logger) GetLevel() Level {
	return Level(l.sink.level.Load())
}

func (l *Logger) derive() *Logger {
	c := *l
	return &c
}

// With returns a logger that adds fields to every line.
func (l *Logger) With(fields map[string]any) *Logger {
	c := l.derive()
	c.fields = make(map[string]any, len(l.fields)+len(fields))
	maps.Copy(c.fields, l.fields)
	maps.Copy(c.fields, fields)
	return c
}

// WithService returns a logger tagged with a service name.
func (l *Logger) WithService(name string) *Logger {
	c := l.derive()
	c.service = name
	return c
}

// WithCorrelationID returns a logger tagged with a request's correlation id.
func (l *Logger) WithCorrelationID(id string) *Logger {
	c := l.derive()
	c.correlationID = id
	return c
}

func (l *Logger) Debug(msg string) { l.emit(LevelDebug, msg, nil) }
func (l *Logger) Debugf(msg string, fields map[string]any) { l.emit(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string) { l.emit(LevelInfo, msg, nil) }
func (l *Logger) Infof(msg string, fields map[string]any) { l.emit(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string) { l.emit(LevelWarn, msg, nil) }
func (l *Logger) Warnf(msg string, fields map[string]any) { l.emit(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string) { l.emit(LevelError, msg, nil) }
func (l *Logger) Errorf(msg string, fields map[string]any) { l.emit(LevelError, msg, fields) }

// emit must be called directly by the exported level methods; the caller
// frame depth depends on it.
func (l *Logger) emit(level Level, msg string, fields map[string]any) {
	if level < l.GetLevel() {
		return
	}

	e := Entry{
		Timestamp:     time.Now().UTC(),
		Level:         level.String(),
		Message:       msg,
		Service:       l.service,
		CorrelationID: l.correlationID,
	}
	if l.sink.addCaller {
		if _, file, line, ok := runtime.Caller(2 + l.sink.callerSkip); ok {
			e.File, e.Line = file, line
		}
	}
	if n := len(l.fields) + len(fields); n > 0 {
		e.Fields = make(map[string]any, n)
		maps.Copy(e.Fields, l.fields)
		maps.Copy(e.Fields, fields)
	}

	if l.sink.format == FormatText {
		l.sink.write(e.appendText(nil))
	} else {
		l.sink.write(e.appendJSON(nil))
	}
}
