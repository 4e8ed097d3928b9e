package logging

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Entry is one log line. JSON lines decode back into it.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Level         string         `json:"level"`
	Message       string         `json:"message"`
	Service       string         `json:"service,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	File          string         `json:"file,omitempty"`
	Line          int            `json:"line,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

func (e Entry) appendJSON(buf []byte) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// an unencodable field value; keep the line and say why
		e.Fields = map[string]any{"logError": err.Error()}
		data, _ = json.Marshal(e)
	}
	return append(append(buf, data...), '\n')
}

// appendText renders "ts [level] msg key=value ..." with the fields sorted.
func (e Entry) appendText(buf []byte) []byte {
	buf = e.Timestamp.AppendFormat(buf, time.RFC3339)
	buf = append(buf, " ["...)
	buf = append(buf, e.Level...)
	buf = append(buf, "] "...)
	buf = append(buf, e.Message...)

	if e.Service != "" {
		buf = appendPair(buf, "service", e.Service)
	}
	if e.CorrelationID != "" {
		buf = appendPair(buf, "correlationId", e.CorrelationID)
	}
	if e.File != "" {
		buf = appendPair(buf, "file", e.File+":"+strconv.Itoa(e.Line))
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		buf = appendPair(buf, k, textValue(e.Fields[k]))
	}
	return append(buf, '\n')
}

func appendPair(buf []byte, key, value string) []byte {
	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, '=')
	return append(buf, value...)
}

func textValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
