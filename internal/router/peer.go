package router

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bldr-io/bldr/internal/logging"
	"github.com/bldr-io/bldr/internal/wire"
)

var (
	errPeerClosed = errors.New("router: peer closed")
	errPeerBusy   = errors.New("router: peer send queue full")
)

// peer is the router's non-owning view of one connected process.
type peer struct {
	id         int64
	nc         net.Conn
	remoteAddr string
	announce   wire.Announce
	since      time.Time
	logger     *logging.Logger

	sendq    chan []byte
	done     chan struct{}
	flush    chan struct{}
	draining atomic.Bool

	closeOnce sync.Once
	flushOnce sync.Once
}

func newPeer(id int64, nc net.Conn, a wire.Announce, queueSize int, logger *logging.Logger) *peer {
	return &peer{
		id:         id,
		nc:         nc,
		remoteAddr: nc.RemoteAddr().String(),
		announce:   a,
		since:      time.Now(),
		logger:     logger,
		sendq:      make(chan []byte, queueSize),
		done:       make(chan struct{}),
		flush:      make(chan struct{}),
	}
}

func (p *peer) service() string    { return p.announce.Service }
func (p *peer) instanceID() string { return p.announce.InstanceID }

// sendRaw enqueues an encoded envelope without blocking.
func (p *peer) sendRaw(body []byte) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.sendq <- body:
		return nil
	default:
		return errPeerBusy
	}
}

func (p *peer) send(e *wire.Envelope) error {
	body, err := wire.Encode(e)
	if err != nil {
		return err
	}
	return p.sendRaw(body)
}

// close drops the connection immediately.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.nc.Close()
	})
}

// closeAfterFlush writes what is queued, then closes.
func (p *peer) closeAfterFlush() {
	p.flushOnce.Do(func() { close(p.flush) })
}

func (p *peer) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *peer) writeLoop(writeTimeout time.Duration) {
	write := func(body []byte) bool {
		if writeTimeout > 0 {
			p.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		if err := wire.WriteRaw(p.nc, body); err != nil {
			if !p.isClosed() {
				p.logger.Debugf("write failed", map[string]any{"error": err.Error()})
			}
			p.close()
			return false
		}
		return true
	}

	for {
		select {
		case <-p.done:
			return
		case body := <-p.sendq:
			if !write(body) {
				return
			}
		case <-p.flush:
			for {
				select {
				case body := <-p.sendq:
					if !write(body) {
						return
					}
				default:
					p.close()
					return
				}
			}
		}
	}
}
