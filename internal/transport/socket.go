// Package transport adapts a raw TCP connection upgraded to a
// WebSocket (github.com/gobwas/ws) into the engine's store.Socket
// interface: a buffered write pump with a ping ticker and write
// deadlines, batching queued messages per flush, plus a read pump
// that dispatches inbound client frames to a caller-supplied handler.
package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
	sendBuffer = 256

	// maxSendAttempts is the number of consecutive full-buffer write
	// failures tolerated before a socket is treated as a slow client
	// and closed (§7's slow-client disconnect policy).
	maxSendAttempts = 3
)

// errSocketClosed is returned by WriteJSON after Close has run.
var errSocketClosed = errors.New("transport: socket closed")

// Socket implements store.Socket over a gobwas/ws connection. Writes
// are funneled through a buffered channel and flushed by a single
// writer goroutine per connection, so concurrent callers never
// interleave frames on the wire.
type Socket struct {
	conn   net.Conn
	send   chan []byte
	logger zerolog.Logger

	closeOnce   sync.Once
	closed      chan struct{}
	closeStatus int32

	sendAttempts int32

	onClose   func(status int)
	onMessage func(data []byte)
}

// New wraps conn with its write pump. onClose, if non-nil, runs once
// after the socket's write pump exits (including on a caller-initiated
// Close), so a registry can reconcile its own bookkeeping without
// polling.
func New(conn net.Conn, logger zerolog.Logger, onClose func(status int)) *Socket {
	s := &Socket{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		logger:  logger,
		closed:  make(chan struct{}),
		onClose: onClose,
	}
	return s
}

// OnClose registers a callback run once after the write pump exits.
// Must be called before Run.
func (s *Socket) OnClose(fn func(status int)) {
	s.onClose = fn
}

// OnMessage registers a callback run for every text frame the read
// pump receives. Must be called before ReadPump.
func (s *Socket) OnMessage(fn func(data []byte)) {
	s.onMessage = fn
}

// Run starts the write pump. It blocks until the socket is closed, so
// callers run it in its own goroutine per connection.
func (s *Socket) Run() {
	writer := bufio.NewWriter(s.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		if s.onClose != nil {
			status := atomic.LoadInt32(&s.closeStatus)
			if status == 0 {
				status = 1000 // engine.StatusNormalClosure; transport doesn't import engine to avoid a cycle
			}
			s.onClose(int(status))
		}
	}()

	for {
		select {
		case message, ok := <-s.send:
			if !ok {
				wsutil.WriteServerMessage(s.conn, ws.OpClose, nil)
				return
			}

			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Msg("write failed")
				return
			}

			n := len(s.send)
			for i := 0; i < n; i++ {
				message = <-s.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Msg("write failed")
					return
				}
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Msg("flush failed")
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
				return
			}

		case <-s.closed:
			wsutil.WriteServerMessage(s.conn, ws.OpClose, nil)
			return
		}
	}
}

// ReadPump reads client frames until the connection errors or closes,
// dispatching each text frame to onMessage. It blocks, so callers run
// it in the goroutine that accepted the connection; the write pump
// keeps running independently in its own goroutine.
func (s *Socket) ReadPump() {
	defer s.Close(1000) // engine.StatusNormalClosure

	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(s.conn)
		if err != nil {
			s.logger.Debug().Err(err).Msg("read failed")
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if s.onMessage != nil {
				s.onMessage(msg)
			}
		case ws.OpPing:
			// gobwas/ws answers pings with pongs automatically.
		case ws.OpClose:
			return
		}
	}
}

// WriteJSON implements store.Socket: marshal v and enqueue it for the
// write pump. A full send buffer means the client isn't draining fast
// enough; the write is dropped and a strike counted rather than
// blocking the broadcaster. The socket is only closed after
// maxSendAttempts consecutive full-buffer failures (§7's slow-client
// disconnect policy) — a single transient spike doesn't cost a
// connection. A successful enqueue resets the counter.
func (s *Socket) WriteJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case s.send <- body:
		atomic.StoreInt32(&s.sendAttempts, 0)
		return nil
	case <-s.closed:
		return errSocketClosed
	default:
		attempts := atomic.AddInt32(&s.sendAttempts, 1)
		if attempts >= maxSendAttempts {
			s.Close(1008) // engine.StatusPolicyViolation
			return fmt.Errorf("transport: send buffer full for %d consecutive attempts, closing slow client", attempts)
		}
		return errors.New("transport: send buffer full, dropping message")
	}
}

// Close implements store.Socket. Safe to call more than once; only the
// first call's status is reported to onClose.
func (s *Socket) Close(status int) error {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.closeStatus, int32(status))
		close(s.closed)
	})
	return nil
}
