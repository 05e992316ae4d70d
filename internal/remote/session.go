package remote

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/cellsync/internal/identity"
	"github.com/roach88/cellsync/internal/wire"
)

// session is one authenticated client connection.
//
// The handler goroutine runs the read pump and processes frames in
// arrival order; a second goroutine owns every write to the socket.
type session struct {
	srv    *Server
	ws     *websocket.Conn
	id     string
	logger *slog.Logger
	out    chan wire.Message
	done   chan struct{}
	once   sync.Once

	// set by the handshake, read-only afterwards
	space string
	did   string

	// guarded by srv.mu
	subs map[string]subscription
}

type subscription struct {
	uri      string
	selector wire.Selector
}

func newSession(srv *Server, ws *websocket.Conn) *session {
	id := wire.NewID()
	return &session{
		srv:    srv,
		ws:     ws,
		id:     id,
		logger: srv.logger.With("session", id),
		out:    make(chan wire.Message, srv.sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]subscription),
	}
}

func (c *session) serve() {
	defer c.close()

	if err := c.handshake(); err != nil {
		c.logger.Info("handshake rejected", "error", err)
		return
	}
	if !c.srv.register(c) {
		return
	}
	c.logger.Info("client connected", "space", c.space, "did", c.did)

	go c.writePump()
	c.readPump()
}

func (c *session) handshake() error {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.handshakeTimeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	hello, err := wire.Decode(data)
	if err != nil {
		return c.reject("", "malformed", err)
	}
	if hello.Type != wire.TypeHello {
		return c.reject(hello.ID, "protocol", fmt.Errorf("expected hello, got %s", hello.Type))
	}
	if hello.Space == "" {
		return c.reject(hello.ID, "protocol", errors.New("hello without space"))
	}
	did, err := identity.VerifySession(hello.Token, hello.Space)
	if err != nil {
		return c.reject(hello.ID, "token", err)
	}
	if hello.DID != "" && hello.DID != did {
		return c.reject(hello.ID, "token", fmt.Errorf("%w: token issued by %s, hello claims %s", identity.ErrUnauthorized, did, hello.DID))
	}
	c.space, c.did = hello.Space, did
	_ = c.ws.SetReadDeadline(time.Time{})

	return c.writeNow(wire.Message{Type: wire.TypeWelcome, Re: hello.ID, Space: c.space, DID: c.did})
}

// reject answers the handshake with an error frame and returns err.
func (c *session) reject(re, reason string, err error) error {
	c.srv.metrics.rejected.WithLabelValues(reason).Inc()
	_ = c.writeNow(wire.Message{Type: wire.TypeError, Re: re, Error: err.Error()})
	return err
}

// writeNow writes directly; only valid before the write pump starts.
func (c *session) writeNow(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *session) readPump() {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("client disconnected", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		m, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			c.send(wire.Message{Type: wire.TypeError, Error: err.Error()})
			continue
		}
		c.srv.metrics.frames.WithLabelValues(string(m.Type)).Inc()
		c.srv.dispatch(c, m)
	}
}

func (c *session) writePump() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.out:
			data, err := wire.Encode(m)
			if err != nil {
				c.logger.Error("encode frame", "type", string(m.Type), "error", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

// send queues m without blocking. Safe to call with srv.mu held. A full
// queue means the client cannot keep up; it is disconnected and will
// resubscribe from a fresh snapshot.
func (c *session) send(m wire.Message) {
	select {
	case <-c.done:
	case c.out <- m:
	default:
		c.logger.Warn("client too slow, disconnecting", "queued", len(c.out))
		go c.close()
	}
}

func (c *session) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
		c.srv.unregister(c)
	})
}
