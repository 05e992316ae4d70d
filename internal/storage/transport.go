package storage

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/cellsync/internal/wire"
)

// Conn is one established connection to the store.
// ReadMessage is called from a single goroutine, WriteMessage from another.
type Conn interface {
	ReadMessage() (wire.Message, error)
	WriteMessage(m wire.Message) error
	Close() error
}

// pinger is implemented by connections that support keepalive probes.
type pinger interface {
	Ping() error
}

// Dialer opens connections to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// TransportSettings bounds the websocket transport's blocking calls.
type TransportSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout is extended by every frame and pong; a silent peer is
	// considered gone after it elapses.
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// DefaultTransportSettings returns the settings used when none are given.
func DefaultTransportSettings() TransportSettings {
	return TransportSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
		PingInterval:     10 * time.Second,
	}
}

// WebsocketDialer dials the store's websocket endpoint.
type WebsocketDialer struct {
	Settings TransportSettings
	Header   http.Header
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	settings := d.Settings
	if settings == (TransportSettings{}) {
		settings = DefaultTransportSettings()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", endpoint, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return newWSConn(ws, settings), nil
}

type wsConn struct {
	ws       *websocket.Conn
	settings TransportSettings
	// gorilla allows one concurrent writer; pings and frames share it.
	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn, settings TransportSettings) *wsConn {
	c := &wsConn{ws: ws, settings: settings}
	if settings.ReadTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		})
	}
	return c
}

func (c *wsConn) ReadMessage() (wire.Message, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return wire.Message{}, err
		}
		if c.settings.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		}
		if kind != websocket.TextMessage {
			continue
		}
		return wire.Decode(data)
	}
}

func (c *wsConn) WriteMessage(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.settings.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
