package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/cellsync/internal/engine"
	"github.com/roach88/cellsync/internal/store"
)

// WebsocketPath is where clients connect.
const WebsocketPath = "/api/storage/ws"

// Config configures a Server.
type Config struct {
	Backend store.Backend
	// Registry receives the server's Prometheus metrics and backs /metrics.
	// A private registry is created when nil.
	Registry *prometheus.Registry
	Logger   *slog.Logger

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// SendBuffer bounds each connection's outbound queue. A client that
	// falls this far behind is disconnected and resubscribes.
	SendBuffer int
}

// Server is the reference document store. It is an http.Handler.
//
// Thread-safety model:
//   - writeMu serializes write batches end to end (check, persist, fan out)
//   - mu guards the document cache and the subscription registry
//
// Subscribe registers and snapshots under mu, and writes publish under mu,
// so a subscriber sees every version after its snapshot exactly once.
type Server struct {
	backend  store.Backend
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *serverMetrics
	clock    *engine.Clock
	router   *gin.Engine
	upgrader websocket.Upgrader
	loads    singleflight.Group

	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	sendBuffer       int

	accepting atomic.Bool
	writeMu   sync.Mutex

	mu       sync.Mutex
	docs     map[docKey]store.Record
	sessions map[*session]struct{}
	closed   bool
}

type docKey struct {
	space string
	uri   string
}

// New creates a server. The marker clock resumes above the backend's
// highest persisted marker.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.New("remote: backend is required")
	}
	start, err := cfg.Backend.MaxMarker(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}

	s := &Server{
		backend:          cfg.Backend,
		logger:           cfg.Logger,
		registry:         cfg.Registry,
		clock:            engine.NewClockAt(start),
		handshakeTimeout: cfg.HandshakeTimeout,
		writeTimeout:     cfg.WriteTimeout,
		sendBuffer:       cfg.SendBuffer,
		docs:             make(map[docKey]store.Record),
		sessions:         make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = 5 * time.Second
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 5 * time.Second
	}
	if s.sendBuffer <= 0 {
		s.sendBuffer = 256
	}
	s.metrics = newServerMetrics(s.registry)
	s.accepting.Store(true)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	s.router.GET(WebsocketPath, s.handleWebsocket)

	s.logger.Info("store server ready", "marker", start)
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Marker returns the last marker assigned.
func (s *Server) Marker() int64 {
	return s.clock.Current()
}

// Connections returns the number of open sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SetAccepting toggles whether new connections are accepted. Refused
// upgrades get 503, which clients treat as a failed dial and retry.
func (s *Server) SetAccepting(ok bool) {
	s.accepting.Store(ok)
}

// DropConnections closes every open session and returns how many there
// were. Clients see a dropped connection and reconnect.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	if len(sessions) > 0 {
		s.logger.Info("dropped connections", "count", len(sessions))
	}
	return len(sessions)
}

// Close refuses new connections and drops existing ones. The backend is
// left open for its owner to close.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.accepting.Store(false)
	s.DropConnections()
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if !s.accepting.Load() {
		status, code = "draining", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":      status,
		"connections": s.Connections(),
		"marker":      s.clock.Current(),
	})
}

func (s *Server) handleWebsocket(c *gin.Context) {
	if !s.accepting.Load() {
		s.metrics.rejected.WithLabelValues("draining").Inc()
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "not accepting connections"})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	newSession(s, ws).serve()
}

// register adds sess to the registry; false once the server is closed.
func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	s.metrics.connections.Inc()
	return true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess]; ok {
		delete(s.sessions, sess)
		s.metrics.connections.Dec()
	}
}

// document returns the cached version of uri, loading it from the backend
// on a miss. Concurrent misses for one document share a single load.
func (s *Server) document(ctx context.Context, space, uri string) (store.Record, error) {
	key := docKey{space, uri}

	s.mu.Lock()
	rec, ok := s.docs[key]
	s.mu.Unlock()
	if ok {
		return rec, nil
	}

	v, err, _ := s.loads.Do(space+"\x00"+uri, func() (any, error) {
		s.metrics.loads.Inc()
		return s.backend.Load(ctx, space, uri)
	})
	if err != nil {
		return store.Record{}, err
	}
	rec = v.(store.Record)

	s.mu.Lock()
	defer s.mu.Unlock()
	// A write may have landed while the load was in flight.
	if cur, ok := s.docs[key]; ok && cur.Marker >= rec.Marker {
		return cur, nil
	}
	s.docs[key] = rec
	return rec, nil
}
