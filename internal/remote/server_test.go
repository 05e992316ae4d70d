package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellsync/internal/identity"
	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/store"
	"github.com/roach88/cellsync/internal/wire"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSpace = "space-a"

func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	backend, err := store.OpenBadger(store.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	srv, err := New(context.Background(), Config{Backend: backend})
	require.NoError(t, err)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return srv, hs
}

type testClient struct {
	t    *testing.T
	ws   *websocket.Conn
	kp   *identity.KeyPair
	seq  int
	recv chan wire.Message
}

func wsURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + WebsocketPath
}

// connect dials and completes the handshake.
func connect(t *testing.T, hs *httptest.Server, kp *identity.KeyPair) *testClient {
	t.Helper()
	c := dial(t, hs, kp)
	token, err := kp.SessionToken(testSpace, time.Minute)
	require.NoError(t, err)
	c.send(wire.Message{Type: wire.TypeHello, ID: "hello", Space: testSpace, Token: token, DID: kp.DID()})
	welcome := c.next()
	require.Equal(t, wire.TypeWelcome, welcome.Type, "got %+v", welcome)
	assert.Equal(t, kp.DID(), welcome.DID)
	return c
}

func dial(t *testing.T, hs *httptest.Server, kp *identity.KeyPair) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(hs), nil)
	require.NoError(t, err)
	c := &testClient{t: t, ws: ws, kp: kp, recv: make(chan wire.Message, 64)}
	go func() {
		defer close(c.recv)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			m, err := wire.Decode(data)
			if err != nil {
				return
			}
			c.recv <- m
		}
	}()
	t.Cleanup(func() { ws.Close() })
	return c
}

func (c *testClient) send(m wire.Message) {
	c.t.Helper()
	data, err := wire.Encode(m)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *testClient) next() wire.Message {
	c.t.Helper()
	select {
	case m, ok := <-c.recv:
		require.True(c.t, ok, "connection closed")
		return m
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for a frame")
		return wire.Message{}
	}
}

func (c *testClient) quiet(d time.Duration) {
	c.t.Helper()
	select {
	case m, ok := <-c.recv:
		if ok {
			c.t.Fatalf("unexpected frame %+v", m)
		}
	case <-time.After(d):
	}
}

func (c *testClient) subscribe(uri string, sel wire.Selector) wire.Message {
	c.t.Helper()
	c.seq++
	id := "sub-" + string(rune('a'+c.seq))
	c.send(wire.Message{Type: wire.TypeSubscribe, ID: id, URI: uri, Selector: sel})
	snap := c.next()
	require.Equal(c.t, wire.TypePush, snap.Type, "got %+v", snap)
	require.Equal(c.t, id, snap.Re)
	return snap
}

func (c *testClient) write(batchID string, writes ...wire.Write) wire.Message {
	c.t.Helper()
	entries := make([]ir.WriteEntry, len(writes))
	for i, w := range writes {
		entries[i] = ir.WriteEntry{URI: w.URI, Value: w.Value, Expected: int64(w.Expected)}
	}
	digest, err := ir.WriteDigest(testSpace, batchID, entries)
	require.NoError(c.t, err)
	proof, err := c.kp.SignWrite(testSpace, batchID, digest)
	require.NoError(c.t, err)
	c.send(wire.Message{Type: wire.TypeWrite, ID: batchID, Writes: writes, Proof: proof})
	return c.next()
}

var fixture = ir.NewObject(ir.O("message", ir.String("Hello World")), ir.O("count", ir.Int(42)))

func TestServer_HandshakeRejectsBadToken(t *testing.T) {
	_, hs := startServer(t)
	kp := identity.FromPassphrase("alice")
	c := dial(t, hs, kp)

	token, err := kp.SessionToken("other-space", time.Minute)
	require.NoError(t, err)
	c.send(wire.Message{Type: wire.TypeHello, ID: "h", Space: testSpace, Token: token})

	reply := c.next()
	assert.Equal(t, wire.TypeError, reply.Type)
	assert.Equal(t, "h", reply.Re)
}

func TestServer_HandshakeRejectsMismatchedDID(t *testing.T) {
	_, hs := startServer(t)
	alice := identity.FromPassphrase("alice")
	bob := identity.FromPassphrase("bob")
	c := dial(t, hs, alice)

	token, err := alice.SessionToken(testSpace, time.Minute)
	require.NoError(t, err)
	c.send(wire.Message{Type: wire.TypeHello, ID: "h", Space: testSpace, Token: token, DID: bob.DID()})

	assert.Equal(t, wire.TypeError, c.next().Type)
}

func TestServer_SubscribeSnapshotOfMissingDocument(t *testing.T) {
	_, hs := startServer(t)
	c := connect(t, hs, identity.FromPassphrase("alice"))

	snap := c.subscribe("of:doc", wire.Selector{})
	assert.Zero(t, snap.Marker)
	assert.Equal(t, ir.Null{}, snap.Value)
}

func TestServer_WriteAcksWriterAndPushesOthers(t *testing.T) {
	_, hs := startServer(t)
	writer := connect(t, hs, identity.FromPassphrase("alice"))
	reader := connect(t, hs, identity.FromPassphrase("bob"))

	writer.subscribe("of:doc", wire.Selector{})
	reader.subscribe("of:doc", wire.Selector{})

	ack := writer.write("batch-1", wire.Write{URI: "of:doc", Value: fixture, Expected: 0})
	require.Equal(t, wire.TypeAck, ack.Type, "got %+v", ack)
	assert.Equal(t, "batch-1", ack.Re)
	marker := ack.Markers["of:doc"]
	assert.Positive(t, int64(marker))

	push := reader.next()
	assert.Equal(t, wire.TypePush, push.Type)
	assert.Empty(t, push.Re)
	assert.Equal(t, marker, push.Marker)
	assert.True(t, ir.Equal(fixture, push.Value))

	writer.quiet(100 * time.Millisecond)
}

func TestServer_Conflict(t *testing.T) {
	_, hs := startServer(t)
	c := connect(t, hs, identity.FromPassphrase("alice"))

	ack := c.write("batch-1", wire.Write{URI: "of:doc", Value: ir.Int(1), Expected: 0})
	require.Equal(t, wire.TypeAck, ack.Type)

	conflict := c.write("batch-2", wire.Write{URI: "of:doc", Value: ir.Int(2), Expected: 0})
	require.Equal(t, wire.TypeConflict, conflict.Type, "got %+v", conflict)
	assert.Equal(t, "batch-2", conflict.Re)
	assert.Equal(t, "of:doc", conflict.URI)
	assert.Equal(t, ack.Markers["of:doc"], conflict.Marker)
	assert.Equal(t, ir.Int(1), conflict.Value)
}

func TestServer_ConflictIsAllOrNothing(t *testing.T) {
	_, hs := startServer(t)
	c := connect(t, hs, identity.FromPassphrase("alice"))

	require.Equal(t, wire.TypeAck, c.write("seed", wire.Write{URI: "of:b", Value: ir.Int(1)}).Type)

	reply := c.write("mixed",
		wire.Write{URI: "of:a", Value: ir.Int(10), Expected: 0},
		wire.Write{URI: "of:b", Value: ir.Int(20), Expected: 0},
	)
	require.Equal(t, wire.TypeConflict, reply.Type)

	snap := c.subscribe("of:a", wire.Selector{})
	assert.Zero(t, snap.Marker, "of:a must not be written when of:b conflicts")
}

func TestServer_ResentBatchIsReplayed(t *testing.T) {
	srv, hs := startServer(t)
	c := connect(t, hs, identity.FromPassphrase("alice"))

	first := c.write("batch-1", wire.Write{URI: "of:doc", Value: ir.Int(1), Expected: 0})
	require.Equal(t, wire.TypeAck, first.Type)

	// Same batch again: expected 0 is stale now, but the id is known.
	second := c.write("batch-1", wire.Write{URI: "of:doc", Value: ir.Int(1), Expected: 0})
	require.Equal(t, wire.TypeAck, second.Type, "got %+v", second)
	assert.Equal(t, first.Markers, second.Markers)
	assert.Equal(t, 1.0, promtest.ToFloat64(srv.metrics.replays))
	assert.Equal(t, 1.0, promtest.ToFloat64(srv.metrics.commits))
}

func TestServer_RejectsForgedProof(t *testing.T) {
	_, hs := startServer(t)
	c := connect(t, hs, identity.FromPassphrase("alice"))

	c.send(wire.Message{
		Type:   wire.TypeWrite,
		ID:     "forged",
		Writes: []wire.Write{{URI: "of:doc", Value: ir.Int(1)}},
		Proof:  "not-a-jwt",
	})
	reply := c.next()
	assert.Equal(t, wire.TypeError, reply.Type)
	assert.Equal(t, "forged", reply.Re)
}

func TestServer_SelectorFiltersPushes(t *testing.T) {
	_, hs := startServer(t)
	writer := connect(t, hs, identity.FromPassphrase("alice"))
	reader := connect(t, hs, identity.FromPassphrase("bob"))

	reader.subscribe("of:doc", wire.Selector{Path: ir.Path{"count"}})

	ack := writer.write("b1", wire.Write{URI: "of:doc", Value: fixture})
	require.Equal(t, wire.TypeAck, ack.Type)
	require.Equal(t, wire.TypePush, reader.next().Type)

	changed := ir.NewObject(ir.O("message", ir.String("changed")), ir.O("count", ir.Int(42)))
	ack = writer.write("b2", wire.Write{URI: "of:doc", Value: changed, Expected: ack.Markers["of:doc"]})
	require.Equal(t, wire.TypeAck, ack.Type)
	reader.quiet(100 * time.Millisecond)
}

func TestServer_OverlappingSelectorsAreIndependent(t *testing.T) {
	_, hs := startServer(t)
	writer := connect(t, hs, identity.FromPassphrase("alice"))
	reader := connect(t, hs, identity.FromPassphrase("bob"))

	reader.subscribe("of:doc", wire.Selector{})
	reader.subscribe("of:doc", wire.Selector{Path: ir.Path{"count"}})

	ack := writer.write("b1", wire.Write{URI: "of:doc", Value: fixture})
	require.Equal(t, wire.TypeAck, ack.Type)

	first, second := reader.next(), reader.next()
	assert.Equal(t, first.Marker, second.Marker, "both subscriptions see the same version")
	assert.NotEqual(t, first.Selector.Key(), second.Selector.Key())
}

func TestServer_ColdLoadsHitBackendOnce(t *testing.T) {
	srv, hs := startServer(t)
	a := connect(t, hs, identity.FromPassphrase("alice"))
	b := connect(t, hs, identity.FromPassphrase("bob"))

	a.subscribe("of:doc", wire.Selector{})
	b.subscribe("of:doc", wire.Selector{})

	assert.Equal(t, 1.0, promtest.ToFloat64(srv.metrics.loads))
}

func TestServer_DropConnections(t *testing.T) {
	srv, hs := startServer(t)
	c := connect(t, hs, identity.FromPassphrase("alice"))

	require.Eventually(t, func() bool { return srv.Connections() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.DropConnections())

	select {
	case _, ok := <-c.recv:
		assert.False(t, ok, "connection should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("connection not dropped")
	}
	assert.Eventually(t, func() bool { return srv.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_SetAcceptingRefusesUpgrades(t *testing.T) {
	srv, hs := startServer(t)
	srv.SetAccepting(false)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(hs), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	srv.SetAccepting(true)
	connect(t, hs, identity.FromPassphrase("alice"))
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := startServer(t)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])

	srv.SetAccepting(false)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv, hs := startServer(t)
	c := connect(t, hs, identity.FromPassphrase("alice"))
	c.subscribe("of:doc", wire.Selector{})

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `cellsync_store_frames_total{type="subscribe"} 1`)
}

func TestServer_ClockResumesFromBackend(t *testing.T) {
	backend, err := store.OpenBadger(store.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer backend.Close()
	require.NoError(t, backend.Apply(context.Background(), testSpace, "old", []store.Record{{URI: "of:x", Value: ir.Int(1), Marker: 40}}))

	srv, err := New(context.Background(), Config{Backend: backend})
	require.NoError(t, err)
	assert.Equal(t, int64(40), srv.Marker())
}
