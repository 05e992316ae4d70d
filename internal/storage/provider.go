package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-metrics"

	"github.com/roach88/cellsync/internal/identity"
	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/wire"
)

// Update is a document version delivered to sinks.
type Update struct {
	URI    string
	Value  ir.Value
	Marker wire.Marker
	// Conflict is set when the version arrived with a rejected write.
	Conflict bool
}

// SinkFunc receives updates for one document URI. Sinks run on the
// provider's connection goroutine and must not block.
type SinkFunc func(Update)

// BackoffSettings shapes the reconnect delay.
type BackoffSettings struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff returns the reconnect delay used when none is configured.
func DefaultBackoff() BackoffSettings {
	return BackoffSettings{
		Initial:    100 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Config configures a Provider.
type Config struct {
	// Endpoint is the store's websocket URL.
	Endpoint string
	// Space scopes every document the provider reads or writes.
	Space string
	// Signer authenticates the session and signs write batches.
	Signer identity.Signer

	Dialer           Dialer
	Backoff          BackoffSettings
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	TokenTTL         time.Duration

	// BatchIDs generates write batch ids; wire.NewID when nil.
	BatchIDs func() string

	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	Logger       *slog.Logger
}

// Provider keeps one persistent connection to the store for a space. It
// multiplexes subscriptions and write batches over that connection and
// reissues them after every reconnect.
//
// Thread-safety: every exported method is safe for concurrent use.
type Provider struct {
	endpoint  string
	space     string
	signer    identity.Signer
	dialer    Dialer
	backoff   BackoffSettings
	handshake time.Duration
	ping      time.Duration
	tokenTTL  time.Duration
	batchIDs  func() string
	logger    *slog.Logger
	msink     metrics.MetricSink
	labels    []metrics.Label
	stats     counters

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
	closed chan struct{}

	mu sync.Mutex
	// connection, nil while not connected
	state     State
	out       chan wire.Message
	connCtx   context.Context
	connStop  context.CancelFunc
	subs      map[string]*subscription
	subsByMsg map[string]*subscription
	queue     []*batch
	inflight  *batch
	known     map[string]wire.Marker
	sinks     map[string]map[int]SinkFunc
	nextSink  int
	// notify is closed and replaced whenever sync progress may have changed.
	notify chan struct{}
}

// NewProvider validates cfg and starts connecting in the background.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("storage: endpoint is required")
	}
	if cfg.Space == "" {
		return nil, errors.New("storage: space is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("storage: signer is required")
	}

	p := &Provider{
		endpoint:  cfg.Endpoint,
		space:     cfg.Space,
		signer:    cfg.Signer,
		dialer:    cfg.Dialer,
		backoff:   cfg.Backoff,
		handshake: cfg.HandshakeTimeout,
		ping:      cfg.PingInterval,
		tokenTTL:  cfg.TokenTTL,
		batchIDs:  cfg.BatchIDs,
		logger:    cfg.Logger,
		msink:     cfg.MetricSink,
		exited:    make(chan struct{}),
		closed:    make(chan struct{}),
		state:     StateConnecting,
		subs:      make(map[string]*subscription),
		subsByMsg: make(map[string]*subscription),
		known:     make(map[string]wire.Marker),
		sinks:     make(map[string]map[int]SinkFunc),
		notify:    make(chan struct{}),
	}
	if p.dialer == nil {
		p.dialer = &WebsocketDialer{}
	}
	if p.backoff == (BackoffSettings{}) {
		p.backoff = DefaultBackoff()
	}
	if p.handshake <= 0 {
		p.handshake = DefaultTransportSettings().HandshakeTimeout
	}
	if p.ping <= 0 {
		p.ping = DefaultTransportSettings().PingInterval
	}
	if p.tokenTTL <= 0 {
		p.tokenTTL = time.Hour
	}
	if p.batchIDs == nil {
		p.batchIDs = wire.NewID
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("space", p.space, "endpoint", p.endpoint)
	if p.msink == nil {
		p.msink = metrics.Default()
	}
	p.labels = append([]metrics.Label{{Name: MLabelSpace, Value: p.space}}, cfg.MetricLabels...)

	p.ctx, p.cancel = context.WithCancel(context.Background())
	go p.run()
	return p, nil
}

// Space returns the provider's space.
func (p *Provider) Space() string {
	return p.space
}

// State returns the current connection state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot of protocol counters.
func (p *Provider) Stats() Stats {
	return p.stats.snapshot()
}

// Known returns the highest marker seen for uri, from pushes or acks.
func (p *Provider) Known(uri string) wire.Marker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.known[uri]
}

// Subscriptions lists the provider's subscriptions.
func (p *Provider) Subscriptions() []SubscriptionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SubscriptionInfo, 0, len(p.subs))
	for _, s := range p.subs {
		out = append(out, SubscriptionInfo{URI: s.uri, Selector: s.selector, State: s.state})
	}
	return out
}

// Sink registers fn for updates to uri. The returned func removes it.
func (p *Provider) Sink(uri string, fn SinkFunc) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSink++
	id := p.nextSink
	if p.sinks[uri] == nil {
		p.sinks[uri] = make(map[int]SinkFunc)
	}
	p.sinks[uri][id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.sinks[uri], id)
		if len(p.sinks[uri]) == 0 {
			delete(p.sinks, uri)
		}
	}
}

// Sync subscribes to uri narrowed by sel and waits for the store to
// acknowledge it. Repeated calls for the same (uri, selector) share one
// subscription and send at most one subscribe frame.
func (p *Provider) Sync(ctx context.Context, uri string, sel wire.Selector) error {
	sub, err := p.subscribe(uri, sel)
	if err != nil {
		return err
	}

	select {
	case <-sub.ready:
		return sub.err
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return p.deadlineError(ctx.Err())
	}
}

// Watch subscribes like Sync but does not wait for the acknowledgement.
// Synced covers it from the moment Watch returns.
func (p *Provider) Watch(uri string, sel wire.Selector) error {
	_, err := p.subscribe(uri, sel)
	return err
}

func (p *Provider) subscribe(uri string, sel wire.Selector) (*subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == StateClosed {
		return nil, ErrClosed
	}
	key := wire.SubscriptionKey(uri, sel)
	sub, ok := p.subs[key]
	if !ok {
		sub = newSubscription(uri, sel)
		p.subs[key] = sub
		if p.out != nil {
			p.subscribeLocked(sub)
		}
		p.signalLocked()
	}
	return sub, nil
}

// Unsync drops the subscription for (uri, sel).
func (p *Provider) Unsync(uri string, sel wire.Selector) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := wire.SubscriptionKey(uri, sel)
	sub, ok := p.subs[key]
	if !ok {
		return
	}
	delete(p.subs, key)
	if sub.msgID != "" {
		delete(p.subsByMsg, sub.msgID)
	}
	sub.fail(ErrClosed)
	if p.out != nil {
		p.stats.unsubscribes.Add(1)
		p.sendLocked(wire.Message{Type: wire.TypeUnsubscribe, ID: wire.NewID(), URI: uri, Selector: sel})
	}
	p.signalLocked()
}

// Send queues a write batch. Each write's Expected is the marker the
// writer based its change on; for documents with an earlier batch still
// unresolved, the marker assigned to that batch is used instead. Batches
// are sent one at a time in Send order.
func (p *Provider) Send(writes []wire.Write) *Receipt {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		r := newReceipt(p, "")
		r.resolve(nil, ErrClosed)()
		return r
	}

	b := &batch{id: p.batchIDs()}
	b.receipt = newReceipt(p, b.id)
	for _, w := range writes {
		b.writes = append(b.writes, pendingWrite{
			uri:   w.URI,
			value: w.Value,
			base:  w.Expected,
			after: p.lastBatchLocked(w.URI),
		})
	}
	p.queue = append(p.queue, b)
	p.gaugeLocked()
	cbs := p.flushLocked()
	p.signalLocked()
	p.mu.Unlock()

	runAll(cbs)
	return b.receipt
}

// Synced blocks until every queued batch is resolved and every
// subscription is active. If ctx ends first while disconnected it returns
// a *ConnectionError.
func (p *Provider) Synced(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.state == StateClosed {
			p.mu.Unlock()
			return ErrClosed
		}
		if p.syncedLocked() {
			p.mu.Unlock()
			return nil
		}
		notify := p.notify
		p.mu.Unlock()

		select {
		case <-notify:
		case <-p.closed:
			return ErrClosed
		case <-ctx.Done():
			return p.deadlineError(ctx.Err())
		}
	}
}

// Reconnect drops the current connection. The provider reconnects after
// its backoff delay and reissues subscriptions and unresolved writes.
func (p *Provider) Reconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connStop != nil {
		p.connStop()
	}
}

// Close disconnects and fails everything still waiting with ErrClosed.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.fireLocked(evClose)
	close(p.closed)

	var cbs []func()
	if p.inflight != nil {
		cbs = append(cbs, p.inflight.receipt.resolve(nil, ErrClosed))
		p.inflight = nil
	}
	for _, b := range p.queue {
		cbs = append(cbs, b.receipt.resolve(nil, ErrClosed))
	}
	p.queue = nil
	for _, s := range p.subs {
		s.fail(ErrClosed)
	}
	p.signalLocked()
	p.mu.Unlock()

	p.cancel()
	<-p.exited
	runAll(cbs)
	p.logger.Debug("storage provider closed")
	return nil
}

// deadlineError turns a caller's context error into a *ConnectionError
// when the provider is the reason the caller is still waiting.
func (p *Provider) deadlineError(err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateConnected {
		return err
	}
	queued := len(p.queue)
	if p.inflight != nil {
		queued++
	}
	return &ConnectionError{Endpoint: p.endpoint, State: p.state, Queued: queued, Err: err}
}

func (p *Provider) syncedLocked() bool {
	if len(p.queue) > 0 || p.inflight != nil {
		return false
	}
	for _, s := range p.subs {
		if s.state != SubActive {
			return false
		}
	}
	return true
}

func (p *Provider) signalLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *Provider) fireLocked(ev connEvent) {
	next, err := transition(p.state, ev)
	if err != nil {
		p.logger.Warn("ignoring connection event", "error", err)
		return
	}
	p.logger.Debug("connection state", "from", p.state.String(), "to", next.String())
	p.state = next
}

func (p *Provider) fire(ev connEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return
	}
	p.fireLocked(ev)
	p.signalLocked()
}

func (p *Provider) gaugeLocked() {
	size := len(p.queue)
	if p.inflight != nil {
		size++
	}
	p.msink.SetGaugeWithLabels(MetricOutboxQueueSize, float32(size), p.labels)
}

// lastBatchLocked returns the newest unresolved batch writing uri.
func (p *Provider) lastBatchLocked(uri string) *batch {
	for i := len(p.queue) - 1; i >= 0; i-- {
		if p.queue[i].touches(uri) {
			return p.queue[i]
		}
	}
	if p.inflight != nil && p.inflight.touches(uri) {
		return p.inflight
	}
	return nil
}

// sendLocked hands m to the connection's writer. The writer never takes
// p.mu, so blocking here on a full buffer cannot deadlock.
func (p *Provider) sendLocked(m wire.Message) {
	select {
	case p.out <- m:
	case <-p.connCtx.Done():
	}
}

func (p *Provider) subscribeLocked(sub *subscription) {
	sub.msgID = wire.NewID()
	p.subsByMsg[sub.msgID] = sub
	p.incr(&p.stats.subscribes, MetricSubscribeCount)
	p.sendLocked(wire.Message{
		Type:     wire.TypeSubscribe,
		ID:       sub.msgID,
		URI:      sub.uri,
		Selector: sub.selector,
	})
}

// flushLocked sends the head of the outbox if nothing is in flight.
func (p *Provider) flushLocked() []func() {
	var cbs []func()
	for p.inflight == nil && len(p.queue) > 0 && p.out != nil {
		b := p.queue[0]
		p.queue = p.queue[1:]

		msg, err := p.writeMessage(b)
		if err != nil {
			if IsConflictError(err) {
				p.incr(&p.stats.conflicts, MetricConflictCount)
			}
			cbs = append(cbs, b.receipt.resolve(nil, err))
			continue
		}
		p.inflight = b
		p.incr(&p.stats.writes, MetricWriteCount)
		p.sendLocked(msg)
	}
	p.gaugeLocked()
	return cbs
}

func (p *Provider) writeMessage(b *batch) (wire.Message, error) {
	writes, err := b.resolveExpected()
	if err != nil {
		return wire.Message{}, err
	}

	entries := make([]ir.WriteEntry, len(writes))
	for i, w := range writes {
		entries[i] = ir.WriteEntry{URI: w.URI, Value: w.Value, Expected: int64(w.Expected)}
	}
	digest, err := ir.WriteDigest(p.space, b.id, entries)
	if err != nil {
		return wire.Message{}, fmt.Errorf("digest batch %s: %w", b.id, err)
	}
	proof, err := p.signer.SignWrite(p.space, b.id, digest)
	if err != nil {
		return wire.Message{}, fmt.Errorf("sign batch %s: %w", b.id, err)
	}
	return wire.Message{Type: wire.TypeWrite, ID: b.id, Writes: writes, Proof: proof}, nil
}

// run owns the connection lifecycle until Close.
func (p *Provider) run() {
	defer close(p.exited)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.backoff.Initial
	bo.MaxInterval = p.backoff.Max
	bo.Multiplier = p.backoff.Multiplier
	bo.RandomizationFactor = p.backoff.Jitter
	bo.Reset()

	for {
		conn, err := p.connect()
		if err == nil {
			bo.Reset()
			p.serve(conn)
		} else if p.ctx.Err() == nil {
			p.logger.Warn("connect failed", "error", err)
			p.msink.IncrCounterWithLabels(MetricDialErrorCount, 1, slices.Concat(p.labels, []metrics.Label{{Name: MLabelError, Value: errorKind(err)}}))
			p.fire(evDrop)
		}
		if p.ctx.Err() != nil {
			return
		}

		delay := bo.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		p.fire(evRetry)
	}
}

// connect dials and completes the hello/welcome handshake.
func (p *Provider) connect() (Conn, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.handshake)
	defer cancel()

	conn, err := p.dialer.Dial(ctx, p.endpoint)
	if err != nil {
		return nil, err
	}
	token, err := p.signer.SessionToken(p.space, p.tokenTTL)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("session token: %w", err)
	}
	hello := wire.Message{Type: wire.TypeHello, ID: wire.NewID(), Space: p.space, Token: token, DID: p.signer.DID()}
	if err := conn.WriteMessage(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	type reply struct {
		msg wire.Message
		err error
	}
	replies := make(chan reply, 1)
	go func() {
		m, err := conn.ReadMessage()
		replies <- reply{m, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	case r := <-replies:
		switch {
		case r.err != nil:
			conn.Close()
			return nil, fmt.Errorf("handshake: %w", r.err)
		case r.msg.Type == wire.TypeError:
			conn.Close()
			return nil, &RemoteError{Op: "hello", Message: r.msg.Error}
		case r.msg.Type != wire.TypeWelcome:
			conn.Close()
			return nil, fmt.Errorf("handshake: unexpected %s frame", r.msg.Type)
		}
	}
	return conn, nil
}

// serve runs one connection until it fails or is dropped.
func (p *Provider) serve(conn Conn) {
	connCtx, stop := context.WithCancel(p.ctx)
	out := make(chan wire.Message, 256)

	// The writer drains out before anything is queued on it: reissuing
	// more subscriptions than out buffers must not block with p.mu held.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writeLoop(connCtx, stop, conn, out)
	}()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		stop()
		<-writerDone
		return
	}
	p.fireLocked(evHandshake)
	p.out, p.connCtx, p.connStop = out, connCtx, stop
	for _, s := range p.subs {
		if s.state != SubActive {
			p.subscribeLocked(s)
		}
	}
	cbs := p.flushLocked()
	p.signalLocked()
	p.mu.Unlock()
	runAll(cbs)

	p.logger.Info("connected to store")

	for {
		m, err := conn.ReadMessage()
		if err != nil {
			if connCtx.Err() == nil {
				p.logger.Warn("connection lost", "error", err)
			}
			break
		}
		runAll(p.handle(m))
	}
	stop()
	<-writerDone

	p.mu.Lock()
	p.out, p.connCtx, p.connStop = nil, nil, nil
	for _, s := range p.subs {
		if s.state == SubActive {
			s.state = SubStale
		}
		s.msgID = ""
	}
	clear(p.subsByMsg)
	if p.inflight != nil {
		p.queue = append([]*batch{p.inflight}, p.queue...)
		p.inflight = nil
	}
	if p.state != StateClosed {
		p.fireLocked(evDrop)
		p.incr(&p.stats.reconnects, MetricReconnectCount)
	}
	p.signalLocked()
	p.mu.Unlock()
}

func (p *Provider) writeLoop(ctx context.Context, stop context.CancelFunc, conn Conn, out <-chan wire.Message) {
	defer stop()

	var ticks <-chan time.Time
	pg, canPing := conn.(pinger)
	if canPing {
		t := time.NewTicker(p.ping)
		defer t.Stop()
		ticks = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-out:
			if err := conn.WriteMessage(m); err != nil {
				p.logger.Warn("write failed", "type", string(m.Type), "error", err)
				return
			}
		case <-ticks:
			if err := pg.Ping(); err != nil {
				p.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// handle applies one inbound frame and returns the callbacks to run once
// the lock is released. Sink deliveries come before receipt callbacks.
func (p *Provider) handle(m wire.Message) []func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var cbs []func()
	switch m.Type {
	case wire.TypePush:
		cbs = append(cbs, p.acceptLocked(m.URI, m.Value, m.Marker, false)...)
		if sub, ok := p.subsByMsg[m.Re]; ok && m.Re != "" {
			delete(p.subsByMsg, m.Re)
			// Activated after the snapshot reaches the sinks, so a
			// returning Sync implies the sinks have seen it.
			cbs = append(cbs, func() { p.activate(sub) })
		}

	case wire.TypeAck:
		b := p.inflight
		if b == nil || b.id != m.Re {
			p.logger.Warn("ack for unknown batch", "batch", m.Re)
			return nil
		}
		p.inflight = nil
		for uri, marker := range m.Markers {
			if marker > p.known[uri] {
				p.known[uri] = marker
			}
		}
		p.incr(&p.stats.acks, MetricAckCount)
		cbs = append(cbs, b.receipt.resolve(m.Markers, nil))
		cbs = append(cbs, p.flushLocked()...)
		p.signalLocked()

	case wire.TypeConflict:
		b := p.inflight
		if b == nil || b.id != m.Re {
			p.logger.Warn("conflict for unknown batch", "batch", m.Re)
			return nil
		}
		p.inflight = nil
		var expected wire.Marker
		if writes, err := b.resolveExpected(); err == nil {
			for _, w := range writes {
				if w.URI == m.URI {
					expected = w.Expected
				}
			}
		}
		ce := &ConflictError{BatchID: b.id, URI: m.URI, Expected: expected, Current: m.Marker, Value: m.Value}
		p.logger.Info("write conflict", "batch", b.id, "uri", m.URI, "expected", int64(expected), "current", int64(m.Marker))
		p.incr(&p.stats.conflicts, MetricConflictCount)
		cbs = append(cbs, p.acceptLocked(m.URI, m.Value, m.Marker, true)...)
		cbs = append(cbs, b.receipt.resolve(nil, ce))
		cbs = append(cbs, p.flushLocked()...)
		p.signalLocked()

	case wire.TypeError:
		remote := &RemoteError{Op: "request " + m.Re, Message: m.Error}
		if b := p.inflight; b != nil && b.id == m.Re {
			p.inflight = nil
			remote.Op = "write"
			cbs = append(cbs, b.receipt.resolve(nil, remote))
			cbs = append(cbs, p.flushLocked()...)
		} else if sub, ok := p.subsByMsg[m.Re]; ok {
			remote.Op = "subscribe"
			delete(p.subsByMsg, m.Re)
			delete(p.subs, sub.key())
			sub.fail(remote)
		} else {
			p.logger.Warn("store error", "re", m.Re, "error", m.Error)
		}
		p.signalLocked()

	default:
		p.logger.Warn("unexpected frame", "type", string(m.Type))
	}
	return cbs
}

func (p *Provider) activate(sub *subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed || p.subs[sub.key()] != sub {
		return
	}
	sub.activate()
	p.signalLocked()
}

// acceptLocked records a pushed version and returns sink deliveries.
// Versions at or below the known marker are duplicates and are dropped.
func (p *Provider) acceptLocked(uri string, value ir.Value, marker wire.Marker, conflict bool) []func() {
	if marker <= p.known[uri] {
		if marker > 0 {
			p.incr(&p.stats.duplicates, MetricDuplicateCount)
		}
		return nil
	}
	p.known[uri] = marker
	p.incr(&p.stats.pushes, MetricPushCount)

	if value == nil {
		value = ir.Null{}
	}
	u := Update{URI: uri, Value: value, Marker: marker, Conflict: conflict}
	var cbs []func()
	for _, fn := range p.sinks[uri] {
		cbs = append(cbs, func() { fn(u) })
	}
	return cbs
}

// errorKind is a low-cardinality metric label for a connect failure.
func errorKind(err error) string {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "dial"
	}
}

func runAll(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
