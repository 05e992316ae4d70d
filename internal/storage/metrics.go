package storage

import (
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricSubscribeCount  = []string{"cellsync", "storage", "subscribe", "count"}
	MetricPushCount       = []string{"cellsync", "storage", "push", "count"}
	MetricDuplicateCount  = []string{"cellsync", "storage", "push", "duplicate", "count"}
	MetricWriteCount      = []string{"cellsync", "storage", "write", "count"}
	MetricAckCount        = []string{"cellsync", "storage", "ack", "count"}
	MetricConflictCount   = []string{"cellsync", "storage", "conflict", "count"}
	MetricReconnectCount  = []string{"cellsync", "storage", "reconnect", "count"}
	MetricDialErrorCount  = []string{"cellsync", "storage", "dial", "error", "count"}
	MetricOutboxQueueSize = []string{"cellsync", "storage", "outbox", "size"}
)

// Label names attached to provider metrics.
const (
	MLabelSpace = "space"
	MLabelError = "error"
)

// Stats counts protocol traffic for one provider.
type Stats struct {
	Subscribes  int64
	Pushes      int64
	Duplicates  int64
	Writes      int64
	Acks        int64
	Conflicts   int64
	Reconnects  int64
	Unsubscribe int64
}

type counters struct {
	subscribes   atomic.Int64
	pushes       atomic.Int64
	duplicates   atomic.Int64
	writes       atomic.Int64
	acks         atomic.Int64
	conflicts    atomic.Int64
	reconnects   atomic.Int64
	unsubscribes atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Subscribes:  c.subscribes.Load(),
		Pushes:      c.pushes.Load(),
		Duplicates:  c.duplicates.Load(),
		Writes:      c.writes.Load(),
		Acks:        c.acks.Load(),
		Conflicts:   c.conflicts.Load(),
		Reconnects:  c.reconnects.Load(),
		Unsubscribe: c.unsubscribes.Load(),
	}
}

// incr bumps a local counter and mirrors it to the metric sink.
func (p *Provider) incr(c *atomic.Int64, name []string, extra ...metrics.Label) {
	c.Add(1)
	labels := append(append([]metrics.Label(nil), p.labels...), extra...)
	p.msink.IncrCounterWithLabels(name, 1.0, labels)
}
