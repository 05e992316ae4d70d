package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/cellsync/internal/identity"
	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/store"
	"github.com/roach88/cellsync/internal/wire"
)

func (s *Server) dispatch(c *session, m wire.Message) {
	ctx := context.Background()

	switch m.Type {
	case wire.TypeSubscribe:
		s.subscribe(ctx, c, m)
	case wire.TypeUnsubscribe:
		s.mu.Lock()
		delete(c.subs, wire.SubscriptionKey(m.URI, m.Selector))
		s.mu.Unlock()
	case wire.TypeWrite:
		s.write(ctx, c, m)
	default:
		c.send(errorFrame(m.ID, fmt.Errorf("unsupported frame %q", m.Type)))
	}
}

func errorFrame(re string, err error) wire.Message {
	return wire.Message{Type: wire.TypeError, Re: re, Error: err.Error()}
}

// subscribe registers (uri, selector) for the session and replies with the
// current snapshot. The reply's Re is the subscribe id; that is the
// client's acknowledgement.
func (s *Server) subscribe(ctx context.Context, c *session, m wire.Message) {
	if m.URI == "" {
		c.send(errorFrame(m.ID, errors.New("subscribe without uri")))
		return
	}
	if _, err := s.document(ctx, c.space, m.URI); err != nil {
		s.logger.Error("load document", "space", c.space, "uri", m.URI, "error", err)
		c.send(errorFrame(m.ID, err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c.subs[wire.SubscriptionKey(m.URI, m.Selector)] = subscription{uri: m.URI, selector: m.Selector}
	rec := s.docs[docKey{c.space, m.URI}]
	c.send(wire.Message{
		Type:     wire.TypePush,
		Re:       m.ID,
		URI:      m.URI,
		Selector: m.Selector,
		Value:    rec.Value,
		Marker:   rec.Marker,
	})
}

// write applies a batch all-or-nothing.
//
// A batch id already in the commit log is answered with its original
// markers, so a client resending after a lost ack is not rejected as a
// conflict against its own write.
func (s *Server) write(ctx context.Context, c *session, m wire.Message) {
	if m.ID == "" || len(m.Writes) == 0 {
		c.send(errorFrame(m.ID, errors.New("write needs an id and at least one document")))
		return
	}
	if err := s.verifyWrite(c, m); err != nil {
		s.metrics.rejected.WithLabelValues("proof").Inc()
		c.send(errorFrame(m.ID, err))
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if markers, ok, err := s.backend.LookupBatch(ctx, c.space, m.ID); err != nil {
		c.send(errorFrame(m.ID, err))
		return
	} else if ok {
		s.metrics.replays.Inc()
		c.send(wire.Message{Type: wire.TypeAck, Re: m.ID, Markers: markers})
		return
	}

	previous := make(map[string]store.Record, len(m.Writes))
	for _, w := range m.Writes {
		cur, err := s.document(ctx, c.space, w.URI)
		if err != nil {
			c.send(errorFrame(m.ID, err))
			return
		}
		if cur.Marker != w.Expected {
			s.metrics.conflicts.Inc()
			c.logger.Debug("write conflict", "batch", m.ID, "uri", w.URI,
				"expected", int64(w.Expected), "current", int64(cur.Marker))
			c.send(wire.Message{
				Type:   wire.TypeConflict,
				Re:     m.ID,
				URI:    w.URI,
				Value:  cur.Value,
				Marker: cur.Marker,
			})
			return
		}
		previous[w.URI] = cur
	}

	marker := wire.Marker(s.clock.Next())
	records := make([]store.Record, len(m.Writes))
	markers := make(map[string]wire.Marker, len(m.Writes))
	for i, w := range m.Writes {
		value := w.Value
		if value == nil {
			value = ir.Null{}
		}
		records[i] = store.Record{URI: w.URI, Value: value, Marker: marker}
		markers[w.URI] = marker
	}
	if err := s.backend.Apply(ctx, c.space, m.ID, records); err != nil {
		s.logger.Error("apply batch", "batch", m.ID, "error", err)
		c.send(errorFrame(m.ID, err))
		return
	}
	s.metrics.commits.Inc()

	s.publish(c, records, previous, markers, m.ID)
}

func (s *Server) verifyWrite(c *session, m wire.Message) error {
	entries := make([]ir.WriteEntry, len(m.Writes))
	for i, w := range m.Writes {
		entries[i] = ir.WriteEntry{URI: w.URI, Value: w.Value, Expected: int64(w.Expected)}
	}
	digest, err := ir.WriteDigest(c.space, m.ID, entries)
	if err != nil {
		return err
	}
	return identity.VerifyWrite(m.Proof, c.did, c.space, m.ID, digest)
}

// publish caches the new versions, acks the writer and pushes to every
// other subscription in the space whose selected sub-tree changed.
func (s *Server) publish(writer *session, records []store.Record, previous map[string]store.Record, markers map[string]wire.Marker, batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		s.docs[docKey{writer.space, rec.URI}] = rec
	}
	writer.send(wire.Message{Type: wire.TypeAck, Re: batchID, Markers: markers})

	for sess := range s.sessions {
		if sess == writer || sess.space != writer.space {
			continue
		}
		for _, rec := range records {
			for _, sub := range sess.subs {
				if sub.uri != rec.URI || !changedAt(previous[rec.URI].Value, rec.Value, sub.selector.Path) {
					continue
				}
				s.metrics.pushes.Inc()
				sess.send(wire.Message{
					Type:     wire.TypePush,
					URI:      rec.URI,
					Selector: sub.selector,
					Value:    rec.Value,
					Marker:   rec.Marker,
				})
			}
		}
	}
}

func changedAt(before, after ir.Value, path ir.Path) bool {
	b, _ := ir.GetPath(before, path)
	a, _ := ir.GetPath(after, path)
	return !ir.Equal(b, a)
}
