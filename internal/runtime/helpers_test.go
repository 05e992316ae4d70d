package runtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellsync/internal/identity"
	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/runtime"
	"github.com/roach88/cellsync/internal/schema"
	"github.com/roach88/cellsync/internal/storage"
	"github.com/roach88/cellsync/internal/testutil"
)

const helloSchema = `{message: string, count: number}`

// owner is the space every test document lives in. Runtimes in one test
// share it the way two processes signed by one identity would.
var owner = identity.FromPassphrase("runtime-tests")

func openRuntime(t *testing.T, endpoint string, opts ...func(*runtime.Config)) *runtime.Runtime {
	t.Helper()
	cfg := runtime.Config{
		Endpoint:   endpoint,
		Signer:     owner,
		Backoff:    testutil.FastBackoff(),
		MetricSink: &metrics.BlackholeSink{},
		Logger:     testutil.Logger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	rt, err := runtime.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Dispose() })
	return rt
}

func withDialer(d storage.Dialer) func(*runtime.Config) {
	return func(c *runtime.Config) { c.Dialer = d }
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

// set commits one write and waits for the store to accept it.
func set(t *testing.T, rt *runtime.Runtime, c runtime.Cell, v ir.Value) {
	t.Helper()
	tx, err := rt.Edit()
	require.NoError(t, err)
	require.NoError(t, c.Set(tx, v))
	commit, err := tx.Commit()
	require.NoError(t, err)
	require.NoError(t, commit.Wait(ctxTimeout(t, 5*time.Second)))
}

func hello(message string, count int64) ir.Value {
	return ir.Object{"message": ir.String(message), "count": ir.Int(count)}
}

func mustSchema(t *testing.T, src string) *schema.Schema {
	t.Helper()
	s, err := schema.Compile(src)
	require.NoError(t, err)
	return s
}

// seen records observer calls.
type seen struct {
	mu     sync.Mutex
	values []ir.Value
}

func (s *seen) observe(v ir.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = append(s.values, v)
}

func (s *seen) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

func (s *seen) snapshot() []ir.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ir.Value(nil), s.values...)
}

// drainErrors returns whatever is buffered on the runtime's error channel.
func drainErrors(rt *runtime.Runtime) []error {
	var out []error
	for {
		select {
		case err := <-rt.Errors():
			out = append(out, err)
		default:
			return out
		}
	}
}
