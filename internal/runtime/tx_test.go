package runtime_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cellsync/internal/ir"
	"github.com/roach88/cellsync/internal/runtime"
	"github.com/roach88/cellsync/internal/storage"
	"github.com/roach88/cellsync/internal/testutil"
)

func TestCommit_InvalidWriteAbortsWholeTransaction(t *testing.T) {
	srv := testutil.StartStore(t)
	sch := mustSchema(t, helloSchema)

	for k := range 3 {
		t.Run(fmt.Sprintf("invalid write %d of 3", k+1), func(t *testing.T) {
			rt := openRuntime(t, srv.Endpoint)
			cells := make([]runtime.Cell, 3)
			for i := range cells {
				cells[i] = rt.GetCell("", fmt.Sprintf("atomic-%d-%d", k, i), sch)
				set(t, rt, cells[i], hello("before", int64(i)))
			}
			var calls seen
			for _, c := range cells {
				c.Observe(calls.observe)
			}

			tx, err := rt.Edit()
			require.NoError(t, err)
			for i, c := range cells {
				if i == k {
					require.NoError(t, c.Key("count").Set(tx, ir.String("NaN")))
					continue
				}
				require.NoError(t, c.Set(tx, hello("after", int64(i))))
			}

			_, err = tx.Commit()
			require.Error(t, err)
			assert.True(t, runtime.IsSchemaValidationError(err))
			var ve *runtime.SchemaValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, ir.Path{"count"}, ve.Path)
			assert.Equal(t, runtime.TxAborted, tx.State())
			tx.Abort()

			for i, c := range cells {
				assert.True(t, ir.Equal(hello("before", int64(i)), c.Get()), "cell %d: %v", i, c.Get())
			}
			assert.Zero(t, calls.len())

			next, err := rt.Edit()
			require.NoError(t, err, "an aborted transaction must not block Edit")
			next.Abort()
		})
	}
}

func TestCommit_ValidatesFinalViewOfEachCell(t *testing.T) {
	srv := testutil.StartStore(t)
	rt := openRuntime(t, srv.Endpoint)
	cell := rt.GetCell("", "final-view", mustSchema(t, helloSchema))

	tx, err := rt.Edit()
	require.NoError(t, err)
	require.NoError(t, cell.Set(tx, hello("ok", 1)))
	// Untyped child write under a typed parent: the parent's view fails.
	require.NoError(t, rt.GetCell("", "final-view", nil).Key("count").Set(tx, ir.Bool(true)))

	_, err = tx.Commit()
	assert.True(t, runtime.IsSchemaValidationError(err), "got %v", err)
	assert.Equal(t, ir.Null{}, cell.Get())
}

func TestCommit_ObserverReadsCommittingTransaction(t *testing.T) {
	srv := testutil.StartStore(t)
	rt := openRuntime(t, srv.Endpoint)
	cell := rt.GetCell("", "observed-tx", nil)

	tx, err := rt.Edit()
	require.NoError(t, err)
	require.NoError(t, cell.Set(tx, ir.String("v1")))

	var state runtime.TxState
	var got ir.Value
	stop := cell.Observe(func(ir.Value) {
		state = tx.State()
		got = tx.Get(cell)
	})
	defer stop()

	done := make(chan error, 1)
	go func() {
		_, err := tx.Commit()
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("commit did not return while its observer read the transaction")
	}
	assert.Equal(t, runtime.TxCommitted, state)
	assert.Equal(t, ir.String("v1"), got)
}

func TestEdit_OneCallerTransactionAtATime(t *testing.T) {
	srv := testutil.StartStore(t)
	rt := openRuntime(t, srv.Endpoint)

	tx, err := rt.Edit()
	require.NoError(t, err)
	_, err = rt.Edit()
	assert.ErrorIs(t, err, runtime.ErrTransactionOpen)

	tx.Abort()
	tx, err = rt.Edit()
	require.NoError(t, err)
	_, err = tx.Commit()
	require.NoError(t, err)

	_, err = rt.Edit()
	assert.NoError(t, err)
}

func TestSet_WithoutActiveTransaction(t *testing.T) {
	srv := testutil.StartStore(t)
	rt := openRuntime(t, srv.Endpoint)
	cell := rt.GetCell("", "no-tx", nil)

	committed, err := rt.Edit()
	require.NoError(t, err)
	_, err = committed.Commit()
	require.NoError(t, err)

	aborted, err := rt.Edit()
	require.NoError(t, err)
	aborted.Abort()

	tests := []struct {
		name  string
		tx    *runtime.Tx
		state runtime.TxState
	}{
		{"nil", nil, 0},
		{"committed", committed, runtime.TxCommitted},
		{"aborted", aborted, runtime.TxAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cell.Set(tt.tx, ir.Int(1))
			require.Error(t, err)
			assert.True(t, runtime.IsNoActiveTransactionError(err))
			var nat *runtime.NoActiveTransactionError
			require.ErrorAs(t, err, &nat)
			assert.Equal(t, tt.state, nat.State)
		})
	}

	_, err = committed.Commit()
	assert.True(t, runtime.IsNoActiveTransactionError(err))
}

func TestSet_ForeignTransaction(t *testing.T) {
	srv := testutil.StartStore(t)
	a := openRuntime(t, srv.Endpoint)
	b := openRuntime(t, srv.Endpoint)

	tx, err := a.Edit()
	require.NoError(t, err)
	defer tx.Abort()
	err = b.GetCell("", "foreign", nil).Set(tx, ir.Int(1))
	assert.ErrorIs(t, err, runtime.ErrForeignTransaction)
}

func TestTx_StagedWritesInvisibleUntilCommit(t *testing.T) {
	srv := testutil.StartStore(t)
	rt := openRuntime(t, srv.Endpoint)
	cell := rt.GetCell("", "staged", mustSchema(t, helloSchema))
	set(t, rt, cell, hello("old", 1))

	tx, err := rt.Edit()
	require.NoError(t, err)
	require.NoError(t, cell.Key("message").Set(tx, ir.String("new")))
	require.NoError(t, cell.Key("count").Set(tx, ir.Int(2)))
	require.NoError(t, cell.Key("count").Set(tx, ir.Int(3)))

	assert.True(t, ir.Equal(hello("new", 3), tx.Get(cell)), "tx view: %v", tx.Get(cell))
	assert.True(t, ir.Equal(hello("old", 1), cell.Get()), "outside view: %v", cell.Get())

	commit, err := tx.Commit()
	require.NoError(t, err)
	assert.True(t, ir.Equal(hello("new", 3), cell.Get()))
	require.NoError(t, commit.Wait(ctxTimeout(t, 5*time.Second)))
	require.Len(t, commit.Receipts(), 1)
	assert.NotEmpty(t, commit.Receipts()[0].Markers())
}

func TestCell_KeyViewsShareDocument(t *testing.T) {
	srv := testutil.StartStore(t)
	rt := openRuntime(t, srv.Endpoint)
	root := rt.GetCell("", "views", nil)
	again := rt.GetCell("", "views", nil)

	set(t, rt, root.Key("a", "b"), ir.Int(7))

	assert.Equal(t, ir.Int(7), again.Key("a").Key("b").Get())
	assert.True(t, ir.Equal(ir.Object{"a": ir.Object{"b": ir.Int(7)}}, root.Get()))
	assert.Equal(t, root.URI(), again.URI())
	assert.Equal(t, ir.Path{"a", "b"}, root.Key("a", "b").Path())
}

func TestCell_GetFallsBackToSchemaDefault(t *testing.T) {
	srv := testutil.StartStore(t)
	rt := openRuntime(t, srv.Endpoint)
	cell := rt.GetCell("", "defaults", mustSchema(t, `{count: *0 | int, label: *"none" | string}`))

	assert.True(t, ir.Equal(ir.Object{"count": ir.Int(0), "label": ir.String("none")}, cell.Get()))
	assert.Equal(t, ir.Int(0), cell.Key("count").Get())
	assert.Equal(t, ir.Null{}, rt.GetCell("", "defaults", nil).Key("missing").Get())

	set(t, rt, cell.Key("count"), ir.Int(9))
	assert.Equal(t, ir.Int(9), cell.Key("count").Get())
	assert.Equal(t, ir.String("none"), cell.Key("label").Get())
}

func TestCell_ObserveSeesChangesAtItsPath(t *testing.T) {
	srv := testutil.StartStore(t)
	rt := openRuntime(t, srv.Endpoint)
	cell := rt.GetCell("", "observed", mustSchema(t, helloSchema))
	set(t, rt, cell, hello("start", 0))

	var count, message seen
	cancel := cell.Key("count").Observe(count.observe)
	cell.Key("message").Observe(message.observe)

	set(t, rt, cell.Key("count"), ir.Int(1))
	set(t, rt, cell.Key("count"), ir.Int(1))
	set(t, rt, cell.Key("message"), ir.String("changed"))
	cancel()
	set(t, rt, cell.Key("count"), ir.Int(2))

	assert.Equal(t, []ir.Value{ir.Int(1)}, count.snapshot())
	assert.Equal(t, []ir.Value{ir.String("changed")}, message.snapshot())
}

func TestSync_AtMostOneSubscribePerSelector(t *testing.T) {
	srv := testutil.StartStore(t)
	ctx := ctxTimeout(t, 10*time.Second)
	rt := openRuntime(t, srv.Endpoint)
	cell := rt.GetCell("", "dedupe", mustSchema(t, helloSchema))

	require.NoError(t, cell.Sync(ctx))
	p, err := rt.Storage().Provider("")
	require.NoError(t, err)
	before := p.Stats().Subscribes

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- cell.Sync(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, cell.Sync(ctx))

	assert.Equal(t, before, p.Stats().Subscribes)
	var matching int
	for _, s := range p.Subscriptions() {
		if s.URI == cell.URI() && s.Selector.Schema == cell.Schema().Source() {
			matching++
			assert.Equal(t, storage.SubActive, s.State)
		}
	}
	assert.Equal(t, 1, matching)
}

// Overlapping selectors on one document are independent subscriptions.
// Each gets its own pushes; the provider delivers a version once.
func TestSync_OverlappingSelectorsAreIndependent(t *testing.T) {
	srv := testutil.StartStore(t)
	ctx := ctxTimeout(t, 10*time.Second)
	sch := mustSchema(t, helloSchema)
	a := openRuntime(t, srv.Endpoint)
	b := openRuntime(t, srv.Endpoint)

	root := b.GetCell("", "overlap", sch)
	msg := root.Key("message")
	require.NoError(t, root.Sync(ctx))
	require.NoError(t, msg.Sync(ctx))

	bp, err := b.Storage().Provider("")
	require.NoError(t, err)
	var subs int
	for _, s := range bp.Subscriptions() {
		if s.URI == root.URI() {
			subs++
		}
	}
	assert.Equal(t, 3, subs, "document watch, root selector and message selector")

	var got seen
	root.Observe(got.observe)
	dups := bp.Stats().Duplicates

	writer := a.GetCell("", "overlap", sch)
	set(t, a, writer, hello("x", 1))
	// Every selector sees the message change: three pushes, one version.
	require.Eventually(t, func() bool { return bp.Stats().Duplicates-dups == 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, b.Storage().Synced(ctx))
	assert.Equal(t, 1, got.len())

	// Only count changes: the message selector is not pushed.
	set(t, a, writer.Key("count"), ir.Int(2))
	require.Eventually(t, func() bool { return got.len() == 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, a.Storage().Synced(ctx))
	require.NoError(t, b.Storage().Synced(ctx))
	assert.Equal(t, int64(3), bp.Stats().Duplicates-dups)
	assert.True(t, ir.Equal(hello("x", 2), root.Get()))
}

func TestConflict_RevertsToStoreValue(t *testing.T) {
	srv := testutil.StartStore(t)
	ctx := ctxTimeout(t, 10*time.Second)
	gate := testutil.NewGatedDialer()
	a := openRuntime(t, srv.Endpoint)
	b := openRuntime(t, srv.Endpoint, withDialer(gate))

	ac := a.GetCell("", "contested", nil)
	bc := b.GetCell("", "contested", nil)
	set(t, a, ac, ir.String("base"))
	require.NoError(t, bc.Sync(ctx))
	require.Equal(t, ir.String("base"), bc.Get())

	bp, err := b.Storage().Provider("")
	require.NoError(t, err)
	gate.Shut()
	b.Storage().Reconnect()
	require.Eventually(t, func() bool { return bp.State() != storage.StateConnected }, 5*time.Second, 5*time.Millisecond)

	tx, err := b.Edit()
	require.NoError(t, err)
	require.NoError(t, bc.Set(tx, ir.String("from-b")))
	commit, err := tx.Commit()
	require.NoError(t, err)
	assert.Equal(t, ir.String("from-b"), bc.Get(), "local commit is visible at once")

	set(t, a, ac, ir.String("from-a"))
	gate.Open()

	err = commit.Wait(ctx)
	var ce *storage.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.True(t, runtime.IsConflictError(err))
	assert.Equal(t, ir.String("from-a"), ce.Value)
	assert.Equal(t, ir.String("from-a"), bc.Get())

	var published bool
	for _, e := range drainErrors(b) {
		published = published || runtime.IsConflictError(e)
	}
	assert.True(t, published, "conflict is published on Errors")

	require.NoError(t, b.Storage().Synced(ctx))
	require.NoError(t, ac.Sync(ctx))
	assert.Equal(t, ir.String("from-a"), ac.Get())
}

func TestHandler_RunsInItsOwnTransaction(t *testing.T) {
	srv := testutil.StartStore(t)
	ctx := ctxTimeout(t, 10*time.Second)
	rt := openRuntime(t, srv.Endpoint)
	n := rt.GetCell("", "handled", mustSchema(t, `{n: *0 | int}`)).Key("n")

	rt.Handle("increment", func(tx *runtime.Tx, payload ir.Value) error {
		cur, _ := tx.Get(n).(ir.Int)
		by, _ := payload.(ir.Int)
		return n.Set(tx, cur+by)
	})
	stop := rt.Handle("fail", func(tx *runtime.Tx, _ ir.Value) error {
		if err := n.Set(tx, ir.Int(100)); err != nil {
			return err
		}
		return errors.New("boom")
	})

	// A caller transaction stays open throughout; handlers do not count
	// against it.
	open, err := rt.Edit()
	require.NoError(t, err)
	defer open.Abort()

	for range 3 {
		require.NoError(t, rt.Send("increment", ir.Int(2)))
	}
	require.NoError(t, rt.Send("fail", nil))
	require.NoError(t, rt.Storage().Synced(ctx))
	assert.Equal(t, ir.Int(6), n.Get())

	var he *runtime.HandlerError
	var found bool
	for _, e := range drainErrors(rt) {
		if errors.As(e, &he) {
			found = true
			assert.Equal(t, "fail", he.Trigger)
		}
	}
	assert.True(t, found)

	stop()
	require.NoError(t, rt.Send("fail", nil))
	require.NoError(t, rt.Storage().Synced(ctx))
	assert.Empty(t, drainErrors(rt))
}

func TestHandler_SendFromHandlerChains(t *testing.T) {
	srv := testutil.StartStore(t)
	ctx := ctxTimeout(t, 10*time.Second)
	rt := openRuntime(t, srv.Endpoint)
	log := rt.GetCell("", "chain", nil)

	rt.Handle("first", func(tx *runtime.Tx, _ ir.Value) error {
		if err := log.Key("first").Set(tx, ir.Bool(true)); err != nil {
			return err
		}
		return rt.Send("second", nil)
	})
	rt.Handle("second", func(tx *runtime.Tx, _ ir.Value) error {
		return log.Key("second").Set(tx, ir.Bool(true))
	})

	require.NoError(t, rt.Send("first", nil))
	require.NoError(t, rt.Storage().Synced(ctx))
	assert.True(t, ir.Equal(ir.Object{"first": ir.Bool(true), "second": ir.Bool(true)}, log.Get()))
}

func TestDispose(t *testing.T) {
	srv := testutil.StartStore(t)
	ctx := ctxTimeout(t, 10*time.Second)
	gate := testutil.NewGatedDialer()
	rt := openRuntime(t, srv.Endpoint, withDialer(gate))
	cell := rt.GetCell("", "disposed", nil)
	set(t, rt, cell, ir.Int(1))

	p, err := rt.Storage().Provider("")
	require.NoError(t, err)
	gate.Shut()
	rt.Storage().Reconnect()
	require.Eventually(t, func() bool { return p.State() != storage.StateConnected }, 5*time.Second, 5*time.Millisecond)

	tx, err := rt.Edit()
	require.NoError(t, err)
	require.NoError(t, cell.Set(tx, ir.Int(2)))
	commit, err := tx.Commit()
	require.NoError(t, err)

	require.NoError(t, rt.Dispose())
	require.NoError(t, rt.Dispose())

	assert.ErrorIs(t, commit.Wait(ctx), storage.ErrClosed)
	assert.Equal(t, ir.Int(2), cell.Get(), "committed local writes are kept")

	_, err = rt.Edit()
	assert.ErrorIs(t, err, runtime.ErrDisposed)
	assert.ErrorIs(t, cell.Sync(ctx), runtime.ErrDisposed)
	assert.ErrorIs(t, rt.Send("anything", nil), runtime.ErrDisposed)
	assert.ErrorIs(t, rt.Storage().Synced(ctx), runtime.ErrDisposed)
	_, err = rt.Derive("late", cell, func(*runtime.Reader) (ir.Value, error) { return ir.Int(0), nil })
	assert.ErrorIs(t, err, runtime.ErrDisposed)
}
