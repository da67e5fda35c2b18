package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

func trackers(t *testing.T) map[string]*Tracker {
	t.Helper()
	kv, err := store.NewSQLiteKV(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return map[string]*Tracker{
		"memory":  New(NewMemoryState()),
		"durable": New(NewDurableState(kv)),
	}
}

func TestLifecycle(t *testing.T) {
	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tr.Enqueue(ctx, "a"))

			st, err := tr.Status(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, Status{State: model.StatusQueued, Position: 0}, st)

			require.NoError(t, tr.MarkRunning(ctx, "a"))
			st, _ = tr.Status(ctx, "a")
			assert.Equal(t, model.StatusRunning, st.State)

			require.NoError(t, tr.MarkComplete(ctx, "a"))
			st, _ = tr.Status(ctx, "a")
			assert.Equal(t, model.StatusComplete, st.State)
		})
	}
}

func TestQueuePositions(t *testing.T) {
	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, tok := range []string{"a", "b", "c"} {
				require.NoError(t, tr.Enqueue(ctx, tok))
			}
			for i, tok := range []string{"a", "b", "c"} {
				st, err := tr.Status(ctx, tok)
				require.NoError(t, err)
				assert.Equal(t, i, st.Position, tok)
			}

			require.NoError(t, tr.MarkRunning(ctx, "a"))
			st, _ := tr.Status(ctx, "b")
			assert.Equal(t, 0, st.Position)
			st, _ = tr.Status(ctx, "c")
			assert.Equal(t, 1, st.Position)
		})
	}
}

func TestUnknownToken(t *testing.T) {
	for name, tr := range trackers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := tr.Status(ctx, "ghost")
			require.NoError(t, err)
			assert.Equal(t, model.StatusInvalidToken, st.State)

			assert.ErrorIs(t, tr.MarkRunning(ctx, "ghost"), ErrInvalidTransition)
			assert.ErrorIs(t, tr.MarkComplete(ctx, "ghost"), ErrInvalidTransition)
			assert.ErrorIs(t, tr.Forget(ctx, "ghost"), ErrInvalidToken)
		})
	}
}

func TestDuplicateEnqueue(t *testing.T) {
	tr := New(NewMemoryState())
	ctx := context.Background()
	require.NoError(t, tr.Enqueue(ctx, "a"))
	assert.ErrorIs(t, tr.Enqueue(ctx, "a"), ErrDuplicateToken)

	require.NoError(t, tr.MarkRunning(ctx, "a"))
	assert.ErrorIs(t, tr.Enqueue(ctx, "a"), ErrDuplicateToken)
}

func TestIllegalTransitions(t *testing.T) {
	tr := New(NewMemoryState())
	ctx := context.Background()
	require.NoError(t, tr.Enqueue(ctx, "a"))

	assert.ErrorIs(t, tr.MarkComplete(ctx, "a"), ErrInvalidTransition, "queued -> complete")
	assert.ErrorIs(t, tr.MarkFailed(ctx, "a"), ErrInvalidTransition, "queued -> failed")

	require.NoError(t, tr.MarkRunning(ctx, "a"))
	assert.ErrorIs(t, tr.MarkRunning(ctx, "a"), ErrInvalidTransition, "running -> running")

	require.NoError(t, tr.MarkComplete(ctx, "a"))
	assert.ErrorIs(t, tr.MarkComplete(ctx, "a"), ErrInvalidTransition, "repeat complete")
	assert.ErrorIs(t, tr.MarkFailed(ctx, "a"), ErrInvalidTransition, "complete -> failed")

	st, _ := tr.Status(ctx, "a")
	assert.Equal(t, model.StatusComplete, st.State)
}

func TestAbandon(t *testing.T) {
	tr := New(NewMemoryState())
	ctx := context.Background()
	require.NoError(t, tr.Enqueue(ctx, "q"))
	require.NoError(t, tr.Enqueue(ctx, "r"))
	require.NoError(t, tr.MarkRunning(ctx, "r"))

	require.NoError(t, tr.Abandon(ctx, "q"))
	require.NoError(t, tr.Abandon(ctx, "r"))

	for _, tok := range []string{"q", "r"} {
		st, _ := tr.Status(ctx, tok)
		assert.Equal(t, model.StatusFailed, st.State, tok)
	}
	assert.ErrorIs(t, tr.Abandon(ctx, "q"), ErrInvalidTransition)
}

func TestWithdraw(t *testing.T) {
	tr := New(NewMemoryState())
	ctx := context.Background()
	require.NoError(t, tr.Enqueue(ctx, "a"))
	require.NoError(t, tr.Enqueue(ctx, "b"))

	require.NoError(t, tr.Withdraw(ctx, "a"))
	st, _ := tr.Status(ctx, "a")
	assert.Equal(t, model.StatusInvalidToken, st.State)
	st, _ = tr.Status(ctx, "b")
	assert.Equal(t, 0, st.Position)
}

func TestForget(t *testing.T) {
	tr := New(NewMemoryState())
	ctx := context.Background()
	require.NoError(t, tr.Enqueue(ctx, "a"))
	assert.ErrorIs(t, tr.Forget(ctx, "a"), ErrInvalidTransition)

	require.NoError(t, tr.MarkRunning(ctx, "a"))
	require.NoError(t, tr.MarkFailed(ctx, "a"))
	require.NoError(t, tr.Forget(ctx, "a"))

	st, _ := tr.Status(ctx, "a")
	assert.Equal(t, model.StatusInvalidToken, st.State)
}

func TestDurableStateSharedAcrossTrackers(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()
	producer := New(NewDurableState(kv))
	observer := New(NewDurableState(kv))

	require.NoError(t, producer.Enqueue(ctx, "a"))
	require.NoError(t, producer.Enqueue(ctx, "b"))
	require.NoError(t, producer.MarkRunning(ctx, "a"))

	st, err := observer.Status(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, Status{State: model.StatusQueued, Position: 0}, st)

	running, queued, err := observer.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, running)
	assert.Equal(t, []string{"b"}, queued)
}

func TestSnapshot(t *testing.T) {
	tr := New(NewMemoryState())
	ctx := context.Background()
	for _, tok := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tr.Enqueue(ctx, tok))
	}
	require.NoError(t, tr.MarkRunning(ctx, "a"))
	require.NoError(t, tr.MarkRunning(ctx, "b"))
	require.NoError(t, tr.MarkComplete(ctx, "a"))
	require.NoError(t, tr.MarkFailed(ctx, "b"))
	require.NoError(t, tr.MarkRunning(ctx, "c"))

	snap, err := tr.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, snap.Queued)
	assert.Equal(t, []string{"c"}, snap.Running)
	assert.Equal(t, 1, snap.Complete)
	assert.Equal(t, 1, snap.Failed)
}

func TestConcurrentEnqueueDistinctPositions(t *testing.T) {
	tr := New(NewMemoryState())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, tr.Enqueue(ctx, fmt.Sprintf("t%02d", i)))
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := 0; i < 40; i++ {
		st, err := tr.Status(ctx, fmt.Sprintf("t%02d", i))
		require.NoError(t, err)
		assert.False(t, seen[st.Position], "position %d reported twice", st.Position)
		seen[st.Position] = true
	}
	assert.Len(t, seen, 40)
}

func TestTerminalHistoryIsBounded(t *testing.T) {
	kv := store.NewMemoryKV()
	state := NewDurableState(kv)
	tr := New(state)
	tr.retain = 3
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tok := fmt.Sprintf("t%02d", i)
		require.NoError(t, tr.Enqueue(ctx, tok))
		require.NoError(t, tr.MarkRunning(ctx, tok))
		if i%2 == 0 {
			require.NoError(t, tr.MarkComplete(ctx, tok))
		} else {
			require.NoError(t, tr.MarkFailed(ctx, tok))
		}
	}

	doc, err := state.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t04", "t06", "t08"}, doc.Complete)
	assert.Equal(t, []string{"t05", "t07", "t09"}, doc.Failed)

	snap, err := tr.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Complete)
	assert.Equal(t, 5, snap.Failed)

	st, _ := tr.Status(ctx, "t00")
	assert.Equal(t, model.StatusInvalidToken, st.State, "evicted")
	st, _ = tr.Status(ctx, "t08")
	assert.Equal(t, model.StatusComplete, st.State)
	assert.ErrorIs(t, tr.Forget(ctx, "t00"), ErrInvalidToken)

	require.NoError(t, tr.Forget(ctx, "t08"))
	snap, _ = tr.Snapshot(ctx)
	assert.Equal(t, 5, snap.Complete, "forget keeps the total")
}

func TestSnapshotCountsLegacyDocument(t *testing.T) {
	kv := store.NewMemoryKV()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, stateKey, []byte(`{"queued":[],"running":[],"complete":["a","b"],"failed":["c"]}`)))

	tr := New(NewDurableState(kv))
	snap, err := tr.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Complete)
	assert.Equal(t, 1, snap.Failed)

	require.NoError(t, kv.Set(ctx, stateKey, []byte(`{"queued":[],"running":["d"],"complete":["a","b"],"failed":["c"]}`)))
	require.NoError(t, tr.MarkComplete(ctx, "d"))
	snap, _ = tr.Snapshot(ctx)
	assert.Equal(t, 3, snap.Complete)
}
