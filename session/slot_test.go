package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentgate/core"
	"github.com/hupe1980/agentgate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSlot(t *testing.T, m *testutil.ScriptedModel, opts SlotOptions) *Slot {
	t.Helper()
	f := newFactory(m)
	s := NewSlot(func() (core.Binding, error) { return f.Open(core.Options{}) }, opts)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestSlot_QueuedQueriesRunInOrderWithoutOverlap(t *testing.T) {
	m := testutil.NewScriptedModel("a", "b")
	m.Hold = make(chan struct{})
	s := newTestSlot(t, m, SlotOptions{MaxQueue: 8})

	first, err := s.Run(context.Background(), "q0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*core.Result, 4)
	for i := 1; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := s.Run(context.Background(), fmt.Sprintf("q%d", i))
			if !assert.NoError(t, err) {
				return
			}
			results[i] = core.Aggregate(st.Collect(context.Background()))
		}(i)
		require.Eventually(t, func() bool { return s.Queued() == i }, time.Second, time.Millisecond)
	}

	assert.True(t, s.Busy())
	close(m.Hold)

	results[0] = core.Aggregate(first.Collect(context.Background()))
	wg.Wait()

	for i, r := range results {
		require.NotNil(t, r, "query %d", i)
		assert.Equal(t, core.StatusSuccess, r.Status)
		assert.Equal(t, "ab", r.Text)
	}
	assert.Equal(t, []string{"q0", "q1", "q2", "q3"}, m.Prompts())
	assert.Equal(t, 1, m.MaxInFlight())
	assert.Equal(t, int64(4), s.Queries())
	require.Eventually(t, func() bool { return !s.Busy() }, time.Second, time.Millisecond)
}

func TestSlot_RejectsWhenQueueFull(t *testing.T) {
	m := testutil.NewScriptedModel("x")
	m.Hold = make(chan struct{})
	s := newTestSlot(t, m, SlotOptions{MaxQueue: 0})

	st, err := s.Run(context.Background(), "first")
	require.NoError(t, err)
	defer st.Close()

	_, err = s.Run(context.Background(), "second")
	assert.ErrorIs(t, err, core.ErrSessionBusy)
}

func TestSlot_QueueTimeout(t *testing.T) {
	m := testutil.NewScriptedModel("x")
	m.Hold = make(chan struct{})
	s := newTestSlot(t, m, SlotOptions{MaxQueue: 1, QueueTimeout: 20 * time.Millisecond})

	st, err := s.Run(context.Background(), "first")
	require.NoError(t, err)
	defer st.Close()

	start := time.Now()
	_, err = s.Run(context.Background(), "second")
	assert.ErrorIs(t, err, core.ErrQueueTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, s.Queued())
	assert.Equal(t, 1, m.Calls())
}

func TestSlot_WaiterCancelledByCaller(t *testing.T) {
	m := testutil.NewScriptedModel("x")
	m.Hold = make(chan struct{})
	s := newTestSlot(t, m, SlotOptions{MaxQueue: 1})

	st, err := s.Run(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, "second")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return s.Queued() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errCh, core.ErrCancelled)
	assert.Equal(t, 0, s.Queued())

	// the running query is unaffected and the slot frees up afterwards
	close(m.Hold)
	require.NoError(t, st.Wait())
	require.Eventually(t, func() bool { return !s.Busy() }, time.Second, time.Millisecond)

	next, err := s.Run(context.Background(), "third")
	require.NoError(t, err)
	assert.NoError(t, next.Wait())
}

func TestSlot_ConsumerCloseReleases(t *testing.T) {
	m := testutil.NewScriptedModel("x")
	m.Hold = make(chan struct{})
	s := newTestSlot(t, m, SlotOptions{MaxQueue: 1})

	st, err := s.Run(context.Background(), "first")
	require.NoError(t, err)
	st.Close()

	select {
	case <-s.Idle():
	case <-time.After(time.Second):
		t.Fatal("slot not released after consumer close")
	}
	require.Eventually(t, func() bool { return m.InFlight() == 0 }, time.Second, time.Millisecond)
}

func TestSlot_CloseFailsWaitersAndCancelsCurrent(t *testing.T) {
	m := testutil.NewScriptedModel("x")
	m.Hold = make(chan struct{})
	f := newFactory(m)
	s := NewSlot(func() (core.Binding, error) { return f.Open(core.Options{}) }, SlotOptions{MaxQueue: 4})

	st, err := s.Run(context.Background(), "first")
	require.NoError(t, err)

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.Run(context.Background(), "waiting")
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return s.Queued() == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	assert.ErrorIs(t, <-errCh, core.ErrCancelled)
	assert.ErrorIs(t, <-errCh, core.ErrCancelled)
	assert.ErrorIs(t, st.Wait(), core.ErrCancelled)
	assert.Equal(t, 0, f.Live())

	_, err = s.Run(context.Background(), "late")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	assert.NoError(t, s.Close(context.Background()))
}

func TestSlot_CloseTimeoutStillDisposesBinding(t *testing.T) {
	m := testutil.NewScriptedModel("x")
	f := newFactory(m)
	s := NewSlot(func() (core.Binding, error) { return f.Open(core.Options{}) }, SlotOptions{})

	// hold the slot without a stream so Close cannot cancel anything
	require.NoError(t, s.acquire(context.Background()))
	_, err := s.bind()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Close(ctx), core.ErrTimeout)
	assert.Equal(t, 1, f.Live())

	s.release()
	require.Eventually(t, func() bool { return f.Live() == 0 }, time.Second, time.Millisecond)
}

func TestSlot_CloseIfIdle(t *testing.T) {
	m := testutil.NewScriptedModel("x")
	m.Hold = make(chan struct{})
	f := newFactory(m)
	s := NewSlot(func() (core.Binding, error) { return f.Open(core.Options{}) }, SlotOptions{MaxQueue: 1})

	assert.False(t, s.CloseIfIdle(time.Minute, s.LastActive().Add(time.Minute)), "idle exactly for the ttl")

	st, err := s.Run(context.Background(), "busy")
	require.NoError(t, err)
	assert.False(t, s.CloseIfIdle(time.Minute, time.Now().Add(time.Hour)), "running query")

	close(m.Hold)
	require.NoError(t, st.Wait())

	require.True(t, s.CloseIfIdle(time.Minute, time.Now().Add(time.Hour)))
	assert.False(t, s.CloseIfIdle(time.Minute, time.Now().Add(time.Hour)))

	_, err = s.Run(context.Background(), "late")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	assert.Equal(t, 1, f.Live())
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 0, f.Live())
}
