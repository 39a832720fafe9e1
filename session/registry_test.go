package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hupe1980/agentgate/core"
	"github.com/hupe1980/agentgate/engine"
	"github.com/hupe1980/agentgate/internal/testutil"
	"github.com/hupe1980/agentgate/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFactory(m model.Model) *engine.Factory {
	f := engine.New(func(o *engine.Options) { o.Defaults.Backend = "test" })
	f.Register("test", func(core.Options) (model.Model, error) { return m, nil })
	return f
}

func TestRegistry_CreateGetListDelete(t *testing.T) {
	f := newFactory(testutil.NewScriptedModel("ok"))
	r := NewRegistry(f)

	a, err := r.Create(core.Options{SystemPrompt: "a", Env: map[string]string{"ANTHROPIC_API_KEY": "secret"}})
	require.NoError(t, err)
	b, err := r.Create(core.Options{SystemPrompt: "b"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	got, err := r.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID(), list[0].ID)
	assert.Equal(t, core.SessionActive, list[0].Status)
	assert.Equal(t, "***", list[0].Options.Env["ANTHROPIC_API_KEY"])

	require.NoError(t, r.Delete(context.Background(), a.ID()))
	assert.Equal(t, core.SessionClosed, a.Status())

	_, err = r.Get(a.ID())
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	assert.ErrorIs(t, r.Delete(context.Background(), a.ID()), core.ErrSessionNotFound)
	assert.ErrorIs(t, r.Delete(context.Background(), "missing"), core.ErrSessionNotFound)

	list = r.List()
	require.Len(t, list, 1)
	assert.Equal(t, b.ID(), list[0].ID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_IDsAreNeverReused(t *testing.T) {
	r := NewRegistry(newFactory(testutil.NewScriptedModel("ok")))
	seq := []string{"a", "a", "b", "a", "b", "c"}
	r.newID = func() string {
		id := seq[0]
		seq = seq[1:]
		return id
	}

	s1, err := r.Create(core.Options{})
	require.NoError(t, err)
	assert.Equal(t, "a", s1.ID())

	s2, err := r.Create(core.Options{})
	require.NoError(t, err)
	assert.Equal(t, "b", s2.ID())

	require.NoError(t, r.Delete(context.Background(), "a"))

	s3, err := r.Create(core.Options{})
	require.NoError(t, err)
	assert.Equal(t, "c", s3.ID())
}

func TestRegistry_CreateDoesNotOpenBinding(t *testing.T) {
	f := newFactory(testutil.NewScriptedModel("ok"))
	r := NewRegistry(f)

	s, err := r.Create(core.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, f.Live())

	st, err := s.Run(context.Background(), "hi")
	require.NoError(t, err)
	require.NoError(t, st.Wait())
	assert.Equal(t, 1, f.Live())

	require.NoError(t, r.Delete(context.Background(), s.ID()))
	assert.Equal(t, 0, f.Live())
}

func TestRegistry_SessionsAreIsolated(t *testing.T) {
	m := model.NewMockModel("mock", "mock")
	m.SetResponder(func(req model.Request) string { return fmt.Sprint(len(req.Contents)) })
	r := NewRegistry(newFactory(m))

	a, err := r.Create(core.Options{})
	require.NoError(t, err)
	b, err := r.Create(core.Options{})
	require.NoError(t, err)

	ask := func(s *Session) string {
		st, err := s.Run(context.Background(), "q")
		require.NoError(t, err)
		return core.Aggregate(st.Collect(context.Background())).Text
	}

	assert.Equal(t, "1", ask(a))
	assert.Equal(t, "3", ask(a))
	assert.Equal(t, "1", ask(b))
	assert.Equal(t, "5", ask(a))
}

func TestRegistry_DeleteCancelsInFlightQuery(t *testing.T) {
	m := testutil.NewScriptedModel("thinking")
	m.Hold = make(chan struct{})
	f := newFactory(m)
	r := NewRegistry(f)

	s, err := r.Create(core.Options{})
	require.NoError(t, err)

	st, err := s.Run(context.Background(), "long task")
	require.NoError(t, err)
	first := <-st.Events()
	assert.Equal(t, "thinking", first.Text)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Delete(ctx, s.ID()))

	var last core.Event
	for ev := range st.Events() {
		last = ev
	}
	require.Equal(t, core.EventError, last.Type)
	assert.Equal(t, core.CodeCancelled, last.Error.Code)

	assert.Empty(t, r.List())
	assert.Equal(t, 0, f.Live())
	require.Eventually(t, func() bool { return m.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_DeleteDoesNotWaitForStalledReader(t *testing.T) {
	chunks := make([]string, 40)
	for i := range chunks {
		chunks[i] = "x"
	}
	m := testutil.NewScriptedModel(chunks...)
	m.Hold = make(chan struct{})

	f := engine.New(func(o *engine.Options) {
		o.Defaults.Backend = "test"
		o.Config.EventBufferSize = 4
	})
	f.Register("test", m.Backend())
	r := NewRegistry(f)

	s, err := r.Create(core.Options{})
	require.NoError(t, err)

	st, err := s.Run(context.Background(), "stall")
	require.NoError(t, err)
	defer st.Close()

	<-st.Events()
	require.Eventually(t, func() bool { return len(st.Events()) == cap(st.Events()) }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, r.Delete(ctx, s.ID()))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, f.Live())
	assert.False(t, s.Slot().Busy())
	assert.ErrorIs(t, st.Wait(), core.ErrCancelled)

	// the reader still gets the cancelled terminal once it resumes
	var last core.Event
	for ev := range st.Events() {
		last = ev
	}
	require.Equal(t, core.EventError, last.Type)
	assert.Equal(t, core.CodeCancelled, last.Error.Code)
}

func TestRegistry_CloseRefusesNewSessions(t *testing.T) {
	f := newFactory(testutil.NewScriptedModel("ok"))
	r := NewRegistry(f)

	for i := 0; i < 3; i++ {
		s, err := r.Create(core.Options{})
		require.NoError(t, err)
		st, err := s.Run(context.Background(), "warm up")
		require.NoError(t, err)
		require.NoError(t, st.Wait())
	}
	assert.Equal(t, 3, f.Live())

	require.NoError(t, r.Close(context.Background()))
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, f.Live())

	_, err := r.Create(core.Options{})
	assert.ErrorIs(t, err, core.ErrShuttingDown)
}

func TestRegistry_SweepExpiresIdleSessions(t *testing.T) {
	m := testutil.NewScriptedModel("ok")
	m.Hold = make(chan struct{})
	r := NewRegistry(newFactory(m), func(o *Options) { o.IdleTTL = time.Minute })

	idle, err := r.Create(core.Options{})
	require.NoError(t, err)
	busy, err := r.Create(core.Options{})
	require.NoError(t, err)

	st, err := busy.Run(context.Background(), "hold")
	require.NoError(t, err)
	defer st.Close()

	assert.Empty(t, r.Sweep(time.Now()))

	deleted := r.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, []string{idle.ID()}, deleted)

	_, err = r.Get(busy.ID())
	assert.NoError(t, err)
}

func TestRegistry_SweepSparesSessionInUse(t *testing.T) {
	m := testutil.NewScriptedModel("ok")
	m.Hold = make(chan struct{})
	r := NewRegistry(newFactory(m), func(o *Options) { o.IdleTTL = time.Minute })

	s, err := r.Create(core.Options{})
	require.NoError(t, err)

	// the query starts after the session crossed the TTL but before the sweep
	expiry := s.Slot().LastActive().Add(time.Minute + time.Second)
	st, err := s.Run(context.Background(), "just in time")
	require.NoError(t, err)

	assert.Empty(t, r.Sweep(expiry))

	close(m.Hold)
	require.NoError(t, st.Wait())
	assert.Equal(t, "ok", core.Aggregate(st.Collect(context.Background())).Text)

	_, err = r.Get(s.ID())
	assert.NoError(t, err)
}

func TestRegistry_JanitorDisabledByDefault(t *testing.T) {
	r := NewRegistry(newFactory(testutil.NewScriptedModel("ok")))
	r.StartJanitor()
	assert.Nil(t, r.swept)
	assert.Nil(t, r.Sweep(time.Now().Add(time.Hour)))
}

func TestRegistry_JanitorRuns(t *testing.T) {
	r := NewRegistry(newFactory(testutil.NewScriptedModel("ok")), func(o *Options) {
		o.IdleTTL = 10 * time.Millisecond
		o.SweepInterval = 5 * time.Millisecond
	})
	r.StartJanitor()
	defer r.Close(context.Background())

	_, err := r.Create(core.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_BindingOpenFailure(t *testing.T) {
	f := engine.New()
	f.Register("broken", func(core.Options) (model.Model, error) { return nil, errors.New("no credentials") })
	r := NewRegistry(f)

	s, err := r.Create(core.Options{Backend: "broken"})
	require.NoError(t, err)

	_, err = s.Run(context.Background(), "x")
	var engErr *core.EngineError
	require.ErrorAs(t, err, &engErr)

	// the slot was released
	_, err = s.Run(context.Background(), "x")
	require.ErrorAs(t, err, &engErr)
	assert.False(t, s.Slot().Busy())
}
