package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/statestore"
)

func ptr[T any](v T) *T { return &v }

// countingStore records writes so tests can assert that subscribing never
// writes.
type countingStore struct {
	experiment.Store
	puts atomic.Int64
}

func (c *countingStore) Put(ctx context.Context, id string, p experiment.Patch) (*experiment.Record, error) {
	c.puts.Add(1)
	return c.Store.Put(ctx, id, p)
}

func newStore(t *testing.T) *statestore.Store {
	t.Helper()
	s := statestore.New(t.TempDir(), statestore.Options{})
	_, err := s.Put(context.Background(), "e1", experiment.Patch{Owner: ptr("alice"), CreateOnly: true})
	require.NoError(t, err)
	return s
}

func drive(t *testing.T, s experiment.Store, id string) {
	t.Helper()
	ctx := context.Background()
	steps := []experiment.Patch{
		{Status: ptr(experiment.StatusRunning)},
		{ElapsedSeconds: ptr(1.0), StdoutTail: ptr("working")},
		{ElapsedSeconds: ptr(2.0)},
		{Status: ptr(experiment.StatusCompleted), ReturnCode: ptr(0)},
	}
	for _, p := range steps {
		time.Sleep(20 * time.Millisecond)
		_, err := s.Put(ctx, id, p)
		assert.NoError(t, err)
	}
}

func TestSubscribe_EndsAfterTerminalSnapshot(t *testing.T) {
	s := newStore(t)
	m := New(s, Options{PollInterval: 10 * time.Millisecond, MinInterval: time.Millisecond})

	go drive(t, s, "e1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var statuses []experiment.Status
	for rec, err := range m.Subscribe(ctx, "e1") {
		require.NoError(t, err)
		statuses = append(statuses, rec.Status)
	}
	require.NoError(t, ctx.Err())
	require.NotEmpty(t, statuses)

	terminal := 0
	for _, st := range statuses {
		if st.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.Equal(t, experiment.StatusCompleted, statuses[len(statuses)-1])
}

func TestSubscribe_IsLazyAndReadOnly(t *testing.T) {
	cs := &countingStore{Store: newStore(t)}
	m := New(cs, Options{PollInterval: 10 * time.Millisecond})

	seq := m.Subscribe(context.Background(), "does-not-exist-yet")
	_ = seq // not ranged: nothing happens

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	n := 0
	for _, err := range m.Subscribe(ctx, "e1") {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)
	assert.Zero(t, cs.puts.Load())
}

func TestSubscribe_ConsumerBreakDoesNotTouchRecord(t *testing.T) {
	s := newStore(t)
	_, err := s.Put(context.Background(), "e1", experiment.Patch{Status: ptr(experiment.StatusRunning)})
	require.NoError(t, err)

	m := New(s, Options{PollInterval: 10 * time.Millisecond})
	for rec, err := range m.Subscribe(context.Background(), "e1") {
		require.NoError(t, err)
		assert.Equal(t, experiment.StatusRunning, rec.Status)
		break
	}

	got, err := s.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, experiment.StatusRunning, got.Status)
}

func TestSubscribe_DeletedRecordYieldsErrorOnce(t *testing.T) {
	s := newStore(t)
	m := New(s, Options{PollInterval: 10 * time.Millisecond, MinInterval: time.Millisecond})

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = s.Delete(context.Background(), "e1")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, err := range m.Subscribe(ctx, "e1") {
		if err != nil {
			errs = append(errs, err)
		}
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], experiment.ErrNotFound)
}

func TestSubscribe_IndependentSubscribers(t *testing.T) {
	s := newStore(t)
	m := New(s, Options{PollInterval: 10 * time.Millisecond, MinInterval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	finals := make([]experiment.Status, 3)
	for i := range finals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := m.WaitTerminal(ctx, "e1")
			if assert.NoError(t, err) {
				finals[i] = rec.Status
			}
		}(i)
	}
	drive(t, s, "e1")
	wg.Wait()

	for _, st := range finals {
		assert.Equal(t, experiment.StatusCompleted, st)
	}
}

func TestWaitTerminal_ContextDeadline(t *testing.T) {
	s := newStore(t)
	m := New(s, Options{PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec, err := m.WaitTerminal(ctx, "e1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, rec)
	assert.Equal(t, experiment.StatusPending, rec.Status)
}

func TestSubscribe_ThrottleRunsUntilDeadline(t *testing.T) {
	s := newStore(t)
	m := New(s, Options{PollInterval: 10 * time.Millisecond, MinInterval: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	started := time.Now()
	n := 0
	for _, err := range m.Subscribe(ctx, "e1") {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 1, n)
	assert.Error(t, ctx.Err(), "sequence must only end once ctx is done")
	assert.GreaterOrEqual(t, time.Since(started), 250*time.Millisecond)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel2()
	_, err := m.WaitTerminal(ctx2, "e1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
