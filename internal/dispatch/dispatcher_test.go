package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rsu-par/internal/position"
)

type recordingSender struct {
	mu    sync.Mutex
	sends [][]byte
	fail  func(n int) error
}

func (s *recordingSender) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sends)
	s.sends = append(s.sends, append([]byte(nil), payload...))
	if s.fail != nil {
		return s.fail(n)
	}
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

func (s *recordingSender) records(t *testing.T) []Record {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.sends))
	for _, b := range s.sends {
		var r Record
		require.NoError(t, r.UnmarshalBinary(b))
		out = append(out, r)
	}
	return out
}

type fixedPositions struct {
	p atomic.Pointer[position.Position]
}

func newFixedPositions(p position.Position) *fixedPositions {
	f := &fixedPositions{}
	f.p.Store(&p)
	return f
}

func (f *fixedPositions) Snapshot() position.Position { return *f.p.Load() }

// withFakeTicker swaps the ticker for a channel driven by the test.
func withFakeTicker(t *testing.T) chan time.Time {
	t.Helper()
	ch := make(chan time.Time)
	prev := newTickerFn
	newTickerFn = func(time.Duration) (<-chan time.Time, func()) { return ch, func() {} }
	t.Cleanup(func() { newTickerFn = prev })
	return ch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

func startRun(t *testing.T, d *Dispatcher) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return cancel, done
}

func TestDispatcher_SendsOneRecordPerTick(t *testing.T) {
	ticks := withFakeTicker(t)
	s := &recordingSender{}
	pos := newFixedPositions(position.Position{Lat: 375665000, Lon: 1269780000, Valid: true})
	d := New(Config{Identity: 42}, pos, s)

	cancel, done := startRun(t, d)
	for i := 0; i < 25; i++ {
		ticks <- time.Now()
	}
	waitFor(t, func() bool { return s.count() == 25 })
	cancel()
	require.NoError(t, <-done)

	// Unchanged position is still broadcast every tick.
	for _, r := range s.records(t) {
		require.Equal(t, Record{ID: 42, Latitude: 375665000, Longitude: 1269780000}, r)
	}
	require.Equal(t, StateStopped, d.State())
	require.Equal(t, uint64(25), d.Stats().Sent)
}

func TestDispatcher_InvalidPositionUsesSentinel(t *testing.T) {
	ticks := withFakeTicker(t)
	s := &recordingSender{}
	feed := position.NewFeed(position.Config{}, nil)
	d := New(Config{Identity: 7}, feed, s)

	cancel, done := startRun(t, d)
	for i := 0; i < 5; i++ {
		ticks <- time.Now()
	}
	waitFor(t, func() bool { return s.count() == 5 })
	cancel()
	require.NoError(t, <-done)

	for _, r := range s.records(t) {
		require.Equal(t, position.InvalidLatitude, r.Latitude)
		require.Equal(t, position.InvalidLongitude, r.Longitude)
	}
	require.Equal(t, uint64(5), d.Stats().Invalid)
}

func TestDispatcher_StaticOverrideInEveryRecord(t *testing.T) {
	ticks := withFakeTicker(t)
	s := &recordingSender{}
	feed := position.NewFeed(position.Config{StaticLatitude: 355000000, StaticLongitude: 1290000000}, nil)
	d := New(Config{Identity: 1}, feed, s)
	d.Own(feed)

	cancel, done := startRun(t, d)
	for i := 0; i < 5; i++ {
		ticks <- time.Now()
	}
	waitFor(t, func() bool { return s.count() == 5 })
	cancel()
	require.NoError(t, <-done)

	for _, r := range s.records(t) {
		require.Equal(t, int32(355000000), r.Latitude)
		require.Equal(t, int32(1290000000), r.Longitude)
	}
}

func TestDispatcher_SendFailureDoesNotStopLoop(t *testing.T) {
	ticks := withFakeTicker(t)
	s := &recordingSender{fail: func(n int) error {
		if n%2 == 0 {
			return errors.New("queue full")
		}
		return nil
	}}
	d := New(Config{}, newFixedPositions(position.Invalid()), s)

	cancel, done := startRun(t, d)
	for i := 0; i < 10; i++ {
		ticks <- time.Now()
	}
	waitFor(t, func() bool { return s.count() == 10 })
	cancel()
	require.NoError(t, <-done)

	st := d.Stats()
	require.Equal(t, uint64(5), st.Failed)
	require.Equal(t, uint64(5), st.Sent)
	require.Equal(t, uint64(10), st.Ticks)
}

func TestDispatcher_SendIsBounded(t *testing.T) {
	ticks := withFakeTicker(t)
	var deadlines atomic.Int32
	s := SenderFunc(func(ctx context.Context, payload []byte) error {
		if _, ok := ctx.Deadline(); ok {
			deadlines.Add(1)
		}
		<-ctx.Done()
		return ctx.Err()
	})
	d := New(Config{SendTimeout: 5 * time.Millisecond}, newFixedPositions(position.Invalid()), s)

	cancel, done := startRun(t, d)
	ticks <- time.Now()
	ticks <- time.Now()
	waitFor(t, func() bool { return d.Stats().Failed == 2 })
	cancel()
	require.NoError(t, <-done)
	require.Equal(t, int32(2), deadlines.Load())
	require.Contains(t, d.Stats().LastError, "deadline")
}

type blockingRefresher struct {
	started chan struct{}
	exited  atomic.Bool
}

func (r *blockingRefresher) Run(ctx context.Context) error {
	close(r.started)
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	r.exited.Store(true)
	return nil
}

func TestDispatcher_JoinsRefresherOnShutdown(t *testing.T) {
	withFakeTicker(t)
	ref := &blockingRefresher{started: make(chan struct{})}
	d := New(Config{}, newFixedPositions(position.Invalid()), &recordingSender{})
	d.Own(ref)

	cancel, done := startRun(t, d)
	<-ref.started
	cancel()
	require.NoError(t, <-done)
	require.True(t, ref.exited.Load(), "refresher joined before Run returned")
}

func TestDispatcher_CadenceAtTenMilliseconds(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	s := &recordingSender{}
	d := New(Config{Interval: 10 * time.Millisecond}, newFixedPositions(position.Invalid()), s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Run(ctx))

	n := s.count()
	require.GreaterOrEqual(t, n, 90, "sends=%d", n)
	require.LessOrEqual(t, n, 101, "sends=%d", n)
}

func TestDispatcher_RequiresCollaborators(t *testing.T) {
	d := New(Config{}, nil, nil)
	require.Error(t, d.Run(context.Background()))
}
