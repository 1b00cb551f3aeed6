package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeCounters is a fixed-window store serialized by a single mutex.
type fakeCounters struct {
	mu      sync.Mutex
	clock   *fakeClock
	counts  map[string]int64
	expires map[string]time.Time
	err     error
	block   bool
}

func newFakeCounters(clock *fakeClock) *fakeCounters {
	return &fakeCounters{clock: clock, counts: map[string]int64{}, expires: map[string]time.Time{}}
}

func (f *fakeCounters) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if f.block {
		<-ctx.Done()
		return 0, 0, ctx.Err()
	}
	if f.err != nil {
		return 0, 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	if exp, ok := f.expires[key]; !ok || !now.Before(exp) {
		f.counts[key] = 0
		f.expires[key] = now.Add(window)
	}
	f.counts[key]++
	return f.counts[key], f.expires[key].Sub(now), nil
}

func (f *fakeCounters) Reset(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, key)
	delete(f.expires, key)
	return nil
}

type fakePolicies struct {
	rows map[string]Policy
	err  error
}

func (f *fakePolicies) Lookup(_ context.Context, endpoint string) (Policy, bool, error) {
	if f.err != nil {
		return Policy{}, false, f.err
	}
	p, ok := f.rows[endpoint]
	return p, ok, nil
}

func (f *fakePolicies) Upsert(_ context.Context, p Policy) error {
	if f.err != nil {
		return f.err
	}
	f.rows[p.Endpoint] = p
	return nil
}

func newTestLimiter(t *testing.T, counters CounterStore, policies PolicyStore, clock *fakeClock, opts Options) *Limiter {
	t.Helper()
	opts.Logger = zerolog.Nop()
	opts.now = clock.Now
	l, err := New(counters, policies, opts)
	require.NoError(t, err)
	return l
}

func TestCheck_ExhaustsThenLimits(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	policies := &fakePolicies{rows: map[string]Policy{}}
	l := newTestLimiter(t, newFakeCounters(clock), policies, clock, Options{})
	ctx := context.Background()

	require.NoError(t, l.SetPolicy(ctx, "files:upload", Policy{MaxRequests: 5, WindowMS: 60000}))

	for i, want := range []int{4, 3, 2, 1, 0} {
		dec := l.Check(ctx, "files:upload", "user-42")
		assert.False(t, dec.Limited, "request %d", i+1)
		assert.Equal(t, want, dec.Remaining, "request %d", i+1)
		assert.Equal(t, 5, dec.Limit)
	}

	dec := l.Check(ctx, "files:upload", "user-42")
	assert.True(t, dec.Limited)
	assert.Equal(t, 0, dec.Remaining)
	assert.False(t, dec.FailedOpen)
}

func TestCheck_WindowExpiryStartsFreshWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	policies := &fakePolicies{rows: map[string]Policy{
		"ocr:export": {Endpoint: "ocr:export", MaxRequests: 2, WindowMS: 1000},
	}}
	l := newTestLimiter(t, newFakeCounters(clock), policies, clock, Options{})
	ctx := context.Background()

	first := l.Check(ctx, "ocr:export", "10.0.0.1")
	assert.Equal(t, clock.Now().Add(time.Second), first.ResetAt)
	l.Check(ctx, "ocr:export", "10.0.0.1")
	require.True(t, l.Check(ctx, "ocr:export", "10.0.0.1").Limited)

	clock.Advance(time.Second)

	dec := l.Check(ctx, "ocr:export", "10.0.0.1")
	assert.False(t, dec.Limited)
	assert.Equal(t, 1, dec.Remaining)
}

// Fixed windows allow a burst of up to 2*MaxRequests across a boundary.
// This is accepted behavior, not a defect.
func TestCheck_FixedWindowBoundaryBurst(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	policies := &fakePolicies{rows: map[string]Policy{
		"settings:get": {Endpoint: "settings:get", MaxRequests: 3, WindowMS: 1000},
	}}
	l := newTestLimiter(t, newFakeCounters(clock), policies, clock, Options{})
	ctx := context.Background()

	// open the window, then burst at its very end
	l.Check(ctx, "settings:get", "u")
	clock.Advance(999 * time.Millisecond)
	admitted := 1
	for i := 0; i < 2; i++ {
		if !l.Check(ctx, "settings:get", "u").Limited {
			admitted++
		}
	}
	clock.Advance(time.Millisecond)
	for i := 0; i < 3; i++ {
		if !l.Check(ctx, "settings:get", "u").Limited {
			admitted++
		}
	}

	assert.Equal(t, 6, admitted, "two adjacent windows admit 2*MaxRequests within ~1ms")
}

func TestCheck_DefaultPolicyWhenNoRow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(t, newFakeCounters(clock), &fakePolicies{rows: map[string]Policy{}}, clock, Options{})

	dec := l.Check(context.Background(), "tags:list", "anonymous")
	assert.Equal(t, DefaultMaxRequests, dec.Limit)
	assert.Equal(t, DefaultMaxRequests-1, dec.Remaining)
	assert.Equal(t, clock.Now().Add(DefaultWindowMS*time.Millisecond), dec.ResetAt)

	res := l.Policy(context.Background(), "tags:list")
	assert.True(t, res.Default)
}

func TestCheck_PolicyLookupErrorUsesDefault(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	policies := &fakePolicies{rows: map[string]Policy{}, err: errors.New("db down")}
	l := newTestLimiter(t, newFakeCounters(clock), policies, clock, Options{})

	dec := l.Check(context.Background(), "files:upload", "user-1")
	assert.False(t, dec.Limited)
	assert.Equal(t, DefaultMaxRequests, dec.Limit)
}

func TestCheck_NilPolicyStoreUsesDefault(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(t, newFakeCounters(clock), nil, clock, Options{})

	dec := l.Check(context.Background(), "files:upload", "user-1")
	assert.Equal(t, DefaultMaxRequests, dec.Limit)
	assert.Error(t, l.SetPolicy(context.Background(), "files:upload", Policy{MaxRequests: 1, WindowMS: 1}))
}

func TestCheck_FailsOpenOnStoreError(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	counters := newFakeCounters(clock)
	counters.err = errors.New("connection refused")

	var storeErrors int
	l := newTestLimiter(t, counters, nil, clock, Options{
		OnStoreError: func(string) { storeErrors++ },
	})

	for i := 0; i < DefaultMaxRequests+5; i++ {
		dec := l.Check(context.Background(), "files:upload", "user-1")
		require.False(t, dec.Limited)
		require.True(t, dec.FailedOpen)
		require.Equal(t, DefaultMaxRequests, dec.Remaining)
	}
	assert.Equal(t, DefaultMaxRequests+5, storeErrors)
}

func TestCheck_FailsOpenOnStoreTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	counters := newFakeCounters(clock)
	counters.block = true
	l := newTestLimiter(t, counters, nil, clock, Options{StoreTimeout: 10 * time.Millisecond})

	start := time.Now()
	dec := l.Check(context.Background(), "files:upload", "user-1")
	assert.False(t, dec.Limited)
	assert.True(t, dec.FailedOpen)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheck_FailClosedRejectsOnStoreError(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	counters := newFakeCounters(clock)
	counters.err = errors.New("connection refused")
	l := newTestLimiter(t, counters, nil, clock, Options{OnFailure: FailClosed})

	dec := l.Check(context.Background(), "files:upload", "user-1")
	assert.True(t, dec.Limited)
	assert.False(t, dec.FailedOpen)
	assert.Equal(t, 0, dec.Remaining)
}

func TestCheck_ConcurrentAdmitsExactlyMax(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	policies := &fakePolicies{rows: map[string]Policy{
		"files:upload": {Endpoint: "files:upload", MaxRequests: 20, WindowMS: 60000},
	}}
	l := newTestLimiter(t, newFakeCounters(clock), policies, clock, Options{})

	const n = 100
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if !l.Check(context.Background(), "files:upload", "user-42").Limited {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, admitted)
}

func TestReset_ClearsCounter(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	policies := &fakePolicies{rows: map[string]Policy{
		"auth:login": {Endpoint: "auth:login", MaxRequests: 1, WindowMS: 60000},
	}}
	l := newTestLimiter(t, newFakeCounters(clock), policies, clock, Options{})
	ctx := context.Background()

	l.Check(ctx, "auth:login", "1.2.3.4")
	require.True(t, l.Check(ctx, "auth:login", "1.2.3.4").Limited)

	require.NoError(t, l.Reset(ctx, "auth:login", "1.2.3.4"))
	assert.False(t, l.Check(ctx, "auth:login", "1.2.3.4").Limited)
}

func TestSetPolicy_RejectsInvalid(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	policies := &fakePolicies{rows: map[string]Policy{}}
	l := newTestLimiter(t, newFakeCounters(clock), policies, clock, Options{})

	cases := []struct {
		name     string
		endpoint string
		p        Policy
	}{
		{"negative max", "files:upload", Policy{MaxRequests: -1, WindowMS: 1000}},
		{"zero max", "files:upload", Policy{MaxRequests: 0, WindowMS: 1000}},
		{"zero window", "files:upload", Policy{MaxRequests: 5, WindowMS: 0}},
		{"empty endpoint", " ", Policy{MaxRequests: 5, WindowMS: 1000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := l.SetPolicy(context.Background(), tc.endpoint, tc.p)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
	assert.Empty(t, policies.rows)
}

func TestSetPolicy_AppliesOnNextCheck(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(t, newFakeCounters(clock), &fakePolicies{rows: map[string]Policy{}}, clock, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Check(ctx, "files:upload", "u")
	}
	require.NoError(t, l.SetPolicy(ctx, "files:upload", Policy{MaxRequests: 3, WindowMS: 60000}))

	// the in-flight counter is kept; the 4th request now exceeds the new limit
	assert.True(t, l.Check(ctx, "files:upload", "u").Limited)
}

func TestSeedPolicy_KeepsStoredRow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	policies := &fakePolicies{rows: map[string]Policy{}}
	l := newTestLimiter(t, newFakeCounters(clock), policies, clock, Options{})
	ctx := context.Background()

	// operator change made through SetPolicy before the restart
	require.NoError(t, l.SetPolicy(ctx, "files:upload", Policy{MaxRequests: 50, WindowMS: 60000}))

	seeded, err := l.SeedPolicy(ctx, "files:upload", Policy{MaxRequests: 5, WindowMS: 60000})
	require.NoError(t, err)
	assert.False(t, seeded)
	assert.Equal(t, 50, l.Policy(ctx, "files:upload").MaxRequests)

	seeded, err = l.SeedPolicy(ctx, "auth:login", Policy{MaxRequests: 10, WindowMS: 900000})
	require.NoError(t, err)
	assert.True(t, seeded)
	assert.Equal(t, Policy{Endpoint: "auth:login", MaxRequests: 10, WindowMS: 900000}, policies.rows["auth:login"])
}

func TestSeedPolicy_Errors(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	policies := &fakePolicies{rows: map[string]Policy{}}
	l := newTestLimiter(t, newFakeCounters(clock), policies, clock, Options{})
	ctx := context.Background()

	_, err := l.SeedPolicy(ctx, "files:upload", Policy{MaxRequests: 0, WindowMS: 1000})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	policies.err = errors.New("db down")
	_, err = l.SeedPolicy(ctx, "files:upload", Policy{MaxRequests: 5, WindowMS: 1000})
	assert.ErrorIs(t, err, policies.err)

	noStore := newTestLimiter(t, newFakeCounters(clock), nil, clock, Options{})
	_, err = noStore.SeedPolicy(ctx, "files:upload", Policy{MaxRequests: 5, WindowMS: 1000})
	assert.Error(t, err)
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailOpen, p)

	p, err = ParseFailurePolicy("Closed")
	require.NoError(t, err)
	assert.Equal(t, FailClosed, p)

	_, err = ParseFailurePolicy("sometimes")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
