package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failed")

func TestBreaker_TripAndHalfOpenRecovery(t *testing.T) {
	// Three consecutive failures trip Open; after the recovery
	// timeout, a trial call in HalfOpen succeeds and closes it.
	b := New(Policy{
		ServiceName:      "svc",
		FailureThreshold: 3,
		MinimumRequests:  3,
		RecoveryTimeout:  100 * time.Millisecond,
	})

	fail := func(ctx context.Context) error { return errUpstream }

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), fail)
		assert.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, Open, b.State())

	err := b.Execute(context.Background(), fail)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, Open, openErr.State)

	time.Sleep(110 * time.Millisecond)

	var ran bool
	err = b.Execute(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, Closed, b.State())

	stats := b.Stats()
	assert.Zero(t, stats.Counts.Requests, "counters reset on recovery")
}

func TestBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	b := New(Policy{
		ServiceName:      "svc",
		FailureThreshold: 1,
		MinimumRequests:  1,
		RecoveryTimeout:  20 * time.Millisecond,
	})

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errUpstream })
	require.Equal(t, Open, b.State())

	time.Sleep(25 * time.Millisecond)

	var wg sync.WaitGroup
	var executed int32
	var mu sync.Mutex
	rejections := 0

	block := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := b.Execute(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			executed++
			mu.Unlock()
			<-block
			return nil
		})
		assert.NoError(t, err)
	}()

	time.Sleep(10 * time.Millisecond) // let the first goroutine enter the trial

	var openErr *OpenError
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		mu.Lock()
		executed++
		mu.Unlock()
		return nil
	})
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, HalfOpen, openErr.State)
	rejections++

	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), executed, "at most one operation executes while state = HalfOpen")
	assert.Equal(t, 1, rejections)
}

func TestBreaker_StaysClosedBelowMinimumRequests(t *testing.T) {
	b := New(Policy{
		ServiceName:      "svc",
		FailureThreshold: 2,
		MinimumRequests:  5,
	})

	for i := 0; i < 4; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error { return errUpstream })
	}
	assert.Equal(t, Closed, b.State(), "fewer than minimumRequests observed, breaker must not trip")
}

func TestBreaker_ExpectedFailureRateTrips(t *testing.T) {
	b := New(Policy{
		ServiceName:         "svc",
		FailureThreshold:    100, // unreachable, forces the rate path
		MinimumRequests:     4,
		ExpectedFailureRate: 0.5,
	})

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errUpstream })
	_ = b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.Equal(t, Closed, b.State())

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errUpstream })
	assert.Equal(t, Open, b.State())
}

func TestBreaker_ManualOperations(t *testing.T) {
	b := New(Policy{ServiceName: "svc", FailureThreshold: 1, MinimumRequests: 1})

	b.ForceOpen()
	assert.Equal(t, Open, b.State())

	err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBreakerOpen)

	b.ForceClose()
	assert.Equal(t, Closed, b.State())

	err = b.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	b.Reset()
	stats := b.Stats()
	assert.Equal(t, Closed, stats.State)
	assert.Zero(t, stats.Counts.Requests)
}

func TestBreaker_StaleOutcomeDoesNotFlipTrippedBreaker(t *testing.T) {
	// An operation admitted while Closed that only completes after the
	// breaker has tripped belongs to a previous generation; its success
	// must not close the breaker.
	b := New(Policy{
		ServiceName:      "svc",
		FailureThreshold: 1,
		MinimumRequests:  1,
		RecoveryTimeout:  time.Hour,
	})

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			<-release
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond) // let the slow operation get admitted

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errUpstream })
	require.Equal(t, Open, b.State())

	close(release)
	<-done

	assert.Equal(t, Open, b.State(), "a stale success must not close a tripped breaker")
}

func TestBreaker_ConcurrentFailuresTripExactlyOnce(t *testing.T) {
	b := New(Policy{
		ServiceName:      "svc",
		FailureThreshold: 10,
		MinimumRequests:  10,
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(ctx context.Context) error { return errUpstream })
		}()
	}
	wg.Wait()

	assert.Equal(t, Open, b.State())
}
