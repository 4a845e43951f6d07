package lock

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

func testSetup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func testConfig(client *redis.Client) Config {
	return Config{
		Client:        client,
		LockName:      "consolidator",
		TTL:           time.Second,
		RetryInterval: 10 * time.Millisecond,
		Logger:        observability.NewLogger(observability.ErrorLevel, io.Discard),
	}
}

func TestRunWhileLocked_RunsAndReleases(t *testing.T) {
	mr, client := testSetup(t)

	ran := false
	err := RunWhileLocked(context.Background(), testConfig(client), func(ctx context.Context) error {
		ran = true
		// lease is visible while fn runs
		require.True(t, mr.Exists("audittrail:lock:consolidator"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("audittrail:lock:consolidator"), "lease must be released after fn returns")
}

func TestRunWhileLocked_MutualExclusion(t *testing.T) {
	_, client := testSetup(t)

	var concurrent, maxConcurrent int32
	body := func(ctx context.Context) error {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			prev := atomic.LoadInt32(&maxConcurrent)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxConcurrent, prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- RunWhileLocked(context.Background(), testConfig(client), body)
		}()
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent), "both candidates held the lease at once")
}

func TestTryRunWhileLocked_SecondCandidateBacksOff(t *testing.T) {
	_, client := testSetup(t)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		RunWhileLocked(context.Background(), testConfig(client), func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	acquired, err := TryRunWhileLocked(context.Background(), testConfig(client), func(ctx context.Context) error {
		t.Fatal("must not run while lease is held elsewhere")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestRunWhileLocked_FailoverAfterExpiry(t *testing.T) {
	mr, client := testSetup(t)

	// Simulate a crashed holder: a foreign lease that nobody refreshes.
	require.NoError(t, client.Set(context.Background(), "audittrail:lock:consolidator", "dead-holder", 50*time.Millisecond).Err())

	done := make(chan error, 1)
	go func() {
		done <- RunWhileLocked(context.Background(), testConfig(client), func(ctx context.Context) error {
			return nil
		})
	}()

	// miniredis does not expire keys on a wall clock, advance it manually.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			return
		case <-deadline:
			t.Fatal("candidate never took over the expired lease")
		case <-time.After(10 * time.Millisecond):
			mr.FastForward(60 * time.Millisecond)
		}
	}
}

func TestRunWhileLocked_LeaseLossCancelsHolder(t *testing.T) {
	mr, client := testSetup(t)

	cfg := testConfig(client)
	cfg.TTL = 90 * time.Millisecond // refresh interval becomes 30ms

	err := RunWhileLocked(context.Background(), cfg, func(ctx context.Context) error {
		// Another candidate steals the key out from under us.
		mr.Set("audittrail:lock:consolidator", "thief")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			t.Fatal("holder context was not canceled after lease loss")
			return nil
		}
	})
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestRunWhileLocked_ContextCancellationWhileWaiting(t *testing.T) {
	_, client := testSetup(t)
	require.NoError(t, client.Set(context.Background(), "audittrail:lock:consolidator", "other", 0).Err())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := RunWhileLocked(ctx, testConfig(client), func(ctx context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfig_Validation(t *testing.T) {
	_, client := testSetup(t)

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing client", cfg: Config{LockName: "x", TTL: time.Second, RetryInterval: time.Second}},
		{name: "missing name", cfg: Config{Client: client, TTL: time.Second, RetryInterval: time.Second}},
		{name: "missing TTL", cfg: Config{Client: client, LockName: "x", RetryInterval: time.Second}},
		{name: "missing retry interval", cfg: Config{Client: client, LockName: "x", TTL: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RunWhileLocked(context.Background(), tt.cfg, func(ctx context.Context) error { return nil })
			assert.Error(t, err)
		})
	}
}
