package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

// ErrLeaseLost is returned when the holder's lease disappeared or was
// taken over before the callback finished.
var ErrLeaseLost = errors.New("consolidation lease lost")

// refreshScript extends the lease only if we still hold it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only if we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config configures lease acquisition.
type Config struct {
	// Client is the Redis client backing the lease (required).
	Client *redis.Client
	// LockName names the lease key (required).
	LockName string
	// TTL is the lease duration; a crashed holder blocks successors for
	// at most this long (required).
	TTL time.Duration
	// RetryInterval is how often a candidate without the lease retries
	// acquisition (required).
	RetryInterval time.Duration
	// HolderID identifies this candidate; defaults to a random UUID.
	HolderID string
	// Clock is swapped in tests.
	Clock clockwork.Clock
	// Logger defaults to the package logger.
	Logger *observability.Logger
}

func (c *Config) checkAndSetDefaults() error {
	if c.Client == nil {
		return fmt.Errorf("redis client is required")
	}
	if c.LockName == "" {
		return fmt.Errorf("lock name is required")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("lease TTL is required")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("retry interval is required")
	}
	if c.HolderID == "" {
		c.HolderID = uuid.NewString()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = observability.NewLogger(observability.InfoLevel, os.Stderr)
	}
	return nil
}

func (c *Config) key() string {
	return "audittrail:lock:" + c.LockName
}

// RunWhileLocked acquires the lease and runs fn while holding it,
// refreshing the lease in the background. fn's context is canceled if
// the lease is lost. Blocks until acquisition succeeds, so callers that
// only want one attempt should use TryRunWhileLocked.
func RunWhileLocked(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return err
	}

	for {
		acquired, err := acquire(ctx, cfg)
		if err != nil {
			return err
		}
		if acquired {
			return runHolding(ctx, cfg, fn)
		}
		cfg.Logger.WithField("lock", cfg.LockName).Debug("Lease held elsewhere, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cfg.Clock.After(cfg.RetryInterval):
		}
	}
}

// TryRunWhileLocked makes a single acquisition attempt. Returns
// (false, nil) if another candidate holds the lease.
func TryRunWhileLocked(ctx context.Context, cfg Config, fn func(ctx context.Context) error) (bool, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return false, err
	}
	acquired, err := acquire(ctx, cfg)
	if err != nil || !acquired {
		return false, err
	}
	return true, runHolding(ctx, cfg, fn)
}

func acquire(ctx context.Context, cfg Config) (bool, error) {
	ok, err := cfg.Client.SetNX(ctx, cfg.key(), cfg.HolderID, cfg.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return ok, nil
}

// runHolding runs fn with a background refresher and releases the lease
// on the way out.
func runHolding(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	logger := cfg.Logger.WithField("lock", cfg.LockName)
	logger.Info("Acquired consolidation lease")

	fnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	refresherDone := make(chan struct{})
	go func() {
		defer close(refresherDone)
		// Refresh well before expiry so one missed refresh does not
		// forfeit the lease.
		interval := cfg.TTL / 3
		for {
			select {
			case <-fnCtx.Done():
				return
			case <-cfg.Clock.After(interval):
			}
			extended, err := refreshScript.Run(fnCtx, cfg.Client, []string{cfg.key()}, cfg.HolderID, cfg.TTL.Milliseconds()).Int()
			if err != nil {
				if fnCtx.Err() != nil {
					return
				}
				logger.WithError(err).Warn("Failed to refresh lease, retrying before expiry")
				continue
			}
			if extended == 0 {
				logger.Warn("Lease no longer held, stopping holder")
				cancel(ErrLeaseLost)
				return
			}
		}
	}()

	err := fn(fnCtx)
	cancel(nil)
	<-refresherDone

	if cause := context.Cause(fnCtx); errors.Is(cause, ErrLeaseLost) {
		// Nothing to release, someone else owns the key now.
		if err == nil || errors.Is(err, context.Canceled) {
			return ErrLeaseLost
		}
		return err
	}

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if _, releaseErr := releaseScript.Run(releaseCtx, cfg.Client, []string{cfg.key()}, cfg.HolderID).Int(); releaseErr != nil {
		logger.WithError(releaseErr).Warn("Failed to release lease, it will expire on its own")
	} else {
		logger.Info("Released consolidation lease")
	}
	return err
}
