package retention

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/audittrail/pkg/observability"
)

// partitionStore is the slice of the long-term store the sweeper needs.
type partitionStore interface {
	ListDates(ctx context.Context) ([]time.Time, error)
	DeleteDate(ctx context.Context, date time.Time) (int, error)
}

// Config configures the sweeper.
type Config struct {
	// Store is the long-term store (required).
	Store partitionStore
	// Days is the retention window; partitions strictly older than this
	// many days are deleted (required, > 0).
	Days int
	// Schedule is a cron expression; defaults to daily at 03:00.
	Schedule string

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Clock   clockwork.Clock
}

func (c *Config) checkAndSetDefaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Days <= 0 {
		return fmt.Errorf("retention days must be positive")
	}
	if c.Schedule == "" {
		c.Schedule = "0 3 * * *"
	}
	if c.Logger == nil {
		c.Logger = observability.NewLogger(observability.InfoLevel, os.Stderr)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Sweeper removes expired date partitions from long-term storage.
type Sweeper struct {
	cfg  Config
	cron *cron.Cron
}

// New creates a sweeper.
func New(cfg Config) (*Sweeper, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Sweeper{cfg: cfg}, nil
}

// Start schedules sweeps until Stop is called. The first sweep happens
// at the next scheduled time, not immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
		defer cancel()
		if err := s.Sweep(sweepCtx); err != nil {
			s.cfg.Logger.WithError(err).Error("Retention sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	s.cron.Start()
	s.cfg.Logger.WithFields(map[string]interface{}{
		"schedule": s.cfg.Schedule,
		"days":     s.cfg.Days,
	}).Info("Retention sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep deletes every partition older than the retention window.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := s.cfg.Clock.Now().UTC().AddDate(0, 0, -s.cfg.Days)
	cutoffDate := cutoff.Format(time.DateOnly)

	dates, err := s.cfg.Store.ListDates(ctx)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}

	for _, date := range dates {
		if date.Format(time.DateOnly) >= cutoffDate {
			continue
		}
		deleted, err := s.cfg.Store.DeleteDate(ctx, date)
		if err != nil {
			return fmt.Errorf("failed to delete partition %s: %w", date.Format(time.DateOnly), err)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RetentionDeletedObjectsTotal.Add(float64(deleted))
		}
		s.cfg.Logger.WithFields(map[string]interface{}{
			"date":    date.Format(time.DateOnly),
			"objects": deleted,
		}).Info("Deleted expired partition")
	}
	return nil
}
