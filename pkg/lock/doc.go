// Package lock implements the single-holder lease that serializes batch
// consolidation.
//
// # Overview
//
// At most one consolidator instance may consume the queue at a time, so
// that every queue message is written by exactly one batch. The lease is
// a Redis key written with SET NX PX and refreshed by the holder; compare
// scripts make refresh and release no-ops for anyone but the holder.
//
// # Guarantees
//
//   - Mutual exclusion: two candidates never hold the lease at once
//   - Bounded failover: after a holder crash the lease expires within the
//     TTL and another candidate acquires it on its next retry
//   - Loss detection: the holder's callback context is canceled as soon
//     as a refresh discovers the lease is gone
//
// # Usage Example
//
//	err := lock.RunWhileLocked(ctx, lock.Config{
//		Client:        redisClient,
//		LockName:      "consolidator",
//		TTL:           5 * time.Minute,
//		RetryInterval: time.Minute,
//	}, func(ctx context.Context) error {
//		return consumer.Run(ctx)
//	})
//
// # Related Packages
//
//   - pkg/consumer: Runs its batch loop under this lease
package lock
