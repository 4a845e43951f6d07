// Package retention deletes date partitions older than the configured
// window on a cron schedule.
package retention
