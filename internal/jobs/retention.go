// Package jobs holds EdgeWatch's periodic background maintenance tasks,
// run only by the process currently holding coordination.LeaderElector's
// lock. The ticker-loop shape is grounded on
// control_plane/coordination/agent_monitor.go in the teacher repo.
package jobs

import (
	"context"
	"log"
	"time"

	"github.com/ryne2010/edgewatch/internal/store"
)

// RetentionJob prunes quarantined points and notification events past
// their configured retention window — these are audit/lineage rows, not
// the telemetry_points table itself, which spec §9's Non-goals exclude
// from any built-in retention policy.
type RetentionJob struct {
	Quarantine    store.QuarantineStore
	Notifications store.NotificationStore
	Interval      time.Duration
	MaxAge        time.Duration
}

func NewRetentionJob(q store.QuarantineStore, n store.NotificationStore, interval, maxAge time.Duration) *RetentionJob {
	return &RetentionJob{Quarantine: q, Notifications: n, Interval: interval, MaxAge: maxAge}
}

func (j *RetentionJob) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *RetentionJob) loop(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	log.Printf("jobs: retention job starting, interval=%v max_age=%v", j.Interval, j.MaxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *RetentionJob) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.MaxAge)

	removedQuarantine, err := j.Quarantine.Prune(ctx, cutoff)
	if err != nil {
		log.Printf("jobs: retention: prune quarantine: %v", err)
	} else if removedQuarantine > 0 {
		log.Printf("jobs: retention: pruned %d quarantined points older than %s", removedQuarantine, cutoff)
	}

	removedNotifications, err := j.Notifications.Prune(ctx, cutoff)
	if err != nil {
		log.Printf("jobs: retention: prune notifications: %v", err)
	} else if removedNotifications > 0 {
		log.Printf("jobs: retention: pruned %d notification events older than %s", removedNotifications, cutoff)
	}
}

// PartitionManager is a deliberate no-op hook: EdgeWatch's telemetry_points
// table is not time-partitioned at the scale this deployment targets
// (spec §9 Design Notes), so there is nothing for a partition-rotation job
// to do yet. The hook exists so a future partitioning scheme has a single
// call site to wire into, rather than requiring a new background-job
// registration path.
type PartitionManager struct{}

func (PartitionManager) Start(ctx context.Context) {}
