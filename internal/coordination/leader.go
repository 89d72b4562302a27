package coordination

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ryne2010/edgewatch/internal/observability"
)

const leaderLockKey = "edgewatch:lock:leader"

// LeaderElector holds a single Redis-backed lock so only one EdgeWatch
// server process at a time runs the background jobs (offline detection,
// retention). Adapted from control_plane/coordination/leader.go's
// renew-or-acquire loop, swapped from the teacher's durable-Postgres-epoch
// lease onto a plain Redis SETNX+TTL lease — EdgeWatch has no fencing
// requirement across concurrent writers the way FluxForge's reconciler did,
// since every job here is itself idempotent.
type LeaderElector struct {
	client   *redis.Client
	nodeID   string
	ttl      time.Duration
	onGained func(ctx context.Context)
	onLost   func()

	cancel context.CancelFunc
}

func NewLeaderElector(client *redis.Client, nodeID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{client: client, nodeID: nodeID, ttl: ttl}
}

func (e *LeaderElector) SetCallbacks(onGained func(ctx context.Context), onLost func()) {
	e.onGained = onGained
	e.onLost = onLost
}

func (e *LeaderElector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.loop(runCtx)
}

func (e *LeaderElector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *LeaderElector) loop(ctx context.Context) {
	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()

	isLeader := false
	var jobCancel context.CancelFunc

	for {
		select {
		case <-ctx.Done():
			if jobCancel != nil {
				jobCancel()
			}
			return
		case <-ticker.C:
			start := time.Now()
			ok, err := e.tryAcquireOrRenew(ctx, isLeader)
			observability.RedisLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				log.Printf("coordination: leader election: %v", err)
				continue
			}
			if ok && !isLeader {
				isLeader = true
				observability.LeaderStatus.Set(1)
				observability.LeadershipTransitions.WithLabelValues(e.nodeID, "acquired").Inc()
				var jobCtx context.Context
				jobCtx, jobCancel = context.WithCancel(ctx)
				if e.onGained != nil {
					e.onGained(jobCtx)
				}
			} else if !ok && isLeader {
				isLeader = false
				observability.LeaderStatus.Set(0)
				observability.LeadershipTransitions.WithLabelValues(e.nodeID, "lost").Inc()
				if jobCancel != nil {
					jobCancel()
				}
				if e.onLost != nil {
					e.onLost()
				}
			}
		}
	}
}

func (e *LeaderElector) tryAcquireOrRenew(ctx context.Context, currentlyLeader bool) (bool, error) {
	if currentlyLeader {
		// Renew only if we still hold it — a plain re-SET with the same
		// value extends the TTL; if another node stole it after a network
		// partition, this SET overwrites them (last writer wins), which is
		// acceptable since every downstream job is idempotent.
		return e.client.Set(ctx, leaderLockKey, e.nodeID, e.ttl).Err() == nil, nil
	}
	ok, err := e.client.SetNX(ctx, leaderLockKey, e.nodeID, e.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}
