// Command edgewatchd is the EdgeWatch server process: HTTP API, alert
// evaluation, notification routing, and the leader-elected background
// jobs (offline detection, retention). Grounded on control_plane/main.go's
// wiring order in the teacher repo — store, coordination, idempotency,
// routes, listen.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ryne2010/edgewatch/internal/alerts"
	"github.com/ryne2010/edgewatch/internal/api"
	"github.com/ryne2010/edgewatch/internal/commands"
	"github.com/ryne2010/edgewatch/internal/contracts"
	"github.com/ryne2010/edgewatch/internal/coordination"
	"github.com/ryne2010/edgewatch/internal/idempotency"
	"github.com/ryne2010/edgewatch/internal/ingest"
	"github.com/ryne2010/edgewatch/internal/jobs"
	"github.com/ryne2010/edgewatch/internal/middleware"
	"github.com/ryne2010/edgewatch/internal/notify"
	"github.com/ryne2010/edgewatch/internal/observability"
	"github.com/ryne2010/edgewatch/internal/realtime"
	"github.com/ryne2010/edgewatch/internal/store"
	"github.com/ryne2010/edgewatch/internal/streaming"
)

func generateNodeID() string {
	hostname, _ := os.Hostname()
	return hostname + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

func main() {
	ctx := context.Background()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("edgewatchd: DATABASE_URL is required")
	}
	pool, err := store.NewPostgresPool(ctx, databaseURL)
	if err != nil {
		log.Fatalf("edgewatchd: connect to postgres: %v", err)
	}
	s := store.NewPostgresStore(pool).AsStore()
	log.Println("edgewatchd: connected to Postgres")

	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("edgewatchd: connect to Redis (required for coordination): %v", err)
	}
	log.Printf("edgewatchd: connected to Redis at %s for coordination", redisAddr)

	artifactRoot := envOr("EDGEWATCH_ARTIFACT_ROOT", ".")
	contractVersion := envOr("TELEMETRY_CONTRACT_VERSION", "v1")
	policyVersion := envOr("EDGE_POLICY_VERSION", "v1")

	adapters := notify.DefaultAdapters()
	notifyPolicy := notify.DefaultPolicy()
	if window, ok := parseQuietHours(os.Getenv("ALERT_QUIET_HOURS_START"), os.Getenv("ALERT_QUIET_HOURS_END")); ok {
		notifyPolicy.QuietHours = window
	}
	router := notify.NewRouter(s.Notifications, notifyPolicy, adapters)

	hub := realtime.NewHub()
	go hub.Run(ctx)

	evaluator := alerts.NewEvaluator(s.Alerts, s.Devices, router, 85.0, 3)
	evaluator.Hub = hub

	ingestSvc := ingest.NewService(s, evaluator, artifactRoot)
	if os.Getenv("INGEST_TYPE_MISMATCH_MODE") == string(ingest.MismatchReject) {
		ingestSvc.Mode = ingest.MismatchReject
	}

	pubsubMode := envOr("INGEST_PIPELINE_MODE", "direct") == "pubsub"
	pubsubTopic := envOr("INGEST_PUBSUB_TOPIC", "edgewatch.ingest")

	var publisher streaming.Publisher
	if pubsubMode {
		publisher = streaming.NewRedisPublisher(redisClient, "edgewatchd")
	} else {
		publisher = streaming.NewLogPublisher()
	}
	defer publisher.Close()

	thresholdsLoader := func(ctx context.Context, deviceID string) (contracts.AlertThresholds, error) {
		policy, err := contracts.LoadEdgePolicy(artifactRoot, policyVersion)
		if err != nil {
			return contracts.AlertThresholds{}, err
		}
		return policy.AlertThresholds, nil
	}
	pushWorker := ingest.NewPushWorker(ingestSvc, s.Devices, thresholdsLoader)

	// In pubsub mode, a pull subscriber replays every delivered batch
	// through the same push worker the internal/pubsub/push webhook uses,
	// so a direct /ingest POST only has to enqueue onto the topic (spec
	// §4.2.d) while this goroutine does the actual validate/store/alert work.
	if pubsubMode {
		subscriber := streaming.NewRedisSubscriber(redisClient)
		if _, err := subscriber.Subscribe(ctx, pubsubTopic, func(ev streaming.Event) {
			if _, err := pushWorker.HandleBatchPayload(ctx, ev.Payload, contractVersion); err != nil {
				log.Printf("edgewatchd: pubsub subscriber: handle batch: %v", err)
			}
		}); err != nil {
			log.Fatalf("edgewatchd: subscribe to %s: %v", pubsubTopic, err)
		}
	}

	commandSvc := commands.NewService(s.Commands, 5*time.Minute)

	idemStore := idempotency.NewStore(redisBackend{redisClient})

	maxBodyBytes := int64(1 << 20)
	if v := os.Getenv("MAX_REQUEST_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			maxBodyBytes = n
		}
	}

	a := &api.API{
		Store:           s,
		Ingest:          ingestSvc,
		PushWorker:      pushWorker,
		Commands:        commandSvc,
		Alerts:          evaluator,
		ArtifactRoot:    artifactRoot,
		ContractVersion: contractVersion,
		PolicyVersion:   policyVersion,
		Limiter:         middleware.NewDeviceLimiter(600),
		MaxBodyBytes:    maxBodyBytes,
		PubsubToken:     os.Getenv("PUBSUB_SHARED_TOKEN"),
		Publisher:       publisher,
		PubsubMode:      pubsubMode,
		PubsubTopic:     pubsubTopic,
		Hub:             hub,
	}

	nodeID := "edgewatchd-" + generateNodeID()
	elector := coordination.NewLeaderElector(redisClient, nodeID, 30*time.Second)
	offlineDetector := coordination.NewOfflineDetector(s.Devices, evaluator, 15*time.Second)
	retentionJob := jobs.NewRetentionJob(s.Quarantine, s.Notifications, time.Hour, 30*24*time.Hour)
	var partitions jobs.PartitionManager

	elector.SetCallbacks(
		func(jobCtx context.Context) {
			log.Println("edgewatchd: elected leader, starting background jobs")
			offlineDetector.Start(jobCtx)
			retentionJob.Start(jobCtx)
			partitions.Start(jobCtx)
		},
		func() {
			log.Println("edgewatchd: lost leadership, background jobs will stop with their context")
		},
	)
	elector.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", a.Routes(idemStore))
	mux.Handle("/metrics", promhttp.Handler())

	addr := envOr("LISTEN_ADDR", ":8080")
	log.Printf("edgewatchd listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseQuietHours(start, end string) (notify.QuietHoursWindow, bool) {
	if start == "" || end == "" {
		return notify.QuietHoursWindow{}, false
	}
	startMin, okS := parseHHMM(start)
	endMin, okE := parseHHMM(end)
	if !okS || !okE {
		return notify.QuietHoursWindow{}, false
	}
	return notify.QuietHoursWindow{StartMinute: startMin, EndMinute: endMin}, true
}

func parseHHMM(v string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(v, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	return h*60 + m, true
}

// redisBackend adapts *redis.Client to idempotency.Backend.
type redisBackend struct{ client *redis.Client }

func (b redisBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	start := time.Now()
	err := b.client.Set(ctx, "edgewatch:idem:"+key, value, ttl).Err()
	observability.RedisLatency.Observe(time.Since(start).Seconds())
	return err
}

func (b redisBackend) Get(ctx context.Context, key string) (string, error) {
	start := time.Now()
	val, err := b.client.Get(ctx, "edgewatch:idem:"+key).Result()
	observability.RedisLatency.Observe(time.Since(start).Seconds())
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
