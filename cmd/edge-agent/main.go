// Command edge-agent is the EdgeWatch device-side process: it loads local
// identity/config, opens the durable local buffer, and runs the sample/
// flush/poll loop until told to shut down. Grounded on
// fluxforge/agent/main.go's signal-handling and context-cancellation
// shape.
package main

import (
	"context"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ryne2010/edgewatch/internal/buffer"
	"github.com/ryne2010/edgewatch/internal/edgeruntime"
	"github.com/ryne2010/edgewatch/internal/store"
)

func main() {
	cfg, err := edgeruntime.LoadConfig()
	if err != nil {
		log.Fatalf("edge-agent: config: %v", err)
	}
	log.Printf("edge-agent starting. Device ID: %s", cfg.DeviceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("edge-agent: received shutdown signal")
		cancel()
	}()

	bufPath := filepath.Join(cfg.StateDir, "buffer.db")
	buf, err := buffer.Open(bufPath, 50_000, 72*time.Hour)
	if err != nil {
		log.Fatalf("edge-agent: open local buffer: %v", err)
	}
	defer buf.Close()

	rt := edgeruntime.NewRuntime(cfg, simulatedSample, buf)
	if err := rt.Bootstrap(); err != nil {
		log.Fatalf("edge-agent: bootstrap: %v", err)
	}

	rt.Run(ctx)
	log.Println("edge-agent: shut down.")
}

// simulatedSample stands in for a real sensor driver, which is wired in
// at build time per device class (pump controller, tank monitor, etc.).
// It produces a plausible-looking reading set so the agent is runnable
// standalone against a test server.
func simulatedSample() map[string]store.MetricValue {
	return map[string]store.MetricValue{
		"water_pressure_psi": store.NumberValue(40 + rand.Float64()*5),
		"oil_pressure_psi":   store.NumberValue(55 + rand.Float64()*5),
		"oil_level_pct":      store.NumberValue(70 + rand.Float64()*10),
		"battery_v":          store.NumberValue(13.2 + rand.Float64()*0.4),
		"signal_rssi_dbm":    store.NumberValue(-65 + rand.Float64()*10),
		"power_input_ok":     store.BoolValue(true),
		"load_sustainable":   store.BoolValue(true),
	}
}
