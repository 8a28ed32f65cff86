// cmd/worker/main.go — remote worker process. On a real GPU instance the
// handlers shell out to the generation runtimes; the ones registered here
// simulate that work so the full claim/heartbeat/report cycle can run
// anywhere.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/yourorg/fleetq/internal/domain"
	"github.com/yourorg/fleetq/internal/workerclient"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	_ = godotenv.Load()

	baseURL := getenv("CONTROL_BASE_URL", "http://localhost:8080")
	token := os.Getenv("WORKER_TOKEN")
	workerID := getenv("WORKER_ID", "worker-"+uuid.NewString()[:8])

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if token == "" {
		logger.Error("WORKER_TOKEN is required (mint one with `fleetq token`)")
		os.Exit(1)
	}

	if err := workerclient.EnableParentDeathSignal(); err != nil {
		logger.Warn("failed to enable parent-death signal", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	reg := workerclient.NewRegistry()
	reg.Register(domain.KindGenerateImage, simulate(5*time.Second))
	reg.Register(domain.KindGenerateVideo, simulate(20*time.Second))
	reg.Register(domain.KindTrainLora, simulate(60*time.Second))
	reg.Register(domain.KindLLMCompletion, simulate(2*time.Second))

	c := workerclient.New(baseURL, token, workerID, reg, logger)
	go c.Run(ctx)

	<-ctx.Done()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer drainCancel()
	if err := c.DrainAndWait(drainCtx); err != nil {
		logger.Warn("shutdown drain timeout; job will be reclaimed by the sweeper", "err", err)
	}
	logger.Info("shutdown complete")
}

// simulate stands in for a generation runtime: it sleeps for the nominal
// duration, respecting cancellation, and returns a placeholder result.
func simulate(d time.Duration) workerclient.Handler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
		out := fmt.Sprintf(`{"simulated":true,"duration_ms":%d}`, d.Milliseconds())
		return json.RawMessage(out), nil
	}
}
