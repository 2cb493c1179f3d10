// cmd/worker is a follower: a stateless instance that executes one job at a
// time on behalf of the leader and reports results back over signed HTTP.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/dispatch"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/ffmpeg"
	httptransport "github.com/SeriousBug/frame-shift-video-sub001/internal/transport/http"
	"github.com/SeriousBug/frame-shift-video-sub001/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secret := mustEnv("WORKER_SECRET")
	httpAddr := envOr("HTTP_ADDR", ":8081")
	leaderURL := os.Getenv("LEADER_URL")
	workerID := envOr("WORKER_ID", uuid.NewString())
	jobTimeout := time.Duration(envIntOr("JOB_TIMEOUT_MINUTES", 0)) * time.Minute

	runner := &ffmpeg.Runner{
		FFmpegPath:  envOr("FFMPEG_PATH", "ffmpeg"),
		FFprobePath: envOr("FFPROBE_PATH", "ffprobe"),
	}

	var reporter worker.Reporter
	if leaderURL != "" {
		reporter = dispatch.NewReporter(leaderURL, secret, workerID)
	}

	executor := worker.NewExecutor(worker.NewProcessRunner(runner), reporter, workerID, jobTimeout)
	handler := httptransport.NewFollowerHandler(executor, secret)
	server := &http.Server{Addr: httpAddr, Handler: httptransport.Routes(handler)}

	go func() {
		log.Printf("[worker] worker_id=%s addr=%s leader=%s", workerID, httpAddr, leaderURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[worker] shutting down")

	executor.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[worker] shutdown_error=%v", err)
	}
	log.Println("[worker] stopped")
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing env: %s", key)
	}
	return v
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
