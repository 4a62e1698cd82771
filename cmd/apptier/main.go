package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/crowdclass/elastictier/internal/cloud"
	"github.com/crowdclass/elastictier/internal/config"
	"github.com/crowdclass/elastictier/internal/health"
	"github.com/crowdclass/elastictier/internal/metrics"
	"github.com/crowdclass/elastictier/internal/worker"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setLogger(cfg.LogLevel)
	log.Info().Str("version", version).Interface("config", cfg.Redacted()).Msg("starting app tier")

	if cfg.ClassifierCommand == "" {
		log.Fatal().Msg("missing classifier command; set CLASSIFIER_COMMAND")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := cloud.LoadAWSConfig(ctx, cfg.Region)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load AWS config")
	}
	cloud.Preflight(ctx, awsCfg)

	jobQueue := cloud.NewSQSQueue(awsCfg, cfg.RequestQueueURL)
	replyQueue := cloud.NewSQSQueue(awsCfg, cfg.ReplyQueueURL)
	store := cloud.NewS3Store(awsCfg)

	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux)
	ops := &http.Server{
		Addr:              cfg.OpsAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.OpsAddr()).Msg("starting metrics/health server")
		if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ops server error")
		}
	}()

	parts := strings.Fields(cfg.ClassifierCommand)
	classifier := worker.NewExecClassifier(parts[0], parts[1:]...)
	processor := worker.NewJobProcessor(store, replyQueue, classifier, cfg.InputBucket, cfg.OutputBucket)

	workerCfg := worker.DefaultConfig()
	workerCfg.PollWait = cfg.WorkerPollWait
	w := worker.NewWorker(workerCfg, jobQueue, processor)

	go func() {
		if err := w.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("worker exited")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
