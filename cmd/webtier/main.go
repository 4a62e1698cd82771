package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/crowdclass/elastictier/internal/broker"
	"github.com/crowdclass/elastictier/internal/cloud"
	"github.com/crowdclass/elastictier/internal/config"
	"github.com/crowdclass/elastictier/internal/gateway"
	"github.com/crowdclass/elastictier/internal/health"
	"github.com/crowdclass/elastictier/internal/janitor"
	"github.com/crowdclass/elastictier/internal/metrics"
	"github.com/crowdclass/elastictier/internal/scaler"
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
	log.Info().Str("version", version).Interface("config", cfg.Redacted()).Msg("starting web tier")

	if cfg.ImageID == "" {
		log.Fatal().Msg("missing pool image id; set POOL_IMAGE_ID")
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
	fleet := cloud.NewEC2Fleet(awsCfg, cloud.EC2FleetConfig{
		NamePrefix:   cfg.PoolPrefix,
		ImageID:      cfg.ImageID,
		InstanceType: cfg.InstanceType,
	})

	// Metrics and health server
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

	// Scaling loop
	namer := scaler.NewNamer(fleet, cfg.PoolPrefix)
	sc := scaler.NewScaler(fleet, namer, scaler.Policy{
		LowWatermark: cfg.LowWatermark,
		Batch:        cfg.Batch,
		MaxPool:      cfg.MaxPool,
	})
	monitor := scaler.NewMonitor(jobQueue, sc, scaler.MonitorConfig{
		Interval:         cfg.MonitorInterval,
		ZeroRecheckDelay: cfg.ZeroRecheckDelay,
	})
	go func() {
		if err := monitor.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("monitor exited")
		}
	}()

	// Reply fan-in
	b := broker.New(replyQueue)
	go func() {
		if err := b.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("broker exited")
		}
	}()

	jan := janitor.NewJanitor(nil, b)
	go func() {
		if err := jan.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("janitor exited")
		}
	}()

	// Gateway
	serverCfg := gateway.DefaultServerConfig()
	serverCfg.Port = cfg.GatewayPort
	serverCfg.MaxBodySize = cfg.BodyLimit
	serverCfg.RateLimit = rate.Limit(cfg.RateLimitRPS)
	serverCfg.RateBurst = cfg.RateLimitBurst

	handler := gateway.NewClassifyHandler(jobQueue, store, b, cfg.InputBucket, cfg.ResultTimeout)
	server := gateway.NewServer(serverCfg, handler)

	go func() {
		log.Info().Int("port", cfg.GatewayPort).Msg("starting gateway server")
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("gateway server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway graceful shutdown failed")
	}
	if err := ops.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
