package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammed-shakir/decoynet-collector/internal/activity"
	"github.com/mohammed-shakir/decoynet-collector/internal/alert"
	"github.com/mohammed-shakir/decoynet-collector/internal/collector"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/config"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/httpclient"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/observability"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/router"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/server"
	"github.com/mohammed-shakir/decoynet-collector/internal/feature"
	"github.com/mohammed-shakir/decoynet-collector/internal/geo"
	"github.com/mohammed-shakir/decoynet-collector/internal/geocache/redisstore"
	"github.com/mohammed-shakir/decoynet-collector/internal/logger"
	"github.com/mohammed-shakir/decoynet-collector/internal/scoring"
	"github.com/mohammed-shakir/decoynet-collector/internal/store"
	"github.com/mohammed-shakir/decoynet-collector/internal/stream"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configFlag := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Printf("collector: %v", err)
		return 1
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.Log.Level,
		Console:   cfg.Log.Console,
		SampleN:   cfg.Log.SampleN,
		Component: "collector",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	appLog.Info("starting collector",
		"addr", cfg.BindAddress,
		"version", Version,
		"db", cfg.DBPath,
		"geo_upstream", cfg.Geo.UpstreamURL,
		"alert_driver", cfg.Alerts.Driver)

	sup, err := scoring.LoadArtifact(cfg.Models.Supervised.Path, scoring.TagSupervised)
	if err != nil {
		appLog.Error("supervised model load failed", "path", cfg.Models.Supervised.Path, "err", err)
		return 2
	}
	ano, err := scoring.LoadArtifact(cfg.Models.Unsupervised.Path, scoring.TagAnomaly)
	if err != nil {
		appLog.Error("anomaly model load failed", "path", cfg.Models.Unsupervised.Path, "err", err)
		return 2
	}
	sec, err := scoring.LoadArtifact(cfg.Models.Secondary.Path, scoring.TagSecondary)
	if err != nil {
		appLog.Error("secondary model load failed", "path", cfg.Models.Secondary.Path, "err", err)
		return 2
	}

	scorer, err := scoring.New(appLog, sup, ano, sec, scoring.Config{
		Weights: scoring.Weights{
			Supervised: cfg.Models.Weights.Supervised,
			Anomaly:    cfg.Models.Weights.Unsupervised,
			Traffic:    cfg.Models.Weights.Secondary,
		},
		Bands:      scoring.Bands{Low: cfg.Bands.Low, Medium: cfg.Bands.Medium, High: cfg.Bands.High},
		ScoreFloor: cfg.ScoreFloor,
		Indicators: feature.Indicators{Actions: cfg.IndicatorActions, Paths: cfg.IndicatorPaths},
	})
	if err != nil {
		appLog.Error("ensemble setup failed", "err", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, appLog, cfg.DBPath, store.WithQueueCapacity(cfg.Backpressure.HighWatermark))
	if err != nil {
		appLog.Error("store init failed", "path", cfg.DBPath, "err", err)
		return 3
	}
	defer func() {
		if err := st.Close(); err != nil {
			appLog.Error("store close failed", "err", err)
		}
	}()

	provider, err := geo.NewHTTPProvider(appLog, httpclient.NewOutbound(cfg.Geo.Timeout.Std()), cfg.Geo.UpstreamURL)
	if err != nil {
		appLog.Error("geo provider setup failed", "url", cfg.Geo.UpstreamURL, "err", err)
		return 1
	}

	var geoOpts []geo.Option
	if cfg.Geo.Redis.Addr != "" {
		rc, err := redisstore.New(ctx, cfg.Geo.Redis.Addr,
			redisstore.WithDialTimeout(cfg.Geo.Redis.DialTimeout.Std()))
		if err != nil {
			// shared tier is optional; run on the in-process cache alone
			appLog.Warn("geo redis unavailable", "addr", cfg.Geo.Redis.Addr, "err", err)
		} else {
			defer func() { _ = rc.Close() }()
			geoOpts = append(geoOpts, geo.WithSharedCache(rc))
		}
	}

	enricher := geo.New(appLog, provider, geo.Config{
		CacheSize:   cfg.Geo.Cache.Size,
		PositiveTTL: cfg.Geo.Cache.PositiveTTL.Std(),
		NegativeTTL: cfg.Geo.Cache.NegativeTTL.Std(),
		MaxInflight: cfg.Geo.Concurrency,
		MaxWait:     cfg.Geo.SemaphoreWait.Std(),
	}, geoOpts...)

	// selected alert driver
	var sink alert.Sink = alert.NopSink{}
	if cfg.Alerts.Driver == "kafka" {
		ks, err := alert.NewKafkaSink(appLog, cfg.Alerts.Brokers, cfg.Alerts.Topic, 0)
		if err != nil {
			appLog.Error("kafka sink setup failed", "brokers", cfg.Alerts.Brokers, "err", err)
			return 1
		}
		sink = ks
	}
	notifier := alert.NewNotifier(appLog, sink,
		alert.WithMinBand(model.Band(cfg.Alerts.MinBand)),
		alert.WithCooldown(cfg.Alerts.Cooldown.Std()))
	defer func() {
		if err := notifier.Close(); err != nil {
			appLog.Error("notifier close failed", "err", err)
		}
	}()

	hub := stream.NewHub(appLog, cfg.Stream.Buffer)
	defer hub.Close()

	tracker := activity.New(cfg.Activity.HalfLife.Std())

	col := collector.New(appLog, enricher, scorer, st,
		collector.WithNotifier(notifier),
		collector.WithHub(hub),
		collector.WithTracker(tracker),
		collector.WithMapResolution(cfg.Map.CellRes),
		collector.WithVersion(Version))

	h := router.New(appLog, col)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := server.RunMetrics(ctx, cfg.MetricsAddr, appLog); err != nil {
				appLog.Error("metrics server exited", "err", err)
			}
		}()
	}

	if err := server.Run(ctx, cfg, appLog, h, col); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("collector stopped")
	return 0
}
