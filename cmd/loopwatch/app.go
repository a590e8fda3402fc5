package main

import (
	"context"
	"errors"
	"io"

	"github.com/itsneelabh/loopwatch/core"
	"github.com/itsneelabh/loopwatch/loopdetect"
	"github.com/itsneelabh/loopwatch/memory"
	"github.com/itsneelabh/loopwatch/patternsync"
	"github.com/itsneelabh/loopwatch/telemetry"
)

// app wires the detector, its telemetry sink, the memory service and the
// optional pattern syncer from one Config.
type app struct {
	cfg    *core.Config
	logger core.Logger

	provider *telemetry.OTelProvider // nil unless telemetry is enabled
	sink     *telemetry.LoopSink
	detector *loopdetect.Detector
	service  *memory.Service

	redis  *core.RedisClient
	syncer *patternsync.Syncer
}

// newApp builds an app. Telemetry and Redis failures are logged and the
// app runs without them. logOut replaces the configured log output when set.
func newApp(cfg *core.Config, logOut io.Writer) (*app, error) {
	logger := core.NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
	if pl, ok := logger.(*core.ProductionLogger); ok && logOut != nil {
		pl.SetOutput(logOut)
	}
	a := &app{cfg: cfg, logger: logger}

	if cfg.Telemetry.Enabled {
		if err := telemetry.Initialize(telemetry.ConfigFrom(cfg.Telemetry, cfg.Name, cfg.Development.Enabled)); err != nil {
			logger.Warn("Telemetry unavailable, continuing without it", map[string]interface{}{
				"error":    err.Error(),
				"endpoint": cfg.Telemetry.Endpoint,
			})
		} else {
			a.provider = telemetry.GetProvider()
		}
	}

	a.sink = telemetry.NewLoopSink(a.provider, logger)
	detector, err := loopdetect.New(
		loopdetect.WithConfig(loopdetect.ConfigFrom(cfg.LoopDetection)),
		loopdetect.WithLogger(logger),
		loopdetect.WithSink(a.sink),
	)
	if err != nil {
		return nil, err
	}
	a.detector = detector
	if err := a.sink.RegisterGauges(detector); err != nil {
		logger.Warn("Failed to register loop gauges", map[string]interface{}{"error": err.Error()})
	}

	if cfg.PatternSync.Enabled {
		a.connectPatternSync()
	}

	opts := []memory.Option{memory.WithConfig(cfg.Memory), memory.WithLogger(logger)}
	if a.provider != nil {
		opts = append(opts, memory.WithProvider(a.provider))
	}
	a.service, err = memory.NewService(detector, memory.NewSimulatedSearcher(), opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) connectPatternSync() {
	cfg := a.cfg.PatternSync
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		DB:        core.RedisDBPatterns,
		Namespace: cfg.Namespace,
		Logger:    a.logger,
	})
	if err != nil {
		a.logger.Warn("Pattern sync disabled, Redis unavailable", map[string]interface{}{
			"error":  err.Error(),
			"action": "Check REDIS_URL",
			"impact": "Global patterns stay local to this process",
		})
		return
	}
	a.redis = client
	a.syncer = patternsync.New(client, a.detector.Patterns(),
		patternsync.WithInterval(cfg.Interval),
		patternsync.WithPatternTTL(a.cfg.LoopDetection.PatternTTL),
		patternsync.WithLogger(a.logger),
	)
}

// Close releases Redis and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	a.sink.UnregisterGauges()
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.provider != nil {
		errs = append(errs, telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
