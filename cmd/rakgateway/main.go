// Command rakgateway bridges a RAK4630 sensor board on a USB serial port to
// the telemetry ingestion endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rakgateway/command"
	"rakgateway/config"
	"rakgateway/dispatch"
	"rakgateway/hotplug"
	"rakgateway/journal"
	"rakgateway/monitor"
	"rakgateway/serialcomm"
	"rakgateway/session"
	"rakgateway/telemetry"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath, "path to the YAML config file")
	logLevel := pflag.String("log-level", "", "override log.level from the config file")
	pflag.Parse()

	cfg, cfgErr := config.Load(*configPath)
	if cfg == nil {
		fmt.Fprintln(os.Stderr, cfgErr)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfgErr != nil {
		log.Warn("config file not found, using defaults", zap.String("path", *configPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("gateway stopped", zap.Error(err))
	}
	log.Info("gateway stopped")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
	case "json", "":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("log format %q is not json or console", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// run wires the gateway and blocks until ctx is done.
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	metrics := monitor.NewMetrics()
	bus := monitor.NewEventBus()

	var sink command.Sink = telemetry.NewHTTPSink(cfg.Telemetry.Endpoint, cfg.Telemetry.Timeout, log)
	if cfg.Telemetry.Redis.Enabled {
		client, err := telemetry.NewRedisClient(ctx, cfg.Telemetry.Redis)
		if err != nil {
			log.Warn("record mirror disabled", zap.Error(err))
		} else {
			mirror := telemetry.NewMirroredSink(sink, client, cfg.Telemetry.Redis, cfg.Device, log)
			defer mirror.Close()
			sink = mirror
		}
	}

	observers := []command.Observer{metrics, bus}
	var frames monitor.FrameSource
	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal.Path, cfg.Journal.MaxEntries, log)
		if err != nil {
			return err
		}
		defer store.Close()
		observers = append(observers, store)
		frames = store
	}

	enum := serialcomm.SystemEnumerator{}
	ch := serialcomm.NewChannel(enum, serialcomm.TarmOpener, log)
	proc := command.NewProcessor(sink, ch, log, observers...)

	// Tasks outlive the session so that a detach never cuts a response short.
	disp, err := dispatch.New(context.Background(), proc, dispatch.Options{
		MaxInFlight: cfg.Dispatch.MaxInFlight,
		OnPanic:     func(any) { metrics.TaskPanics.Inc() },
	}, log)
	if err != nil {
		return err
	}
	metrics.TrackInFlight(disp.InFlight)

	var mgr *session.Manager
	mgr = session.NewManager(ch, disp.Handle, session.Options{
		Target:        cfg.Device,
		Serial:        cfg.Serial,
		RetryInterval: cfg.Session.RetryInterval,
		OnTransition: func(s session.State) {
			metrics.RecordTransition(s.String())
			bus.PublishSession(mgr.Status())
		},
	}, log)

	var wg sync.WaitGroup
	if cfg.Monitor.Enabled {
		srv := monitor.NewServer(monitor.ServerOptions{
			Status:   func() any { return mgr.Status() },
			InFlight: disp.InFlight,
			Frames:   frames,
			Bus:      bus,
			Metrics:  metrics,
		}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.Monitor.Addr); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("monitor server failed", zap.Error(err))
			}
		}()
	}

	log.Info("gateway started",
		zap.Stringer("device", cfg.Device),
		zap.String("endpoint", cfg.Telemetry.Endpoint),
		zap.Int("max_in_flight", cfg.Dispatch.MaxInFlight))

	watcher := hotplug.NewWatcher(enum, cfg.Hotplug.PollInterval, log)
	mgr.Run(ctx, watcher.Watch(ctx))

	log.Info("waiting for in-flight frames", zap.Int("in_flight", disp.InFlight()))
	disp.Wait()
	wg.Wait()
	return nil
}
