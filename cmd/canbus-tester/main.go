// canbus-tester exercises CAN devices under test: periodic senders, signal
// and code chasers, fault injection, traffic recording and playback decode,
// all driven over an HTTP and WebSocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"can-bus-tester/internal/api"
	"can-bus-tester/internal/codec"
	"can-bus-tester/internal/config"
	"can-bus-tester/internal/database"
	"can-bus-tester/internal/database/clickhouse"
	"can-bus-tester/internal/database/influxdb"
	"can-bus-tester/internal/events"
	"can-bus-tester/internal/models"
	"can-bus-tester/internal/recording"
	"can-bus-tester/internal/schema"
	"can-bus-tester/internal/tasks"
	"can-bus-tester/internal/transport"
)

var (
	configPath string
	portFlag   int
)

func main() {
	root := &cobra.Command{
		Use:          "canbus-tester",
		Short:        "CAN bus device tester",
		Long:         "Generates, injects and records CAN traffic against devices under test.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the tester API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	serve.Flags().IntVarP(&portFlag, "port", "p", 0, "HTTP API port (overrides config)")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if portFlag > 0 {
		cfg.API.Port = portFlag
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting CAN bus tester",
		zap.String("transport", cfg.Transport.Kind),
		zap.String("interface", cfg.Transport.Interface),
		zap.Int("port", cfg.API.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broadcaster := events.NewBroadcaster(logger)
	defer broadcaster.Close()

	bus := buildBus(cfg, logger)
	defer bus.Close()

	if cfg.Transport.Kind == "socketcan" {
		_, err := bus.Configure(transport.InterfaceConfig{
			Interface: cfg.Transport.Kind,
			Channel:   cfg.Transport.Interface,
			Bitrate:   cfg.Transport.Bitrate,
		})
		if err != nil {
			// Not fatal, the interface can be brought up later via the API
			logger.Warn("CAN interface not configured at startup", zap.Error(err))
		}
	}

	schemas := schema.NewStore()
	registry := tasks.NewRegistry(logger)
	defer registry.StopAll()
	uploads := tasks.NewUploadStore()

	recorder, err := recording.NewManager(cfg.Recordings.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to init recording dir: %w", err)
	}
	recorder.Attach(broadcaster)

	stats := transport.NewStatsCollector(cfg.Transport.Interface,
		time.Duration(cfg.Transport.StatsInterval)*time.Second, logger)
	if cfg.Transport.Kind == "socketcan" {
		stats.Start()
		defer stats.Stop()
	}

	sinks := buildSinks(cfg, logger)
	for _, sink := range sinks {
		sink.Start()
		defer sink.Close()
		go pumpSink(broadcaster, sink)
	}

	go pumpRX(ctx, bus, schemas, broadcaster, logger)

	server := api.NewServer(api.Config{Port: cfg.API.Port}, api.Deps{
		Bus:         bus,
		Broadcaster: broadcaster,
		Schemas:     schemas,
		Registry:    registry,
		Uploads:     uploads,
		Recorder:    recorder,
		Stats:       stats,
		Logger:      logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

func buildBus(cfg *config.Config, logger *zap.Logger) transport.Bus {
	if cfg.Transport.Kind == "loopback" {
		lb := transport.NewLoopback()
		lb.SetEcho(true)
		return lb
	}
	return transport.NewSocketCAN(logger)
}

// buildSinks constructs the enabled archive sinks. A sink that fails to
// connect is skipped rather than blocking startup.
func buildSinks(cfg *config.Config, logger *zap.Logger) []database.Writer {
	var sinks []database.Writer

	if cfg.ClickHouse.Enabled {
		ch, err := clickhouse.New(clickhouse.Config{
			Host:     cfg.ClickHouse.Host,
			Port:     cfg.ClickHouse.Port,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Table:    cfg.ClickHouse.Table,
		}, cfg.BatchSize, logger)
		if err != nil {
			logger.Warn("ClickHouse sink disabled", zap.Error(err))
		} else {
			logger.Info("ClickHouse event archive enabled",
				zap.String("host", cfg.ClickHouse.Host),
				zap.String("table", cfg.ClickHouse.Table))
			sinks = append(sinks, ch)
		}
	}

	if cfg.InfluxDB.Enabled {
		ifx, err := influxdb.New(influxdb.Config{
			URL:      cfg.InfluxDB.URL,
			Token:    cfg.InfluxDB.Token,
			Database: cfg.InfluxDB.Database,
		}, cfg.BatchSize, logger)
		if err != nil {
			logger.Warn("InfluxDB sink disabled", zap.Error(err))
		} else {
			logger.Info("InfluxDB signal sink enabled", zap.String("url", cfg.InfluxDB.URL))
			sinks = append(sinks, ifx)
		}
	}

	return sinks
}

// pumpSink forwards bus traffic events into one archive sink.
func pumpSink(b *events.Broadcaster, sink database.Writer) {
	sub := b.SubscribeBuffer(4096)
	for ev := range sub.C {
		switch ev.Type {
		case models.EventRX, models.EventTX:
			sink.Write(ev)
		}
	}
}

// pumpRX reads frames off the bus, decodes them against the active schema
// and publishes them as rx events.
func pumpRX(ctx context.Context, bus transport.Bus, schemas *schema.Store, b *events.Broadcaster, logger *zap.Logger) {
	in := bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			ev := models.Event{
				Type:      models.EventRX,
				Timestamp: msg.Timestamp,
				ID:        msg.Frame.ID,
				DLC:       msg.Frame.DLC,
				Data:      models.DataInts(msg.Frame.Payload()),
			}
			if sch, ok := schemas.Active(); ok {
				if m, ok := sch.MessageByFrameID(msg.Frame.ID); ok {
					ev.Message = m.Name
					if decoded, err := codec.Decode(m, msg.Frame.Payload()); err == nil {
						ev.Decoded = make(map[string]any, len(decoded))
						for name, sig := range decoded {
							ev.Decoded[name] = sig
						}
					} else {
						logger.Debug("failed to decode frame",
							zap.Uint32("id", msg.Frame.ID), zap.Error(err))
					}
				}
			}
			b.Publish(ev)
		}
	}
}
