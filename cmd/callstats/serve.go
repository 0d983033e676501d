package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sweeney/callstats/internal/aggregator"
	"github.com/sweeney/callstats/internal/config"
	"github.com/sweeney/callstats/internal/ingest"
	"github.com/sweeney/callstats/internal/logging"
	"github.com/sweeney/callstats/internal/metrics"
	"github.com/sweeney/callstats/internal/publisher"
	"github.com/sweeney/callstats/internal/server"
)

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Ingest the live call feed and serve statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := cfg.RequireFeed(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, os.Stderr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (defaults and CALLSTATS_* variables apply without one)")
	return cmd
}

// serve runs until ctx is cancelled. Ingest stops first; queued records are
// applied before the final snapshot is published.
func serve(ctx context.Context, cfg *config.Config, logOut io.Writer) error {
	log := logging.New(cfg.Log, logOut)
	instance := uuid.NewString()
	log.Info("starting callstats", "version", version, "instance", instance)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []aggregator.Option{aggregator.WithStrict(cfg.Ingest.Strict)}

	var (
		pub publisher.Publisher
		br  *bridge
	)
	if cfg.MQTT.Enabled {
		mp, err := publisher.NewMQTTPublisher(ctx, publisher.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID + "-" + instance[:8],
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         byte(cfg.MQTT.QoS),
			StatusTopic: cfg.MQTT.TopicPrefix + "/status",
		})
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		log.Info("connected to MQTT broker", "broker", cfg.MQTT.Broker)
		pub = mp
		br = newBridge(pub, cfg.MQTT.TopicPrefix, instance, cfg.MQTT.CompletionBuffer, log)
		opts = append(opts, aggregator.WithOnComplete(br.enqueue))
	}

	agg := aggregator.New(opts...)
	dispatcher := ingest.NewDispatcher(agg, cfg.Ingest.Workers, cfg.Ingest.QueueSize)

	metricsHandler := metrics.Handler(metrics.NewRegistry(metrics.NewCollector(agg, cfg.HTTP.PartyMetrics)))
	srv := server.New(agg, metricsHandler, log)

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	if cfg.HTTP.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}

	bridgeDone := make(chan struct{})
	if br != nil {
		go func() {
			defer close(bridgeDone)
			br.run(agg, cfg.MQTT.SnapshotInterval)
		}()
	} else {
		close(bridgeDone)
	}

	client := ingest.NewClient(ingest.ClientOptions{
		Address:           cfg.Feed.Address,
		DialTimeout:       cfg.Feed.DialTimeout,
		ReconnectInterval: cfg.Feed.ReconnectInterval,
		Logger:            log,
	})
	runErr := client.Run(ctx, dispatcher)

	dispatcher.Close()
	if br != nil {
		br.close()
	}
	<-bridgeDone
	if pub != nil {
		if err := pub.Close(); err != nil {
			log.Warn("closing publisher", "err", err)
		}
	}
	wg.Wait()

	logSummary(log, agg, client)

	if runErr != nil {
		return runErr
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func logSummary(log *slog.Logger, agg *aggregator.Aggregator, client *ingest.Client) {
	rejected := agg.Rejected()
	log.Info("shutdown complete",
		"lines", client.Lines(),
		"sessions", client.Sessions(),
		"active_calls", agg.ActiveCalls(),
		"completed_calls", agg.CompletedCalls(),
		"malformed", rejected.Malformed,
		"unexpected_transitions", rejected.UnexpectedTransition,
		"clock_regressions", rejected.ClockRegression,
	)
}
