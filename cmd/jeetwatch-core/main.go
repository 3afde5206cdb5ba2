package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nexus-trading/jeetwatch/internal/audit"
	"github.com/nexus-trading/jeetwatch/internal/bus"
	"github.com/nexus-trading/jeetwatch/internal/clickhouse"
	"github.com/nexus-trading/jeetwatch/internal/config"
	"github.com/nexus-trading/jeetwatch/internal/feed"
	"github.com/nexus-trading/jeetwatch/internal/jeet"
	"github.com/nexus-trading/jeetwatch/internal/ledger"
	"github.com/nexus-trading/jeetwatch/internal/observability"
	"github.com/nexus-trading/jeetwatch/internal/pipeline"
	"github.com/nexus-trading/jeetwatch/internal/profile"
	"github.com/nexus-trading/jeetwatch/internal/quality"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().Msg("=============================================")
	log.Info().Msg("JEETWATCH Core - Starting")
	log.Info().Msg("CONSUME -> MATCH -> CLASSIFY -> PUBLISH")
	log.Info().Msg("=============================================")

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Strs("brokers", cfg.Kafka.Brokers).
		Float64("loss_threshold_usd", cfg.Jeet.LossThresholdUSD).
		Int("hold_threshold_sec", cfg.Jeet.HoldTimeThresholdSec).
		Bool("synthetic_lots", cfg.Ledger.SyntheticLotOnShortfall).
		Bool("abort_on_invalid", cfg.Pipeline.AbortOnInvalid).
		Int("workers", cfg.Pipeline.Workers).
		Msg("Configuration loaded")

	// 4. Root context, cancelled on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 5. Metrics registry. Created unconditionally so component gauges stay
	// live even when the exporter endpoint is off.
	registry := observability.JeetwatchMetrics()

	// 6. ClickHouse client + batch writer. Optional: the pipeline runs
	// without the analytical store, it just loses the history tables.
	var sink pipeline.TradeSink
	var chClient *clickhouse.Client
	var writer *clickhouse.TradeWriter
	if cfg.ClickHouse.Enabled {
		chClient, err = clickhouse.NewClient(cfg.ClickHouse.DSN,
			cfg.ClickHouse.MaxOpenConns, cfg.ClickHouse.MaxIdleConns)
		if err != nil {
			log.Warn().Err(err).Str("dsn", cfg.ClickHouse.DSN).
				Msg("ClickHouse connection failed (continuing without analytical store)")
		} else {
			writer = clickhouse.NewTradeWriter(chClient, cfg.ClickHouse.Database,
				cfg.ClickHouse.BatchSize,
				time.Duration(cfg.ClickHouse.FlushIntervalMs)*time.Millisecond)
			flushHist := registry.GetHistogram("jeetwatch_flush_latency_ms")
			writer.SetFlushObserver(func(d time.Duration) {
				flushHist.Observe(float64(d.Milliseconds()))
			})
			writer.Start(ctx)
			sink = writer
			log.Info().
				Str("database", cfg.ClickHouse.Database).
				Int("batch_size", cfg.ClickHouse.BatchSize).
				Msg("ClickHouse trade writer initialized")
		}
	} else {
		log.Info().Msg("ClickHouse disabled")
	}

	// 7. Kafka producer + consumer. Without the bus there is nothing to
	// consume, so failures here are fatal.
	producerOpts := []bus.ProducerOption{
		bus.WithInstanceID(cfg.General.InstanceID),
		bus.WithSchemaVersion(cfg.Kafka.SchemaVersion),
		bus.WithAcks(cfg.Kafka.ProducerConfig.Acks),
		bus.WithCompression(cfg.Kafka.ProducerConfig.CompressionType),
	}
	if cfg.Kafka.ProducerConfig.LingerMs > 0 {
		producerOpts = append(producerOpts,
			bus.WithLinger(time.Duration(cfg.Kafka.ProducerConfig.LingerMs)*time.Millisecond))
	}
	if cfg.Kafka.ProducerConfig.BatchSize > 0 {
		producerOpts = append(producerOpts,
			bus.WithBatchMaxBytes(int32(cfg.Kafka.ProducerConfig.BatchSize)))
	}
	producer, err := bus.NewProducer(cfg.Kafka.Brokers, producerOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka producer")
	}

	groupID := cfg.Kafka.ConsumerConfig.GroupIDPrefix + "-core"
	consumerOpts := []bus.ConsumerOption{
		bus.WithOffsetReset(cfg.Kafka.ConsumerConfig.AutoOffsetReset),
	}
	if cfg.Kafka.ConsumerConfig.MaxPollRecords > 0 {
		consumerOpts = append(consumerOpts,
			bus.WithMaxPollRecords(cfg.Kafka.ConsumerConfig.MaxPollRecords))
	}
	consumer, err := bus.NewConsumer(cfg.Kafka.Brokers, groupID,
		[]string{bus.Topics.BalanceChanges()}, consumerOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer")
	}

	// 8. Matching components.
	trail := audit.NewTrail(producer, 4096)
	qualityMonitor := quality.NewMonitor(quality.Config{
		ZeroPriceWarnRatio: cfg.Quality.ZeroPriceWarnRatio,
		StaleAfterSec:      cfg.Quality.StaleAfterSec,
		SweepIntervalSec:   cfg.Quality.SweepIntervalSec,
	})
	classifier := jeet.NewClassifier(jeet.Config{
		LossThresholdUSD:     cfg.Jeet.LossThresholdUSD,
		HoldTimeThresholdSec: cfg.Jeet.HoldTimeThresholdSec,
	})
	profiler := profile.New(profile.Config{
		SerialJeeterRate: cfg.Profile.SerialJeeterRate,
		PaperHandsRate:   cfg.Profile.PaperHandsRate,
		MinSellsForTier:  cfg.Profile.MinSellsForTier,
	})
	log.Info().Msg("Classifier, profiler and quality monitor initialized")

	// 9. Live feed hub (optional).
	var feedHub pipeline.Broadcaster
	var hub *feed.Hub
	if cfg.Feed.Enabled {
		hub = feed.NewHub(feed.Config{
			Enabled:          true,
			ListenAddress:    cfg.Feed.ListenAddress,
			ClientBufferSize: cfg.Feed.ClientBufferSize,
		})
		if err := hub.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start live feed hub")
		}
		feedHub = hub
		log.Info().Str("addr", cfg.Feed.ListenAddress).Msg("Live feed hub initialized")
	} else {
		log.Info().Msg("Live feed disabled")
	}

	// 10. Matching engine.
	engine := pipeline.NewEngine(cfg.Pipeline,
		ledger.Config{SyntheticLotOnShortfall: cfg.Ledger.SyntheticLotOnShortfall},
		classifier, profiler, qualityMonitor, producer, sink, feedHub, trail)
	engine.SetInstanceID(cfg.General.InstanceID)
	engine.SetMetrics(registry)
	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start matching engine")
	}

	// 11. Health monitor.
	healthInterval := time.Duration(cfg.Observability.HealthIntervalSec) * time.Second
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}
	healthMonitor := observability.NewHealthMonitor(healthInterval)
	healthMonitor.Register("engine", func(_ context.Context) observability.ComponentHealth {
		if engErr := engine.Err(); engErr != nil {
			return observability.ComponentHealth{
				Status:  observability.StatusUnhealthy,
				Message: engErr.Error(),
			}
		}
		st := engine.Stats()
		return observability.ComponentHealth{
			Status: observability.StatusHealthy,
			Details: map[string]any{
				"queue_depth":    st.QueueDepth,
				"trades_emitted": st.TradesEmitted,
			},
		}
	})
	if chClient != nil {
		healthMonitor.Register("clickhouse", func(checkCtx context.Context) observability.ComponentHealth {
			pingCtx, pingCancel := context.WithTimeout(checkCtx, 3*time.Second)
			defer pingCancel()
			if pingErr := chClient.Ping(pingCtx); pingErr != nil {
				return observability.ComponentHealth{
					Status:  observability.StatusDegraded,
					Message: pingErr.Error(),
				}
			}
			return observability.ComponentHealth{Status: observability.StatusHealthy}
		})
	}
	if hub != nil {
		healthMonitor.Register("feed", func(_ context.Context) observability.ComponentHealth {
			hs := hub.Stats()
			return observability.ComponentHealth{
				Status: observability.StatusHealthy,
				Details: map[string]any{
					"clients":        hs.Clients,
					"frames_dropped": hs.FramesDropped,
				},
			}
		})
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMonitor.Start(ctx)
	}()

	// 12. Alert pump: quality and health alerts go to the ops topic.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case alert := <-qualityMonitor.Alerts():
				publishOpsAlert(ctx, producer, cfg, bus.OpsAlert{
					Level:     alert.Level,
					Component: "quality",
					Wallet:    alert.Wallet,
					Token:     alert.Token,
					Message:   alert.Message,
				})
			case alert := <-healthMonitor.Alerts():
				publishOpsAlert(ctx, producer, cfg, bus.OpsAlert{
					Level:     alert.Level,
					Component: alert.Component,
					Message:   alert.Message,
				})
			}
		}
	}()

	// 13. HTTP endpoint: Prometheus metrics + health + stats.
	if cfg.Observability.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()

			mux.Handle("/metrics", observability.NewPrometheusExporter(registry))

			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(healthMonitor.Check(r.Context()))
			})

			mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
				combined := map[string]any{
					"engine":      engine.Stats(),
					"snapshot":    engine.Snapshot(),
					"audit_depth": trail.Len(),
					"instance_id": cfg.General.InstanceID,
				}
				if writer != nil {
					flushes, writeErrs, pTrades, pJeets, pSnaps := writer.Stats()
					combined["writer"] = map[string]any{
						"flushes":           flushes,
						"errors":            writeErrs,
						"pending_trades":    pTrades,
						"pending_jeets":     pJeets,
						"pending_snapshots": pSnaps,
					}
				}
				if hub != nil {
					combined["feed"] = hub.Stats()
				}
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(combined)
			})

			addr := fmt.Sprintf(":%d", cfg.Observability.PrometheusPort)
			server := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			log.Info().Str("addr", addr).Msg("Core HTTP server started (metrics + health + stats)")

			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				server.Shutdown(shutdownCtx)
			}()

			if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
				log.Error().Err(srvErr).Msg("HTTP server error")
			}
		}()
	}

	// 14. Consumer loop: every balance-change message goes through the engine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if consErr := consumer.Consume(ctx, engine.HandleBalanceMessage); consErr != nil && ctx.Err() == nil {
			log.Error().Err(consErr).Msg("Consumer loop error")
			cancel()
		}
	}()

	// Abort watch: abort_on_invalid turns the first validation reject into
	// a full shutdown.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
		case <-engine.Aborted():
			log.Error().Err(engine.Err()).Msg("Matching engine aborted, shutting down")
			cancel()
		}
	}()

	// Periodic stats logging.
	feedClients := registry.GetGauge("jeetwatch_feed_clients")
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := engine.Stats()
				evt := log.Info().
					Int("queue_depth", st.QueueDepth).
					Int64("events_in", st.EventsIn).
					Int64("events_invalid", st.EventsInvalid).
					Int64("trades", st.TradesEmitted).
					Int64("jeets", st.JeetsFlagged).
					Int64("shortfalls", st.Shortfalls).
					Int("open_lots", st.Ledger.OpenLots).
					Int("pairs", st.Ledger.PairsTracked).
					Int("wallets", st.Profiler.WalletsTracked).
					Int64("kafka_dropped", producer.Dropped())
				if hub != nil {
					hs := hub.Stats()
					feedClients.Set(float64(hs.Clients))
					evt = evt.Int("feed_clients", hs.Clients)
				}
				evt.Msg("[STATS]")
			}
		}
	}()

	log.Info().Msg("JEETWATCH Core - Running")
	log.Info().Msg("Consuming wallet.balance_changes...")

	// 15. Block until shutdown.
	<-ctx.Done()

	// 16. Graceful shutdown: stop ingestion first, drain the engine, then
	// close the outputs it was publishing to.
	log.Info().Msg("Shutting down Core...")

	consumer.Close()

	if stopErr := engine.Stop(); stopErr != nil {
		log.Error().Err(stopErr).Msg("Engine stopped with error")
	}

	if writer != nil {
		if closeErr := writer.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("Trade writer close error")
		}
	}
	if hub != nil {
		hub.Stop()
	}
	healthMonitor.Stop()
	producer.Flush(5 * time.Second)
	producer.Close()
	if chClient != nil {
		chClient.Close()
	}

	wg.Wait()

	final := engine.Stats()
	log.Info().
		Int64("events_in", final.EventsIn).
		Int64("events_invalid", final.EventsInvalid).
		Int64("trades_emitted", final.TradesEmitted).
		Int64("jeets_flagged", final.JeetsFlagged).
		Int64("shortfalls", final.Shortfalls).
		Int64("snapshots", final.SnapshotsPublished).
		Int("wallets_profiled", final.Profiler.WalletsTracked).
		Msg("JEETWATCH Core - Final Statistics")

	log.Info().Msg("JEETWATCH Core - Shutdown complete")
}

// publishOpsAlert wraps an alert in the standard envelope and publishes it.
// Failures are logged; an alert is never worth crashing over.
func publishOpsAlert(ctx context.Context, producer bus.Producer, cfg *config.Config, alert bus.OpsAlert) {
	alert.BaseEvent = bus.NewBaseEvent(cfg.General.InstanceID, cfg.Kafka.SchemaVersion)
	key := alert.Component
	if alert.Wallet != "" {
		key = alert.Wallet
	}
	if err := producer.PublishJSON(ctx, bus.Topics.OpsAlerts(), key, alert); err != nil {
		log.Error().Err(err).Str("component", alert.Component).Msg("Failed to publish ops alert")
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "jeetwatch-core").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "jeetwatch-core").
			Str("instance", general.InstanceID).Logger()
	}
}
