package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/nexus-trading/jeetwatch/internal/config"
	"github.com/nexus-trading/jeetwatch/internal/export"
	"github.com/nexus-trading/jeetwatch/internal/jeet"
	"github.com/nexus-trading/jeetwatch/internal/ledger"
	"github.com/nexus-trading/jeetwatch/internal/pricing"
	"github.com/nexus-trading/jeetwatch/internal/profile"
	"github.com/nexus-trading/jeetwatch/internal/replay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// 1. Parse flags.
	capturePath := flag.String("capture", "", "Path to JSONL capture file (required)")
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when omitted)")
	outDir := flag.String("out", "", "Output directory for exports (overrides config)")
	verify := flag.Bool("verify", false, "Run the capture twice and fail on any divergence")
	fillPrices := flag.Bool("fill-prices", false, "Fill zero-price rows from the static oracle before matching")
	topN := flag.Int("top", 10, "Leaderboard size in the snapshot export")
	jeetsOnly := flag.Bool("jeets-only", false, "Export only flagged trades")
	minLoss := flag.Float64("min-loss", 0, "Export only trades that lost at least this many USD")
	tokenFilter := flag.String("token", "", "Export only trades for this token id")
	flag.Parse()

	if *capturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: jeetwatch-replay -capture <file.jsonl> [-config <file>] [-out <dir>] [-verify] [-top N]")
		os.Exit(2)
	}

	// 2. Load configuration. The replay runs entirely offline, so a missing
	// config file just means production defaults.
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().
		Str("capture", *capturePath).
		Bool("verify", *verify).
		Float64("loss_threshold_usd", cfg.Jeet.LossThresholdUSD).
		Int("hold_threshold_sec", cfg.Jeet.HoldTimeThresholdSec).
		Bool("synthetic_lots", cfg.Ledger.SyntheticLotOnShortfall).
		Msg("JEETWATCH Replay - Starting")

	// 4. Context, cancelled on SIGINT/SIGTERM so a long replay can be
	// interrupted cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Interrupt received, aborting replay")
		cancel()
	}()

	// 5. Run the capture through a fresh pipeline.
	replayConfig := replay.Config{
		Ledger: ledger.Config{SyntheticLotOnShortfall: cfg.Ledger.SyntheticLotOnShortfall},
		Jeet: jeet.Config{
			LossThresholdUSD:     cfg.Jeet.LossThresholdUSD,
			HoldTimeThresholdSec: cfg.Jeet.HoldTimeThresholdSec,
		},
		Profile: profile.Config{
			SerialJeeterRate: cfg.Profile.SerialJeeterRate,
			PaperHandsRate:   cfg.Profile.PaperHandsRate,
			MinSellsForTier:  cfg.Profile.MinSellsForTier,
		},
	}
	if *fillPrices {
		replayConfig.Oracle = pricing.NewStaticOracle(nil, pricing.DefaultFallbackPriceUSD)
	}

	source := replay.NewFileSource(*capturePath)
	runner := replay.NewRunner(replayConfig, source)

	result, err := runner.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}
	if source.BadLines() > 0 {
		log.Warn().Int("bad_lines", source.BadLines()).Msg("Capture contained malformed lines")
	}

	// 6. Verification: a second run over the same capture must be
	// byte-for-byte identical. Any divergence means nondeterminism crept
	// into the matching path.
	if *verify {
		second, err := replay.NewRunner(replayConfig, source).Run(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Verification run failed")
		}

		report := replay.CompareRuns(result, second)
		log.Info().Str("result", report.Summary()).Msg("[VERIFY]")

		if !report.Passed {
			for i, d := range report.Divergences {
				if i >= 10 {
					log.Error().Int("omitted", len(report.Divergences)-i).Msg("[VERIFY] further divergences omitted")
					break
				}
				log.Error().
					Str("type", d.Type).
					Int("index", d.Index).
					Str("field", d.Field).
					Str("expected", d.Expected).
					Str("actual", d.Actual).
					Msg("[VERIFY] divergence")
			}
			if ts := report.FirstDivergenceTime(result); !ts.IsZero() {
				log.Error().Time("first_divergence_at", ts).Msg("[VERIFY] earliest mismatched trade")
			}
			os.Exit(1)
		}
	}

	// 7. Exports.
	dir := cfg.Export.OutputDir
	if *outDir != "" {
		dir = *outDir
	}
	opts := export.ExportOptions{
		OutputDir:   dir,
		JeetsOnly:   *jeetsOnly || cfg.Export.JeetsOnly,
		MinLossUSD:  *minLoss,
		TokenFilter: *tokenFilter,
	}
	if opts.MinLossUSD == 0 {
		opts.MinLossUSD = cfg.Export.MinLossUSD
	}

	filtered := export.FilterTrades(result.Trades, opts)

	tradesPath := export.TimestampedPath(dir, "trades", "csv")
	if err := export.WriteTradesCSV(tradesPath, filtered); err != nil {
		log.Fatal().Err(err).Msg("Trade CSV export failed")
	}

	jeetsPath := export.TimestampedPath(dir, "jeets", "csv")
	if err := export.WriteJeetsCSV(jeetsPath, filtered); err != nil {
		log.Fatal().Err(err).Msg("Jeet CSV export failed")
	}

	top := profile.TopByLoss(result.Profiles, *topN)
	snapshotPath := export.TimestampedPath(dir, "snapshot", "json")
	if err := export.WriteSnapshotJSON(snapshotPath, result.Snapshot, top); err != nil {
		log.Fatal().Err(err).Msg("Snapshot export failed")
	}

	// 8. Leaderboard.
	for i, p := range top {
		log.Info().
			Int("rank", i+1).
			Str("wallet", export.TruncateAddress(p.Wallet)).
			Str("tier", p.Tier.String()).
			Int64("trades", p.TradesSeen).
			Int64("jeets", p.JeetCount).
			Str("lost_usd", export.FormatUSD(p.TotalLostUSD)).
			Str("fastest_hold", (time.Duration(p.FastestHoldMs) * time.Millisecond).String()).
			Msg("[LEADERBOARD]")
	}

	// 9. Per-token sell summary, volume-ranked. Truncated ids are display
	// only; the full ids stay in the exports.
	tokens := make([]string, 0, len(result.Snapshot.PerTokenSells))
	for token := range result.Snapshot.PerTokenSells {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		vi := result.Snapshot.PerTokenSells[tokens[i]].VolumeUSD
		vj := result.Snapshot.PerTokenSells[tokens[j]].VolumeUSD
		if !vi.Equal(vj) {
			return vi.GreaterThan(vj)
		}
		return tokens[i] < tokens[j]
	})
	if len(tokens) > *topN {
		tokens = tokens[:*topN]
	}
	for _, token := range tokens {
		sells := result.Snapshot.PerTokenSells[token]
		ev := log.Info().
			Str("token", export.TruncateAddress(token)).
			Int64("sells", sells.SellCount).
			Str("volume_usd", export.FormatUSD(sells.VolumeUSD))
		if js, ok := result.Snapshot.PerToken[token]; ok {
			ev = ev.Int64("jeets", js.JeetCount).
				Str("jeet_loss_usd", export.FormatUSD(js.TotalLossUSD))
		}
		ev.Msg("[TOKENS]")
	}

	log.Info().
		Int("events", result.EventCount).
		Int("skipped", result.Skipped).
		Int("prices_filled", result.PricesFilled).
		Int("trades", len(result.Trades)).
		Int("exported", len(filtered)).
		Int64("jeets", result.Snapshot.TotalJeetCount).
		Str("total_usd_lost", export.FormatUSD(result.Snapshot.TotalUSDLost)).
		Str("net_pnl_usd", export.FormatUSD(result.Snapshot.NetRealizedPnLUSD)).
		Dur("wall_time", result.Duration).
		Str("trades_csv", tradesPath).
		Str("jeets_csv", jeetsPath).
		Str("snapshot_json", snapshotPath).
		Msg("JEETWATCH Replay - Complete")
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
			With().Timestamp().Str("service", "jeetwatch-replay").Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "jeetwatch-replay").Logger()
	}
}
