package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/jeetwatch/internal/jeet"
	"github.com/nexus-trading/jeetwatch/internal/ledger"
	"github.com/nexus-trading/jeetwatch/internal/pricing"
	"github.com/nexus-trading/jeetwatch/internal/profile"
)

// ---------------------------------------------------------------------------
// Runner — deterministic offline replay of a capture
// ---------------------------------------------------------------------------

// Config carries the settings the run builds its fresh pipeline from.
type Config struct {
	Ledger  ledger.Config
	Jeet    jeet.Config
	Profile profile.Config

	// Oracle fills in USD prices for capture rows that carry none. Nil
	// replays the capture exactly as recorded. A deterministic oracle
	// keeps verify runs deterministic.
	Oracle pricing.Oracle
}

// DefaultConfig returns production defaults for all three stages.
func DefaultConfig() Config {
	return Config{
		Ledger:  ledger.DefaultConfig(),
		Jeet:    jeet.DefaultConfig(),
		Profile: profile.DefaultConfig(),
	}
}

// Result holds everything one replay run produced.
type Result struct {
	Trades       []jeet.Record // every realized trade, classified, in emission order
	Jeets        []jeet.Record // the flagged subset
	Snapshot     jeet.Snapshot
	Profiles     []profile.WalletProfile // sorted by wallet
	LedgerStats  ledger.Stats
	EventCount   int // events fed into the ledger
	Skipped      int // events rejected and skipped
	PricesFilled int // zero-price rows enriched by the oracle
	Duration     time.Duration
}

// Runner replays a capture through a fresh pipeline.
type Runner struct {
	config Config
	source Source
}

// NewRunner creates a replay runner.
func NewRunner(config Config, source Source) *Runner {
	return &Runner{config: config, source: source}
}

// Run loads the capture, sorts it, and streams it through fresh ledger,
// classifier, aggregator, and profiler instances.
//
// The run is deterministic: the same capture and config produce an
// identical Result, which CompareRuns relies on. Rejected events are
// skipped and counted, never fatal; a batch analysis wants to see the
// whole capture, not die on record 40891.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	startWall := time.Now()

	events, err := r.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: load events: %w", err)
	}

	// Stable sort: equal timestamps keep capture order, which the ledger's
	// non-decreasing clock permits.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	log.Info().Int("event_count", len(events)).Msg("replay: events loaded and sorted")

	led := ledger.New(r.config.Ledger)
	cls := jeet.NewClassifier(r.config.Jeet)
	agg := jeet.NewAggregator()
	prof := profile.New(r.config.Profile)

	result := &Result{}

	for _, ev := range events {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.EventCount++

		if r.config.Oracle != nil && ev.UnitPriceUSD.IsZero() {
			ev.UnitPriceUSD = r.config.Oracle.PriceAt(ev.Token, ev.Timestamp)
			if !ev.UnitPriceUSD.IsZero() {
				result.PricesFilled++
			}
		}

		trades, err := led.Apply(ev)
		if err != nil {
			if errors.Is(err, ledger.ErrInvalidEvent) || errors.Is(err, ledger.ErrLotShortfall) {
				result.Skipped++
				log.Debug().
					Err(err).
					Str("wallet", ev.Wallet).
					Str("token", ev.Token).
					Msg("replay: event skipped")
				continue
			}
			return nil, fmt.Errorf("replay: apply event: %w", err)
		}

		for _, trade := range trades {
			rec := cls.Classify(trade)
			agg.Accumulate(rec)
			prof.Record(rec)
			result.Trades = append(result.Trades, rec)
			if rec.IsJeet {
				result.Jeets = append(result.Jeets, rec)
			}
		}
	}

	result.Snapshot = agg.Snapshot()
	result.Profiles = prof.AllProfiles()
	result.LedgerStats = led.Stats()
	result.Duration = time.Since(startWall)

	log.Info().
		Int("events", result.EventCount).
		Int("skipped", result.Skipped).
		Int("prices_filled", result.PricesFilled).
		Int("trades", len(result.Trades)).
		Int("jeets", len(result.Jeets)).
		Dur("wall_time", result.Duration).
		Msg("replay: complete")

	return result, nil
}
