package profile

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/jeetwatch/internal/jeet"
)

// ---------------------------------------------------------------------------
// Wallet Profiler
// Rolls the classified trade stream up into per-wallet behavior profiles.
// ---------------------------------------------------------------------------

// Tier classifies a wallet's selling behavior.
type Tier string

const (
	TierDiamond      Tier = "DIAMOND"       // sells, never jeets
	TierHolder       Tier = "HOLDER"        // occasional jeet
	TierPaperHands   Tier = "PAPER_HANDS"   // jeets a quarter of sells or more
	TierSerialJeeter Tier = "SERIAL_JEETER" // jeets half of sells or more
	TierUnrated      Tier = "UNRATED"       // not enough sells to judge
)

func (t Tier) String() string { return string(t) }

// Config sets the tier boundaries.
type Config struct {
	SerialJeeterRate float64 `yaml:"serial_jeeter_rate"` // jeet/sell ratio for SERIAL_JEETER
	PaperHandsRate   float64 `yaml:"paper_hands_rate"`   // jeet/sell ratio for PAPER_HANDS
	MinSellsForTier  int     `yaml:"min_sells_for_tier"` // below this a wallet stays UNRATED
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SerialJeeterRate: 0.5,
		PaperHandsRate:   0.25,
		MinSellsForTier:  4,
	}
}

// WalletProfile is the per-wallet behavior summary.
type WalletProfile struct {
	Wallet            string          `json:"wallet"`
	Tier              Tier            `json:"tier"`
	TradesSeen        int64           `json:"trades_seen"`
	JeetCount         int64           `json:"jeet_count"`
	JeetRate          float64         `json:"jeet_rate"`
	TotalLostUSD      decimal.Decimal `json:"total_lost_usd"`
	NetRealizedPnLUSD decimal.Decimal `json:"net_realized_pnl_usd"`
	FastestHoldMs     int64           `json:"fastest_hold_ms"`
	TokensTouched     int             `json:"tokens_touched"`
	TokensJeeted      int             `json:"tokens_jeeted"`
	FirstSeen         time.Time       `json:"first_seen"`
	LastSeen          time.Time       `json:"last_seen"`
}

type walletState struct {
	tradesSeen   int64
	jeetCount    int64
	totalLost    decimal.Decimal
	netPnL       decimal.Decimal
	fastestHold  time.Duration
	hasFastest   bool
	tokens       map[string]struct{}
	tokensJeeted map[string]struct{}
	firstSeen    time.Time
	lastSeen     time.Time
	tier         Tier
}

// Profiler accumulates classified trades into wallet profiles. Safe for
// concurrent use.
type Profiler struct {
	config Config

	mu      sync.RWMutex
	wallets map[string]*walletState
}

// New creates an empty profiler.
func New(config Config) *Profiler {
	return &Profiler{
		config:  config,
		wallets: make(map[string]*walletState),
	}
}

// Record folds one classified trade into its wallet's profile.
func (p *Profiler) Record(rec jeet.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.wallets[rec.Wallet]
	if !ok {
		st = &walletState{
			totalLost:    decimal.Zero,
			netPnL:       decimal.Zero,
			tokens:       make(map[string]struct{}),
			tokensJeeted: make(map[string]struct{}),
			firstSeen:    rec.DisposedAt,
			tier:         TierUnrated,
		}
		p.wallets[rec.Wallet] = st
	}

	st.tradesSeen++
	st.netPnL = st.netPnL.Add(rec.RealizedPnLUSD)
	st.tokens[rec.Token] = struct{}{}
	st.lastSeen = rec.DisposedAt

	if rec.IsJeet {
		st.jeetCount++
		st.totalLost = st.totalLost.Add(rec.RealizedPnLUSD.Abs())
		st.tokensJeeted[rec.Token] = struct{}{}
		if !st.hasFastest || rec.HoldDuration < st.fastestHold {
			st.fastestHold = rec.HoldDuration
			st.hasFastest = true
		}
	}

	prev := st.tier
	st.tier = p.computeTier(st)
	if st.tier != prev && prev != TierUnrated {
		log.Info().
			Str("wallet", rec.Wallet).
			Str("from", prev.String()).
			Str("to", st.tier.String()).
			Msg("profile: wallet tier changed")
	}
}

// computeTier derives the tier from the jeet/sell ratio. Caller holds the
// lock.
func (p *Profiler) computeTier(st *walletState) Tier {
	if st.tradesSeen < int64(p.config.MinSellsForTier) {
		return TierUnrated
	}

	rate := float64(st.jeetCount) / float64(st.tradesSeen)
	switch {
	case rate >= p.config.SerialJeeterRate:
		return TierSerialJeeter
	case rate >= p.config.PaperHandsRate:
		return TierPaperHands
	case st.jeetCount > 0:
		return TierHolder
	default:
		return TierDiamond
	}
}

func (p *Profiler) buildProfile(wallet string, st *walletState) WalletProfile {
	prof := WalletProfile{
		Wallet:            wallet,
		Tier:              st.tier,
		TradesSeen:        st.tradesSeen,
		JeetCount:         st.jeetCount,
		TotalLostUSD:      st.totalLost,
		NetRealizedPnLUSD: st.netPnL,
		TokensTouched:     len(st.tokens),
		TokensJeeted:      len(st.tokensJeeted),
		FirstSeen:         st.firstSeen,
		LastSeen:          st.lastSeen,
	}
	if st.tradesSeen > 0 {
		prof.JeetRate = float64(st.jeetCount) / float64(st.tradesSeen)
	}
	if st.hasFastest {
		prof.FastestHoldMs = st.fastestHold.Milliseconds()
	}
	return prof
}

// Profile returns one wallet's profile.
func (p *Profiler) Profile(wallet string) (WalletProfile, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st, ok := p.wallets[wallet]
	if !ok {
		return WalletProfile{}, false
	}
	return p.buildProfile(wallet, st), true
}

// AllProfiles returns every tracked profile, sorted by wallet for
// deterministic output.
func (p *Profiler) AllProfiles() []WalletProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]WalletProfile, 0, len(p.wallets))
	for wallet, st := range p.wallets {
		out = append(out, p.buildProfile(wallet, st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out
}

// TopJeeters returns up to n profiles sorted by total USD lost descending,
// ties broken by wallet.
func (p *Profiler) TopJeeters(n int) []WalletProfile {
	return TopByLoss(p.AllProfiles(), n)
}

// TopByLoss sorts a profile set by total USD lost descending, ties broken
// by wallet, and keeps the first n. Works on any profile slice, so replay
// results can be ranked the same way as the live profiler.
func TopByLoss(profiles []WalletProfile, n int) []WalletProfile {
	if n <= 0 {
		return nil
	}

	sorted := make([]WalletProfile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := sorted[i].TotalLostUSD, sorted[j].TotalLostUSD
		if !li.Equal(lj) {
			return li.GreaterThan(lj)
		}
		return sorted[i].Wallet < sorted[j].Wallet
	})

	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// Stats summarizes the tracked population.
type Stats struct {
	WalletsTracked int            `json:"wallets_tracked"`
	TierCounts     map[string]int `json:"tier_counts"`
}

func (p *Profiler) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Stats{
		WalletsTracked: len(p.wallets),
		TierCounts:     make(map[string]int),
	}
	for _, w := range p.wallets {
		st.TierCounts[w.tier.String()]++
	}
	return st
}
