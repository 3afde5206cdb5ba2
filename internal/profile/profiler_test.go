package profile

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/jeetwatch/internal/jeet"
	"github.com/nexus-trading/jeetwatch/internal/ledger"
)

var profTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func profRecord(wallet, token, pnl string, hold time.Duration, at time.Time, isJeet bool) jeet.Record {
	return jeet.Record{
		RealizedTrade: ledger.RealizedTrade{
			Wallet:           wallet,
			Token:            token,
			DisposedAmount:   decimal.RequireFromString("1"),
			SellUnitPriceUSD: decimal.RequireFromString("1"),
			AcquiredAt:       at.Add(-hold),
			DisposedAt:       at,
			HoldDuration:     hold,
			RealizedPnLUSD:   decimal.RequireFromString(pnl),
		},
		IsJeet: isJeet,
	}
}

func TestProfileAccumulation(t *testing.T) {
	p := New(DefaultConfig())

	p.Record(profRecord("w1", "tokenA", "-150", time.Minute, profTime, true))
	p.Record(profRecord("w1", "tokenB", "80", time.Hour, profTime.Add(time.Minute), false))
	p.Record(profRecord("w1", "tokenA", "-200", 30*time.Second, profTime.Add(2*time.Minute), true))

	prof, ok := p.Profile("w1")
	require.True(t, ok)

	assert.Equal(t, int64(3), prof.TradesSeen)
	assert.Equal(t, int64(2), prof.JeetCount)
	assert.True(t, prof.TotalLostUSD.Equal(decimal.RequireFromString("350")))
	assert.True(t, prof.NetRealizedPnLUSD.Equal(decimal.RequireFromString("-270")))
	assert.Equal(t, int64(30_000), prof.FastestHoldMs)
	assert.Equal(t, 2, prof.TokensTouched)
	assert.Equal(t, 1, prof.TokensJeeted)
	assert.Equal(t, profTime, prof.FirstSeen)
	assert.Equal(t, profTime.Add(2*time.Minute), prof.LastSeen)
}

func TestTierBoundaries(t *testing.T) {
	cases := []struct {
		name  string
		sells int
		jeets int
		want  Tier
	}{
		{"too few sells", 3, 3, TierUnrated},
		{"clean seller", 4, 0, TierDiamond},
		{"one jeet in five", 5, 1, TierHolder},
		{"quarter jeeted", 4, 1, TierPaperHands},
		{"half jeeted", 4, 2, TierSerialJeeter},
		{"all jeets", 6, 6, TierSerialJeeter},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(DefaultConfig())
			wallet := "w_" + tc.name

			at := profTime
			for i := 0; i < tc.jeets; i++ {
				p.Record(profRecord(wallet, "tokenA", "-150", time.Minute, at, true))
				at = at.Add(time.Second)
			}
			for i := 0; i < tc.sells-tc.jeets; i++ {
				p.Record(profRecord(wallet, "tokenA", "10", time.Hour, at, false))
				at = at.Add(time.Second)
			}

			prof, ok := p.Profile(wallet)
			require.True(t, ok)
			assert.Equal(t, tc.want, prof.Tier)
		})
	}
}

func TestTopJeeters(t *testing.T) {
	p := New(DefaultConfig())

	for i, lost := range []string{"-500", "-1500", "-900"} {
		wallet := fmt.Sprintf("w%d", i+1)
		p.Record(profRecord(wallet, "tokenA", lost, time.Minute, profTime, true))
	}

	top := p.TopJeeters(2)
	require.Len(t, top, 2)
	assert.Equal(t, "w2", top[0].Wallet)
	assert.True(t, top[0].TotalLostUSD.Equal(decimal.RequireFromString("1500")))
	assert.Equal(t, "w3", top[1].Wallet)

	assert.Nil(t, p.TopJeeters(0))
}

func TestUnknownWallet(t *testing.T) {
	p := New(DefaultConfig())

	_, ok := p.Profile("missing")
	assert.False(t, ok)
	assert.Empty(t, p.AllProfiles())
}

func TestStatsTierCounts(t *testing.T) {
	p := New(DefaultConfig())

	// Four clean sells -> DIAMOND; a lone trade stays UNRATED.
	for i := 0; i < 4; i++ {
		p.Record(profRecord("w1", "tokenA", "10", time.Hour, profTime.Add(time.Duration(i)*time.Second), false))
	}
	p.Record(profRecord("w2", "tokenA", "-150", time.Minute, profTime, true))

	st := p.Stats()
	assert.Equal(t, 2, st.WalletsTracked)
	assert.Equal(t, 1, st.TierCounts["DIAMOND"])
	assert.Equal(t, 1, st.TierCounts["UNRATED"])
}
