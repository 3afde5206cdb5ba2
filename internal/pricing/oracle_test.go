package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStaticOracleLookup(t *testing.T) {
	o := NewStaticOracle(map[string]float64{
		"tokenA": 1.25,
		"tokenB": 0.004,
	}, DefaultFallbackPriceUSD)

	now := time.Now()

	assert.True(t, o.PriceAt("tokenA", now).Equal(decimal.NewFromFloat(1.25)))
	assert.True(t, o.PriceAt("tokenB", now).Equal(decimal.NewFromFloat(0.004)))

	// Unlisted tokens get the fallback sentinel, not zero.
	p := o.PriceAt("unlisted", now)
	assert.True(t, p.Equal(decimal.NewFromFloat(0.001)), "price=%s", p)

	st := o.Stats()
	assert.Equal(t, int64(3), st.Lookups)
	assert.Equal(t, int64(1), st.Misses)
}

func TestStaticOracleSetPrice(t *testing.T) {
	o := NewStaticOracle(nil, 0)

	assert.True(t, o.PriceAt("tokenA", time.Now()).IsZero())

	o.SetPrice("tokenA", 9.5)
	assert.True(t, o.PriceAt("tokenA", time.Now()).Equal(decimal.NewFromFloat(9.5)))
}

func TestNullOracleAlwaysUnknown(t *testing.T) {
	var o Oracle = NullOracle{}
	assert.True(t, o.PriceAt("anything", time.Now()).IsZero())
}
