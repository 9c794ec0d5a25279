package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2026-08-24 is a Monday.
var (
	weekdayNoon  = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	weekdayNight = time.Date(2026, 8, 24, 23, 30, 0, 0, time.UTC)
	saturdayNoon = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
)

func testConfig() Config {
	cfg := Defaults()
	cfg.GridFeeDay = 0.50
	cfg.GridFeeNight = 0.40
	return cfg
}

func TestGridFeeWindowAllWeek(t *testing.T) {
	cfg := testConfig()
	// every day of the week, inside and outside the daytime window
	for day := 0; day < 7; day++ {
		base := time.Date(2026, 8, 24+day, 0, 0, 0, 0, time.UTC) // Mon..Sun
		inside := base.Add(12 * time.Hour)
		before := base.Add(5 * time.Hour)
		after := base.Add(23 * time.Hour)

		wd := base.Weekday()
		wantInside := cfg.GridFeeDay
		if wd == time.Saturday || wd == time.Sunday {
			wantInside = cfg.GridFeeNight
		}
		assert.Equal(t, wantInside, GridFee(cfg, inside), "%s noon", wd)
		assert.Equal(t, cfg.GridFeeNight, GridFee(cfg, before), "%s early", wd)
		assert.Equal(t, cfg.GridFeeNight, GridFee(cfg, after), "%s late", wd)
	}
}

func TestGridFeeWindowEdges(t *testing.T) {
	cfg := testConfig()
	day := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC) // Tuesday
	assert.Equal(t, cfg.GridFeeNight, GridFee(cfg, day.Add(5*time.Hour+59*time.Minute)))
	assert.Equal(t, cfg.GridFeeDay, GridFee(cfg, day.Add(6*time.Hour)))
	assert.Equal(t, cfg.GridFeeDay, GridFee(cfg, day.Add(21*time.Hour+59*time.Minute)))
	assert.Equal(t, cfg.GridFeeNight, GridFee(cfg, day.Add(22*time.Hour)))
}

func TestFixedTariffPrice(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModeFixed
	cfg.FixedPerKWh = 0.79

	assert.InDelta(t, 0.79+0.50, EffectivePrice(cfg, 99.0, weekdayNoon), 1e-9)
	assert.InDelta(t, 0.79+0.40, EffectivePrice(cfg, 99.0, weekdayNight), 1e-9)
	assert.InDelta(t, 0.79+0.40, EffectivePrice(cfg, 99.0, saturdayNoon), 1e-9)
}

func TestSpotBelowThresholdNoSubsidy(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModeSubsidizedSpot
	assert.InDelta(t, 0.60+0.50, EffectivePrice(cfg, 0.60, weekdayNoon), 1e-9)
	// exactly at the threshold: still untouched
	assert.InDelta(t, cfg.SubsidyThreshold+0.50, EffectivePrice(cfg, cfg.SubsidyThreshold, weekdayNoon), 1e-9)
}

func TestSpotAboveThresholdSubsidized(t *testing.T) {
	cfg := testConfig()
	spot := 2.00
	want := spot - (spot-cfg.SubsidyThreshold)*cfg.SubsidyFraction + cfg.GridFeeDay
	assert.InDelta(t, want, EffectivePrice(cfg, spot, weekdayNoon), 1e-9)
	// the reference scenario: 0.9375 + (2.00-0.9375)*0.10 + 0.50
	assert.InDelta(t, 1.54375, EffectivePrice(cfg, 2.00, weekdayNoon), 1e-9)
}

func TestComputeReferenceScenario(t *testing.T) {
	cfg := testConfig()
	in := Input{HashrateTHS: 100, PowerW: 3250}
	m := Market{
		SpotPerKWh:         0.50, // below threshold
		AssetPrice:         1_000_000,
		NetworkHashrateTHS: 600_000, // 600 EH/s
		BlockReward:        3.125,
		BlocksPerDay:       144,
	}
	r := Compute(cfg, in, m, weekdayNoon)

	assert.InDelta(t, 0.075, r.DailyYield, 1e-6)
	assert.InDelta(t, 75_000, r.DailyEarnings, 1e-3)
	wantPrice := 0.50 + 0.50
	assert.InDelta(t, 3.25*24*wantPrice, r.DailyCost, 1e-9)
	assert.InDelta(t, r.DailyEarnings-r.DailyCost, r.DailyProfit, 1e-9)
	assert.True(t, r.Profitable)
	assert.InDelta(t, 100.0/3.25, r.THSPerKW, 1e-9)
	assert.InDelta(t, r.DailyCost/0.075, r.BreakevenAssetPrice, 1e-6)
	// profit is positive, so heating beats a heat pump by the clamp
	assert.Equal(t, cfg.EfficiencyClamp, r.HeatingAdvantage)
}

func TestComputeUnprofitable(t *testing.T) {
	cfg := testConfig()
	in := Input{HashrateTHS: 100, PowerW: 3250}
	m := Market{
		SpotPerKWh:         0.50,
		AssetPrice:         100_000, // earnings 7500... still profitable; drop hashrate share
		NetworkHashrateTHS: 600_000_000,
		BlockReward:        3.125,
		BlocksPerDay:       144,
	}
	r := Compute(cfg, in, m, weekdayNoon)
	assert.False(t, r.Profitable)
	assert.Less(t, r.DailyProfit, 0.0)
	// net heating cost positive: advantage finite and below the clamp
	assert.Greater(t, r.HeatingAdvantage, 0.0)
	assert.LessOrEqual(t, r.HeatingAdvantage, cfg.EfficiencyClamp)
}

func TestComputeNoNetworkData(t *testing.T) {
	cfg := testConfig()
	r := Compute(cfg, Input{HashrateTHS: 100, PowerW: 3250}, Market{SpotPerKWh: 0.5}, weekdayNoon)
	assert.Zero(t, r.DailyYield)
	assert.Zero(t, r.DailyEarnings)
	assert.Zero(t, r.BreakevenAssetPrice)
	assert.Less(t, r.DailyProfit, 0.0)
}

func TestComputeIdempotent(t *testing.T) {
	cfg := testConfig()
	in := Input{HashrateTHS: 120.5, PowerW: 3344}
	m := Market{SpotPerKWh: 1.13, AssetPrice: 642_000, NetworkHashrateTHS: 712_345, BlockReward: 3.125, BlocksPerDay: 144}
	a := Compute(cfg, in, m, weekdayNight)
	b := Compute(cfg, in, m, weekdayNight)
	require.Equal(t, a, b)
}

func TestHeatingAdvantageClamp(t *testing.T) {
	cfg := testConfig()
	cfg.EfficiencyClamp = 10
	// near-zero net cost must clamp, not explode
	in := Input{HashrateTHS: 100, PowerW: 1}
	m := Market{SpotPerKWh: 0.5, AssetPrice: 1_000_000, NetworkHashrateTHS: 600_000, BlockReward: 3.125, BlocksPerDay: 144}
	r := Compute(cfg, in, m, weekdayNoon)
	assert.Equal(t, 10.0, r.HeatingAdvantage)
}
