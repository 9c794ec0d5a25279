// Package pricing turns one telemetry snapshot plus cached market data into
// cost/earnings/profit figures. Everything here is a pure function of its
// inputs: no I/O, no clocks, no state — time of day comes in as an argument.
package pricing

import (
	"time"
)

// Mode selects how the effective electricity price is built.
type Mode string

const (
	// ModeFixed: flat contract price plus the time-of-day grid fee.
	ModeFixed Mode = "fixed"
	// ModeSubsidizedSpot: hourly spot with the state subsidy applied above
	// the threshold, plus the time-of-day grid fee.
	ModeSubsidizedSpot Mode = "spot"
)

// Config is the pricing-mode selection plus tariff parameters. Prices are in
// the configured currency per kWh.
type Config struct {
	Mode Mode `json:"mode"`

	FixedPerKWh float64 `json:"fixed_per_kwh"`

	SubsidyThreshold float64 `json:"subsidy_threshold"`
	SubsidyFraction  float64 `json:"subsidy_fraction"`

	GridFeeDay   float64 `json:"grid_fee_day"`
	GridFeeNight float64 `json:"grid_fee_night"`
	DayStartHour int     `json:"day_start_hour"`
	DayEndHour   int     `json:"day_end_hour"`

	HeatPumpCOP     float64 `json:"heat_pump_cop"`
	EfficiencyClamp float64 `json:"efficiency_clamp"`

	Currency string `json:"currency"`
}

// Defaults mirrors the Norwegian household arrangement the system was built
// around: 90% subsidy above 0.9375 kr/kWh, day tariff on weekday daytime.
func Defaults() Config {
	return Config{
		Mode:             ModeSubsidizedSpot,
		FixedPerKWh:      0.79,
		SubsidyThreshold: 0.9375,
		SubsidyFraction:  0.90,
		GridFeeDay:       0.50,
		GridFeeNight:     0.40,
		DayStartHour:     6,
		DayEndHour:       22,
		HeatPumpCOP:      3.0,
		EfficiencyClamp:  10.0,
		Currency:         "nok",
	}
}

// Input is the device-side slice of the computation.
type Input struct {
	HashrateTHS float64
	PowerW      float64
}

// Market is the cached market slice. NetworkHashrateTHS of zero disables the
// yield model (no earnings reported rather than a division blowup).
type Market struct {
	SpotPerKWh         float64
	AssetPrice         float64
	NetworkHashrateTHS float64
	BlockReward        float64
	BlocksPerDay       int
}

// Result is recomputed in full every poll cycle; nothing carries over.
type Result struct {
	EffectivePerKWh float64 `json:"effective_per_kwh"`
	GridFeePerKWh   float64 `json:"grid_fee_per_kwh"`

	HourlyCost float64 `json:"hourly_cost"`
	DailyCost  float64 `json:"daily_cost"`

	DailyYield    float64 `json:"daily_yield"`
	DailyEarnings float64 `json:"daily_earnings"`
	DailyProfit   float64 `json:"daily_profit"`
	Profitable    bool    `json:"profitable"`

	// THSPerKW is throughput per kilowatt of draw.
	THSPerKW float64 `json:"ths_per_kw"`
	// HeatingAdvantage compares heating with this device against a reference
	// heat pump: >1 means the miner heats cheaper, after earnings.
	HeatingAdvantage float64 `json:"heating_advantage"`
	// BreakevenAssetPrice is the asset price at which profit crosses zero.
	BreakevenAssetPrice float64 `json:"breakeven_asset_price"`
}

// GridFee selects the day rate inside the weekday daytime window
// [DayStartHour, DayEndHour) Monday through Friday, the night rate otherwise
// (weekday nights and full weekends).
func GridFee(cfg Config, at time.Time) float64 {
	wd := at.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return cfg.GridFeeNight
	}
	h := at.Hour()
	if h >= cfg.DayStartHour && h < cfg.DayEndHour {
		return cfg.GridFeeDay
	}
	return cfg.GridFeeNight
}

// EffectivePrice builds the full per-kWh price for the given moment.
func EffectivePrice(cfg Config, spotPerKWh float64, at time.Time) float64 {
	fee := GridFee(cfg, at)
	if cfg.Mode == ModeFixed {
		return cfg.FixedPerKWh + fee
	}
	return subsidizedSpot(cfg, spotPerKWh) + fee
}

// subsidizedSpot applies the fractional subsidy to the part of the spot price
// above the threshold. Below the threshold spot passes through untouched.
func subsidizedSpot(cfg Config, spot float64) float64 {
	if spot <= cfg.SubsidyThreshold || cfg.SubsidyFraction <= 0 {
		return spot
	}
	return spot - (spot-cfg.SubsidyThreshold)*cfg.SubsidyFraction
}

// Compute derives the full efficiency result. Pure: identical inputs yield
// identical output.
func Compute(cfg Config, in Input, m Market, at time.Time) Result {
	var r Result
	r.GridFeePerKWh = GridFee(cfg, at)
	r.EffectivePerKWh = EffectivePrice(cfg, m.SpotPerKWh, at)

	powerKW := in.PowerW / 1000.0
	r.HourlyCost = powerKW * r.EffectivePerKWh
	r.DailyCost = r.HourlyCost * 24

	if m.NetworkHashrateTHS > 0 {
		// Zero-sum proportional share of the daily block production; not a
		// payout-scheme simulation.
		r.DailyYield = in.HashrateTHS / m.NetworkHashrateTHS * m.BlockReward * float64(m.BlocksPerDay)
		r.DailyEarnings = r.DailyYield * m.AssetPrice
	}
	r.DailyProfit = r.DailyEarnings - r.DailyCost
	r.Profitable = r.DailyProfit > 0

	if powerKW > 0 {
		r.THSPerKW = in.HashrateTHS / powerKW
	}
	if r.DailyYield > 0 {
		r.BreakevenAssetPrice = r.DailyCost / r.DailyYield
	}
	r.HeatingAdvantage = heatingAdvantage(cfg, r, powerKW)
	return r
}

// heatingAdvantage compares the net cost of the device's heat output over a
// day against running a reference heat pump for the same heat. Clamped so a
// net cost near zero does not report a meaningless extreme.
func heatingAdvantage(cfg Config, r Result, powerKW float64) float64 {
	if powerKW <= 0 || cfg.HeatPumpCOP <= 0 {
		return 0
	}
	heatPumpCost := powerKW * 24 / cfg.HeatPumpCOP * r.EffectivePerKWh
	netHeatCost := r.DailyCost - r.DailyEarnings

	clamp := cfg.EfficiencyClamp
	if clamp <= 0 {
		clamp = 10.0
	}
	if netHeatCost <= 0 {
		// earnings cover the power bill: strictly better than any heat pump
		return clamp
	}
	adv := heatPumpCost / netHeatCost
	if adv > clamp {
		return clamp
	}
	return adv
}
