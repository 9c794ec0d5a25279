// Package stats merges the protocol, device-list and GraphQL sources into
// one normalized per-device snapshot.
package stats

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"minerwatt/internal/braiins"
	"minerwatt/internal/minerapi"
	"minerwatt/internal/modelnorm"
	"minerwatt/internal/telemetry"
)

// DefaultWattsPerTH estimates draw for firmwares that report no power field.
const DefaultWattsPerTH = 32.5

// Device is one configured target.
type Device struct {
	Address string
	Name    string
	Cred    braiins.Cred
}

// PoolStatus is the share-accounting slice of a snapshot.
type PoolStatus struct {
	Connected  bool    `json:"connected"`
	Accepted   int64   `json:"accepted"`
	Rejected   int64   `json:"rejected"`
	RejectRate float64 `json:"reject_rate"`
	URL        string  `json:"url,omitempty"`
	User       string  `json:"user,omitempty"`
}

// Snapshot is one device's normalized telemetry for one poll cycle. It is
// constructed fresh each cycle and never mutated afterwards.
type Snapshot struct {
	Address string    `json:"address"`
	Name    string    `json:"name"`
	TakenAt time.Time `json:"taken_at"`

	Vendor string `json:"vendor,omitempty"`
	Model  string `json:"model,omitempty"`

	HashrateTHS float64 `json:"hashrate_ths"`

	ChipTempC   *float64 `json:"chip_temp_c"`
	BoardTemp1C *float64 `json:"board_temp1_c"`
	BoardTemp2C *float64 `json:"board_temp2_c"`
	BoardTemp3C *float64 `json:"board_temp3_c"`

	FanRPM1 *int `json:"fan_rpm1"`
	FanRPM2 *int `json:"fan_rpm2"`
	FanRPM3 *int `json:"fan_rpm3"`
	FanRPM4 *int `json:"fan_rpm4"`

	PowerW         float64 `json:"power_w"`
	PowerEstimated bool    `json:"power_estimated"`

	UptimeS int64      `json:"uptime_s"`
	Pool    PoolStatus `json:"pool"`

	// GraphQL reports whether schema discovery contributed readings.
	GraphQL bool `json:"graphql"`
}

// Aggregator drives the per-device fan-out. Safe for concurrent use across
// devices; it holds no per-call state.
type Aggregator struct {
	miner *minerapi.Client
	gql   *braiins.Client
	norm  *telemetry.Normalizer
	log   *zap.Logger

	mu         sync.Mutex
	wattsPerTH float64
}

// SetWattsPerTH replaces the estimation figure used for devices that report
// no power field.
func (a *Aggregator) SetWattsPerTH(v float64) {
	if v <= 0 {
		v = DefaultWattsPerTH
	}
	a.mu.Lock()
	a.wattsPerTH = v
	a.mu.Unlock()
}

func (a *Aggregator) estimateFactor() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wattsPerTH
}

func New(miner *minerapi.Client, gql *braiins.Client, log *zap.Logger, wattsPerTH float64) *Aggregator {
	if wattsPerTH <= 0 {
		wattsPerTH = DefaultWattsPerTH
	}
	return &Aggregator{
		miner:      miner,
		gql:        gql,
		norm:       telemetry.New(log),
		log:        log,
		wattsPerTH: wattsPerTH,
	}
}

// Collect polls one device. GraphQL discovery and the device-list command
// degrade to "no data" on failure; the aggregation only fails when every one
// of the three core commands fails.
func (a *Aggregator) Collect(ctx context.Context, dev Device) (Snapshot, error) {
	var (
		wg          sync.WaitGroup
		summary     minerapi.Reply
		stats       minerapi.Reply
		pools       minerapi.Reply
		devs        minerapi.Reply
		summaryErr  error
		statsErr    error
		poolsErr    error
		devsErr     error
		disc        *braiins.Result
	)

	wg.Add(5)
	go func() {
		defer wg.Done()
		summary, summaryErr = a.miner.Send(ctx, dev.Address, minerapi.Summary())
	}()
	go func() {
		defer wg.Done()
		stats, statsErr = a.miner.Send(ctx, dev.Address, minerapi.Stats())
	}()
	go func() {
		defer wg.Done()
		pools, poolsErr = a.miner.Send(ctx, dev.Address, minerapi.Pools())
	}()
	go func() {
		defer wg.Done()
		devs, devsErr = a.miner.Send(ctx, dev.Address, minerapi.Devs())
	}()
	go func() {
		defer wg.Done()
		disc = a.gql.Discover(ctx, hostOf(dev.Address), dev.Cred)
	}()
	wg.Wait()

	if summaryErr != nil && statsErr != nil && poolsErr != nil {
		return Snapshot{}, summaryErr
	}
	if devsErr != nil {
		a.log.Debug("devs command degraded", zap.String("address", dev.Address), zap.Error(devsErr))
	}

	snap := Snapshot{
		Address: dev.Address,
		Name:    dev.Name,
		TakenAt: time.Now().UTC(),
		GraphQL: disc != nil && disc.Data != nil,
	}

	statsMaps := stats.Section("STATS")
	merged := unionKeys(statsMaps)
	summaryMap := firstOf(summary.Section("SUMMARY"))
	var devsMap map[string]any
	if devsErr == nil {
		devsMap = firstOf(devs.Section("DEVS"))
	}

	snap.HashrateTHS = hashrateTHS(summaryMap, merged)
	snap.UptimeS = uptimeS(summaryMap, merged)
	snap.Pool = poolStatus(pools.Section("POOLS"))

	a.fillTemperatures(&snap, disc, merged, devsMap, statsMaps)
	a.fillFans(&snap, disc, merged, devsMap, statsMaps)
	a.fillPower(&snap, merged, summaryMap)
	a.fillModel(&snap, merged)

	return snap, nil
}

// GraphQL readings win; the protocol cascade only runs while the chip
// temperature is unresolved.
func (a *Aggregator) fillTemperatures(snap *Snapshot, disc *braiins.Result, merged, devsMap map[string]any, statsMaps []map[string]any) {
	if temps := disc.BoardTemps(); len(temps) > 0 {
		for i, v := range temps {
			if i >= 3 {
				break
			}
			f := v
			switch i {
			case 0:
				snap.BoardTemp1C = &f
			case 1:
				snap.BoardTemp2C = &f
			case 2:
				snap.BoardTemp3C = &f
			}
		}
		chip := temps[0]
		for _, v := range temps {
			if v > chip {
				chip = v
			}
		}
		snap.ChipTempC = &chip
	}
	if snap.ChipTempC != nil {
		return
	}
	got := a.norm.ExtractTemperatures(merged, devsMap, statsMaps)
	snap.ChipTempC = got.Chip
	if snap.BoardTemp1C == nil {
		snap.BoardTemp1C = got.Board1
	}
	if snap.BoardTemp2C == nil {
		snap.BoardTemp2C = got.Board2
	}
	if snap.BoardTemp3C == nil {
		snap.BoardTemp3C = got.Board3
	}
}

func (a *Aggregator) fillFans(snap *Snapshot, disc *braiins.Result, merged, devsMap map[string]any, statsMaps []map[string]any) {
	if rpms := disc.FanRPMs(); len(rpms) > 0 {
		for i, v := range rpms {
			if i >= 4 {
				break
			}
			n := v
			switch i {
			case 0:
				snap.FanRPM1 = &n
			case 1:
				snap.FanRPM2 = &n
			case 2:
				snap.FanRPM3 = &n
			case 3:
				snap.FanRPM4 = &n
			}
		}
		return
	}
	got := a.norm.ExtractFanSpeeds(merged, devsMap, statsMaps)
	snap.FanRPM1 = got.Speed1
	snap.FanRPM2 = got.Speed2
	snap.FanRPM3 = got.Speed3
	snap.FanRPM4 = got.Speed4
}

var powerFields = []string{"power", "Power", "power_rt", "power_usage", "total_power", "chain_power", "power_rate"}

func (a *Aggregator) fillPower(snap *Snapshot, merged, summaryMap map[string]any) {
	for _, key := range powerFields {
		if f, ok := numField(merged, key); ok && f > 0 {
			snap.PowerW = f
			return
		}
		if f, ok := numField(summaryMap, key); ok && f > 0 {
			snap.PowerW = f
			return
		}
	}
	// Estimated draw is flagged so callers can tell it from a measured value.
	snap.PowerW = snap.HashrateTHS * a.estimateFactor()
	snap.PowerEstimated = true
}

func (a *Aggregator) fillModel(snap *Snapshot, merged map[string]any) {
	raw, _ := merged["Type"].(string)
	if raw == "" {
		raw, _ = merged["type"].(string)
	}
	if raw == "" {
		return
	}
	n := modelnorm.Normalize(raw)
	snap.Vendor = n.Vendor
	snap.Model = n.Model
	if n.Model == "" {
		snap.Model = raw
	}
}

// hashrateTHS reduces whichever 5s/avg throughput field the firmware reports
// down to TH/s. Variants report MH/s or GH/s.
func hashrateTHS(summaryMap, merged map[string]any) float64 {
	for _, m := range []map[string]any{summaryMap, merged} {
		if m == nil {
			continue
		}
		if v, ok := numField(m, "GHS 5s"); ok && v > 0 {
			return v / 1e3
		}
		if v, ok := numField(m, "GHS av"); ok && v > 0 {
			return v / 1e3
		}
		if v, ok := numField(m, "MHS 5s"); ok && v > 0 {
			return v / 1e6
		}
		if v, ok := numField(m, "MHS av"); ok && v > 0 {
			return v / 1e6
		}
	}
	return 0
}

func uptimeS(summaryMap, merged map[string]any) int64 {
	for _, m := range []map[string]any{summaryMap, merged} {
		if m == nil {
			continue
		}
		for _, key := range []string{"Elapsed", "elapsed", "Uptime", "uptime"} {
			if v, ok := numField(m, key); ok && v > 0 {
				return int64(v)
			}
		}
	}
	return 0
}

// poolStatus sums share counts across all configured pools. Reject rate is
// defined as 0 while no shares have been reported yet.
func poolStatus(pools []map[string]any) PoolStatus {
	var st PoolStatus
	for _, p := range pools {
		if acc, ok := numField(p, "Accepted"); ok {
			st.Accepted += int64(acc)
		}
		if rej, ok := numField(p, "Rejected"); ok {
			st.Rejected += int64(rej)
		}
		alive := false
		if s, ok := p["Status"].(string); ok && strings.EqualFold(s, "Alive") {
			alive = true
		}
		if b, ok := p["Stratum Active"].(bool); ok && b {
			alive = true
		}
		if alive {
			st.Connected = true
			if st.URL == "" {
				st.URL, _ = p["URL"].(string)
				st.User, _ = p["User"].(string)
			}
		}
	}
	st.RejectRate = RejectRate(st.Accepted, st.Rejected)
	return st
}

// RejectRate is rejected/(accepted+rejected), 0 before any share.
func RejectRate(accepted, rejected int64) float64 {
	total := accepted + rejected
	if total <= 0 {
		return 0
	}
	return float64(rejected) / float64(total)
}

// unionKeys merges every stats map into one view. Earlier frames win on key
// conflicts; the goal is only to maximize what the normalizer can see.
func unionKeys(maps []map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range maps {
		for k, v := range m {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}
	return out
}

func firstOf(maps []map[string]any) map[string]any {
	if len(maps) == 0 {
		return nil
	}
	return maps[0]
}

func numField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// hostOf strips a trailing port for the HTTP tier. Bare hosts, IPv6
// literals included, pass through untouched.
func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
