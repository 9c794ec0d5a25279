// Package telemetry normalizes the raw key/value maps coming off the device
// protocol into stable temperature and fan readings. There is no single
// stable firmware schema; each known naming convention is represented as one
// pattern family, and the ordered cascade takes the first family that yields
// anything. Occasional misattribution on exotic firmware is an accepted
// trade against per-model configuration.
package telemetry

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Plausibility bounds used by the generic scans.
const (
	TempMinC  = 0.0
	TempMaxC  = 150.0
	FanMinRPM = 500
	FanMaxRPM = 10000
)

// Temperatures is one normalized reading set. Nil means no pattern matched.
type Temperatures struct {
	Board1 *float64
	Board2 *float64
	Board3 *float64
	Chip   *float64
}

func (t Temperatures) empty() bool {
	return t.Board1 == nil && t.Board2 == nil && t.Board3 == nil && t.Chip == nil
}

// FanSpeeds holds up to four normalized fan readings in RPM.
type FanSpeeds struct {
	Speed1 *int
	Speed2 *int
	Speed3 *int
	Speed4 *int
}

func (f FanSpeeds) empty() bool {
	return f.Speed1 == nil && f.Speed2 == nil && f.Speed3 == nil && f.Speed4 == nil
}

// Normalizer applies the extraction cascades. Safe for concurrent use.
type Normalizer struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Normalizer {
	return &Normalizer{log: log}
}

// tempPattern is one firmware naming convention. Families either produce a
// non-empty reading or decline, so the cascade stays declarative and each
// family stays independently testable.
type tempPattern struct {
	name    string
	extract func(in input) Temperatures
}

type input struct {
	stats    map[string]any   // key union of all stats frames
	devs     map[string]any   // first DEVS entry, may be nil
	allStats []map[string]any // every stats map, for per-frame fields
}

var tempPatterns = []tempPattern{
	{name: "temp_chip/temp_pcb", extract: extractChipPCB},
	{name: "tempN+aggregate", extract: extractLegacyTempN},
	{name: "temp2_N", extract: extractTemp2N},
	{name: "devs Temperature", extract: extractDevsTemperature},
	{name: "chain_ prefix", extract: extractChainPrefix},
	{name: "generic temp scan", extract: extractGenericTemp},
}

// ExtractTemperatures runs the temperature cascade. stats is the merged
// stats-family map, devs the first device-list entry (may be nil), allStats
// every raw stats map for patterns that need per-frame access.
func (n *Normalizer) ExtractTemperatures(stats, devs map[string]any, allStats []map[string]any) Temperatures {
	in := input{stats: stats, devs: devs, allStats: allStats}
	var out Temperatures
	for _, p := range tempPatterns {
		if got := p.extract(in); !got.empty() {
			n.log.Debug("temperature pattern matched", zap.String("family", p.name))
			out = got
			break
		}
	}
	if out.empty() {
		// Diagnostic only: surface plausible candidates without committing.
		for k, v := range in.stats {
			if f, ok := toF64(v); ok && f > TempMinC && f < TempMaxC {
				n.log.Debug("potential temperature candidate", zap.String("field", k), zap.Float64("value", f))
			}
		}
		return out
	}
	if out.Chip == nil {
		// Final fallback: chip follows the hottest board.
		if m, ok := maxOf(out.Board1, out.Board2, out.Board3); ok {
			out.Chip = &m
		}
	}
	return out
}

// ExtractFanSpeeds runs the fan cascade over the same inputs.
func (n *Normalizer) ExtractFanSpeeds(stats, devs map[string]any, allStats []map[string]any) FanSpeeds {
	in := input{stats: stats, devs: devs, allStats: allStats}
	for _, p := range fanPatterns {
		if got := p.extract(in); !got.empty() {
			n.log.Debug("fan pattern matched", zap.String("family", p.name))
			return got
		}
	}
	return FanSpeeds{}
}

// --- temperature families ---

// Modern firmware: temp_chip_N for chip sensors, temp_pcb_N for boards.
func extractChipPCB(in input) Temperatures {
	var out Temperatures
	var chipMax float64
	seenChip := false
	for i := 1; i <= 3; i++ {
		if f, ok := lookupF64(in.stats, fmt.Sprintf("temp_pcb_%d", i)); ok && inTempRange(f) {
			setBoard(&out, i, f)
		}
		if f, ok := lookupF64(in.stats, fmt.Sprintf("temp_chip_%d", i)); ok && inTempRange(f) {
			if !seenChip || f > chipMax {
				chipMax = f
				seenChip = true
			}
			// chip sensors double as board readings when pcb fields are absent
			if boardAt(out, i) == nil {
				setBoard(&out, i, f)
			}
		}
	}
	if seenChip {
		out.Chip = &chipMax
	}
	return out
}

// Legacy firmware: temp1..temp3 plus an aggregate "temp".
func extractLegacyTempN(in input) Temperatures {
	var out Temperatures
	for i := 1; i <= 3; i++ {
		if f, ok := lookupF64(in.stats, fmt.Sprintf("temp%d", i)); ok && inTempRange(f) {
			setBoard(&out, i, f)
		}
	}
	if out.empty() {
		return out
	}
	if f, ok := lookupF64(in.stats, "temp"); ok && inTempRange(f) {
		out.Chip = &f
	}
	return out
}

// Alternate legacy naming: temp2_1..temp2_3 are the chip-side sensors.
func extractTemp2N(in input) Temperatures {
	var out Temperatures
	for i := 1; i <= 3; i++ {
		if f, ok := lookupF64(in.stats, fmt.Sprintf("temp2_%d", i)); ok && inTempRange(f) {
			setBoard(&out, i, f)
		}
	}
	return out
}

// Device-list fallback: a single "Temperature" field per device entry.
func extractDevsTemperature(in input) Temperatures {
	if in.devs == nil {
		return Temperatures{}
	}
	f, ok := lookupF64(in.devs, "Temperature")
	if !ok || !inTempRange(f) || f == 0 {
		return Temperatures{}
	}
	return Temperatures{Board1: &f, Chip: &f}
}

// chain_-prefixed fields (e.g. chain_temp_1) used by some Antminer builds.
func extractChainPrefix(in input) Temperatures {
	var out Temperatures
	for k, v := range in.stats {
		kl := strings.ToLower(k)
		if !strings.HasPrefix(kl, "chain_") || !strings.Contains(kl, "temp") {
			continue
		}
		f, ok := toF64(v)
		if !ok || !inTempRange(f) || f == 0 {
			continue
		}
		if i, ok := digitIn(kl); ok && i >= 1 && i <= 3 {
			setBoard(&out, i, f)
		} else if out.Board1 == nil {
			out.Board1 = &f
		}
	}
	return out
}

// Generic scan: any numeric field whose name mentions temp and whose value
// sits in a plausible Celsius range. Board index comes from a digit in the
// name; the chip value from a field mentioning "chip".
func extractGenericTemp(in input) Temperatures {
	var out Temperatures
	for k, v := range in.stats {
		kl := strings.ToLower(k)
		if !strings.Contains(kl, "temp") {
			continue
		}
		f, ok := toF64(v)
		if !ok || !inTempRange(f) || f == 0 {
			continue
		}
		if strings.Contains(kl, "chip") {
			if out.Chip == nil || f > *out.Chip {
				out.Chip = &f
			}
			continue
		}
		if i, ok := digitIn(kl); ok && i >= 1 && i <= 3 && boardAt(out, i) == nil {
			setBoard(&out, i, f)
		}
	}
	return out
}

// --- fan families ---

type fanPattern struct {
	name    string
	extract func(in input) FanSpeeds
}

var fanPatterns = []fanPattern{
	{name: "fanN", extract: extractFanN},
	{name: "fan_speed", extract: extractFanSpeedNamed},
	{name: "devs fan", extract: extractDevsFan},
	{name: "generic fan scan", extract: extractGenericFan},
}

// fan1..fan4 (and fan_1..fan_4) with a plausible RPM value.
func extractFanN(in input) FanSpeeds {
	var out FanSpeeds
	for i := 1; i <= 4; i++ {
		for _, key := range []string{fmt.Sprintf("fan%d", i), fmt.Sprintf("fan_%d", i)} {
			if f, ok := lookupF64(in.stats, key); ok && inFanRange(f) {
				setFan(&out, i, int(f))
				break
			}
		}
	}
	return out
}

// fan_speed_in/fan_speed_out pairs reported by newer stock firmware.
func extractFanSpeedNamed(in input) FanSpeeds {
	var out FanSpeeds
	idx := 1
	for _, key := range []string{"fan_speed_in", "fan_speed_out", "fan_speed_1", "fan_speed_2"} {
		if f, ok := lookupF64(in.stats, key); ok && inFanRange(f) && idx <= 4 {
			setFan(&out, idx, int(f))
			idx++
		}
	}
	return out
}

// Device-list fallback: "Fan Speed In" / "Fan Speed Out".
func extractDevsFan(in input) FanSpeeds {
	if in.devs == nil {
		return FanSpeeds{}
	}
	var out FanSpeeds
	idx := 1
	for _, key := range []string{"Fan Speed In", "Fan Speed Out"} {
		if f, ok := lookupF64(in.devs, key); ok && inFanRange(f) {
			setFan(&out, idx, int(f))
			idx++
		}
	}
	return out
}

// Generic scan over fan-named, RPM-ranged numeric fields.
func extractGenericFan(in input) FanSpeeds {
	var out FanSpeeds
	next := 1
	for k, v := range in.stats {
		kl := strings.ToLower(k)
		if !strings.Contains(kl, "fan") {
			continue
		}
		f, ok := toF64(v)
		if !ok || !inFanRange(f) {
			continue
		}
		if i, ok := digitIn(kl); ok && i >= 1 && i <= 4 {
			if fanAt(out, i) == nil {
				setFan(&out, i, int(f))
			}
			continue
		}
		for next <= 4 && fanAt(out, next) != nil {
			next++
		}
		if next <= 4 {
			setFan(&out, next, int(f))
		}
	}
	return out
}

// --- helpers ---

func inTempRange(f float64) bool { return f >= TempMinC && f <= TempMaxC }
func inFanRange(f float64) bool  { return f >= FanMinRPM && f <= FanMaxRPM }

func setBoard(t *Temperatures, i int, v float64) {
	f := v
	switch i {
	case 1:
		t.Board1 = &f
	case 2:
		t.Board2 = &f
	case 3:
		t.Board3 = &f
	}
}

func boardAt(t Temperatures, i int) *float64 {
	switch i {
	case 1:
		return t.Board1
	case 2:
		return t.Board2
	case 3:
		return t.Board3
	}
	return nil
}

func setFan(f *FanSpeeds, i, v int) {
	n := v
	switch i {
	case 1:
		f.Speed1 = &n
	case 2:
		f.Speed2 = &n
	case 3:
		f.Speed3 = &n
	case 4:
		f.Speed4 = &n
	}
}

func fanAt(f FanSpeeds, i int) *int {
	switch i {
	case 1:
		return f.Speed1
	case 2:
		return f.Speed2
	case 3:
		return f.Speed3
	case 4:
		return f.Speed4
	}
	return nil
}

func maxOf(vals ...*float64) (float64, bool) {
	var m float64
	found := false
	for _, v := range vals {
		if v == nil {
			continue
		}
		if !found || *v > m {
			m = *v
			found = true
		}
	}
	return m, found
}

// lookupF64 is a case-insensitive single-key numeric lookup.
func lookupF64(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	if v, ok := m[key]; ok {
		return toF64(v)
	}
	kl := strings.ToLower(key)
	for k, v := range m {
		if strings.ToLower(strings.TrimSpace(k)) == kl {
			return toF64(v)
		}
	}
	return 0, false
}

func toF64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
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

// digitIn pulls the first digit run out of a field name, so temp2_3 -> 2 is
// avoided by preferring the digit after the last separator when present.
func digitIn(s string) (int, bool) {
	if i := strings.LastIndexAny(s, "_-"); i >= 0 && i+1 < len(s) {
		if n, err := strconv.Atoi(s[i+1:]); err == nil {
			return n, true
		}
	}
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
