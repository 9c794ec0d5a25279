package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestNormalizer() *Normalizer { return New(zap.NewNop()) }

func TestChipPCBFamily(t *testing.T) {
	n := newTestNormalizer()
	stats := map[string]any{
		"temp_pcb_1":  48.0,
		"temp_pcb_2":  51.0,
		"temp_pcb_3":  50.0,
		"temp_chip_1": 72.0,
		"temp_chip_2": 75.5,
		"temp_chip_3": 74.0,
	}
	got := n.ExtractTemperatures(stats, nil, nil)
	require.NotNil(t, got.Chip)
	assert.Equal(t, 75.5, *got.Chip)
	require.NotNil(t, got.Board1)
	assert.Equal(t, 48.0, *got.Board1)
	assert.Equal(t, 51.0, *got.Board2)
	assert.Equal(t, 50.0, *got.Board3)
}

func TestChipOnlyDoublesAsBoards(t *testing.T) {
	n := newTestNormalizer()
	stats := map[string]any{"temp_chip_1": 70.0, "temp_chip_2": 71.0}
	got := n.ExtractTemperatures(stats, nil, nil)
	require.NotNil(t, got.Chip)
	assert.Equal(t, 71.0, *got.Chip)
	require.NotNil(t, got.Board1)
	assert.Equal(t, 70.0, *got.Board1)
	assert.Nil(t, got.Board3)
}

func TestLegacyTempNFamily(t *testing.T) {
	n := newTestNormalizer()
	stats := map[string]any{
		"temp1": 55.0,
		"temp2": 57.0,
		"temp3": 56.0,
		"temp":  58.0,
	}
	got := n.ExtractTemperatures(stats, nil, nil)
	require.NotNil(t, got.Chip)
	assert.Equal(t, 58.0, *got.Chip)
	assert.Equal(t, 55.0, *got.Board1)
	assert.Equal(t, 57.0, *got.Board2)
	assert.Equal(t, 56.0, *got.Board3)
}

func TestLegacyTempNWithoutAggregateFallsBackToMax(t *testing.T) {
	n := newTestNormalizer()
	stats := map[string]any{"temp1": 55.0, "temp2": 61.0}
	got := n.ExtractTemperatures(stats, nil, nil)
	require.NotNil(t, got.Chip)
	assert.Equal(t, 61.0, *got.Chip, "chip must follow the hottest board")
}

func TestTemp2NFamily(t *testing.T) {
	n := newTestNormalizer()
	stats := map[string]any{
		"temp2_1": 66.0,
		"temp2_2": 68.0,
		"temp2_3": 67.0,
	}
	got := n.ExtractTemperatures(stats, nil, nil)
	assert.Equal(t, 66.0, *got.Board1)
	assert.Equal(t, 68.0, *got.Board2)
	assert.Equal(t, 67.0, *got.Board3)
	require.NotNil(t, got.Chip)
	assert.Equal(t, 68.0, *got.Chip)
}

func TestDevsTemperatureFamily(t *testing.T) {
	n := newTestNormalizer()
	devs := map[string]any{"Temperature": 63.5, "GPU": 0.0}
	got := n.ExtractTemperatures(map[string]any{}, devs, nil)
	require.NotNil(t, got.Chip)
	assert.Equal(t, 63.5, *got.Chip)
	require.NotNil(t, got.Board1)
	assert.Equal(t, 63.5, *got.Board1)
}

func TestChainPrefixFamily(t *testing.T) {
	n := newTestNormalizer()
	stats := map[string]any{
		"chain_temp_1": 59.0,
		"chain_temp_2": 60.0,
		"chain_rate_1": 13500.0, // not a temperature
	}
	got := n.ExtractTemperatures(stats, nil, nil)
	assert.Equal(t, 59.0, *got.Board1)
	assert.Equal(t, 60.0, *got.Board2)
	require.NotNil(t, got.Chip)
	assert.Equal(t, 60.0, *got.Chip)
}

func TestGenericScanFamily(t *testing.T) {
	n := newTestNormalizer()
	stats := map[string]any{
		"board_temperature_2": 52.5,
		"chiptemp":            77.0,
		"frequency":           650.0, // numeric but not temp-named
		"temp_alarm":          500.0, // temp-named but out of range
	}
	got := n.ExtractTemperatures(stats, nil, nil)
	require.NotNil(t, got.Chip)
	assert.Equal(t, 77.0, *got.Chip)
	require.NotNil(t, got.Board2)
	assert.Equal(t, 52.5, *got.Board2)
	assert.Nil(t, got.Board1)
}

func TestNoPatternMatches(t *testing.T) {
	n := newTestNormalizer()
	stats := map[string]any{"frequency": 650.0, "Elapsed": 86400.0}
	got := n.ExtractTemperatures(stats, nil, nil)
	assert.Nil(t, got.Chip)
	assert.Nil(t, got.Board1)
}

func TestStringValuesParse(t *testing.T) {
	n := newTestNormalizer()
	stats := map[string]any{"temp1": "54", "temp2": "56.5"}
	got := n.ExtractTemperatures(stats, nil, nil)
	require.NotNil(t, got.Board2)
	assert.Equal(t, 56.5, *got.Board2)
}

func TestFanNFamily(t *testing.T) {
	n := newTestNormalizer()
	stats := map[string]any{"fan1": 4320.0, "fan2": 4410.0, "fan5": 80.0}
	got := n.ExtractFanSpeeds(stats, nil, nil)
	require.NotNil(t, got.Speed1)
	assert.Equal(t, 4320, *got.Speed1)
	assert.Equal(t, 4410, *got.Speed2)
	assert.Nil(t, got.Speed3)
}

func TestFanSpeedNamedFamily(t *testing.T) {
	n := newTestNormalizer()
	stats := map[string]any{"fan_speed_in": 3900.0, "fan_speed_out": 4020.0}
	got := n.ExtractFanSpeeds(stats, nil, nil)
	assert.Equal(t, 3900, *got.Speed1)
	assert.Equal(t, 4020, *got.Speed2)
}

func TestDevsFanFallback(t *testing.T) {
	n := newTestNormalizer()
	devs := map[string]any{"Fan Speed In": 5160.0, "Fan Speed Out": 5280.0}
	got := n.ExtractFanSpeeds(map[string]any{}, devs, nil)
	assert.Equal(t, 5160, *got.Speed1)
	assert.Equal(t, 5280, *got.Speed2)
}

func TestFanRPMRange(t *testing.T) {
	n := newTestNormalizer()
	// Percent-style and absurd values must be rejected everywhere.
	stats := map[string]any{"fan1": 85.0, "fan2": 99999.0}
	got := n.ExtractFanSpeeds(stats, nil, nil)
	assert.True(t, got.empty())
}
