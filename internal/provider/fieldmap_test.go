package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMappings(t *testing.T) {
	raw := decode(t, `{
		"score": {
			"resting_heart_rate": 54,
			"sleep_performance_percentage": 0.91,
			"stage_summary": {"total_slow_wave_sleep_time_milli": 5400000}
		}
	}`)

	mappings := []FieldMapping{
		{Path: "score.resting_heart_rate", Indicator: "restingHeartRate", Unit: "bpm"},
		{Path: "score.stage_summary.total_slow_wave_sleep_time_milli",
			Indicator: "sleepDeep", Unit: "min", Convert: MillisToMinutes},
		{Path: "score.sleep_performance_percentage", Indicator: "sleepScore",
			Unit: "score", Convert: FractionToPercent},
		{Path: "score.not_present", Indicator: "heartRate", Unit: "bpm"},
	}

	records := ApplyMappings(raw, mappings, "theta.theta_whoop", "UTC", 1700000000000, nil, nil)
	require.Len(t, records, 3, "missing path skipped")

	byType := map[string]CanonicalRecord{}
	for _, r := range records {
		byType[r.Type] = r
	}
	assert.Equal(t, float64(54), byType["restingHeartRate"].Value)
	assert.Equal(t, float64(90), byType["sleepDeep"].Value)
	assert.InDelta(t, 91.0, byType["sleepScore"].Value, 0.0001)
	for _, r := range records {
		assert.Equal(t, int64(1700000000000), r.Timestamp)
		assert.Equal(t, "theta.theta_whoop", r.Source)
		assert.Equal(t, "UTC", r.Timezone)
	}
}

func TestApplyMappingsSkipsUnknownIndicator(t *testing.T) {
	raw := decode(t, `{"x": 1}`)
	records := ApplyMappings(raw, []FieldMapping{
		{Path: "x", Indicator: "notInCatalog", Unit: "u"},
	}, "s", "UTC", 0, nil, nil)
	assert.Empty(t, records)
}

func TestConverters(t *testing.T) {
	v, ok := MillisToMinutes(float64(120000))
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	v, ok = SecondsToMinutes(float64(90))
	require.True(t, ok)
	assert.Equal(t, 1.5, v)

	_, ok = MillisToMinutes("garbage")
	assert.False(t, ok)
}
