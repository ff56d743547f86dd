package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("heartRate"))
	assert.True(t, IsValid("totalSleep"))
	assert.False(t, IsValid("notAnIndicator"))
	assert.False(t, IsValid(""))
}

func TestKindFlags(t *testing.T) {
	assert.True(t, IsSeries("heartRate"))
	assert.False(t, IsSummary("heartRate"))

	assert.True(t, IsSummary("dailySteps"))
	assert.False(t, IsSeries("dailySteps"))

	// Dual-kind indicator lands in both stores.
	assert.True(t, IsSeries("totalSleep"))
	assert.True(t, IsSummary("totalSleep"))
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name      string
		indicator string
		value     float64
		unit      string
		wantValue float64
		wantUnit  string
	}{
		{"identity when already standard", "heartRate", 72, "bpm", 72, "bpm"},
		{"empty unit assumes standard", "heartRate", 72, "", 72, "bpm"},
		{"pounds to kilograms", "weight", 154.324, "lb", 70.0000174, "kg"},
		{"seconds to minutes", "sleepDeep", 5400, "s", 90, "min"},
		{"kilometres to metres", "distance", 5, "km", 5000, "m"},
		{"mmol/L to mg/dL", "bloodGlucose", 5.5, "mmol/L", 99.1001, "mg/dL"},
		{"unmapped pair keeps value", "bodyTemperature", 98.6, "degF", 98.6, "degC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, unit := Convert(tt.indicator, tt.value, tt.unit)
			assert.InDelta(t, tt.wantValue, got, 0.001)
			assert.Equal(t, tt.wantUnit, unit)
		})
	}
}

func TestConvertUnknownIndicator(t *testing.T) {
	got, unit := Convert("mystery", 1.5, "widgets")
	assert.Equal(t, 1.5, got)
	assert.Equal(t, "widgets", unit)
}

func TestIntervalOf(t *testing.T) {
	assert.Equal(t, IntervalDaily, IntervalOf("dailySteps"))
	assert.Equal(t, IntervalWeekly, IntervalOf("weeklyWorkoutMinutes"))
	assert.Equal(t, IntervalPoint, IntervalOf("heartRate"))
	assert.Equal(t, IntervalPoint, IntervalOf("totalSleep"))
}

func TestStandardUnit(t *testing.T) {
	assert.Equal(t, "bpm", StandardUnit("heartRate"))
	assert.Equal(t, "min", StandardUnit("totalSleep"))
	assert.Equal(t, "", StandardUnit("unknown"))
}

func TestAllIndicatorsConsistent(t *testing.T) {
	for _, ind := range All() {
		assert.NotEmpty(t, ind.ID)
		assert.NotEmpty(t, ind.StandardUnit, "indicator %s missing unit", ind.ID)
		assert.NotZero(t, ind.Kind, "indicator %s missing kind", ind.ID)
	}
}
