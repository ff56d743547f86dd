package pipeline

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/store"
)

func newTestPipeline(t *testing.T) (*Pipeline, *store.HealthStore) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func TestIngestSeriesRecord(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	batch := provider.UserBatch{
		Meta: provider.MetaInfo{UserID: "user-1", Timezone: "UTC"},
		Records: []provider.CanonicalRecord{{
			Source: "apple.apple", Type: "heartRate",
			Timestamp: 1700000000000, Unit: "bpm", Value: float64(72),
		}},
	}
	res, err := p.Ingest(ctx, "apple", batch, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SeriesWritten)
	assert.Equal(t, 0, res.SummariesWritten)

	rows, err := s.QuerySeries(ctx, "user-1", "heartRate",
		time.UnixMilli(1700000000000).Add(-time.Minute), time.UnixMilli(1700000000000).Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "72", rows[0].Value)
	assert.Equal(t, "msg-1", rows[0].SourceID)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), rows[0].Time)
}

func TestIngestConvertsUnits(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	batch := provider.UserBatch{
		Meta: provider.MetaInfo{UserID: "user-1", Timezone: "UTC"},
		Records: []provider.CanonicalRecord{{
			Source: "theta.theta_fitdb", Type: "weight",
			Timestamp: 1700000000000, Unit: "lb", Value: float64(180),
		}},
	}
	_, err := p.Ingest(ctx, "theta_fitdb", batch, "msg-w")
	require.NoError(t, err)

	rows, err := s.QuerySeries(ctx, "user-1", "weight",
		time.UnixMilli(1699999999999), time.UnixMilli(1700000000001))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	kg, err := strconv.ParseFloat(rows[0].Value, 64)
	require.NoError(t, err)
	assert.InDelta(t, 81.6466266, kg, 0.0001)
}

func TestIngestDailySummaryInfersLocalDayBounds(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	// 2023-11-14T22:13:20Z is already 2023-11-15 in Tokyo.
	batch := provider.UserBatch{
		Meta: provider.MetaInfo{UserID: "user-1", Timezone: "Asia/Tokyo"},
		Records: []provider.CanonicalRecord{{
			Source: "theta.theta_garmin", Type: "dailySteps",
			Timestamp: 1700000000000, Unit: "count", Value: float64(10432),
		}},
	}
	res, err := p.Ingest(ctx, "theta_garmin", batch, "msg-d")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SummariesWritten)

	from, _ := time.Parse("2006-01-02 15:04:05", "2023-11-15 00:00:00")
	to, _ := time.Parse("2006-01-02 15:04:05", "2023-11-15 23:59:59")
	rows, err := s.QuerySummaries(ctx, "user-1", "dailySteps", from, to)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2023-11-15 00:00:00", rows[0].StartTime.Format("2006-01-02 15:04:05"))
	assert.Equal(t, "2023-11-15 23:59:59", rows[0].EndTime.Format("2006-01-02 15:04:05"))
	assert.Equal(t, "10432", rows[0].Value)
	assert.Equal(t, "raw_theta_garmin", rows[0].SourceTable)
	assert.Equal(t, "msg-d", rows[0].SourceTableID)
	assert.Contains(t, rows[0].Comment, "Unit: count")
	assert.Contains(t, rows[0].Comment, "timezone: Asia/Tokyo")
}

func TestIngestDailySummaryWithFixedOffsetTimezone(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	// 2023-11-14T22:13:20Z is still 2023-11-14 at -08:00 but already
	// 2023-11-15 at +05:30.
	batch := provider.UserBatch{
		Meta: provider.MetaInfo{UserID: "user-1", Timezone: "-08:00"},
		Records: []provider.CanonicalRecord{
			{
				Source: "theta.theta_whoop", Type: "dailyCalories",
				Timestamp: 1700000000000, Unit: "kcal", Value: float64(500),
			},
			{
				Source: "theta.theta_whoop", Type: "dailySteps",
				Timestamp: 1700000000000, Unit: "count", Value: float64(4000),
				Timezone: "+05:30",
			},
		},
	}
	res, err := p.Ingest(ctx, "theta_whoop", batch, "msg-off")
	require.NoError(t, err)
	assert.Equal(t, 2, res.SummariesWritten)

	from, _ := time.Parse("2006-01-02 15:04:05", "2023-11-14 00:00:00")
	to, _ := time.Parse("2006-01-02 15:04:05", "2023-11-14 23:59:59")
	rows, err := s.QuerySummaries(ctx, "user-1", "dailyCalories", from, to)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2023-11-14 00:00:00", rows[0].StartTime.Format("2006-01-02 15:04:05"))
	assert.Contains(t, rows[0].Comment, "timezone: -08:00")

	from, _ = time.Parse("2006-01-02 15:04:05", "2023-11-15 00:00:00")
	to, _ = time.Parse("2006-01-02 15:04:05", "2023-11-15 23:59:59")
	rows, err = s.QuerySummaries(ctx, "user-1", "dailySteps", from, to)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2023-11-15 00:00:00", rows[0].StartTime.Format("2006-01-02 15:04:05"))
}

func TestNormalizeValueLabelKeepsStandardUnit(t *testing.T) {
	text, unit := normalizeValue(provider.CanonicalRecord{
		Type: "menstrualFlow", Unit: "flow", Value: "heavy",
	})
	assert.Equal(t, "heavy", text)
	assert.Equal(t, "label", unit)
}

func TestIngestExplicitIntervalSummary(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	start := int64(1700000000000)
	end := start + 8*3600*1000
	batch := provider.UserBatch{
		Meta: provider.MetaInfo{UserID: "user-1", Timezone: "UTC"},
		Records: []provider.CanonicalRecord{{
			Source: "theta.theta_whoop", Type: "sleepDeep",
			Timestamp: start, Unit: "min", Value: float64(120),
			StartTime: &start, EndTime: &end,
		}},
	}
	_, err := p.Ingest(ctx, "theta_whoop", batch, "msg-s")
	require.NoError(t, err)

	rows, err := s.QuerySummaries(ctx, "user-1", "sleepDeep",
		time.UnixMilli(start).UTC().Add(-time.Hour), time.UnixMilli(start).UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2023-11-14 22:13:20", rows[0].StartTime.Format("2006-01-02 15:04:05"))
	assert.Equal(t, "2023-11-15 06:13:20", rows[0].EndTime.Format("2006-01-02 15:04:05"))
}

func TestIngestDualKindIndicator(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	start := int64(1700000000000)
	end := start + 8*3600*1000
	batch := provider.UserBatch{
		Meta: provider.MetaInfo{UserID: "user-1", Timezone: "UTC"},
		Records: []provider.CanonicalRecord{{
			Source: "theta.theta_whoop", Type: "totalSleep",
			Timestamp: start, Unit: "min", Value: float64(360),
			StartTime: &start, EndTime: &end,
		}},
	}
	res, err := p.Ingest(ctx, "theta_whoop", batch, "msg-t")
	require.NoError(t, err)
	assert.Equal(t, 1, res.SeriesWritten)
	assert.Equal(t, 1, res.SummariesWritten)

	series, err := s.QuerySeries(ctx, "user-1", "totalSleep",
		time.UnixMilli(start).Add(-time.Minute), time.UnixMilli(start).Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, series, 1)
}

func TestIngestDropsUnknownIndicator(t *testing.T) {
	p, _ := newTestPipeline(t)

	batch := provider.UserBatch{
		Meta: provider.MetaInfo{UserID: "user-1"},
		Records: []provider.CanonicalRecord{{
			Source: "theta.x", Type: "definitelyNotAnIndicator",
			Timestamp: 1700000000000, Value: float64(1),
		}},
	}
	res, err := p.Ingest(context.Background(), "theta_whoop", batch, "msg-u")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 0, res.SeriesWritten)
	assert.Equal(t, 0, res.SummariesWritten)
}

func TestIngestRejectsMissingUser(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Ingest(context.Background(), "theta_whoop", provider.UserBatch{}, "msg-x")
	assert.Error(t, err)
}

func TestIngestKilojouleConversion(t *testing.T) {
	p, s := newTestPipeline(t)
	ctx := context.Background()

	batch := provider.UserBatch{
		Meta: provider.MetaInfo{UserID: "user-1", Timezone: "UTC"},
		Records: []provider.CanonicalRecord{{
			Source: "theta.theta_whoop", Type: "dailyCalories",
			Timestamp: 1700000000000, Unit: "kJ", Value: float64(1000),
		}},
	}
	_, err := p.Ingest(ctx, "theta_whoop", batch, "msg-kj")
	require.NoError(t, err)

	from, _ := time.Parse("2006-01-02 15:04:05", "2023-11-14 00:00:00")
	to, _ := time.Parse("2006-01-02 15:04:05", "2023-11-14 23:59:59")
	rows, err := s.QuerySummaries(ctx, "user-1", "dailyCalories", from, to)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	kcal, err := strconv.ParseFloat(rows[0].Value, 64)
	require.NoError(t, err)
	assert.InDelta(t, 239.0057, kcal, 0.0001)
	assert.Contains(t, rows[0].Comment, "Unit: kcal")
}
