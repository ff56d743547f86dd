// Package pipeline normalizes provider record batches into the series and
// summary stores: timezone resolution, unit conversion, kind classification,
// and interval inference for summaries that arrive without explicit bounds.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thetahealth/ingest/internal/catalog"
	"github.com/thetahealth/ingest/internal/ingestmetrics"
	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/store"
)

// Pipeline writes normalized batches into the health store.
type Pipeline struct {
	store *store.HealthStore
}

// New returns a pipeline over the given store.
func New(s *store.HealthStore) *Pipeline {
	return &Pipeline{store: s}
}

// Result summarizes one ingested batch.
type Result struct {
	SeriesWritten    int
	SummariesWritten int
	Dropped          int
}

// Ingest normalizes and persists one user batch. Individual invalid records
// are dropped and counted; the batch fails only on storage errors.
func (p *Pipeline) Ingest(ctx context.Context, providerSlug string, batch provider.UserBatch, msgID string) (Result, error) {
	var res Result
	if batch.Meta.UserID == "" {
		return res, fmt.Errorf("batch has no user id")
	}

	locs := newLocationCache()
	taskID := batch.Meta.TaskID
	sourceTable := "raw_" + providerSlug

	var seriesRows []store.SeriesRow
	var summaryRows []store.SummaryRow
	for _, rec := range batch.Records {
		if !catalog.IsValid(rec.Type) {
			log.Warn().Str("provider", providerSlug).Str("type", rec.Type).
				Msg("Unknown indicator, dropping record")
			ingestmetrics.RecordsDropped.WithLabelValues(providerSlug, "unknown_indicator").Inc()
			res.Dropped++
			continue
		}

		tz := rec.Timezone
		if tz == "" {
			tz = batch.Meta.Timezone
		}
		loc := locs.get(tz)

		ts := rec.Timestamp
		if ts == 0 && rec.StartTime != nil {
			ts = *rec.StartTime
		}
		if ts == 0 {
			ingestmetrics.RecordsDropped.WithLabelValues(providerSlug, "missing_timestamp").Inc()
			res.Dropped++
			continue
		}

		value, unit := normalizeValue(rec)

		recTaskID := rec.TaskID
		if recTaskID == "" {
			recTaskID = taskID
		}
		sourceID := msgID
		if sourceID == "" {
			sourceID = rec.SourceID
		}

		if catalog.IsSeries(rec.Type) {
			seriesRows = append(seriesRows, store.SeriesRow{
				UserID:    batch.Meta.UserID,
				Indicator: rec.Type,
				Source:    rec.Source,
				Time:      time.UnixMilli(ts).UTC(),
				Value:     value,
				Timezone:  tz,
				SourceID:  sourceID,
				TaskID:    recTaskID,
			})
		}
		if catalog.IsSummary(rec.Type) {
			start, end := summaryBounds(rec, ts, loc)
			summaryRows = append(summaryRows, store.SummaryRow{
				UserID:        batch.Meta.UserID,
				Indicator:     rec.Type,
				StartTime:     start,
				EndTime:       end,
				Value:         value,
				Source:        rec.Source,
				SourceTable:   sourceTable,
				SourceTableID: sourceID,
				Comment:       fmt.Sprintf("Source: %s, Unit: %s, timezone: %s", rec.Source, unit, tz),
				TaskID:        recTaskID,
			})
		}
	}

	n, err := p.store.UpsertSeries(ctx, seriesRows)
	res.SeriesWritten = n
	if err != nil {
		return res, fmt.Errorf("series write failed: %w", err)
	}
	n, err = p.store.UpsertSummaries(ctx, summaryRows)
	res.SummariesWritten = n
	if err != nil {
		return res, fmt.Errorf("summary write failed: %w", err)
	}

	if res.SeriesWritten > 0 {
		ingestmetrics.RecordsIngested.WithLabelValues(providerSlug, "series").Add(float64(res.SeriesWritten))
	}
	if res.SummariesWritten > 0 {
		ingestmetrics.RecordsIngested.WithLabelValues(providerSlug, "summary").Add(float64(res.SummariesWritten))
	}
	return res, nil
}

// normalizeValue converts numeric values into the indicator's standard unit
// and renders the stored text form. String labels pass through untouched.
func normalizeValue(rec provider.CanonicalRecord) (text, unit string) {
	switch v := rec.Value.(type) {
	case float64:
		converted, std := catalog.Convert(rec.Type, v, rec.Unit)
		return strconv.FormatFloat(converted, 'f', -1, 64), std
	case int:
		converted, std := catalog.Convert(rec.Type, float64(v), rec.Unit)
		return strconv.FormatFloat(converted, 'f', -1, 64), std
	case int64:
		converted, std := catalog.Convert(rec.Type, float64(v), rec.Unit)
		return strconv.FormatFloat(converted, 'f', -1, 64), std
	case string:
		// Labels are not converted, but the comment still names the
		// catalog unit.
		return v, catalog.StandardUnit(rec.Type)
	default:
		return fmt.Sprintf("%v", rec.Value), catalog.StandardUnit(rec.Type)
	}
}

// summaryBounds resolves the interval for a summary record. Explicit bounds
// win; otherwise the window is inferred from the indicator's interval class
// around the record's local timestamp.
func summaryBounds(rec provider.CanonicalRecord, ts int64, loc *time.Location) (time.Time, time.Time) {
	if rec.StartTime != nil && rec.EndTime != nil && *rec.StartTime <= *rec.EndTime {
		return time.UnixMilli(*rec.StartTime).In(loc), time.UnixMilli(*rec.EndTime).In(loc)
	}

	local := time.UnixMilli(ts).In(loc)
	switch catalog.IntervalOf(rec.Type) {
	case catalog.IntervalDaily:
		start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 0, 1).Add(-time.Second)
	case catalog.IntervalWeekly:
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		offset := (int(day.Weekday()) + 6) % 7 // Monday-based week
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7).Add(-time.Second)
	case catalog.IntervalHourly:
		start := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
		return start, start.Add(time.Hour - time.Second)
	default:
		return local, local
	}
}

// locationCache avoids repeated LoadLocation calls within one batch.
type locationCache struct {
	locs map[string]*time.Location
}

func newLocationCache() *locationCache {
	return &locationCache{locs: make(map[string]*time.Location)}
}

func (c *locationCache) get(name string) *time.Location {
	if name == "" || name == "UTC" {
		return time.UTC
	}
	if loc, ok := c.locs[name]; ok {
		return loc
	}
	loc, ok := parseOffset(name)
	if !ok {
		var err error
		loc, err = time.LoadLocation(name)
		if err != nil {
			log.Warn().Str("timezone", name).Msg("Unknown timezone, falling back to UTC")
			loc = time.UTC
		}
	}
	c.locs[name] = loc
	return loc
}

// parseOffset handles vendors that report fixed offsets like "-08:00" or
// "+05:30" instead of IANA names.
func parseOffset(name string) (*time.Location, bool) {
	if len(name) != 6 || (name[0] != '+' && name[0] != '-') || name[3] != ':' {
		return nil, false
	}
	hours, err := strconv.Atoi(name[1:3])
	if err != nil {
		return nil, false
	}
	minutes, err := strconv.Atoi(name[4:6])
	if err != nil {
		return nil, false
	}
	if hours > 14 || minutes > 59 {
		return nil, false
	}
	seconds := hours*3600 + minutes*60
	if name[0] == '-' {
		seconds = -seconds
	}
	return time.FixedZone(name, seconds), true
}
