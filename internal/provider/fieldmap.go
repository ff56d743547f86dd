package provider

import (
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thetahealth/ingest/internal/catalog"
)

// Converter rewrites a raw field value before normalization. Returning
// ok=false drops the record.
type Converter func(v any) (any, bool)

// FieldMapping binds one vendor field path to a catalog indicator. Mapping
// tables are immutable data, declared per provider, so they can be diffed
// and unit-tested without touching adapter code.
type FieldMapping struct {
	Path      string
	Indicator string
	Unit      string    // source unit; converted by the catalog downstream
	Convert   Converter // nil means pass through
}

// MillisToMinutes divides a millisecond duration by 60000.
func MillisToMinutes(v any) (any, bool) {
	n, ok := asNumber(v)
	if !ok {
		return nil, false
	}
	return n / 60000.0, true
}

// SecondsToMinutes divides a second duration by 60.
func SecondsToMinutes(v any) (any, bool) {
	n, ok := asNumber(v)
	if !ok {
		return nil, false
	}
	return n / 60.0, true
}

// FractionToPercent multiplies a 0–1 fraction by 100.
func FractionToPercent(v any) (any, bool) {
	n, ok := asNumber(v)
	if !ok {
		return nil, false
	}
	return n * 100.0, true
}

// ApplyMappings walks raw with each mapping and emits a record per resolved
// path. Missing paths are skipped silently (vendors omit fields freely);
// converter rejections are logged and counted by the caller.
func ApplyMappings(raw map[string]any, mappings []FieldMapping, source, tz string, ts int64, start, end *int64) []CanonicalRecord {
	records := make([]CanonicalRecord, 0, len(mappings))
	for _, m := range mappings {
		v, ok := Lookup(raw, m.Path)
		if !ok {
			continue
		}
		if m.Convert != nil {
			v, ok = m.Convert(v)
			if !ok {
				log.Debug().Str("path", m.Path).Str("indicator", m.Indicator).
					Msg("Converter rejected field value")
				continue
			}
		}
		if !catalog.IsValid(m.Indicator) {
			log.Warn().Str("indicator", m.Indicator).Msg("Mapping references unknown indicator")
			continue
		}
		records = append(records, CanonicalRecord{
			Type:      m.Indicator,
			Timestamp: ts,
			Unit:      m.Unit,
			Value:     v,
			Timezone:  tz,
			Source:    source,
			StartTime: start,
			EndTime:   end,
		})
	}
	return records
}

// asMillis coerces vendor timestamps to epoch milliseconds. Accepts JSON
// numbers (millis), numeric strings, and RFC3339 strings.
func asMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, true
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed.UnixMilli(), true
		}
		if parsed, err := time.Parse("2006-01-02T15:04:05.999Z07:00", t); err == nil {
			return parsed.UnixMilli(), true
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed.UnixMilli(), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// Int64Ptr is a small helper for optional interval bounds.
func Int64Ptr(v int64) *int64 {
	return &v
}
