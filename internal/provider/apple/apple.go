// Package apple ingests Apple Health exports pushed by the mobile app. The
// provider is webhook-only: linking happens implicitly in the app and there
// is no vendor API to pull from.
package apple

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thetahealth/ingest/internal/ingestmetrics"
	"github.com/thetahealth/ingest/internal/provider"
	"github.com/thetahealth/ingest/internal/vault"
)

// Slug identifies the provider; the apple platform presents it solo.
const Slug = "apple"

// flutterTypeMap translates the mobile bridge's record types into catalog
// indicators. Unknown types are dropped with a counter.
var flutterTypeMap = map[string]string{
	"HEART_RATE":                  "heartRate",
	"RESTING_HEART_RATE":          "restingHeartRate",
	"HEART_RATE_VARIABILITY_SDNN": "heartRateVariability",
	"RESPIRATORY_RATE":            "respiratoryRate",
	"BLOOD_OXYGEN":                "bloodOxygen",
	"BODY_TEMPERATURE":            "bodyTemperature",
	"BLOOD_PRESSURE_SYSTOLIC":     "bloodPressureSystolic",
	"BLOOD_PRESSURE_DIASTOLIC":    "bloodPressureDiastolic",
	"STEPS":                       "steps",
	"DISTANCE_WALKING_RUNNING":    "distance",
	"ACTIVE_ENERGY_BURNED":        "activeCalories",
	"FLIGHTS_CLIMBED":             "floorsClimbed",
	"WEIGHT":                      "weight",
	"BODY_FAT_PERCENTAGE":         "bodyFat",
	"BODY_MASS_INDEX":             "bmi",
	"LEAN_BODY_MASS":              "leanMass",
	"WAIST_CIRCUMFERENCE":         "waistSize",
	"SLEEP_IN_BED":                "sleepInBed",
	"SLEEP_ASLEEP":                "sleepAsleep",
	"SLEEP_AWAKE":                 "sleepAwake",
	"SLEEP_DEEP":                  "sleepDeep",
	"SLEEP_REM":                   "sleepRem",
	"SLEEP_LIGHT":                 "sleepLight",
	"BLOOD_GLUCOSE":               "bloodGlucose",
	"WATER":                       "hydration",
	"DIETARY_ENERGY_CONSUMED":     "caloriesConsumed",
	"DIETARY_PROTEIN_CONSUMED":    "protein",
	"DIETARY_CARBS_CONSUMED":      "carbohydrates",
	"DIETARY_FATS_CONSUMED":       "fat",
	"MINDFULNESS":                 "mindfulMinutes",
	"BASAL_BODY_TEMPERATURE":      "basalTemperature",
	"MENSTRUATION_FLOW":           "menstrualFlow",
}

// Provider implements the Apple Health adapter.
type Provider struct {
	provider.Base
}

// New is the registry factory. Apple Health has no vendor configuration, so
// the provider is always available.
func New(deps provider.Deps) (provider.Provider, error) {
	base, err := provider.NewBase(provider.Descriptor{
		Slug:        Slug,
		DisplayName: "Apple Health",
		LogoURL:     "/logos/apple-health.svg",
		Supported:   true,
		AuthKind:    vault.AuthCustomized,
		ConnectInfoSchema: []provider.ConnectField{
			{Name: "device_id", Type: "string", Label: "Device identifier", Required: false},
		},
	}, deps.Vault, deps.Store)
	if err != nil {
		return nil, err
	}
	base.ThetaUserIDPath = "metaInfo.userId"
	return &Provider{Base: base}, nil
}

// Link records the implicit app link so the user's provider list reflects it.
func (p *Provider) Link(ctx context.Context, req provider.LinkRequest) (provider.LinkResult, error) {
	err := p.Vault.SaveLink(ctx, req.UserID, Slug, vault.AuthCustomized,
		vault.Credentials{ConnectInfo: req.Credentials.ConnectInfo})
	if err != nil {
		return provider.LinkResult{}, err
	}
	return provider.LinkResult{Linked: true}, nil
}

// RegistersPullTask is false: data only arrives via app pushes.
func (p *Provider) RegistersPullTask() bool {
	return false
}

// FormatData maps each pushed record through the flutter-type dictionary.
// Records with an unknown type are logged and dropped.
func (p *Provider) FormatData(ctx context.Context, raw map[string]any) ([]provider.UserBatch, error) {
	userID, _ := provider.LookupString(raw, "metaInfo.userId")
	tz, _ := provider.LookupString(raw, "metaInfo.timezone")
	if tz == "" {
		tz = "UTC"
	}

	itemsAny, ok := provider.Lookup(raw, "healthData")
	if !ok {
		return nil, fmt.Errorf("%w: payload has no healthData", provider.ErrValidation)
	}
	items, ok := itemsAny.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: healthData is not an array", provider.ErrValidation)
	}

	var records []provider.CanonicalRecord
	for _, itemAny := range items {
		item, ok := itemAny.(map[string]any)
		if !ok {
			continue
		}
		rec, ok := p.formatItem(item, tz)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return []provider.UserBatch{{
		Meta:    provider.MetaInfo{UserID: userID, Source: Slug, Timezone: tz},
		Records: records,
	}}, nil
}

func (p *Provider) formatItem(item map[string]any, tz string) (provider.CanonicalRecord, bool) {
	flutterType, _ := provider.LookupString(item, "type")
	indicator, known := flutterTypeMap[flutterType]
	if !known {
		log.Warn().Str("provider", Slug).Str("type", flutterType).
			Msg("Unknown health record type, dropping")
		ingestmetrics.RecordsDropped.WithLabelValues(Slug, "unknown_type").Inc()
		return provider.CanonicalRecord{}, false
	}

	var value any
	if n, ok := provider.LookupNumber(item, "value.numericValue"); ok {
		value = n
	} else if s, ok := provider.LookupString(item, "value.stringValue"); ok {
		value = s
	} else {
		ingestmetrics.RecordsDropped.WithLabelValues(Slug, "missing_value").Inc()
		return provider.CanonicalRecord{}, false
	}

	from, haveFrom := provider.LookupMillis(item, "dateFrom")
	to, haveTo := provider.LookupMillis(item, "dateTo")
	if !haveFrom {
		ingestmetrics.RecordsDropped.WithLabelValues(Slug, "missing_timestamp").Inc()
		return provider.CanonicalRecord{}, false
	}
	unit, _ := provider.LookupString(item, "unitSymbol")
	sourceID, _ := provider.LookupString(item, "uuid")

	rec := provider.CanonicalRecord{
		Source:    "apple." + Slug,
		Type:      indicator,
		Timestamp: from,
		Unit:      unit,
		Value:     value,
		Timezone:  tz,
		SourceID:  sourceID,
	}
	if haveTo && to > from {
		rec.StartTime = provider.Int64Ptr(from)
		rec.EndTime = provider.Int64Ptr(to)
	}
	return rec, true
}
