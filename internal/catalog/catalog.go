// Package catalog holds the canonical indicator set shared by every provider
// and the normalization pipeline. The catalog is assembled at init time and is
// read-only afterwards, so lookups need no locking.
package catalog

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// Category groups indicators for presentation and downstream filtering.
type Category string

const (
	CategoryVital        Category = "vital"
	CategoryActivity     Category = "activity"
	CategoryBody         Category = "body"
	CategorySleep        Category = "sleep"
	CategoryMetabolic    Category = "metabolic"
	CategoryPerformance  Category = "performance"
	CategoryNutrition    Category = "nutrition"
	CategoryReproductive Category = "reproductive"
	CategoryOther        Category = "other"
)

// Kind marks which store(s) an indicator lands in. Some indicators are dual
// kind (totalSleep is both a point sample and a nightly summary).
type Kind uint8

const (
	KindSeries Kind = 1 << iota
	KindSummary
)

// Interval classifies the summary window for indicators that arrive without
// explicit start/end times. Inference lives here so pipelines don't duplicate
// the prefix rules.
type Interval string

const (
	IntervalDaily  Interval = "daily"
	IntervalWeekly Interval = "weekly"
	IntervalHourly Interval = "hourly"
	IntervalPoint  Interval = "point"
)

// Indicator is one canonical measurement type.
type Indicator struct {
	ID           string
	Category     Category
	StandardUnit string
	Kind         Kind
}

var indicators = map[string]Indicator{
	"heartRate":              {"heartRate", CategoryVital, "bpm", KindSeries},
	"restingHeartRate":       {"restingHeartRate", CategoryVital, "bpm", KindSeries | KindSummary},
	"heartRateVariability":   {"heartRateVariability", CategoryVital, "ms", KindSeries},
	"respiratoryRate":        {"respiratoryRate", CategoryVital, "brpm", KindSeries},
	"bloodOxygen":            {"bloodOxygen", CategoryVital, "%", KindSeries},
	"bodyTemperature":        {"bodyTemperature", CategoryVital, "degC", KindSeries},
	"skinTemperature":        {"skinTemperature", CategoryVital, "degC", KindSeries},
	"bloodPressureSystolic":  {"bloodPressureSystolic", CategoryVital, "mmHg", KindSeries},
	"bloodPressureDiastolic": {"bloodPressureDiastolic", CategoryVital, "mmHg", KindSeries},

	"steps":          {"steps", CategoryActivity, "count", KindSeries},
	"dailySteps":     {"dailySteps", CategoryActivity, "count", KindSummary},
	"distance":       {"distance", CategoryActivity, "m", KindSeries},
	"dailyDistance":  {"dailyDistance", CategoryActivity, "m", KindSummary},
	"activeCalories": {"activeCalories", CategoryActivity, "kcal", KindSeries},
	"dailyCalories":  {"dailyCalories", CategoryActivity, "kcal", KindSummary},
	"workoutMinutes": {"workoutMinutes", CategoryActivity, "min", KindSummary},
	"weeklyWorkoutMinutes": {"weeklyWorkoutMinutes", CategoryActivity, "min",
		KindSummary},
	"floorsClimbed": {"floorsClimbed", CategoryActivity, "count", KindSeries},

	"weight":     {"weight", CategoryBody, "kg", KindSeries},
	"bodyFat":    {"bodyFat", CategoryBody, "%", KindSeries},
	"bmi":        {"bmi", CategoryBody, "kg/m2", KindSeries},
	"leanMass":   {"leanMass", CategoryBody, "kg", KindSeries},
	"waistSize":  {"waistSize", CategoryBody, "cm", KindSeries},
	"muscleMass": {"muscleMass", CategoryBody, "kg", KindSeries},

	"sleepInBed":  {"sleepInBed", CategorySleep, "min", KindSummary},
	"sleepAsleep": {"sleepAsleep", CategorySleep, "min", KindSummary},
	"sleepAwake":  {"sleepAwake", CategorySleep, "min", KindSummary},
	"sleepDeep":   {"sleepDeep", CategorySleep, "min", KindSummary},
	"sleepRem":    {"sleepRem", CategorySleep, "min", KindSummary},
	"sleepLight":  {"sleepLight", CategorySleep, "min", KindSummary},
	"totalSleep":  {"totalSleep", CategorySleep, "min", KindSeries | KindSummary},
	"sleepScore":  {"sleepScore", CategorySleep, "score", KindSummary},

	"bloodGlucose": {"bloodGlucose", CategoryMetabolic, "mg/dL", KindSeries},
	"hydration":    {"hydration", CategoryMetabolic, "mL", KindSeries},

	"recoveryScore": {"recoveryScore", CategoryPerformance, "score", KindSummary},
	"strain":        {"strain", CategoryPerformance, "score", KindSummary},
	"vo2Max":        {"vo2Max", CategoryPerformance, "mL/kg/min", KindSeries},
	"trainingLoad":  {"trainingLoad", CategoryPerformance, "score", KindSummary},

	"caloriesConsumed":      {"caloriesConsumed", CategoryNutrition, "kcal", KindSeries},
	"dailyCaloriesConsumed": {"dailyCaloriesConsumed", CategoryNutrition, "kcal", KindSummary},
	"protein":               {"protein", CategoryNutrition, "g", KindSeries},
	"carbohydrates":         {"carbohydrates", CategoryNutrition, "g", KindSeries},
	"fat":                   {"fat", CategoryNutrition, "g", KindSeries},

	"menstrualFlow":   {"menstrualFlow", CategoryReproductive, "label", KindSeries},
	"basalTemperature": {"basalTemperature", CategoryReproductive, "degC",
		KindSeries},

	"mindfulMinutes": {"mindfulMinutes", CategoryOther, "min", KindSummary},
	"mood":           {"mood", CategoryOther, "label", KindSeries},
}

type convKey struct {
	indicator string
	unit      string
}

type conversion struct {
	factor float64
}

// Unit conversions are multiplicative only; anything that needs an offset
// (Fahrenheit) stays unconverted and falls through the identity path.
var conversions = map[convKey]conversion{
	{"weight", "lb"}:   {0.45359237},
	{"weight", "lbs"}:  {0.45359237},
	{"weight", "g"}:    {0.001},
	{"leanMass", "lb"}: {0.45359237},
	{"muscleMass", "lb"}: {0.45359237},

	{"distance", "km"}:      {1000},
	{"distance", "mi"}:      {1609.344},
	{"distance", "cm"}:      {0.01},
	{"dailyDistance", "km"}: {1000},
	{"dailyDistance", "mi"}: {1609.344},
	{"waistSize", "in"}:     {2.54},
	{"waistSize", "m"}:      {100},

	{"activeCalories", "kJ"}:        {0.2390057},
	{"dailyCalories", "kJ"}:         {0.2390057},
	{"caloriesConsumed", "kJ"}:      {0.2390057},
	{"dailyCaloriesConsumed", "kJ"}: {0.2390057},

	{"sleepInBed", "s"}:   {1.0 / 60},
	{"sleepInBed", "ms"}:  {1.0 / 60000},
	{"sleepInBed", "h"}:   {60},
	{"sleepAsleep", "s"}:  {1.0 / 60},
	{"sleepAsleep", "ms"}: {1.0 / 60000},
	{"sleepAsleep", "h"}:  {60},
	{"sleepAwake", "s"}:   {1.0 / 60},
	{"sleepAwake", "ms"}:  {1.0 / 60000},
	{"sleepDeep", "s"}:    {1.0 / 60},
	{"sleepDeep", "ms"}:   {1.0 / 60000},
	{"sleepRem", "s"}:     {1.0 / 60},
	{"sleepRem", "ms"}:    {1.0 / 60000},
	{"sleepLight", "s"}:   {1.0 / 60},
	{"sleepLight", "ms"}:  {1.0 / 60000},
	{"totalSleep", "s"}:   {1.0 / 60},
	{"totalSleep", "ms"}:  {1.0 / 60000},
	{"totalSleep", "h"}:   {60},
	{"workoutMinutes", "s"}:       {1.0 / 60},
	{"weeklyWorkoutMinutes", "s"}: {1.0 / 60},
	{"mindfulMinutes", "s"}:       {1.0 / 60},

	{"bloodGlucose", "mmol/L"}: {18.0182},
	{"hydration", "L"}:         {1000},
	{"hydration", "oz"}:        {29.5735},

	{"heartRateVariability", "s"}: {1000},
}

// IsValid reports whether id is a catalog indicator.
func IsValid(id string) bool {
	_, ok := indicators[id]
	return ok
}

// StandardUnit returns the canonical unit for id, or "" when unknown.
func StandardUnit(id string) string {
	return indicators[id].StandardUnit
}

// KindOf returns the kind flags for id (zero when unknown).
func KindOf(id string) Kind {
	return indicators[id].Kind
}

// IsSeries reports whether id is stored as point-in-time samples.
func IsSeries(id string) bool {
	return indicators[id].Kind&KindSeries != 0
}

// IsSummary reports whether id is stored as interval aggregates.
func IsSummary(id string) bool {
	return indicators[id].Kind&KindSummary != 0
}

// Categorize returns the category for id, CategoryOther when unknown.
func Categorize(id string) Category {
	if ind, ok := indicators[id]; ok {
		return ind.Category
	}
	return CategoryOther
}

// All returns a copy of every catalog entry.
func All() []Indicator {
	out := make([]Indicator, 0, len(indicators))
	for _, ind := range indicators {
		out = append(out, ind)
	}
	return out
}

// Convert normalizes value from sourceUnit into the indicator's standard
// unit. Unmapped pairs fall back to identity with a warning so ingestion is
// never blocked by a missing conversion.
func Convert(id string, value float64, sourceUnit string) (float64, string) {
	ind, ok := indicators[id]
	if !ok {
		return value, sourceUnit
	}
	if sourceUnit == "" || sourceUnit == ind.StandardUnit {
		return value, ind.StandardUnit
	}
	if conv, ok := conversions[convKey{id, sourceUnit}]; ok {
		return value * conv.factor, ind.StandardUnit
	}
	log.Warn().
		Str("indicator", id).
		Str("unit", sourceUnit).
		Str("standardUnit", ind.StandardUnit).
		Msg("No unit conversion registered, keeping value as-is")
	return value, ind.StandardUnit
}

// IntervalOf infers the summary window class from the identifier prefix.
func IntervalOf(id string) Interval {
	switch {
	case strings.HasPrefix(id, "daily"):
		return IntervalDaily
	case strings.HasPrefix(id, "weekly"):
		return IntervalWeekly
	case strings.HasPrefix(id, "hourly"):
		return IntervalHourly
	default:
		return IntervalPoint
	}
}
