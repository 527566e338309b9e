package events

import (
	"fmt"
	"strings"

	"sensorscope/record"
)

// PowerSeries holds appliance power readings
type PowerSeries struct {
	TimestampsMs []float64 `json:"timestamps_ms"`
	Values       []float64 `json:"values"`
}

// ValueSeries pairs timestamps with raw first measurements
type ValueSeries struct {
	TimestampsMs []float64 `json:"timestamps_ms"`
	Values       []any     `json:"values"`
}

// Evaluation maps a sleep coaching parameter or feature source to its series
type Evaluation map[string]ValueSeries

// Additional sources left out of the sleep evaluation
const (
	sleepStateMarker   = "sleep_state"
	eveningDiarySource = "app_sleep_diary_evening"
)

// ExtractPower reads the power delta of every appliance record. The first
// measurement is either {"dP": value} or a bare number.
func ExtractPower(records []record.Record) (PowerSeries, error) {
	if len(records) == 0 {
		return PowerSeries{}, fmt.Errorf("%w: no power records", ErrNoData)
	}

	series := PowerSeries{
		TimestampsMs: make([]float64, 0, len(records)),
		Values:       make([]float64, 0, len(records)),
	}
	for _, r := range records {
		first, err := firstMeasurement(r)
		if err != nil {
			return PowerSeries{}, err
		}
		if m, ok := first.(map[string]any); ok {
			first = m["dP"]
		}
		value, ok := record.ToFloat(first)
		if !ok {
			return PowerSeries{}, fmt.Errorf("%w: power reading %v of %s", record.ErrUnexpectedValue, first, r.SourceID)
		}

		series.TimestampsMs = append(series.TimestampsMs, r.Data.Timestamp)
		series.Values = append(series.Values, value)
	}
	return series, nil
}

// ExtractFirstMeasurements pairs each envelope timestamp with the first
// measurement, as published by classifier features
func ExtractFirstMeasurements(records []record.Record) (ValueSeries, error) {
	if len(records) == 0 {
		return ValueSeries{}, fmt.Errorf("%w: no feature records", ErrNoData)
	}
	return firstMeasurements(records)
}

// EvaluateSleep builds the sleep coaching evaluation: one series per
// parameter of the coaching entries and one per additional feature source
func EvaluateSleep(coachings, additional []record.Record) (Evaluation, error) {
	if len(coachings) == 0 {
		return nil, fmt.Errorf("%w: no sleep coaching records", ErrNoData)
	}

	eval := make(Evaluation)
	for key := range coachings[0].Parameters {
		series := ValueSeries{
			TimestampsMs: make([]float64, 0, len(coachings)),
			Values:       make([]any, 0, len(coachings)),
		}
		for _, c := range coachings {
			series.TimestampsMs = append(series.TimestampsMs, c.Timestamp*1e3)
			series.Values = append(series.Values, c.Parameters[key])
		}
		eval[key] = series
	}

	var sources []string
	bySource := make(map[string][]record.Record)
	for _, r := range additional {
		if strings.Contains(r.SourceID, sleepStateMarker) || r.SourceID == eveningDiarySource {
			continue
		}
		if _, seen := bySource[r.SourceID]; !seen {
			sources = append(sources, r.SourceID)
		}
		bySource[r.SourceID] = append(bySource[r.SourceID], r)
	}
	for _, source := range sources {
		series, err := firstMeasurements(bySource[source])
		if err != nil {
			return nil, err
		}
		eval[source] = series
	}

	return eval, nil
}

func firstMeasurements(records []record.Record) (ValueSeries, error) {
	series := ValueSeries{
		TimestampsMs: make([]float64, 0, len(records)),
		Values:       make([]any, 0, len(records)),
	}
	for _, r := range records {
		first, err := firstMeasurement(r)
		if err != nil {
			return ValueSeries{}, err
		}
		series.TimestampsMs = append(series.TimestampsMs, r.Data.Timestamp)
		series.Values = append(series.Values, first)
	}
	return series, nil
}

func firstMeasurement(r record.Record) (any, error) {
	if r.Data == nil || len(r.Data.Measurements) == 0 {
		return nil, fmt.Errorf("%w: record %s of %s has no measurements", record.ErrUnexpectedValue, r.ID, r.SourceID)
	}
	return r.Data.Measurements[0], nil
}
