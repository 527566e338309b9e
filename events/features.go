// Package events turns fetched feature and coaching records into plain event
// shapes. Every extractor rejects an empty input with ErrNoData.
package events

import (
	"fmt"
	"time"

	"sensorscope/record"
)

// ErrNoData is returned for empty inputs
var ErrNoData = record.ErrNoData

// Peak classes of feat_bed_accel_magnitude_peaks
const (
	LargePeak = "L"
	SmallPeak = "S"
)

// State labels of feat_sleep_state
const (
	OutOfBed = "out_of_bed"
	InBed    = "in_bed"
	Sleeping = "sleeping"
)

// Peaks holds the detected peak instants by class
type Peaks struct {
	Large []time.Time `json:"large"`
	Small []time.Time `json:"small"`
}

// Interval is a closed period of one state
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// States holds the bed and sleep intervals by label
type States struct {
	OutOfBed []Interval `json:"outOfBed"`
	InBed    []Interval `json:"inBed"`
	Sleeping []Interval `json:"sleeping"`
}

// ExtractPeaks partitions peak entries into large and small peaks. Entries
// are [timestamp_s, class] tuples nested two lists deep in Measurements.
func ExtractPeaks(records []record.Record) (Peaks, error) {
	if len(records) == 0 {
		return Peaks{}, fmt.Errorf("%w: no peak records", ErrNoData)
	}

	peaks := Peaks{Large: []time.Time{}, Small: []time.Time{}}
	err := walkTuples(records, func(tuple []any) error {
		if len(tuple) < 2 {
			return fmt.Errorf("%w: peak tuple %v", record.ErrUnexpectedValue, tuple)
		}
		class, _ := tuple[1].(string)
		if class != LargePeak && class != SmallPeak {
			return nil
		}
		ts, ok := record.ToFloat(tuple[0])
		if !ok {
			return fmt.Errorf("%w: peak timestamp %v", record.ErrUnexpectedValue, tuple[0])
		}

		if class == LargePeak {
			peaks.Large = append(peaks.Large, record.SecondsToTime(ts))
		} else {
			peaks.Small = append(peaks.Small, record.SecondsToTime(ts))
		}
		return nil
	})
	if err != nil {
		return Peaks{}, err
	}
	return peaks, nil
}

// ExtractStates partitions sleep state entries by their label, the last
// element of each [start_s, end_s, ..., label] tuple
func ExtractStates(records []record.Record) (States, error) {
	if len(records) == 0 {
		return States{}, fmt.Errorf("%w: no sleep state records", ErrNoData)
	}

	states := States{OutOfBed: []Interval{}, InBed: []Interval{}, Sleeping: []Interval{}}
	err := walkTuples(records, func(tuple []any) error {
		if len(tuple) < 3 {
			return fmt.Errorf("%w: state tuple %v", record.ErrUnexpectedValue, tuple)
		}

		var target *[]Interval
		switch label, _ := tuple[len(tuple)-1].(string); label {
		case OutOfBed:
			target = &states.OutOfBed
		case InBed:
			target = &states.InBed
		case Sleeping:
			target = &states.Sleeping
		default:
			return nil
		}

		start, ok1 := record.ToFloat(tuple[0])
		end, ok2 := record.ToFloat(tuple[1])
		if !ok1 || !ok2 {
			return fmt.Errorf("%w: state interval %v", record.ErrUnexpectedValue, tuple)
		}
		*target = append(*target, Interval{Start: record.SecondsToTime(start), End: record.SecondsToTime(end)})
		return nil
	})
	if err != nil {
		return States{}, err
	}
	return states, nil
}

// walkTuples calls fn for every tuple of Measurements[outer][inner], skipping
// records whose measurements are the [[]] placeholder
func walkTuples(records []record.Record, fn func([]any) error) error {
	for _, r := range records {
		if r.Data == nil {
			return fmt.Errorf("%w: record %s has no data envelope", record.ErrUnexpectedValue, r.ID)
		}
		if isPlaceholder(r.Data.Measurements) {
			continue
		}

		for _, outer := range r.Data.Measurements {
			group, ok := outer.([]any)
			if !ok {
				return fmt.Errorf("%w: measurement group %T in record %s", record.ErrUnexpectedValue, outer, r.ID)
			}
			for _, inner := range group {
				tuple, ok := inner.([]any)
				if !ok {
					return fmt.Errorf("%w: measurement tuple %T in record %s", record.ErrUnexpectedValue, inner, r.ID)
				}
				if err := fn(tuple); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func isPlaceholder(measurements []any) bool {
	if len(measurements) != 1 {
		return false
	}
	inner, ok := measurements[0].([]any)
	return ok && len(inner) == 0
}
