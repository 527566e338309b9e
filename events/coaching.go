package events

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"sensorscope/record"
)

// Completion is the user response to a coaching action
type Completion int

const (
	CompletionNone     Completion = -1
	CompletionDone     Completion = 0
	CompletionCannot   Completion = 1
	CompletionDeclined Completion = 2
)

// ParseCompletion maps a stored completion code. A missing code is
// CompletionNone; codes outside {0, 1, 2} are rejected.
func ParseCompletion(v any) (Completion, error) {
	if v == nil {
		return CompletionNone, nil
	}
	f, ok := record.ToFloat(v)
	if !ok || f != math.Trunc(f) {
		return CompletionNone, fmt.Errorf("%w: completion %v", record.ErrUnexpectedValue, v)
	}
	switch c := Completion(f); c {
	case CompletionDone, CompletionCannot, CompletionDeclined:
		return c, nil
	default:
		return CompletionNone, fmt.Errorf("%w: completion %v", record.ErrUnexpectedValue, v)
	}
}

func (c Completion) String() string {
	switch c {
	case CompletionDone:
		return "done"
	case CompletionCannot:
		return "can not"
	case CompletionDeclined:
		return "declined"
	default:
		return "none"
	}
}

// MarshalJSON encodes CompletionNone as null
func (c Completion) MarshalJSON() ([]byte, error) {
	if c == CompletionNone {
		return []byte("null"), nil
	}
	return json.Marshal(int(c))
}

// UnmarshalJSON decodes null as CompletionNone
func (c *Completion) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseCompletion(v)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// CoachingSeries flattens coaching entries into parallel arrays
type CoachingSeries struct {
	Timestamps  []time.Time  `json:"timestamps"`
	Actions     []string     `json:"actions"`
	Parameters  []*float64   `json:"parameters"`
	Completions []Completion `json:"completions"`
}

// Len returns the number of entries
func (s CoachingSeries) Len() int {
	return len(s.Timestamps)
}

// Labels renders the display label of every entry
func (s CoachingSeries) Labels() []string {
	labels := make([]string, len(s.Actions))
	for i := range s.Actions {
		labels[i] = Annotate(s.Actions[i], s.Completions[i])
	}
	return labels
}

// ExtractCoaching flattens coaching entries. parameterKey names the numeric
// entry of Parameters reported alongside each action; it may be absent.
func ExtractCoaching(records []record.Record, parameterKey string) (CoachingSeries, error) {
	if len(records) == 0 {
		return CoachingSeries{}, fmt.Errorf("%w: no coaching records", ErrNoData)
	}

	series := CoachingSeries{
		Timestamps:  make([]time.Time, 0, len(records)),
		Actions:     make([]string, 0, len(records)),
		Parameters:  make([]*float64, 0, len(records)),
		Completions: make([]Completion, 0, len(records)),
	}
	for _, r := range records {
		completion, err := ParseCompletion(r.Completion)
		if err != nil {
			return CoachingSeries{}, fmt.Errorf("error reading coaching entry %s: %w", r.ID, err)
		}

		var param *float64
		if v, ok := r.Parameters[parameterKey]; ok && v != nil {
			f, ok := record.ToFloat(v)
			if !ok {
				return CoachingSeries{}, fmt.Errorf("%w: parameter %s of entry %s is %T", record.ErrUnexpectedValue, parameterKey, r.ID, v)
			}
			param = &f
		}

		series.Timestamps = append(series.Timestamps, r.EntryTime())
		series.Actions = append(series.Actions, r.CoachingAction)
		series.Parameters = append(series.Parameters, param)
		series.Completions = append(series.Completions, completion)
	}
	return series, nil
}

// Annotate renders a coaching action label with its completion
func Annotate(action string, completion Completion) string {
	label := strings.ReplaceAll(action, "_", " ")
	switch {
	case strings.HasPrefix(label, "negative"):
		label = "negative msg"
	case strings.HasPrefix(label, "positive"):
		label = "positive msg"
	}
	if completion != CompletionNone {
		label += " (" + completion.String() + ")"
	}
	return label
}
