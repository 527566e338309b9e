package record

import (
	"time"
)

// TimeField names the timestamp a filter bounds
type TimeField int

const (
	// DataTimestamp is the envelope timestamp of sensor packages, in milliseconds
	DataTimestamp TimeField = iota
	// EntryTimestamp is the top-level timestamp of coaching entries, in seconds
	EntryTimestamp
)

// Path returns the dotted document path of the field
func (f TimeField) Path() string {
	if f == EntryTimestamp {
		return "Timestamp"
	}
	return "Data.Timestamp"
}

// Units converts t into the units the field is stored in
func (f TimeField) Units(t time.Time) float64 {
	if f == EntryTimestamp {
		return TimeToSeconds(t)
	}
	return TimeToMillis(t)
}

// Value extracts the field from a record
func (f TimeField) Value(r Record) (float64, bool) {
	if f == EntryTimestamp {
		return r.Timestamp, r.Timestamp != 0
	}
	if r.Data == nil {
		return 0, false
	}
	return r.Data.Timestamp, true
}

// Filter is a store-independent find predicate. Records match when the
// location is equal, the source matcher accepts the source identifier, every
// entry of Fields is equal and the time field lies between Start and End.
// End is always exclusive; Start is exclusive unless IncludeStart is set.
type Filter struct {
	LocationID   string
	Source       SourceMatcher
	TimeField    TimeField
	Start        time.Time
	End          time.Time
	IncludeStart bool
	Fields       map[string]string
}

// Bounds returns the lower and upper bounds in field units
func (f Filter) Bounds() (float64, float64) {
	return f.TimeField.Units(f.Start), f.TimeField.Units(f.End)
}

// Matches evaluates the filter against a record
func (f Filter) Matches(r Record) bool {
	if r.LocationID != f.LocationID {
		return false
	}
	if !f.Source.Match(r.SourceID) {
		return false
	}
	for field, want := range f.Fields {
		if r.StringField(field) != want {
			return false
		}
	}

	ts, ok := f.TimeField.Value(r)
	if !ok {
		return false
	}
	lo, hi := f.Bounds()
	if f.IncludeStart {
		if ts < lo {
			return false
		}
	} else if ts <= lo {
		return false
	}
	return ts < hi
}

// StringField returns a top-level string field by its document name
func (r Record) StringField(name string) string {
	switch name {
	case "LocationId":
		return r.LocationID
	case "SourceId":
		return r.SourceID
	case "PipelineName":
		return r.PipelineName
	case "CoachingAction":
		return r.CoachingAction
	default:
		return ""
	}
}
