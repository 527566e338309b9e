package record

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Record is one document fetched from the record store. Fields that a given
// collection does not carry are left at their zero value.
type Record struct {
	ID             string         `json:"id,omitempty"`
	LocationID     string         `json:"locationId"`
	SourceID       string         `json:"sourceId,omitempty"`
	PipelineName   string         `json:"pipelineName,omitempty"`
	Timestamp      float64        `json:"timestamp,omitempty"` // seconds since epoch, coaching entries
	CoachingAction string         `json:"coachingAction,omitempty"`
	Completion     any            `json:"completion,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Data           *Data          `json:"data,omitempty"`
}

// Data is the sensor payload envelope
type Data struct {
	Timestamp    float64 `json:"timestamp"`          // milliseconds since epoch
	Timestep     float64 `json:"timestep,omitempty"` // seconds
	Measurements []any   `json:"measurements"`
}

// MarshalJSON encodes non-finite measurement values as null, which Packet
// reads back as a missing (NaN) axis
func (d Data) MarshalJSON() ([]byte, error) {
	type plain Data
	p := plain(d)
	if d.Measurements != nil {
		p.Measurements = make([]any, len(d.Measurements))
		for i, m := range d.Measurements {
			p.Measurements[i] = nullNonFinite(m)
		}
	}
	return json.Marshal(p)
}

func nullNonFinite(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = nullNonFinite(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = nullNonFinite(e)
		}
		return out
	}
	return v
}

// Time returns the envelope timestamp
func (d *Data) Time() time.Time {
	return MillisToTime(d.Timestamp)
}

// EntryTime returns the top-level timestamp of a coaching entry
func (r Record) EntryTime() time.Time {
	return SecondsToTime(r.Timestamp)
}

// FromDocument builds a Record from a decoded document. Scalars must already be
// plain Go values (string, float64, bool, nil) with nested []any and map[string]any.
func FromDocument(doc map[string]any) (Record, error) {
	var r Record
	var ok bool

	if id, exists := doc["_id"]; exists && id != nil {
		r.ID = fmt.Sprint(id)
	}
	if r.LocationID, ok = optString(doc, "LocationId"); !ok {
		return Record{}, fmt.Errorf("%w: LocationId is %T", ErrUnexpectedValue, doc["LocationId"])
	}
	if r.SourceID, ok = optString(doc, "SourceId"); !ok {
		return Record{}, fmt.Errorf("%w: SourceId is %T", ErrUnexpectedValue, doc["SourceId"])
	}
	if r.PipelineName, ok = optString(doc, "PipelineName"); !ok {
		return Record{}, fmt.Errorf("%w: PipelineName is %T", ErrUnexpectedValue, doc["PipelineName"])
	}
	if r.CoachingAction, ok = optString(doc, "CoachingAction"); !ok {
		return Record{}, fmt.Errorf("%w: CoachingAction is %T", ErrUnexpectedValue, doc["CoachingAction"])
	}
	if v, exists := doc["Timestamp"]; exists && v != nil {
		if r.Timestamp, ok = ToFloat(v); !ok {
			return Record{}, fmt.Errorf("%w: Timestamp is %T", ErrUnexpectedValue, v)
		}
	}
	if v, exists := doc["Completion"]; exists && v != nil {
		r.Completion = v
	}
	if v, exists := doc["Parameters"]; exists && v != nil {
		params, isMap := v.(map[string]any)
		if !isMap {
			return Record{}, fmt.Errorf("%w: Parameters is %T", ErrUnexpectedValue, v)
		}
		r.Parameters = params
	}
	if v, exists := doc["Data"]; exists && v != nil {
		data, err := dataFromDocument(v)
		if err != nil {
			return Record{}, err
		}
		r.Data = data
	}

	return r, nil
}

func dataFromDocument(v any) (*Data, error) {
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: Data is %T", ErrUnexpectedValue, v)
	}

	data := &Data{}
	if ts, exists := doc["Timestamp"]; exists && ts != nil {
		if data.Timestamp, ok = ToFloat(ts); !ok {
			return nil, fmt.Errorf("%w: Data.Timestamp is %T", ErrUnexpectedValue, ts)
		}
	}
	if step, exists := doc["Timestep"]; exists && step != nil {
		if data.Timestep, ok = ToFloat(step); !ok {
			return nil, fmt.Errorf("%w: Data.Timestep is %T", ErrUnexpectedValue, step)
		}
	}
	if m, exists := doc["Measurements"]; exists && m != nil {
		list, isList := m.([]any)
		if !isList {
			return nil, fmt.Errorf("%w: Data.Measurements is %T", ErrUnexpectedValue, m)
		}
		data.Measurements = list
	}
	return data, nil
}

func optString(doc map[string]any, key string) (string, bool) {
	v, exists := doc[key]
	if !exists || v == nil {
		return "", true
	}
	s, ok := v.(string)
	return s, ok
}

// ToFloat converts the numeric representations produced by document decoders
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// MillisToTime converts fractional epoch milliseconds to a UTC time
func MillisToTime(ms float64) time.Time {
	return time.Unix(0, int64(math.Round(ms*1e6))).UTC()
}

// SecondsToTime converts fractional epoch seconds to a UTC time
func SecondsToTime(s float64) time.Time {
	return time.Unix(0, int64(math.Round(s*1e9))).UTC()
}

// TimeToMillis converts a time to fractional epoch milliseconds
func TimeToMillis(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e6
}

// TimeToSeconds converts a time to fractional epoch seconds
func TimeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
