package record

import (
	"fmt"
	"math"
)

// Sample is one three-axis accelerometer reading. Missing axes are NaN.
type Sample struct {
	X, Y, Z float64
}

// Packet is one accelerometer transmission: samples spread uniformly over
// the window (End-Interval, End], both in milliseconds.
type Packet struct {
	SourceID string
	End      float64
	Interval float64
	Samples  []Sample
}

// Packet converts an accelerometer record into a Packet
func (r Record) Packet() (Packet, error) {
	if r.Data == nil {
		return Packet{}, fmt.Errorf("%w: record %s has no data envelope", ErrUnexpectedValue, r.ID)
	}

	p := Packet{
		SourceID: r.SourceID,
		End:      r.Data.Timestamp,
		Interval: r.Data.Timestep * 1000,
		Samples:  make([]Sample, 0, len(r.Data.Measurements)),
	}

	for i, m := range r.Data.Measurements {
		entry, ok := m.(map[string]any)
		if !ok {
			return Packet{}, fmt.Errorf("%w: measurement %d of record %s is %T", ErrUnexpectedValue, i, r.ID, m)
		}
		p.Samples = append(p.Samples, Sample{
			X: axis(entry, "x"),
			Y: axis(entry, "y"),
			Z: axis(entry, "z"),
		})
	}

	return p, nil
}

func axis(entry map[string]any, name string) float64 {
	v, ok := entry[name]
	if !ok || v == nil {
		return math.NaN()
	}
	f, ok := ToFloat(v)
	if !ok {
		return math.NaN()
	}
	return f
}
