package series

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"sensorscope/record"
)

// Series is a magnitude time series. Timestamps are epoch milliseconds in
// non-decreasing order; magnitudes may be NaN where an axis was missing.
type Series struct {
	Timestamps []int64
	Magnitudes []float64
}

// Len returns the number of points
func (s Series) Len() int {
	return len(s.Timestamps)
}

type point struct {
	t int64
	m float64
}

// Reconstruct flattens accelerometer packets into one sorted magnitude
// series. The N samples of a packet ending at E with interval I are placed
// at linspace(E-I, E, N), truncated to whole milliseconds.
func Reconstruct(packets []record.Packet) Series {
	total := 0
	for _, p := range packets {
		total += len(p.Samples)
	}
	if total == 0 {
		return Series{Timestamps: []int64{}, Magnitudes: []float64{}}
	}

	points := make([]point, 0, total)
	for _, p := range packets {
		times := linspace(p.End-p.Interval, p.End, len(p.Samples))
		for i, s := range p.Samples {
			points = append(points, point{t: times[i], m: magnitude(s)})
		}
	}

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].t < points[j].t
	})

	out := Series{
		Timestamps: make([]int64, len(points)),
		Magnitudes: make([]float64, len(points)),
	}
	for i, p := range points {
		out.Timestamps[i] = p.t
		out.Magnitudes[i] = p.m
	}
	return out
}

// linspace returns n evenly spaced values over [start, stop], both ends
// included, truncated toward zero. A single value is start.
func linspace(start, stop float64, n int) []int64 {
	out := make([]int64, n)
	switch {
	case n == 0:
		return out
	case n == 1:
		out[0] = int64(start)
		return out
	}

	step := (stop - start) / float64(n-1)
	for i := 0; i < n-1; i++ {
		out[i] = int64(start + float64(i)*step)
	}
	out[n-1] = int64(stop)
	return out
}

func magnitude(s record.Sample) float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

// FromRecords converts accelerometer records into packets and reconstructs
// their magnitude series
func FromRecords(records []record.Record) (Series, error) {
	packets := make([]record.Packet, 0, len(records))
	for _, r := range records {
		p, err := r.Packet()
		if err != nil {
			return Series{}, fmt.Errorf("error reading packet of %s: %w", r.SourceID, err)
		}
		packets = append(packets, p)
	}
	return Reconstruct(packets), nil
}

// GroupBySource partitions records by exact source identifier
func GroupBySource(records []record.Record) map[string][]record.Record {
	groups := make(map[string][]record.Record)
	for _, r := range records {
		groups[r.SourceID] = append(groups[r.SourceID], r)
	}
	return groups
}

type wireSeries struct {
	Timestamps []int64    `json:"timestamps"`
	Magnitudes []*float64 `json:"magnitudes"`
}

// MarshalJSON encodes NaN magnitudes as null
func (s Series) MarshalJSON() ([]byte, error) {
	w := wireSeries{
		Timestamps: s.Timestamps,
		Magnitudes: make([]*float64, len(s.Magnitudes)),
	}
	if w.Timestamps == nil {
		w.Timestamps = []int64{}
	}
	for i := range s.Magnitudes {
		if !math.IsNaN(s.Magnitudes[i]) {
			w.Magnitudes[i] = &s.Magnitudes[i]
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes null magnitudes as NaN
func (s *Series) UnmarshalJSON(data []byte) error {
	var w wireSeries
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Timestamps) != len(w.Magnitudes) {
		return fmt.Errorf("%w: %d timestamps for %d magnitudes", record.ErrUnexpectedValue, len(w.Timestamps), len(w.Magnitudes))
	}

	s.Timestamps = w.Timestamps
	s.Magnitudes = make([]float64, len(w.Magnitudes))
	for i, m := range w.Magnitudes {
		if m == nil {
			s.Magnitudes[i] = math.NaN()
		} else {
			s.Magnitudes[i] = *m
		}
	}
	return nil
}
