package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"sensorscope/cache"
	"sensorscope/record"
	"sensorscope/storage"
)

// Strategy selects how the buckets of one collection are probed
type Strategy string

const (
	// Linear probes every bucket of a collection that has any data
	Linear Strategy = "linear"
	// Bisect halves the grid recursively and skips empty halves
	Bisect Strategy = "bisect"
)

const (
	// DefaultConvention is the substring naming sensor data collections
	DefaultConvention = "SensorDataPackages"
	// DefaultMaxBuckets bounds the grid when no limit is configured
	DefaultMaxBuckets = 10000
	defaultBase       = "prod"
)

// Request asks which buckets of [Start, End] hold a record of Source
type Request struct {
	Location    string
	Source      record.SourceMatcher
	Start       time.Time
	End         time.Time
	Base        string
	BucketWidth time.Duration
}

// Result holds the grid and one presence flag per consecutive grid pair.
// Present[i] covers [Grid[i], Grid[i+1]).
type Result struct {
	Grid    []time.Time `json:"grid"`
	Present []bool      `json:"present"`
}

// BucketStarts returns the grid points that start a bucket. The last grid
// point only closes the final bucket.
func (r Result) BucketStarts() []time.Time {
	return r.Grid[:len(r.Present)]
}

// Progress is reported after each scanned collection
type Progress struct {
	Collection string `json:"collection"`
	Done       int    `json:"done"`
	Total      int    `json:"total"`
	Skipped    bool   `json:"skipped"`
}

// Options configures a Scanner
type Options struct {
	// Convention is matched case-sensitively against collection names
	Convention string
	Strategy   Strategy
	// MaxProbesPerSecond limits existence probes; zero means unlimited
	MaxProbesPerSecond float64
	// MaxBuckets rejects grids with more buckets; zero means DefaultMaxBuckets
	MaxBuckets int
	// Cache memoizes whole scan results when set
	Cache      *cache.Cache
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Scanner determines per-bucket presence of records across every sensor
// data collection of a base
type Scanner struct {
	store      storage.RecordStore
	convention string
	strategy   Strategy
	maxBuckets int
	limiter    *rate.Limiter
	cache      *cache.Cache
	logger     log.Logger
	probes     prometheus.Counter
}

// NewScanner creates a Scanner over store
func NewScanner(store storage.RecordStore, opts Options) (*Scanner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	s := &Scanner{
		store:      store,
		convention: opts.Convention,
		strategy:   opts.Strategy,
		maxBuckets: opts.MaxBuckets,
		cache:      opts.Cache,
		logger:     log.With(logger, "component", "presence"),
		probes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorscope",
			Subsystem: "presence",
			Name:      "probes_total",
			Help:      "Existence probes sent to the record store.",
		}),
	}
	if s.convention == "" {
		s.convention = DefaultConvention
	}
	switch s.strategy {
	case "":
		s.strategy = Linear
	case Linear, Bisect:
	default:
		return nil, fmt.Errorf("%w: presence strategy %q", record.ErrUnexpectedValue, opts.Strategy)
	}
	if opts.MaxProbesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.MaxProbesPerSecond), 1)
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(s.probes)
	}

	return s, nil
}

// Grid returns start + k*width for every k whose point does not pass end.
// Grids of more than maxBuckets buckets are rejected; maxBuckets <= 0 means
// DefaultMaxBuckets.
func Grid(start, end time.Time, width time.Duration, maxBuckets int) ([]time.Time, error) {
	if err := record.CheckRange(start, end); err != nil {
		return nil, err
	}
	if width <= 0 {
		return nil, fmt.Errorf("%w: bucket width %s is not positive", record.ErrInvalidRange, width)
	}

	if maxBuckets <= 0 {
		maxBuckets = DefaultMaxBuckets
	}
	span := end.Sub(start)
	if span/width > time.Duration(maxBuckets) {
		return nil, fmt.Errorf("%w: %s at %s per bucket exceeds %d buckets", record.ErrInvalidRange, span, width, maxBuckets)
	}

	n := int(span/width) + 1
	grid := make([]time.Time, n)
	for k := range grid {
		grid[k] = start.Add(time.Duration(k) * width)
	}
	return grid, nil
}

// Scan determines per-bucket presence
func (s *Scanner) Scan(ctx context.Context, req Request) (Result, error) {
	return s.ScanWithProgress(ctx, req, nil)
}

// ScanWithProgress is Scan with a callback invoked after each collection
func (s *Scanner) ScanWithProgress(ctx context.Context, req Request, onProgress func(Progress)) (Result, error) {
	grid, err := Grid(req.Start, req.End, req.BucketWidth, s.maxBuckets)
	if err != nil {
		return Result{}, err
	}
	if req.Base == "" {
		req.Base = defaultBase
	}

	if s.cache == nil {
		return s.scan(ctx, req, grid, onProgress)
	}

	key := cache.Key{
		Kind:     "presence",
		Location: req.Location,
		Source:   req.Source,
		Start:    req.Start,
		End:      req.End,
		Base:     req.Base,
		Params: map[string]string{
			"width":      req.BucketWidth.String(),
			"convention": s.convention,
		},
	}
	return cache.GetOrCompute(s.cache, key, func() (Result, error) {
		return s.scan(ctx, req, grid, onProgress)
	})
}

func (s *Scanner) scan(ctx context.Context, req Request, grid []time.Time, onProgress func(Progress)) (Result, error) {
	result := Result{Grid: grid, Present: []bool{}}
	if len(grid) < 2 {
		return result, nil
	}
	result.Present = make([]bool, len(grid)-1)

	names, err := s.store.CollectionNames(ctx, req.Base)
	if err != nil {
		return Result{}, fmt.Errorf("error listing collections of %s: %w", req.Base, err)
	}
	var collections []string
	for _, name := range names {
		if strings.Contains(name, s.convention) {
			collections = append(collections, name)
		}
	}

	for i, collection := range collections {
		p := prober{scanner: s, req: req, collection: collection, grid: grid}

		var hasData bool
		switch s.strategy {
		case Bisect:
			hasData, err = p.bisect(ctx, 0, len(grid)-1, result.Present)
		default:
			hasData, err = p.linear(ctx, result.Present)
		}
		if err != nil {
			return Result{}, err
		}

		level.Debug(s.logger).Log("msg", "scanned collection", "collection", collection,
			"location", req.Location, "source", req.Source, "hasData", hasData)
		if onProgress != nil {
			onProgress(Progress{Collection: collection, Done: i + 1, Total: len(collections), Skipped: !hasData})
		}
	}

	return result, nil
}

// prober issues existence probes for one collection
type prober struct {
	scanner    *Scanner
	req        Request
	collection string
	grid       []time.Time
}

// linear probes the whole span once and, when it holds data, every bucket.
// Present flags are OR'd in place.
func (p prober) linear(ctx context.Context, present []bool) (bool, error) {
	last := len(p.grid) - 1
	found, err := p.probe(ctx, p.grid[0], p.grid[last])
	if err != nil || !found {
		return false, err
	}

	for i := 0; i < last; i++ {
		found, err := p.probe(ctx, p.grid[i], p.grid[i+1])
		if err != nil {
			return true, err
		}
		present[i] = present[i] || found
	}
	return true, nil
}

// bisect probes [grid[lo], grid[hi]) and recurses into both halves when it
// holds data
func (p prober) bisect(ctx context.Context, lo, hi int, present []bool) (bool, error) {
	found, err := p.probe(ctx, p.grid[lo], p.grid[hi])
	if err != nil || !found {
		return false, err
	}
	if hi-lo == 1 {
		present[lo] = true
		return true, nil
	}

	mid := (lo + hi) / 2
	if _, err := p.bisect(ctx, lo, mid, present); err != nil {
		return true, err
	}
	if _, err := p.bisect(ctx, mid, hi, present); err != nil {
		return true, err
	}
	return true, nil
}

// probe reports whether any record lies in [start, end)
func (p prober) probe(ctx context.Context, start, end time.Time) (bool, error) {
	s := p.scanner
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return false, fmt.Errorf("error waiting for probe budget: %w", err)
		}
	}
	s.probes.Inc()

	found, err := s.store.Exists(ctx, p.req.Base, p.collection, record.Filter{
		LocationID:   p.req.Location,
		Source:       p.req.Source,
		TimeField:    record.DataTimestamp,
		Start:        start,
		End:          end,
		IncludeStart: true,
	})
	if err != nil {
		return false, fmt.Errorf("error probing %s/%s: %w", p.req.Base, p.collection, err)
	}
	return found, nil
}
