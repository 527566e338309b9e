package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sensorscope/acquire"
	"sensorscope/cache"
	"sensorscope/config"
	"sensorscope/events"
	"sensorscope/presence"
	"sensorscope/record"
	"sensorscope/series"
	"sensorscope/storage"
)

// Engine composes acquisition, reconstruction, presence scanning and event
// extraction into the report shapes served to consumers
type Engine struct {
	downloader    *acquire.Downloader
	scanner       *presence.Scanner
	cache         *cache.Cache
	collections   []string
	defaultBase   string
	features      []string
	defaultBucket time.Duration
	logger        log.Logger
}

// Options configures an Engine
type Options struct {
	Reports       config.ReportsConfig
	Features      []string
	DefaultBucket time.Duration
	Logger        log.Logger
}

// NewEngine creates a new report engine
func NewEngine(downloader *acquire.Downloader, scanner *presence.Scanner, c *cache.Cache, opts Options) (*Engine, error) {
	if downloader == nil || scanner == nil {
		return nil, fmt.Errorf("report engine requires a downloader and a presence scanner")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	e := &Engine{
		downloader:    downloader,
		scanner:       scanner,
		cache:         c,
		collections:   opts.Reports.DataCollections,
		defaultBase:   opts.Reports.DefaultBase,
		features:      opts.Features,
		defaultBucket: opts.DefaultBucket,
		logger:        log.With(logger, "component", "reports"),
	}
	if len(e.collections) == 0 {
		e.collections = []string{acquire.DefaultCollection}
	}
	if e.defaultBase == "" {
		e.defaultBase = acquire.DefaultBase
	}
	if e.defaultBucket <= 0 {
		e.defaultBucket = time.Hour
	}
	return e, nil
}

// QueryResult represents a query result
type QueryResult struct {
	Data   interface{} `json:"data"`
	Status string      `json:"status"`
}

// Request selects one location over [Start, End) of a base
type Request struct {
	Location string
	Start    time.Time
	End      time.Time
	Base     string
}

// SourceSeries is the magnitude series of one accelerometer
type SourceSeries struct {
	Source    string        `json:"source"`
	Placement string        `json:"placement"`
	Suffix    string        `json:"suffix"`
	Series    series.Series `json:"series"`
}

// NewRequest parses the time range and applies the default base
func (e *Engine) NewRequest(location, startTime, endTime, base string) (Request, error) {
	if location == "" {
		return Request{}, fmt.Errorf("%w: location is required", record.ErrUnexpectedValue)
	}
	start, end, err := parseTimeRange(startTime, endTime)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", record.ErrInvalidRange, err)
	}
	if err := record.CheckRange(start, end); err != nil {
		return Request{}, err
	}
	if base == "" {
		base = e.defaultBase
	}
	return Request{Location: location, Start: start, End: end, Base: base}, nil
}

// ClearCache removes every memoized query
func (e *Engine) ClearCache() (cache.ClearReport, error) {
	if e.cache == nil {
		return cache.ClearReport{}, nil
	}
	return e.cache.ClearAll()
}

// CacheStats reports the size of the query cache
func (e *Engine) CacheStats() (storage.CacheStats, error) {
	if e.cache == nil {
		return storage.CacheStats{}, nil
	}
	return e.cache.Stats()
}

// fetchAcross runs one Fetch per configured data collection and
// concatenates the results
func (e *Engine) fetchAcross(ctx context.Context, req Request, source record.SourceMatcher, end time.Time) ([]record.Record, error) {
	var all []record.Record
	for _, collection := range e.collections {
		records, err := e.downloader.Fetch(ctx, acquire.Query{
			Location:   req.Location,
			Source:     source,
			Start:      req.Start,
			End:        end,
			Collection: collection,
			Base:       req.Base,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	return all, nil
}

// accelerometry reconstructs one series per placement and suffix present in
// records, in placement then suffix order
func accelerometry(records []record.Record, placements, suffixes []string) ([]SourceSeries, []string, error) {
	groups := series.GroupBySource(records)

	out := []SourceSeries{}
	var notices []string
	for _, placement := range placements {
		for _, suffix := range suffixes {
			source := fmt.Sprintf("sens_%s_accel_%s", placement, suffix)
			group, ok := groups[source]
			if !ok {
				continue
			}
			s, err := series.FromRecords(group)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, SourceSeries{Source: source, Placement: placement, Suffix: suffix, Series: s})
		}
	}
	if len(out) == 0 {
		notices = append(notices, "No raw magnitude data")
	}
	return out, notices, nil
}

// notice converts a missing-data error into a notice and returns any other
// error unchanged
func (e *Engine) notice(err error, text string, notices *[]string) error {
	if errors.Is(err, events.ErrNoData) {
		level.Debug(e.logger).Log("msg", "optional report part missing", "notice", text)
		*notices = append(*notices, text)
		return nil
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseTimeRange parses the start and end times
func parseTimeRange(startTime, endTime string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error

	// Parse end time
	if endTime == "" {
		// Default to now
		end = time.Now().UTC()
	} else {
		end, err = time.Parse(time.RFC3339, endTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("error parsing end time: %w", err)
		}
	}

	// Parse start time
	if startTime == "" {
		// Default to one day before end
		start = end.Add(-24 * time.Hour)
	} else {
		start, err = time.Parse(time.RFC3339, startTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("error parsing start time: %w", err)
		}
	}

	return start, end, nil
}
