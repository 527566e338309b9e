package acquire

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"sensorscope/cache"
	"sensorscope/record"
	"sensorscope/storage"
)

const (
	// DefaultCollection holds raw sensor packages
	DefaultCollection = "SensorDataPackages"
	// DefaultCoachingCollection holds coaching action entries
	DefaultCoachingCollection = "CoachingActionEntries"
	// AdditionalCollection holds derived features such as peaks and sleep states
	AdditionalCollection = "CoachingAdditionalDataSources"
	// DefaultBase is the production database
	DefaultBase = "prod"
)

// ApplianceFeatures are the appliance groups of CookingData, matched by
// substring of the source identifier
var ApplianceFeatures = []string{"oven", "energy", "microwave", "stove", "water_kettle"}

// Query selects sensor packages of one location whose envelope timestamp lies
// strictly between Start and End
type Query struct {
	Location   string
	Source     record.SourceMatcher
	Start      time.Time
	End        time.Time
	Collection string
	Base       string
}

// CoachingQuery selects coaching entries of one pipeline whose entry
// timestamp lies strictly between Start and End
type CoachingQuery struct {
	Location   string
	Pipeline   string
	Start      time.Time
	End        time.Time
	Collection string
	Base       string
}

// Downloader fetches records from the record store through the query cache
type Downloader struct {
	store   storage.RecordStore
	cache   *cache.Cache
	logger  log.Logger
	queries *prometheus.CounterVec
}

// Options configures a Downloader
type Options struct {
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// New creates a Downloader. A nil cache disables memoization.
func New(store storage.RecordStore, c *cache.Cache, opts Options) *Downloader {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	d := &Downloader{
		store:  store,
		cache:  c,
		logger: log.With(logger, "component", "downloader"),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensorscope",
			Subsystem: "record_store",
			Name:      "queries_total",
			Help:      "Find queries sent to the record store.",
		}, []string{"kind"}),
	}
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(d.queries)
	}
	return d
}

// Fetch returns the sensor packages matching q
func (d *Downloader) Fetch(ctx context.Context, q Query) ([]record.Record, error) {
	if err := record.CheckRange(q.Start, q.End); err != nil {
		return nil, err
	}
	if q.Collection == "" {
		q.Collection = DefaultCollection
	}
	if q.Base == "" {
		q.Base = DefaultBase
	}

	key := cache.Key{
		Kind:       "records",
		Location:   q.Location,
		Source:     q.Source,
		Start:      q.Start,
		End:        q.End,
		Collection: q.Collection,
		Base:       q.Base,
	}
	filter := record.Filter{
		LocationID: q.Location,
		Source:     q.Source,
		TimeField:  record.DataTimestamp,
		Start:      q.Start,
		End:        q.End,
	}

	return cache.GetOrCompute(d.cache, key, func() ([]record.Record, error) {
		return d.find(ctx, "records", q.Base, q.Collection, filter)
	})
}

// FetchCoaching returns the coaching entries matching q
func (d *Downloader) FetchCoaching(ctx context.Context, q CoachingQuery) ([]record.Record, error) {
	if err := record.CheckRange(q.Start, q.End); err != nil {
		return nil, err
	}
	if q.Collection == "" {
		q.Collection = DefaultCoachingCollection
	}
	if q.Base == "" {
		q.Base = DefaultBase
	}

	key := cache.Key{
		Kind:       "coaching",
		Location:   q.Location,
		Start:      q.Start,
		End:        q.End,
		Collection: q.Collection,
		Base:       q.Base,
		Params:     map[string]string{"pipeline": q.Pipeline},
	}
	filter := record.Filter{
		LocationID: q.Location,
		TimeField:  record.EntryTimestamp,
		Start:      q.Start,
		End:        q.End,
		Fields:     map[string]string{"PipelineName": q.Pipeline},
	}

	return cache.GetOrCompute(d.cache, key, func() ([]record.Record, error) {
		return d.find(ctx, "coaching", q.Base, q.Collection, filter)
	})
}

// FetchAll runs Fetch against every collection of the base whose name
// contains collectionPattern and concatenates the results
func (d *Downloader) FetchAll(ctx context.Context, q Query, collectionPattern string) ([]record.Record, error) {
	if err := record.CheckRange(q.Start, q.End); err != nil {
		return nil, err
	}
	if q.Base == "" {
		q.Base = DefaultBase
	}

	names, err := d.store.CollectionNames(ctx, q.Base)
	if err != nil {
		return nil, fmt.Errorf("error listing collections of %s: %w", q.Base, err)
	}

	var results []record.Record
	for _, name := range names {
		if !strings.Contains(name, collectionPattern) {
			continue
		}
		cq := q
		cq.Collection = name
		records, err := d.Fetch(ctx, cq)
		if err != nil {
			return nil, err
		}
		results = append(results, records...)
	}
	return results, nil
}

// CookingData fetches appliance power readings from every sensor data
// collection and groups them by appliance. Every appliance of
// ApplianceFeatures is present in the result, possibly empty.
func (d *Downloader) CookingData(ctx context.Context, location string, start, end time.Time, base string) (map[string][]record.Record, error) {
	records, err := d.FetchAll(ctx, Query{
		Location: location,
		Source:   record.MustPattern("_power_"),
		Start:    start,
		End:      end,
		Base:     base,
	}, "SensorData")
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]record.Record, len(ApplianceFeatures))
	for _, feature := range ApplianceFeatures {
		groups[feature] = []record.Record{}
		for _, r := range records {
			if strings.Contains(r.SourceID, feature) {
				groups[feature] = append(groups[feature], r)
			}
		}
	}
	return groups, nil
}

func (d *Downloader) find(ctx context.Context, kind, base, collection string, filter record.Filter) ([]record.Record, error) {
	d.queries.WithLabelValues(kind).Inc()
	level.Debug(d.logger).Log("msg", "querying record store", "kind", kind, "base", base,
		"collection", collection, "location", filter.LocationID, "source", filter.Source)

	records, err := d.store.Find(ctx, base, collection, filter)
	if err != nil {
		return nil, fmt.Errorf("error fetching %s from %s/%s: %w", kind, base, collection, err)
	}
	return records, nil
}
