package query

import (
	"context"
	"fmt"
	"time"

	"sensorscope/acquire"
	"sensorscope/events"
	"sensorscope/presence"
	"sensorscope/record"
)

var (
	accelSuffixes      = []string{"egw", "amb", "app"}
	clipPlacements     = []string{"bed", "belt", "bracelet_right", "bracelet_left", "ankle"}
	mobilityPlacements = []string{"belt", "bracelet_right", "bracelet_left", "ankle"}
)

const (
	peaksSource    = "feat_bed_accel_magnitude_peaks"
	sleepSource    = "feat_sleep_state"
	mobilitySource = "feat_mobility_activity"

	sleepPipeline   = "sleep_quality"
	cookingPipeline = "activity_cooking"
	cookingAverage  = "feat_activity_cooking_weekly_average"

	// Raw packets are stamped with the end of their window, so the fetch
	// window extends past the requested end
	accelPadding    = 2 * time.Hour
	mobilityPadding = 2*time.Hour + 5*time.Minute
	featurePadding  = 24 * time.Hour
)

// AccelRequest selects accelerometer placements; empty means all known
type AccelRequest struct {
	Request
	Placements []string
}

// AccelerometryReport holds one magnitude series per accelerometer
type AccelerometryReport struct {
	Series  []SourceSeries `json:"series"`
	Notices []string       `json:"notices,omitempty"`
}

// BedReport combines bed accelerometry with detected peaks and sleep states
type BedReport struct {
	Series  []SourceSeries `json:"series"`
	Peaks   *events.Peaks  `json:"peaks,omitempty"`
	States  *events.States `json:"states,omitempty"`
	Notices []string       `json:"notices,omitempty"`
}

// PresenceRequest asks for presence of several features
type PresenceRequest struct {
	Request
	BucketWidth time.Duration
	Features    []string
}

// FeaturePresence is the presence scan of one feature pattern
type FeaturePresence struct {
	Feature string `json:"feature"`
	presence.Result
}

// PresenceReport holds one scan per feature
type PresenceReport struct {
	BucketWidth string            `json:"bucketWidth"`
	Features    []FeaturePresence `json:"features"`
}

// CookingReport holds appliance power readings and cooking coaching
type CookingReport struct {
	Appliances map[string]events.PowerSeries `json:"appliances"`
	Coaching   *events.CoachingSeries        `json:"coaching,omitempty"`
	Labels     []string                      `json:"labels,omitempty"`
	Notices    []string                      `json:"notices,omitempty"`
}

// MobilityReport holds clip accelerometry and the mobility classifier states
type MobilityReport struct {
	Series   []SourceSeries      `json:"series"`
	Activity *events.ValueSeries `json:"activity,omitempty"`
	Notices  []string            `json:"notices,omitempty"`
}

// Accelerometry reconstructs the magnitude series of every clip sensor
func (e *Engine) Accelerometry(ctx context.Context, req AccelRequest) (*AccelerometryReport, error) {
	placements := req.Placements
	if len(placements) == 0 {
		placements = clipPlacements
	}

	records, err := e.fetchAcross(ctx, req.Request, record.MustPattern("_accel_"), req.End.Add(accelPadding))
	if err != nil {
		return nil, fmt.Errorf("error fetching accelerometry: %w", err)
	}

	s, notices, err := accelerometry(records, placements, accelSuffixes)
	if err != nil {
		return nil, err
	}
	return &AccelerometryReport{Series: s, Notices: notices}, nil
}

// Bed combines bed accelerometry with peaks and sleep states. Missing peaks
// or states become notices.
func (e *Engine) Bed(ctx context.Context, req Request) (*BedReport, error) {
	end := req.End.Add(accelPadding)
	records, err := e.fetchAcross(ctx, req, record.MustPattern("sens_bed_accel_"), end)
	if err != nil {
		return nil, fmt.Errorf("error fetching bed accelerometry: %w", err)
	}

	report := &BedReport{}
	report.Series, report.Notices, err = accelerometry(records, []string{"bed"}, accelSuffixes)
	if err != nil {
		return nil, err
	}

	// Features are published with a delay, so look a day further both ways
	feature := acquire.Query{
		Location:   req.Location,
		Start:      req.Start.Add(-featurePadding),
		End:        end.Add(featurePadding),
		Collection: acquire.AdditionalCollection,
		Base:       req.Base,
	}

	feature.Source = record.Exact(peaksSource)
	peakRecords, err := e.downloader.Fetch(ctx, feature)
	if err != nil {
		return nil, fmt.Errorf("error fetching peaks: %w", err)
	}
	peaks, err := events.ExtractPeaks(peakRecords)
	if err == nil {
		report.Peaks = &peaks
	} else if err := e.notice(err, "No peak data available", &report.Notices); err != nil {
		return nil, err
	}

	feature.Source = record.Exact(sleepSource)
	stateRecords, err := e.downloader.Fetch(ctx, feature)
	if err != nil {
		return nil, fmt.Errorf("error fetching sleep states: %w", err)
	}
	states, err := events.ExtractStates(stateRecords)
	if err == nil {
		report.States = &states
	} else if err := e.notice(err, "No sleep state available", &report.Notices); err != nil {
		return nil, err
	}

	return report, nil
}

// Presence scans every requested feature pattern
func (e *Engine) Presence(ctx context.Context, req PresenceRequest) (*PresenceReport, error) {
	return e.PresenceWithProgress(ctx, req, nil)
}

// PresenceWithProgress is Presence with a callback after each scanned
// collection of each feature
func (e *Engine) PresenceWithProgress(ctx context.Context, req PresenceRequest, onProgress func(feature string, p presence.Progress)) (*PresenceReport, error) {
	width := req.BucketWidth
	if width == 0 {
		width = e.defaultBucket
	}
	features := req.Features
	if len(features) == 0 {
		features = e.features
	}

	report := &PresenceReport{BucketWidth: width.String(), Features: []FeaturePresence{}}
	for _, feature := range features {
		source, err := record.Pattern(feature)
		if err != nil {
			return nil, err
		}

		var progress func(presence.Progress)
		if onProgress != nil {
			f := feature
			progress = func(p presence.Progress) { onProgress(f, p) }
		}

		result, err := e.scanner.ScanWithProgress(ctx, presence.Request{
			Location:    req.Location,
			Source:      source,
			Start:       req.Start,
			End:         req.End,
			Base:        req.Base,
			BucketWidth: width,
		}, progress)
		if err != nil {
			return nil, fmt.Errorf("error scanning %s: %w", feature, err)
		}
		report.Features = append(report.Features, FeaturePresence{Feature: feature, Result: result})
	}
	return report, nil
}

// Cooking reports appliance power readings and the cooking coaching entries
func (e *Engine) Cooking(ctx context.Context, req Request) (*CookingReport, error) {
	groups, err := e.downloader.CookingData(ctx, req.Location, req.Start, req.End, req.Base)
	if err != nil {
		return nil, fmt.Errorf("error fetching appliance data: %w", err)
	}

	report := &CookingReport{Appliances: make(map[string]events.PowerSeries)}
	for _, appliance := range sortedKeys(groups) {
		if len(groups[appliance]) == 0 {
			continue
		}
		power, err := events.ExtractPower(groups[appliance])
		if err != nil {
			return nil, fmt.Errorf("error reading %s power: %w", appliance, err)
		}
		report.Appliances[appliance] = power
	}

	entries, err := e.downloader.FetchCoaching(ctx, acquire.CoachingQuery{
		Location: req.Location,
		Pipeline: cookingPipeline,
		Start:    req.Start,
		End:      req.End,
		Base:     req.Base,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching cooking coaching: %w", err)
	}
	coaching, err := events.ExtractCoaching(entries, cookingAverage)
	if err == nil {
		report.Coaching = &coaching
		report.Labels = coaching.Labels()
	} else if err := e.notice(err, "No cooking coaching available", &report.Notices); err != nil {
		return nil, err
	}

	return report, nil
}

// SleepCoaching evaluates sleep coaching against the sleep features
func (e *Engine) SleepCoaching(ctx context.Context, req Request) (events.Evaluation, error) {
	coachings, err := e.downloader.FetchCoaching(ctx, acquire.CoachingQuery{
		Location: req.Location,
		Pipeline: sleepPipeline,
		Start:    req.Start,
		End:      req.End,
		Base:     req.Base,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching sleep coaching: %w", err)
	}

	additional, err := e.downloader.Fetch(ctx, acquire.Query{
		Location:   req.Location,
		Source:     record.MustPattern("sleep"),
		Start:      req.Start,
		End:        req.End,
		Collection: acquire.AdditionalCollection,
		Base:       req.Base,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching sleep features: %w", err)
	}

	return events.EvaluateSleep(coachings, additional)
}

// Mobility reports clip accelerometry and the mobility classifier states
func (e *Engine) Mobility(ctx context.Context, req Request) (*MobilityReport, error) {
	records, err := e.fetchAcross(ctx, req, record.MustPattern("_accel_"), req.End.Add(mobilityPadding))
	if err != nil {
		return nil, fmt.Errorf("error fetching accelerometry: %w", err)
	}

	report := &MobilityReport{}
	report.Series, report.Notices, err = accelerometry(records, mobilityPlacements, accelSuffixes)
	if err != nil {
		return nil, err
	}

	activityRecords, err := e.downloader.Fetch(ctx, acquire.Query{
		Location:   req.Location,
		Source:     record.Exact(mobilitySource),
		Start:      req.Start,
		End:        req.End.Add(accelPadding),
		Collection: acquire.AdditionalCollection,
		Base:       req.Base,
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching mobility activity: %w", err)
	}
	activity, err := events.ExtractFirstMeasurements(activityRecords)
	if err == nil {
		report.Activity = &activity
	} else if err := e.notice(err, "No walking classifier data found", &report.Notices); err != nil {
		return nil, err
	}

	return report, nil
}
