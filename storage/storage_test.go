package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"go.mongodb.org/mongo-driver/v2/bson"

	"sensorscope/config"
	"sensorscope/record"
)

func TestBadgerCacheStore(t *testing.T) {
	store, err := NewBadgerCacheStore(t.TempDir(), BadgerOptions{}, log.NewNopLogger())
	if err != nil {
		t.Fatalf("NewBadgerCacheStore failed: %v", err)
	}
	defer store.Close()

	if _, ok, err := store.Get("missing"); err != nil || ok {
		t.Fatalf("Get on empty store = %v, %v; want miss", ok, err)
	}

	if err := store.Set("a", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set("b", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, ok, err := store.Get("a")
	if err != nil || !ok {
		t.Fatalf("Get failed: %v (found=%v)", err, ok)
	}
	if string(value) != `{"v":1}` {
		t.Errorf("Get returned %s", value)
	}

	keys, err := store.Keys()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys returned %v", keys)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Count != 2 {
		t.Errorf("Stats count = %d, want 2", stats.Count)
	}

	if err := store.Delete("a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := store.Get("a"); ok {
		t.Errorf("key still present after Delete")
	}
}

func TestBadgerCacheStorePersists(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerCacheStore(dir, BadgerOptions{SyncWrites: true}, log.NewNopLogger())
	if err != nil {
		t.Fatalf("NewBadgerCacheStore failed: %v", err)
	}
	if err := store.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewBadgerCacheStore(dir, BadgerOptions{}, log.NewNopLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	value, ok, err := reopened.Get("k")
	if err != nil || !ok || string(value) != "v" {
		t.Fatalf("Get after reopen = %q, %v, %v", value, ok, err)
	}
}

func TestMemoryCacheStore(t *testing.T) {
	store := NewMemoryCacheStore()

	value := []byte("payload")
	if err := store.Set("k", value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	// The store keeps its own copy
	value[0] = 'X'

	got, ok, _ := store.Get("k")
	if !ok || string(got) != "payload" {
		t.Fatalf("Get = %q, %v", got, ok)
	}

	stats, _ := store.Stats()
	if stats.Count != 1 || stats.SizeBytes != int64(len("k")+len("payload")) {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func testRecords() []record.Record {
	return []record.Record{
		{LocationID: "AT01", SourceID: "sens_bed_accel_amb", Data: &record.Data{Timestamp: 1000}},
		{LocationID: "AT01", SourceID: "sens_bed_accel_amb", Data: &record.Data{Timestamp: 2000}},
		{LocationID: "AT01", SourceID: "sens_belt_accel_app", Data: &record.Data{Timestamp: 1500}},
		{LocationID: "AT02", SourceID: "sens_bed_accel_amb", Data: &record.Data{Timestamp: 1500}},
	}
}

func TestMemoryRecordStoreFind(t *testing.T) {
	store := NewMemoryRecordStore()
	store.Insert("prod", "SensorDataPackages", testRecords()...)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter record.Filter
		want   int
	}{
		{
			name: "exact source, exclusive bounds",
			filter: record.Filter{
				LocationID: "AT01",
				Source:     record.Exact("sens_bed_accel_amb"),
				Start:      record.MillisToTime(1000),
				End:        record.MillisToTime(2000),
			},
			want: 0,
		},
		{
			name: "exact source, inclusive start",
			filter: record.Filter{
				LocationID:   "AT01",
				Source:       record.Exact("sens_bed_accel_amb"),
				Start:        record.MillisToTime(1000),
				End:          record.MillisToTime(2000),
				IncludeStart: true,
			},
			want: 1,
		},
		{
			name: "pattern source",
			filter: record.Filter{
				LocationID: "AT01",
				Source:     record.MustPattern("accel"),
				Start:      record.MillisToTime(0),
				End:        record.MillisToTime(3000),
			},
			want: 3,
		},
		{
			name: "any source at another location",
			filter: record.Filter{
				LocationID: "AT02",
				Start:      record.MillisToTime(0),
				End:        record.MillisToTime(3000),
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Find(ctx, "prod", "SensorDataPackages", tt.filter)
			if err != nil {
				t.Fatalf("Find failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Find returned %d records, want %d", len(got), tt.want)
			}

			exists, err := store.Exists(ctx, "prod", "SensorDataPackages", tt.filter)
			if err != nil {
				t.Fatalf("Exists failed: %v", err)
			}
			if exists != (tt.want > 0) {
				t.Errorf("Exists = %v, want %v", exists, tt.want > 0)
			}
		})
	}
}

func TestMemoryRecordStoreFixture(t *testing.T) {
	fixture := `{
		"prod": {
			"SensorDataPackages": [
				{"_id": "1", "LocationId": "AT01", "SourceId": "sens_amb_1_temp",
				 "Data": {"Timestamp": 1000, "Timestep": 60, "Measurements": [{"temp": 21.5}]}}
			],
			"CoachingActions": [
				{"_id": "2", "LocationId": "AT01", "CoachingAction": "bed_exit", "Timestamp": 1.5}
			]
		}
	}`
	path := filepath.Join(t.TempDir(), "records.json")
	if err := os.WriteFile(path, []byte(fixture), 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	store := NewMemoryRecordStore()
	if err := store.LoadFixture(path); err != nil {
		t.Fatalf("LoadFixture failed: %v", err)
	}

	names, err := store.CollectionNames(context.Background(), "prod")
	if err != nil {
		t.Fatalf("CollectionNames failed: %v", err)
	}
	if len(names) != 2 || names[0] != "CoachingActions" || names[1] != "SensorDataPackages" {
		t.Errorf("CollectionNames returned %v", names)
	}

	names, _ = store.CollectionNames(context.Background(), "dev")
	if len(names) != 0 {
		t.Errorf("unknown base returned collections %v", names)
	}
}

func TestMemoryRecordStoreFixtureRejectsBadDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")
	fixture := `{"prod": {"SensorDataPackages": [{"LocationId": 7}]}}`
	if err := os.WriteFile(path, []byte(fixture), 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	if err := NewMemoryRecordStore().LoadFixture(path); err == nil {
		t.Fatalf("expected an error for a numeric LocationId")
	}
}

func TestBuildMongoFilter(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	f := BuildMongoFilter(record.Filter{
		LocationID: "AT01",
		Source:     record.Exact("sens_bed_accel_amb"),
		Start:      start,
		End:        end,
	})
	if f["LocationId"] != "AT01" || f["SourceId"] != "sens_bed_accel_amb" {
		t.Errorf("unexpected equality terms: %v", f)
	}
	bounds, ok := f["Data.Timestamp"].(bson.M)
	if !ok {
		t.Fatalf("missing Data.Timestamp bounds: %v", f)
	}
	if bounds["$gt"] != float64(start.UnixMilli()) || bounds["$lt"] != float64(end.UnixMilli()) {
		t.Errorf("unexpected bounds: %v", bounds)
	}
	if _, ok := bounds["$gte"]; ok {
		t.Errorf("exclusive filter must not use $gte")
	}

	f = BuildMongoFilter(record.Filter{
		LocationID:   "AT01",
		Source:       record.MustPattern("^sens_belt"),
		TimeField:    record.EntryTimestamp,
		Start:        start,
		End:          end,
		IncludeStart: true,
		Fields:       map[string]string{"PipelineName": "sleep"},
	})
	if src, ok := f["SourceId"].(bson.M); !ok || src["$regex"] != "^sens_belt" {
		t.Errorf("unexpected SourceId term: %v", f["SourceId"])
	}
	if f["PipelineName"] != "sleep" {
		t.Errorf("missing extra field: %v", f)
	}
	bounds = f["Timestamp"].(bson.M)
	if bounds["$gte"] != float64(start.Unix()) {
		t.Errorf("unexpected entry bounds: %v", bounds)
	}

	f = BuildMongoFilter(record.Filter{LocationID: "AT01", Start: start, End: end})
	if _, ok := f["SourceId"]; ok {
		t.Errorf("any-source filter must not constrain SourceId: %v", f)
	}
}

func TestNormalizeDocument(t *testing.T) {
	oid := bson.NewObjectID()
	doc := bson.M{
		"_id":        oid,
		"LocationId": "AT01",
		"Data": bson.D{
			{Key: "Timestamp", Value: int64(1000)},
			{Key: "Timestep", Value: int32(1)},
			{Key: "Measurements", Value: bson.A{bson.D{{Key: "x", Value: int32(3)}}}},
		},
	}

	r, err := record.FromDocument(normalizeDocument(doc))
	if err != nil {
		t.Fatalf("FromDocument failed: %v", err)
	}
	if r.ID != oid.Hex() {
		t.Errorf("ID = %q, want %q", r.ID, oid.Hex())
	}
	if r.Data == nil || r.Data.Timestamp != 1000 || r.Data.Timestep != 1 {
		t.Fatalf("unexpected data: %+v", r.Data)
	}
	m, ok := r.Data.Measurements[0].(map[string]any)
	if !ok || m["x"] != float64(3) {
		t.Errorf("unexpected measurement: %#v", r.Data.Measurements[0])
	}
}

func TestNewManagerMemory(t *testing.T) {
	cfg := config.StorageConfig{
		Cache:   config.CacheStorageConfig{Engine: &config.EngineConfig{Type: "memory"}},
		Records: config.RecordStorageConfig{Engine: &config.EngineConfig{Type: "memory"}},
	}

	manager, err := NewManager(context.Background(), cfg, log.NewNopLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer manager.Close()

	if _, ok := manager.CacheStore().(*MemoryCacheStore); !ok {
		t.Errorf("expected memory cache store, got %T", manager.CacheStore())
	}
	if _, ok := manager.RecordStore().(*MemoryRecordStore); !ok {
		t.Errorf("expected memory record store, got %T", manager.RecordStore())
	}
}

func TestNewManagerBadger(t *testing.T) {
	cfg := config.StorageConfig{
		Cache: config.CacheStorageConfig{
			Engine:   &config.EngineConfig{Type: "badger", BadgerConfig: &config.BadgerConfig{GCInterval: "1h"}},
			DataPath: t.TempDir(),
		},
		Records: config.RecordStorageConfig{Engine: &config.EngineConfig{Type: "memory"}},
	}

	manager, err := NewManager(context.Background(), cfg, log.NewNopLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if _, ok := manager.CacheStore().(*BadgerCacheStore); !ok {
		t.Errorf("expected badger cache store, got %T", manager.CacheStore())
	}
	if err := manager.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
