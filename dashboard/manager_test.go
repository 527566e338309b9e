package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"sensorscope/acquire"
	"sensorscope/cache"
	"sensorscope/config"
	"sensorscope/presence"
	"sensorscope/query"
	"sensorscope/record"
	"sensorscope/storage"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

const window = "start=2024-03-01T00:00:00Z&end=2024-03-02T00:00:00Z"

type brokenStore struct{ *storage.MemoryRecordStore }

func (brokenStore) Find(ctx context.Context, base, collection string, filter record.Filter) ([]record.Record, error) {
	return nil, &record.StoreError{Op: "find", Base: base, Collection: collection, Err: errors.New("connection refused")}
}

func accelPackage(source string, at time.Time) record.Record {
	return record.Record{
		LocationID: "AT01",
		SourceID:   source,
		Data: &record.Data{
			Timestamp:    record.TimeToMillis(at),
			Timestep:     1,
			Measurements: []any{map[string]any{"x": 3.0, "y": 4.0, "z": 0.0}},
		},
	}
}

func newTestManager(t *testing.T, records storage.RecordStore) *Manager {
	t.Helper()

	registry := prometheus.NewRegistry()
	c := cache.New(storage.NewMemoryCacheStore(), cache.Options{Registerer: registry})
	scanner, err := presence.NewScanner(records, presence.Options{Registerer: registry})
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	engine, err := query.NewEngine(acquire.New(records, c, acquire.Options{Registerer: registry}), scanner, c, query.Options{
		Reports:       config.ReportsConfig{DefaultBase: "prod", DataCollections: []string{"SensorDataPackages"}},
		Features:      []string{"sens_bed_accel_amb"},
		DefaultBucket: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	m, err := NewManager(config.DashboardConfig{Port: 8080, Locations: []string{"AT01", "AT02"}}, engine, registry, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func seededStore() *storage.MemoryRecordStore {
	mem := storage.NewMemoryRecordStore()
	mem.Insert("prod", "SensorDataPackages",
		accelPackage("sens_bed_accel_amb", t0.Add(90*time.Minute)),
		accelPackage("sens_bed_accel_amb", t0.Add(5*time.Hour+30*time.Minute)),
	)
	return mem
}

type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Notice    string          `json:"notice"`
	RequestID string          `json:"requestId"`
}

func get(t *testing.T, m *Manager, target string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var body envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error decoding %s response %q: %v", target, rec.Body.String(), err)
	}
	return rec, body
}

func TestLocations(t *testing.T) {
	m := newTestManager(t, storage.NewMemoryRecordStore())

	rec, body := get(t, m, "/api/locations")
	if rec.Code != http.StatusOK || body.Status != "success" {
		t.Fatalf("unexpected response %d %+v", rec.Code, body)
	}
	var locations []string
	if err := json.Unmarshal(body.Data, &locations); err != nil {
		t.Fatalf("error decoding locations: %v", err)
	}
	if strings.Join(locations, ",") != "AT01,AT02" {
		t.Errorf("unexpected locations %v", locations)
	}
}

func TestAccelerometryEndpoint(t *testing.T) {
	m := newTestManager(t, seededStore())

	rec, body := get(t, m, "/api/reports/accelerometry?location=AT01&"+window+"&placements=bed")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected a request id header")
	}

	var report query.AccelerometryReport
	if err := json.Unmarshal(body.Data, &report); err != nil {
		t.Fatalf("error decoding report: %v", err)
	}
	if len(report.Series) != 1 || report.Series[0].Series.Len() != 2 || report.Series[0].Series.Magnitudes[0] != 5 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestRequestIDIsReused(t *testing.T) {
	m := newTestManager(t, storage.NewMemoryRecordStore())

	req := httptest.NewRequest(http.MethodGet, "/api/reports/bed?location=AT01&start=2024-03-02T00:00:00Z&end=2024-03-01T00:00:00Z", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "abc-123" {
		t.Errorf("expected the caller's request id, got %q", got)
	}
	if !strings.Contains(rec.Body.String(), `"requestId":"abc-123"`) {
		t.Errorf("expected the request id in the notice, got %s", rec.Body.String())
	}
}

func TestPresenceEndpoint(t *testing.T) {
	m := newTestManager(t, seededStore())

	rec, body := get(t, m, "/api/reports/presence?location=AT01&start=2024-03-01T00:00:00Z&end=2024-03-01T06:00:00Z&bucket=2h")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report struct {
		BucketWidth string `json:"bucketWidth"`
		Features    []struct {
			Feature string `json:"feature"`
			Present []bool `json:"present"`
		} `json:"features"`
	}
	if err := json.Unmarshal(body.Data, &report); err != nil {
		t.Fatalf("error decoding report: %v", err)
	}
	if len(report.Features) != 1 || report.Features[0].Feature != "sens_bed_accel_amb" {
		t.Fatalf("unexpected features %+v", report.Features)
	}
	want := []bool{true, false, true}
	got := report.Features[0].Present
	if len(got) != len(want) {
		t.Fatalf("expected %d buckets, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("bucket %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		store  storage.RecordStore
		target string
		want   int
	}{
		{"reversed range", storage.NewMemoryRecordStore(), "/api/reports/bed?location=AT01&start=2024-03-02T00:00:00Z&end=2024-03-01T00:00:00Z", http.StatusBadRequest},
		{"unknown location", storage.NewMemoryRecordStore(), "/api/reports/bed?location=ZZ99&" + window, http.StatusBadRequest},
		{"missing location", storage.NewMemoryRecordStore(), "/api/reports/cooking?" + window, http.StatusBadRequest},
		{"bad bucket", storage.NewMemoryRecordStore(), "/api/reports/presence?location=AT01&" + window + "&bucket=soon", http.StatusBadRequest},
		{"too many buckets", storage.NewMemoryRecordStore(), "/api/reports/presence?location=AT01&" + window + "&bucket=1ms", http.StatusBadRequest},
		{"bad feature pattern", storage.NewMemoryRecordStore(), "/api/reports/presence?location=AT01&" + window + "&features=sens_(", http.StatusBadRequest},
		{"no coaching", storage.NewMemoryRecordStore(), "/api/reports/sleep?location=AT01&" + window, http.StatusNotFound},
		{"store down", brokenStore{storage.NewMemoryRecordStore()}, "/api/reports/mobility?location=AT01&" + window, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, tt.store)
			rec, body := get(t, m, tt.target)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if body.Status != "error" || body.Notice == "" {
				t.Errorf("expected an error notice, got %+v", body)
			}
		})
	}
}

func TestCacheEndpoints(t *testing.T) {
	m := newTestManager(t, seededStore())

	get(t, m, "/api/reports/accelerometry?location=AT01&"+window)

	_, body := get(t, m, "/api/cache")
	var stats storage.CacheStats
	if err := json.Unmarshal(body.Data, &stats); err != nil {
		t.Fatalf("error decoding stats: %v", err)
	}
	if stats.Count == 0 {
		t.Fatalf("expected cached entries after a report, got %+v", stats)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/cache", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var cleared struct {
		Data cache.ClearReport `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &cleared); err != nil {
		t.Fatalf("error decoding clear report: %v", err)
	}
	if cleared.Data.Before != stats.Count || cleared.Data.After != 0 || cleared.Data.Failed != 0 {
		t.Errorf("unexpected clear report %+v", cleared.Data)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := newTestManager(t, seededStore())
	get(t, m, "/api/reports/accelerometry?location=AT01&"+window)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sensorscope_query_cache_misses_total") {
		t.Errorf("expected cache metrics, got %s", rec.Body.String())
	}
}

type presenceEvent struct {
	Type     string            `json:"type"`
	Feature  string            `json:"feature"`
	Progress presence.Progress `json:"progress"`
	Notice   string            `json:"notice"`
}

func dialStream(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

// requestPresence sends one scan request and returns the progress events
// received before the result
func requestPresence(t *testing.T, conn *websocket.Conn) []presenceEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(presenceMessage{
		Location: "AT01",
		Start:    "2024-03-01T00:00:00Z",
		End:      "2024-03-01T06:00:00Z",
		Bucket:   "2h",
	}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	var progress []presenceEvent
	for {
		var event presenceEvent
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		switch event.Type {
		case "progress":
			progress = append(progress, event)
		case "result":
			return progress
		default:
			t.Fatalf("unexpected event %+v", event)
		}
	}
}

func TestPresenceStream(t *testing.T) {
	m := newTestManager(t, seededStore())
	server := httptest.NewServer(m.Handler())
	defer server.Close()
	conn := dialStream(t, server)
	defer conn.Close()

	progress := requestPresence(t, conn)
	if len(progress) != 1 {
		t.Fatalf("expected one progress event before the result, got %d", len(progress))
	}
	if progress[0].Feature != "sens_bed_accel_amb" || progress[0].Progress.Total != 1 {
		t.Errorf("unexpected progress %+v", progress[0])
	}
}

func TestPresenceStreamServesLaterRequests(t *testing.T) {
	saved := writeWait
	writeWait = 100 * time.Millisecond
	t.Cleanup(func() { writeWait = saved })

	m := newTestManager(t, seededStore())
	server := httptest.NewServer(m.Handler())
	defer server.Close()
	conn := dialStream(t, server)
	defer conn.Close()

	requestPresence(t, conn)

	// Outlive the write deadline of the first exchange
	time.Sleep(3 * writeWait)

	if progress := requestPresence(t, conn); len(progress) != 1 {
		t.Errorf("expected one progress event for the second request, got %d", len(progress))
	}
}

func TestPresenceStreamError(t *testing.T) {
	m := newTestManager(t, storage.NewMemoryRecordStore())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	conn := dialStream(t, server)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(presenceMessage{Location: "ZZ99"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	var event streamEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if event.Type != "error" || !strings.Contains(event.Notice, "ZZ99") {
		t.Errorf("unexpected event %+v", event)
	}
}
