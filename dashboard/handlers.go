package dashboard

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"

	"sensorscope/config"
	"sensorscope/presence"
	"sensorscope/query"
	"sensorscope/record"
)

// parseRequest reads the location, range and base parameters
func (m *Manager) parseRequest(r *http.Request) (query.Request, error) {
	params := r.URL.Query()
	location := params.Get("location")

	if len(m.config.Locations) > 0 && !slices.Contains(m.config.Locations, location) {
		return query.Request{}, fmt.Errorf("%w: unknown location %q", errBadRequest, location)
	}

	req, err := m.queryEngine.NewRequest(location, params.Get("start"), params.Get("end"), params.Get("base"))
	if err != nil {
		return query.Request{}, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return req, nil
}

// splitList splits a comma separated parameter, dropping empty entries
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// handleLocations lists the configured locations
func (m *Manager) handleLocations(w http.ResponseWriter, r *http.Request) {
	locations := m.config.Locations
	if locations == nil {
		locations = []string{}
	}
	m.writeResult(w, r, locations)
}

// handleAccelerometry handles clip accelerometry reports
func (m *Manager) handleAccelerometry(w http.ResponseWriter, r *http.Request) {
	req, err := m.parseRequest(r)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	result, err := m.queryEngine.Accelerometry(r.Context(), query.AccelRequest{
		Request:    req,
		Placements: splitList(r.URL.Query().Get("placements")),
	})
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeResult(w, r, result)
}

// handleBed handles bed sensor reports
func (m *Manager) handleBed(w http.ResponseWriter, r *http.Request) {
	req, err := m.parseRequest(r)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	result, err := m.queryEngine.Bed(r.Context(), req)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeResult(w, r, result)
}

// parsePresenceRequest reads a presence request from query parameters
func (m *Manager) parsePresenceRequest(r *http.Request) (query.PresenceRequest, error) {
	req, err := m.parseRequest(r)
	if err != nil {
		return query.PresenceRequest{}, err
	}
	params := r.URL.Query()
	return presenceRequest(req, params.Get("bucket"), splitList(params.Get("features")))
}

// presenceRequest validates the bucket width and feature patterns
func presenceRequest(req query.Request, bucket string, features []string) (query.PresenceRequest, error) {
	presenceReq := query.PresenceRequest{Request: req, Features: features}
	if bucket != "" {
		width, err := config.ParseDuration(bucket)
		if err != nil || width <= 0 {
			return query.PresenceRequest{}, fmt.Errorf("%w: invalid bucket width %q", errBadRequest, bucket)
		}
		presenceReq.BucketWidth = width
	}
	for _, feature := range features {
		if _, err := record.Pattern(feature); err != nil {
			return query.PresenceRequest{}, fmt.Errorf("%w: %w", errBadRequest, err)
		}
	}
	return presenceReq, nil
}

// handlePresence handles data presence reports
func (m *Manager) handlePresence(w http.ResponseWriter, r *http.Request) {
	req, err := m.parsePresenceRequest(r)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	result, err := m.queryEngine.Presence(r.Context(), req)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeResult(w, r, result)
}

// handleCooking handles cooking reports
func (m *Manager) handleCooking(w http.ResponseWriter, r *http.Request) {
	req, err := m.parseRequest(r)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	result, err := m.queryEngine.Cooking(r.Context(), req)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeResult(w, r, result)
}

// handleSleepCoaching handles sleep coaching evaluations
func (m *Manager) handleSleepCoaching(w http.ResponseWriter, r *http.Request) {
	req, err := m.parseRequest(r)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	result, err := m.queryEngine.SleepCoaching(r.Context(), req)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeResult(w, r, result)
}

// handleMobility handles mobility reports
func (m *Manager) handleMobility(w http.ResponseWriter, r *http.Request) {
	req, err := m.parseRequest(r)
	if err != nil {
		m.writeError(w, r, err)
		return
	}

	result, err := m.queryEngine.Mobility(r.Context(), req)
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeResult(w, r, result)
}

// handleCacheStats reports the query cache size
func (m *Manager) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := m.queryEngine.CacheStats()
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeResult(w, r, stats)
}

// handleClearCache clears the query cache
func (m *Manager) handleClearCache(w http.ResponseWriter, r *http.Request) {
	report, err := m.queryEngine.ClearCache()
	if err != nil {
		m.writeError(w, r, err)
		return
	}
	m.writeResult(w, r, report)
}

// Upgrader for WebSocket connections
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// writeWait bounds each websocket write
var writeWait = 10 * time.Second

// presenceMessage is a presence request sent over the websocket
type presenceMessage struct {
	Location string   `json:"location"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Base     string   `json:"base"`
	Bucket   string   `json:"bucket"`
	Features []string `json:"features"`
}

// streamEvent is one message streamed back to the client
type streamEvent struct {
	Type     string             `json:"type"`
	Feature  string             `json:"feature,omitempty"`
	Progress *presence.Progress `json:"progress,omitempty"`
	Data     interface{}        `json:"data,omitempty"`
	Notice   string             `json:"notice,omitempty"`
}

// handleWebSocket runs presence scans requested over a websocket and
// streams per-collection progress followed by the report
func (m *Manager) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Warn(m.logger).Log("msg", "error upgrading to websocket", "err", err)
		return
	}

	// Register the client
	m.clientsMutex.Lock()
	m.clients[conn] = true
	m.clientsMutex.Unlock()

	defer func() {
		m.clientsMutex.Lock()
		delete(m.clients, conn)
		m.clientsMutex.Unlock()
		conn.Close()
	}()

	// The handler stays on the connection so scans run under the request context
	for {
		var msg presenceMessage
		if err := conn.ReadJSON(&msg); err != nil {
			level.Debug(m.logger).Log("msg", "websocket closed", "id", requestIDFrom(r.Context()), "err", err)
			return
		}

		if err := m.streamPresence(r, conn, msg); err != nil {
			level.Warn(m.logger).Log("msg", "error writing websocket message", "err", err)
			return
		}
	}
}

// streamPresence runs one scan, writing progress and the final result or
// error to conn. Only write failures are returned.
func (m *Manager) streamPresence(r *http.Request, conn *websocket.Conn, msg presenceMessage) error {
	send := func(event streamEvent) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(event)
	}
	fail := func(err error) error {
		return send(streamEvent{Type: "error", Notice: err.Error()})
	}

	if len(m.config.Locations) > 0 && !slices.Contains(m.config.Locations, msg.Location) {
		return fail(fmt.Errorf("%w: unknown location %q", errBadRequest, msg.Location))
	}
	req, err := m.queryEngine.NewRequest(msg.Location, msg.Start, msg.End, msg.Base)
	if err != nil {
		return fail(err)
	}
	presenceReq, err := presenceRequest(req, msg.Bucket, msg.Features)
	if err != nil {
		return fail(err)
	}

	var writeErr error
	report, err := m.queryEngine.PresenceWithProgress(r.Context(), presenceReq, func(feature string, p presence.Progress) {
		if writeErr == nil {
			writeErr = send(streamEvent{Type: "progress", Feature: feature, Progress: &p})
		}
	})
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		return fail(err)
	}

	return send(streamEvent{Type: "result", Data: report})
}
