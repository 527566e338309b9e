package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensorscope/config"
	"sensorscope/query"
	"sensorscope/record"
)

// errBadRequest marks malformed request parameters
var errBadRequest = errors.New("bad request")

type contextKey int

const requestIDKey contextKey = iota

// Manager serves the report engine over HTTP
type Manager struct {
	config       config.DashboardConfig
	queryEngine  *query.Engine
	gatherer     prometheus.Gatherer
	logger       log.Logger
	server       *http.Server
	router       *mux.Router
	clients      map[*websocket.Conn]bool
	clientsMutex sync.Mutex
	wg           sync.WaitGroup
	mu           sync.RWMutex
	running      bool
}

// NewManager creates a new dashboard manager
func NewManager(cfg config.DashboardConfig, queryEngine *query.Engine, gatherer prometheus.Gatherer, logger log.Logger) (*Manager, error) {
	if queryEngine == nil {
		return nil, fmt.Errorf("dashboard requires a report engine")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	manager := &Manager{
		config:      cfg,
		queryEngine: queryEngine,
		gatherer:    gatherer,
		logger:      log.With(logger, "component", "dashboard"),
		router:      mux.NewRouter(),
		clients:     make(map[*websocket.Conn]bool),
	}

	// Setup routes
	manager.setupRoutes()

	return manager, nil
}

// Handler returns the HTTP handler of the dashboard
func (m *Manager) Handler() http.Handler {
	return m.router
}

// Start starts the dashboard server
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.config.Port),
		Handler:           m.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(m.logger).Log("msg", "dashboard server error", "err", err)
		}
	}()

	m.running = true
	level.Info(m.logger).Log("msg", "dashboard server started", "addr", m.server.Addr)
	return nil
}

// Stop stops the dashboard server
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	// Close all WebSocket connections
	m.clientsMutex.Lock()
	for client := range m.clients {
		client.Close()
		delete(m.clients, client)
	}
	m.clientsMutex.Unlock()

	// Shutdown server with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down dashboard server: %w", err)
	}

	m.wg.Wait()

	m.running = false
	level.Info(m.logger).Log("msg", "dashboard server stopped")
	return nil
}

// Close closes the dashboard manager
func (m *Manager) Close() error {
	return m.Stop()
}

// setupRoutes sets up the HTTP routes for the dashboard
func (m *Manager) setupRoutes() {
	m.router.Use(m.requestID)

	m.router.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// API endpoints
	api := m.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/locations", m.handleLocations).Methods("GET")
	api.HandleFunc("/ws", m.handleWebSocket).Methods("GET")

	// Reports
	reports := api.PathPrefix("/reports").Subrouter()
	reports.HandleFunc("/accelerometry", m.handleAccelerometry).Methods("GET")
	reports.HandleFunc("/bed", m.handleBed).Methods("GET")
	reports.HandleFunc("/presence", m.handlePresence).Methods("GET")
	reports.HandleFunc("/cooking", m.handleCooking).Methods("GET")
	reports.HandleFunc("/sleep", m.handleSleepCoaching).Methods("GET")
	reports.HandleFunc("/mobility", m.handleMobility).Methods("GET")

	// Cache administration
	api.HandleFunc("/cache", m.handleCacheStats).Methods("GET")
	api.HandleFunc("/cache", m.handleClearCache).Methods("DELETE")
}

// requestID tags every request with an identifier, reusing the caller's
func (m *Manager) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		level.Debug(m.logger).Log("msg", "request served", "id", id, "method", r.Method,
			"path", r.URL.Path, "duration", time.Since(start))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// errorNotice is the body of every failed request
type errorNotice struct {
	Status    string `json:"status"`
	Notice    string `json:"notice"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, record.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, record.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, record.ErrStoreUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as a notice
func (m *Manager) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	id := requestIDFrom(r.Context())

	logger := level.Warn(m.logger)
	if status >= http.StatusInternalServerError {
		logger = level.Error(m.logger)
	}
	logger.Log("msg", "request failed", "id", id, "path", r.URL.Path, "status", status, "err", err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	getEncoder(w).Encode(errorNotice{Status: "error", Notice: err.Error(), RequestID: id})
}

// writeResult writes data wrapped in a successful query result
func (m *Manager) writeResult(w http.ResponseWriter, r *http.Request, data interface{}) {
	if err := writeJSON(w, &query.QueryResult{Data: data, Status: "success"}); err != nil {
		level.Warn(m.logger).Log("msg", "error writing response", "id", requestIDFrom(r.Context()), "err", err)
	}
}

// writeJSON writes the given value as JSON to the response writer
func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return getEncoder(w).Encode(v)
}

// getEncoder creates a JSON encoder for the response writer
func getEncoder(w http.ResponseWriter) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}
