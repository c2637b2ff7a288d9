package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"lossly-go/internal/batch"
	"lossly-go/internal/config"
	"lossly-go/internal/models"
	"lossly-go/internal/pool"
	"lossly-go/internal/progress"
	"lossly-go/internal/service"
	"lossly-go/internal/statistics"
	"lossly-go/internal/storage"
	"lossly-go/internal/task"
)

// Backend is the task submission API the server exposes. *service.Service implements it.
type Backend interface {
	SubmitCompression(ctx context.Context, path string, settings task.Settings) (*task.Result, error)
	SubmitConversion(ctx context.Context, path, targetFormat string) (*task.Result, error)
	SupportedConversions() map[string][]string
	SubmitBatch(ctx context.Context, items []batch.Item, settings task.Settings) (string, error)
	PauseBatch(ctx context.Context, batchID string) error
	ResumeBatch(ctx context.Context, batchID string) error
	CancelBatch(ctx context.Context, batchID string) error
	GetBatchStatus(ctx context.Context, batchID string) (*batch.Status, error)
	Subscribe(batchID string) (*progress.Subscription, error)
	PoolStats() pool.Stats

	ListHistory(ctx context.Context, f storage.HistoryFilter) ([]models.HistoryEntry, error)
	GetHistory(ctx context.Context, id string) (*models.HistoryEntry, error)
	DeleteHistory(ctx context.Context, id string) error
	ClearHistory(ctx context.Context) (int64, error)
	CleanHistory(ctx context.Context, daysToKeep int) (int64, error)
	HistoryStats(ctx context.Context, from, to time.Time) (*statistics.Statistics, error)
	ExportHistory(ctx context.Context, format string, from, to time.Time) ([]models.HistoryEntry, error)

	GetSettings(ctx context.Context) (*service.Settings, error)
	UpdateSettings(ctx context.Context, u service.SettingsUpdate) error
	ResetSettings(ctx context.Context) (*service.Settings, error)
	AddPreset(ctx context.Context, p models.Preset) (*models.Preset, error)
	DeletePreset(ctx context.Context, id string) error
}

type Server struct {
	cfg        config.ServerConfig
	backend    Backend
	log        *logrus.Logger
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type CompressRequest struct {
	ImagePath string         `json:"imagePath"`
	Settings  *task.Settings `json:"settings"`
}

type ConvertRequest struct {
	ImagePath    string `json:"imagePath"`
	TargetFormat string `json:"targetFormat"`
}

type BatchStartRequest struct {
	Items    []batch.Item   `json:"items"`
	Settings *task.Settings `json:"settings"`
}

type CleanRequest struct {
	DaysToKeep int `json:"daysToKeep"`
}

func NewServer(cfg config.ServerConfig, backend Backend, log *logrus.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		backend: backend,
		log:     log,
		router:  mux.NewRouter(),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
			},
		},
	}

	s.setupRoutes()
	s.handler = Chain(s.router,
		TraceID,
		Logging(log),
		Recovery(log),
		CORS(cfg.AllowedOrigins),
	)
	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     s.handler,
		ReadTimeout: cfg.ReadTimeout,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/compress/stats", s.handlePoolStats).Methods("GET")
	api.HandleFunc("/convert", s.handleConvert).Methods("POST")
	api.HandleFunc("/convert/supported", s.handleSupportedConversions).Methods("GET")

	api.HandleFunc("/batch/start", s.handleBatchStart).Methods("POST")
	api.HandleFunc("/batch/status/{id}", s.handleBatchStatus).Methods("GET")
	api.HandleFunc("/batch/pause/{id}", s.handleBatchPause).Methods("POST")
	api.HandleFunc("/batch/resume/{id}", s.handleBatchResume).Methods("POST")
	api.HandleFunc("/batch/cancel/{id}", s.handleBatchCancel).Methods("POST")
	api.HandleFunc("/batch/progress/{id}", s.handleBatchProgress).Methods("GET")

	api.HandleFunc("/history", s.handleListHistory).Methods("GET")
	api.HandleFunc("/history", s.handleClearHistory).Methods("DELETE")
	api.HandleFunc("/history/stats", s.handleHistoryStats).Methods("GET")
	api.HandleFunc("/history/clean", s.handleCleanHistory).Methods("POST")
	api.HandleFunc("/history/export/{format}", s.handleExportHistory).Methods("GET")
	api.HandleFunc("/history/{id}", s.handleGetHistory).Methods("GET")
	api.HandleFunc("/history/{id}", s.handleDeleteHistory).Methods("DELETE")

	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings", s.handleUpdateSettings).Methods("POST")
	api.HandleFunc("/settings/reset", s.handleResetSettings).Methods("POST")
	api.HandleFunc("/settings/presets", s.handleListPresets).Methods("GET")
	api.HandleFunc("/settings/presets", s.handleAddPreset).Methods("POST")
	api.HandleFunc("/settings/presets/{id}", s.handleDeletePreset).Methods("DELETE")

	// WebSocket endpoint
	s.router.HandleFunc("/ws/batch/{id}", s.handleBatchWebSocket)
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Stop is called. Progress streams are long-lived, so no
// write timeout is set.
func (s *Server) Start() error {
	s.log.Infof("Starting web server on http://%s", s.cfg.Addr())
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.backend.PoolStats()
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"status":  "ok",
			"workers": stats.CurrentWorkers,
			"queue":   stats.QueueLength,
		},
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req CompressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ImagePath == "" || req.Settings == nil {
		s.writeError(w, "Missing required parameters", http.StatusBadRequest)
		return
	}

	res, err := s.backend.SubmitCompression(r.Context(), req.ImagePath, *req.Settings)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: res})
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{Success: true, Data: s.backend.PoolStats()})
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ImagePath == "" || req.TargetFormat == "" {
		s.writeError(w, "Missing required parameters", http.StatusBadRequest)
		return
	}

	res, err := s.backend.SubmitConversion(r.Context(), req.ImagePath, req.TargetFormat)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: res})
}

func (s *Server) handleSupportedConversions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{Success: true, Data: s.backend.SupportedConversions()})
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

// writeServiceError maps domain errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"trace_id": GetTraceID(r.Context()),
			"path":     r.URL.Path,
		}).WithError(err).Error("Request failed")
	}
	s.writeError(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, progress.ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrBatchNotActive):
		return http.StatusConflict
	case errors.Is(err, progress.ErrChannelClosed):
		return http.StatusGone
	case errors.Is(err, task.ErrPoolShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, task.Invalid("%s must be a non-negative integer", key)
	}
	return n, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates.
func queryTime(r *http.Request, key string) (time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, task.Invalid("%s is not a valid date: %s", key, v)
}
