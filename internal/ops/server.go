// Package ops exposes the operational HTTP surface: anomaly intake,
// incident inspection, the lifecycle operations, health and Prometheus
// metrics.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/shizukutanaka/mamori/internal/errors"
	"github.com/shizukutanaka/mamori/internal/incident"
	"github.com/shizukutanaka/mamori/internal/monitoring"
	"github.com/shizukutanaka/mamori/internal/risk"
	"github.com/shizukutanaka/mamori/internal/vault"
)

// Server is the operational HTTP server
type Server struct {
	logger       *zap.Logger
	manager      *incident.Manager
	repo         incident.Repository
	vault        *vault.KeyVault
	keyRetention int
	metrics      *monitoring.Metrics
	registry     *prometheus.Registry
	server       *http.Server
}

// NewServer creates the ops server on the given listen address
func NewServer(
	logger *zap.Logger,
	listenAddr string,
	manager *incident.Manager,
	repo incident.Repository,
	kv *vault.KeyVault,
	keyRetention int,
	metrics *monitoring.Metrics,
	registry *prometheus.Registry,
) *Server {
	s := &Server{
		logger:       logger,
		manager:      manager,
		repo:         repo,
		vault:        kv,
		keyRetention: keyRetention,
		metrics:      metrics,
		registry:     registry,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	if registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/anomalies", s.handleIngestAnomaly).Methods("POST")
	api.HandleFunc("/incidents", s.handleListIncidents).Methods("GET")
	api.HandleFunc("/incidents/{id}", s.handleGetIncident).Methods("GET")
	api.HandleFunc("/incidents/{id}/resolve", s.handleResolve).Methods("POST")
	api.HandleFunc("/incidents/{id}/notification", s.handleNotificationSent).Methods("POST")
	api.HandleFunc("/vault/rotate", s.handleRotateKey).Methods("POST")

	s.server = &http.Server{
		Addr:         listenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info("Ops server listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	open, err := s.repo.LoadOpenIncidents(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	awaiting := 0
	for _, inc := range open {
		if inc.AwaitingRegulatorNotification() {
			awaiting++
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":                  s.manager.Statistics(),
		"open_incidents":         len(open),
		"awaiting_notifications": awaiting,
	})
}

// anomalyRequest is the intake payload for external detectors
type anomalyRequest struct {
	ID                        string                 `json:"id"`
	Kind                      string                 `json:"kind"`
	SeverityHint              string                 `json:"severity_hint"`
	AffectedDataCategories    []string               `json:"affected_data_categories"`
	EstimatedAffectedSubjects uint64                 `json:"estimated_affected_subjects"`
	DetectedAt                time.Time              `json:"detected_at"`
	RawDetails                map[string]interface{} `json:"raw_details"`
}

func (s *Server) handleIngestAnomaly(w http.ResponseWriter, r *http.Request) {
	var req anomalyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid anomaly payload: %w", err))
		return
	}
	if req.ID == "" || req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("anomaly id and kind are required"))
		return
	}

	anomaly := &risk.Anomaly{
		ID:                        req.ID,
		Kind:                      risk.AnomalyKind(req.Kind),
		SeverityHint:              risk.ParseLevel(req.SeverityHint),
		AffectedDataCategories:    req.AffectedDataCategories,
		EstimatedAffectedSubjects: req.EstimatedAffectedSubjects,
		DetectedAt:                req.DetectedAt,
		RawDetails:                req.RawDetails,
	}

	inc, err := s.manager.HandleAnomaly(r.Context(), anomaly)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if inc == nil {
		s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"incident_created": false,
		})
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"incident_created": true,
		"incident":         inc,
	})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	open, err := s.repo.LoadOpenIncidents(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": open,
		"count":     len(open),
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	inc, err := s.manager.GetIncident(r.Context(), id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Notes string `json:"notes"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	inc, err := s.manager.MarkResolved(r.Context(), id, req.Notes)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleNotificationSent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.manager.RecordRegulatorNotificationSent(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, _ *http.Request) {
	if s.vault == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("key vault not configured"))
		return
	}

	version, err := s.vault.RotateKey()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.metrics.KeyRotation()

	purged := 0
	if s.keyRetention > 0 {
		purged = s.vault.PurgeKeyVersions(s.keyRetention)
	}

	s.logger.Info("Key rotation completed",
		zap.Uint64("version", version),
		zap.Int("purged", purged),
	)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"current_version":   version,
		"purged_versions":   purged,
		"retained_versions": s.vault.RetainedVersions(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrIncidentNotFound):
		return http.StatusNotFound
	case apperrors.IsInvalidTransition(err),
		errors.Is(err, apperrors.ErrNotificationNotRequired):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
