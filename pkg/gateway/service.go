package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"feishubridge/pkg/config"
	"feishubridge/pkg/event"
	"feishubridge/pkg/logger"
	"feishubridge/pkg/pipeline"

	"github.com/google/uuid"
)

const (
	defaultHost = "0.0.0.0"
	defaultPort = 8000

	webhookPath     = "/webhook/feishu"
	maxBodyBytes    = 1 << 20
	healthInterval  = 30 * time.Second
	requestIDHeader = "X-Request-Id"
)

// EventHandler runs the pipeline for one parsed event.
type EventHandler interface {
	Handle(ctx context.Context, ev event.Inbound) pipeline.Outcome
}

// HealthChecker reports whether the AI backend is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Service struct {
	cfg     *config.Config
	log     *slog.Logger
	backend HealthChecker
	events  EventHandler

	mu              sync.RWMutex
	startedAt       time.Time
	backendLastOKAt time.Time
	backendLastErr  string
	eventsHandled   int64
}

type statusResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	BackendLastOKAt string `json:"backend_last_ok_at,omitempty"`
	BackendLastErr  string `json:"backend_last_error,omitempty"`
	EventsHandled   int64  `json:"events_handled"`
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

func NewService(cfg *config.Config, backend HealthChecker, events EventHandler, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if events == nil {
		return nil, errors.New("event handler is required")
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		cfg:     cfg,
		log:     log.With(logger.KeyComponent, "gateway.service"),
		backend: backend,
		events:  events,
	}, nil
}

// Run serves the webhook and status endpoints until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkBackendHealth(ctx); err != nil {
		s.log.Warn("AI backend is not healthy yet", "error", err)
	}

	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.checkBackendHealth(ctx)
			}
		}
	}()

	return s.serve(ctx)
}

func (s *Service) serve(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway server started", "address", addr, "webhook_path", webhookPath)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start gateway server: %w", err)
	}

	return nil
}

// Handler returns the HTTP routes served by the gateway.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(webhookPath, s.handleWebhook)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	return mux
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set(requestIDHeader, requestID)
	log := s.log.With(logger.KeyRequestID, requestID)

	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error("Webhook handler panicked", "panic", recovered)
			writeJSON(w, http.StatusInternalServerError, webhookResponse{
				Message: fmt.Sprintf("error processing webhook: %v", recovered),
			}, log)
		}
	}()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, webhookResponse{Message: "method not allowed"}, log)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Warn("Failed to read webhook body", "error", err)
		writeJSON(w, http.StatusBadRequest, webhookResponse{Message: "could not read request body"}, log)
		return
	}

	if !json.Valid(body) {
		log.Warn("Rejecting webhook with invalid JSON body", "body_bytes", len(body))
		writeJSON(w, http.StatusBadRequest, webhookResponse{Message: "invalid JSON payload"}, log)
		return
	}

	ev := event.Parse(body)
	if challenge, ok := ev.IsURLVerification(); ok {
		log.Info("Answering URL verification challenge")
		writeJSON(w, http.StatusOK, challengeResponse{Challenge: challenge}, log)
		return
	}

	outcome := s.events.Handle(r.Context(), ev)

	s.mu.Lock()
	s.eventsHandled++
	s.mu.Unlock()

	log.Info("Webhook event handled",
		logger.KeyEventType, outcome.EventType,
		logger.KeyEventID, outcome.EventID,
		"success", outcome.Success,
		"message", outcome.Summary(),
	)

	writeJSON(w, http.StatusOK, webhookResponse{
		Success: outcome.Success,
		Message: outcome.Summary(),
	}, log)
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	writeJSON(w, statusCode, s.currentStatus(status), s.log)
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	backendLastOK := ""
	if !s.backendLastOKAt.IsZero() {
		backendLastOK = s.backendLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:          status,
		UptimeSeconds:   uptime,
		BackendLastOKAt: backendLastOK,
		BackendLastErr:  s.backendLastErr,
		EventsHandled:   s.eventsHandled,
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.backendLastOKAt.IsZero() {
		return false
	}

	return s.backendLastErr == ""
}

func (s *Service) checkBackendHealth(ctx context.Context) error {
	if s.backend == nil {
		s.mu.Lock()
		s.backendLastErr = ""
		s.backendLastOKAt = time.Now().UTC()
		s.mu.Unlock()
		return nil
	}

	if err := s.backend.Health(ctx); err != nil {
		s.mu.Lock()
		s.backendLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("backend health check failed: %w", err)
	}

	s.mu.Lock()
	s.backendLastErr = ""
	s.backendLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any, log *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("Failed to write response", "error", err)
	}
}
