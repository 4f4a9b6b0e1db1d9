package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"muse/pkg/relay"
)

// maxFormBytes bounds a slash-command body; platform callbacks are a few hundred bytes.
const maxFormBytes = 64 << 10

const headerTriggerID = "X-Trigger-Id"

// Handler returns the relay's HTTP routes. Every request runs on its own
// goroutine, so a pending upstream fetch never stalls other connections.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSlashCommand)
	mux.HandleFunc("/text", s.handlePlainText)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/statusz", s.handleStatus)
	return mux
}

func (s *Service) handleSlashCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFormBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.log.Warn("Slash command body too large", "limit", tooLarge.Limit, "remote_addr", r.RemoteAddr)
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		s.log.Warn("Failed to read slash command body", "error", err, "remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	outcome := s.relay.Handle(detach(r), relay.Trigger{
		Kind:       relay.KindSlashCommand,
		Method:     r.Method,
		Credential: string(body),
	})
	s.writeOutcome(w, outcome)
}

func (s *Service) handlePlainText(w http.ResponseWriter, r *http.Request) {
	outcome := s.relay.Handle(detach(r), relay.Trigger{
		Kind:       relay.KindPlainText,
		Method:     r.Method,
		Credential: r.URL.RawQuery,
	})
	s.writeOutcome(w, outcome)
}

// detach keeps request values but drops the client's cancellation. A caller
// that hangs up does not abort its upstream call; the result is discarded.
func detach(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// writeOutcome writes exactly one response. Content-Length is the length of
// the encoded body, not of the inspiration text inside it.
func (s *Service) writeOutcome(w http.ResponseWriter, outcome relay.Outcome) {
	header := w.Header()
	if outcome.TriggerID != "" {
		header.Set(headerTriggerID, outcome.TriggerID)
	}
	if outcome.ContentType != "" {
		header.Set("Content-Type", outcome.ContentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(outcome.Body)))

	w.WriteHeader(outcome.StatusCode)
	if len(outcome.Body) == 0 {
		return
	}
	if _, err := w.Write(outcome.Body); err != nil {
		s.log.Warn("Failed to write response", "trigger_id", outcome.TriggerID, "error", err)
	}
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

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	if !s.isReady() {
		status = "not_ready"
	}

	s.respondStatus(w, http.StatusOK, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}
