// Package ingress implements the single HTTP entry point that accepts
// GitLab push webhooks and dispatches them to the orchestrator without
// making the caller wait for the run to launch.
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"secd/internal/repoclient"
)

// acceptedEvents are the only X-Gitlab-Event header values the hook
// endpoint accepts.
var acceptedEvents = map[string]bool{
	"Push Hook":   true,
	"System Hook": true,
}

// Dispatcher is the orchestrator capability the ingress handler fires
// into a background goroutine; it never returns an error the handler
// needs to act on.
type Dispatcher interface {
	Create(ctx context.Context, payload repoclient.PushPayload)
}

// Server owns the hook endpoint's dependencies: the shared webhook
// secret and the orchestrator to dispatch into.
type Server struct {
	webhookSecret string
	orchestrator  Dispatcher
	log           *slog.Logger
}

// New constructs a Server.
func New(webhookSecret string, orchestrator Dispatcher, log *slog.Logger) *Server {
	return &Server{webhookSecret: webhookSecret, orchestrator: orchestrator, log: log}
}

// RegisterRoutes adds the hook endpoint to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/hook", s.handleHook)
}

func (s *Server) handleHook(w http.ResponseWriter, r *http.Request) {
	event := r.Header.Get("X-Gitlab-Event")
	if !acceptedEvents[event] {
		http.Error(w, "unrecognized X-Gitlab-Event", http.StatusBadRequest)
		return
	}
	if r.Header.Get("X-Gitlab-Token") != s.webhookSecret {
		http.Error(w, "invalid webhook token", http.StatusUnauthorized)
		return
	}

	var payload repoclient.PushPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	// Dispatch-and-forget: the caller gets an immediate 200 and the
	// orchestration proceeds on its own goroutine, detached from this
	// request's context. A panicking run must not take the process down
	// with it.
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("orchestration panicked", "ref", payload.Ref, "panic", rec)
			}
		}()
		s.orchestrator.Create(context.Background(), payload)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "success"})
}
