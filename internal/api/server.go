// Package api exposes conversations over HTTP, server-sent events and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leiMizzou/cc-wf-studio/internal/conversation"
	"github.com/leiMizzou/cc-wf-studio/internal/session"
	"github.com/leiMizzou/cc-wf-studio/internal/storage"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Sessions is the conversation surface served by the API. Implemented by
// session.Manager.
type Sessions interface {
	Open(conversationID string, wf *workflow.Workflow) (session.Snapshot, error)
	View(conversationID string) (session.Snapshot, error)
	Conversations() []string
	Submit(conversationID, text string) (session.Ticket, error)
	Retry(conversationID, messageID string) (session.Ticket, error)
	Clear(conversationID string) error
	Delete(conversationID string) error
	Cancel(requestID string) bool
	Subscribe(conversationID string) (<-chan session.Event, func())
	Timeout() time.Duration
}

// Records reads persisted conversations and the refinement audit log.
// Implemented by storage.Store.
type Records interface {
	ListConversations(limit int) ([]storage.ConversationSummary, error)
	GetRun(id string) (storage.Run, error)
	GetRecentRuns(conversationID string, limit int) ([]storage.Run, error)
}

// ProcessLister reports live agent processes. Implemented by agent.Supervisor.
type ProcessLister interface {
	Running() []string
}

type Deps struct {
	Sessions  Sessions
	Records   Records
	Processes ProcessLister // optional
	Token     string
	// RateLimit is the number of submissions and retries allowed per client
	// per minute. Zero disables limiting.
	RateLimit int
	Logger    *slog.Logger
	// SSEKeepAlive is the interval between SSE comments on idle streams.
	SSEKeepAlive time.Duration
}

// NewHandler returns the HTTP API. /health and /metrics are public; every
// other route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SSEKeepAlive <= 0 {
		deps.SSEKeepAlive = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*", "vscode-webview://*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Put("/", handleOpen(deps))
			r.Get("/", handleView(deps))
			r.Delete("/", handleDelete(deps))
			r.Get("/events", handleEvents(deps))
			r.Delete("/messages", handleClear(deps))

			r.Group(func(r chi.Router) {
				if deps.RateLimit > 0 {
					r.Use(RateLimit(deps.RateLimit, time.Minute))
				}
				r.Post("/messages", handleSubmit(deps))
				r.Post("/messages/{messageID}/retry", handleRetry(deps))
			})
		})
		r.Post("/requests/{requestID}/cancel", handleCancel(deps))
		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"timeout": deps.Sessions.Timeout().String(),
		})
	}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Conversations []string `json:"conversations"`
	Running       []string `json:"running"`
	Timeout       string   `json:"timeout"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Conversations: deps.Sessions.Conversations(),
			Running:       []string{},
			Timeout:       deps.Sessions.Timeout().String(),
		}
		if deps.Processes != nil {
			resp.Running = deps.Processes.Running()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// sessionError maps session and conversation errors to HTTP responses.
func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, session.ErrNotOpen), errors.Is(err, conversation.ErrMessageNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, session.ErrBusy):
		httpError(w, http.StatusConflict, "conversation_busy", "%v", err)
	case errors.Is(err, conversation.ErrIterationLimit):
		httpError(w, http.StatusConflict, "iteration_limit_reached", "%v; clear the conversation to continue", err)
	case errors.Is(err, session.ErrNotRetryable):
		httpError(w, http.StatusConflict, "not_retryable", "%v", err)
	case errors.Is(err, session.ErrClosed):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
