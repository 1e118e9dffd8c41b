package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leiMizzou/cc-wf-studio/internal/session"
	"github.com/leiMizzou/cc-wf-studio/internal/storage"
	"github.com/leiMizzou/cc-wf-studio/internal/workflow"
)

// OpenRequest is the optional body of PUT /conversations/{id}.
type OpenRequest struct {
	Workflow json.RawMessage `json:"workflow,omitempty"`
}

// SubmitRequest is the body of POST /conversations/{id}/messages.
type SubmitRequest struct {
	Text string `json:"text"`
}

// TicketResponse acknowledges a started request. With ?wait=true the
// conversation state after the outcome is included.
type TicketResponse struct {
	session.Ticket
	Conversation *session.Snapshot `json:"conversation,omitempty"`
}

func handleOpen(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req OpenRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
				return
			}
		}

		var wf *workflow.Workflow
		if len(req.Workflow) > 0 && string(req.Workflow) != "null" {
			parsed, err := workflow.Parse(req.Workflow)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid workflow: %v", err)
				return
			}
			wf = &parsed
		}

		snap, err := deps.Sessions.Open(chi.URLParam(r, "id"), wf)
		if err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleView(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Sessions.View(chi.URLParam(r, "id"))
		if err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON: %v", err)
			return
		}

		ticket, err := deps.Sessions.Submit(chi.URLParam(r, "id"), req.Text)
		if err != nil {
			sessionError(w, err)
			return
		}
		respondTicket(w, r, deps, ticket)
	}
}

func handleRetry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticket, err := deps.Sessions.Retry(chi.URLParam(r, "id"), chi.URLParam(r, "messageID"))
		if err != nil {
			sessionError(w, err)
			return
		}
		respondTicket(w, r, deps, ticket)
	}
}

// respondTicket answers 202 right away, or waits for the outcome when the
// caller asked for it with ?wait=true.
func respondTicket(w http.ResponseWriter, r *http.Request, deps Deps, ticket session.Ticket) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
		writeJSON(w, http.StatusAccepted, TicketResponse{Ticket: ticket})
		return
	}

	select {
	case <-ticket.Done:
	case <-r.Context().Done():
		// The client left; the request keeps running.
		return
	}

	snap, err := deps.Sessions.View(chi.URLParam(r, "id"))
	if err != nil {
		sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TicketResponse{Ticket: ticket, Conversation: &snap})
}

func handleClear(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Sessions.Clear(id); err != nil {
			sessionError(w, err)
			return
		}
		snap, err := deps.Sessions.View(id)
		if err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleDelete(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Sessions.Delete(chi.URLParam(r, "id")); err != nil {
			sessionError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ConversationSummary is a row of GET /conversations.
type ConversationSummary struct {
	ID               string    `json:"id"`
	Messages         int       `json:"messages"`
	CurrentIteration int       `json:"currentIteration"`
	MaxIterations    int       `json:"maxIterations"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := limitParam(w, r)
		if !ok {
			return
		}
		convs, err := deps.Records.ListConversations(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing conversations: %v", err)
			return
		}
		out := make([]ConversationSummary, len(convs))
		for i, c := range convs {
			out[i] = ConversationSummary(c)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// limitParam reads ?limit=, defaulting to 20 and capped at 200. It writes the
// error response itself when the value is invalid.
func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 20, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
		return 0, false
	}
	return min(n, 200), true
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "requestID")
		writeJSON(w, http.StatusOK, map[string]any{
			"requestId": id,
			"cancelled": deps.Sessions.Cancel(id),
		})
	}
}

// handleEvents streams conversation events as server-sent events. The first
// event is a snapshot of the conversation so clients never start from an
// unknown state.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		id := chi.URLParam(r, "id")
		events, unsubscribe := deps.Sessions.Subscribe(id)
		defer unsubscribe()

		snap, err := deps.Sessions.View(id)
		if err != nil {
			sessionError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if err := writeEvent(w, "snapshot", snap); err != nil {
			deps.Logger.Warn("writing snapshot event", "conversation_id", id, "error", err)
			return
		}
		flusher.Flush()

		keepAlive := time.NewTicker(deps.SSEKeepAlive)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(w, string(ev.Type), ev); err != nil {
					deps.Logger.Warn("writing event", "conversation_id", id, "type", ev.Type, "error", err)
					return
				}
				flusher.Flush()
				if ev.Type == session.EventDeleted {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := limitParam(w, r)
		if !ok {
			return
		}

		runs, err := deps.Records.GetRecentRuns(r.URL.Query().Get("conversation_id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Records.GetRun(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}
