package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-captions/internal/eventstore"
	"github.com/loqalabs/loqa-captions/internal/pipeline"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

const maxBodyBytes = 64 << 10

type controlResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

type statusResponse struct {
	pipeline.Status
	Vocabulary string `json:"vocabulary"`
	BusHealthy bool   `json:"bus_healthy"`
	WSClients  int    `json:"ws_clients"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	mux.HandleFunc("POST /api/control/start", r.handleStart)
	mux.HandleFunc("POST /api/control/stop", r.handleStop)
	mux.HandleFunc("GET /api/status", r.handleStatus)
	mux.HandleFunc("GET /api/vocabulary", r.handleGetVocabulary)
	mux.HandleFunc("POST /api/vocabulary", r.handleSetVocabulary)
	mux.HandleFunc("GET /api/captions", r.handleCaptions)
	mux.HandleFunc("GET /api/sessions", r.handleSessions)
	mux.HandleFunc("GET /ws/captions", r.hub.serveWS)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.store.Healthy(req.Context()) && (r.bus == nil || r.bus.Healthy()) && (r.nats == nil || r.nats.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStart(w http.ResponseWriter, req *http.Request) {
	session, err := r.pipeline.Start(req.Context())
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		writeJSON(w, http.StatusOK, controlResponse{Status: "already_running", SessionID: session})
	case errors.Is(err, pipeline.ErrStopping):
		writeJSON(w, http.StatusConflict, controlResponse{Status: "stopping"})
	case err != nil:
		r.logger.Error("start failed", slogError(err))
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, controlResponse{Status: "started", SessionID: session})
	}
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	session := r.pipeline.Status().SessionID
	err := r.pipeline.Stop(req.Context())
	switch {
	case errors.Is(err, pipeline.ErrNotRunning):
		writeJSON(w, http.StatusOK, controlResponse{Status: "not_running"})
	case err != nil:
		r.logger.Warn("stop completed with errors", slogError(err))
		writeJSON(w, http.StatusOK, controlResponse{Status: "stopped", SessionID: session})
	default:
		writeJSON(w, http.StatusOK, controlResponse{Status: "stopped", SessionID: session})
	}
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     r.pipeline.Status(),
		Vocabulary: r.pipeline.VocabularyHint(),
		BusHealthy: r.bus.Healthy(),
		WSClients:  r.hub.count(),
	})
}

func (r *Runtime) handleGetVocabulary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, protocol.VocabularyHint{Text: r.pipeline.VocabularyHint()})
}

func (r *Runtime) handleSetVocabulary(w http.ResponseWriter, req *http.Request) {
	var hint protocol.VocabularyHint
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&hint); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	r.pipeline.SetVocabularyHint(hint.Text)
	writeJSON(w, http.StatusOK, protocol.VocabularyHint{Text: r.pipeline.VocabularyHint()})
}

func (r *Runtime) handleCaptions(w http.ResponseWriter, req *http.Request) {
	limit, err := queryInt(req, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := r.store.ListCaptions(req.Context(), req.URL.Query().Get("session"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []eventstore.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit, err := queryInt(req, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sessions, err := r.store.ListSessions(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func queryInt(req *http.Request, key string, def int) (int, error) {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("failed to write response", slogError(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
