package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"plantpod-gateway/internal/auth"
	"plantpod-gateway/internal/catalog"
	"plantpod-gateway/internal/data"
	"plantpod-gateway/internal/stream"
)

const maxBodyBytes = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Viewers are authenticated by token, not origin
}

// Ingester is the ingestion service.
type Ingester interface {
	Ingest(ctx context.Context, raw []byte) (data.Snapshot, error)
	Assign(ctx context.Context, ownerID, groupKey string, memberIDs []string) ([]string, error)
}

// SnapshotReader reads pod state on behalf of a viewer.
type SnapshotReader interface {
	Reconcile(groupKey string, allowed []string) data.Snapshot
}

// MoodResolver computes a plant's mood.
type MoodResolver interface {
	Resolve(ctx context.Context, memberID string) (data.MoodSnapshot, error)
}

type APIHandler struct {
	ingest    Ingester
	directory catalog.Directory
	store     SnapshotReader
	sessions  *stream.Manager
	moods     MoodResolver
	log       *zap.Logger
}

func NewAPIHandler(ingest Ingester, directory catalog.Directory, store SnapshotReader, sessions *stream.Manager, moods MoodResolver, log *zap.Logger) *APIHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIHandler{
		ingest:    ingest,
		directory: directory,
		store:     store,
		sessions:  sessions,
		moods:     moods,
		log:       log,
	}
}

// HandleDataIngest receives a telemetry report from a pod.
func (h *APIHandler) HandleDataIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.log.Warn("Error reading request body", zap.Error(err))
		writeError(w, &data.ValidationError{Reason: "unreadable body"})
		return
	}
	defer r.Body.Close()

	if _, err := h.ingest.Ingest(r.Context(), body); err != nil {
		h.log.Info("Telemetry rejected", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// HandleState returns the caller's view of a pod.
func (h *APIHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	pod, authorized, err := h.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.store.Reconcile(pod, authorized))
}

// HandleStream serves the pod as server-sent events.
func (h *APIHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	pod, authorized, err := h.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tr, err := stream.NewSSETransport(w)
	if err != nil {
		writeError(w, err)
		return
	}
	s, err := h.sessions.Open(r.Context(), pod, authorized, tr)
	if errors.Is(err, stream.ErrShuttingDown) {
		writeError(w, data.Transient("open stream", err))
		return
	}
	if err != nil {
		// The initial frame may already be on the wire; there is no status left to send.
		h.log.Info("Stream not opened", zap.String("pod", pod), zap.Error(err))
		return
	}
	s.Run()
}

// HandleWebSocket upgrades the connection and streams the pod over it.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	pod, authorized, err := h.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}
	tr := stream.NewWebSocketTransport(conn, h.log)
	s, err := h.sessions.Open(r.Context(), pod, authorized, tr)
	if err != nil {
		h.log.Info("Stream not opened", zap.String("pod", pod), zap.Error(err))
		tr.Close()
		return
	}
	// Must run ReadPump to handle control messages (close, pong)
	go tr.ReadPump(s.Close)
	s.Run()
}

type assignRequest struct {
	PlantIDs []string `json:"plantIds"`
}

// HandleAssignMembers moves the caller's plants into a pod.
func (h *APIHandler) HandleAssignMembers(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.Owner(r.Context())
	pod := chi.URLParam(r, "podID")

	var req assignRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, &data.ValidationError{Field: "plantIds", Reason: "body must be {\"plantIds\": [...]}"})
		return
	}
	previous, err := h.ingest.Assign(r.Context(), owner, pod, req.PlantIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"podId": pod, "previousPods": previous})
}

// HandleMood returns the mood of one of the caller's plants.
func (h *APIHandler) HandleMood(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.Owner(r.Context())
	id := chi.URLParam(r, "plantID")

	member, err := h.directory.Member(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if member.OwnerID != owner {
		writeError(w, data.NotFound("plant", id))
		return
	}
	m, err := h.moods.Resolve(r.Context(), id)
	if err != nil {
		writeError(w, data.Transient("resolve mood", err))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "streams": h.sessions.Active()})
}

// authorize resolves the pod in the URL and the caller's plants in it. A caller with no
// plants in the pod gets NotFound.
func (h *APIHandler) authorize(r *http.Request) (string, []string, error) {
	pod := chi.URLParam(r, "podID")
	owner, ok := auth.Owner(r.Context())
	if !ok {
		return "", nil, data.NotFound("pod", pod)
	}
	authorized, err := h.directory.AuthorizedMembers(r.Context(), owner, pod)
	if err != nil {
		return "", nil, data.Transient("load authorized members", err)
	}
	if len(authorized) == 0 {
		return "", nil, data.NotFound("pod", pod)
	}
	return pod, authorized, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case data.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, data.ErrNotFound):
		status = http.StatusNotFound
	case data.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
