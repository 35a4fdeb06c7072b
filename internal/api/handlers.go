package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"inventory-sync/internal/conflict"
	"inventory-sync/internal/logger"
	"inventory-sync/internal/queue"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

func paging(r *http.Request) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxLimit)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.syncManager.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	h.syncManager.StopSync()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.State())
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	history, err := h.store.GetSyncHistory(r.Context(), limit, offset)
	if err != nil {
		logger.Log.Error("Failed to read sync history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read sync history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queue.Snapshot())
}

type enqueueRequest struct {
	Payload string `json:"payload" validate:"required,max=4096"`
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry, err := h.queue.Enqueue(r.Context(), req.Payload)
	if err != nil {
		logger.Log.Error("Failed to enqueue", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	res := h.queue.Drain(r.Context())
	if res.Err != nil {
		writeError(w, http.StatusInternalServerError, res.Err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) RetryEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.queue.Retry(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.queue.Snapshot())
	case errors.Is(err, queue.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Log.Error("Failed to retry queue entry", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to retry entry")
	}
}

func (h *Handler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := h.queue.ClearCompleted(r.Context())
	if err != nil {
		logger.Log.Error("Failed to clear completed entries", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear completed entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

type connectivityRequest struct {
	Connected *bool `json:"connected" validate:"required"`
}

// SetConnectivity lets the host report network changes it sees before the
// prober does.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.connectivity.Set(*req.Connected)
	writeJSON(w, http.StatusOK, map[string]bool{"connected": h.connectivity.IsConnected()})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, offset := paging(r)
	resolved, _ := strconv.ParseBool(r.URL.Query().Get("resolved"))

	conflicts, err := h.store.ListConflicts(r.Context(), resolved, limit, offset)
	if err != nil {
		logger.Log.Error("Failed to list conflicts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conflicts")
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) RecentResolutions(w http.ResponseWriter, r *http.Request) {
	limit, _ := paging(r)
	history := h.conflicts.Engine().History()
	if history == nil {
		writeJSON(w, http.StatusOK, []*conflict.Result{})
		return
	}
	writeJSON(w, http.StatusOK, history.Recent(limit))
}

type resolveRequest struct {
	Conflict   *conflict.Conflict  `json:"conflict" validate:"required"`
	Resolution conflict.Resolution `json:"resolution"`
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.conflicts.Resolve(r.Context(), req.Conflict, req.Resolution)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, conflict.ErrFieldTypeMismatch), errors.Is(err, conflict.ErrInvalidPayload):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, conflict.ErrEntityMismatch), errors.Is(err, conflict.ErrUnknownResolution):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Log.Error("Failed to resolve conflict", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve conflict")
	}
}
