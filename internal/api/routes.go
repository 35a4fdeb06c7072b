package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"inventory-sync/internal/auth"
	"inventory-sync/internal/connectivity"
	"inventory-sync/internal/queue"
	"inventory-sync/internal/store"
	invsync "inventory-sync/internal/sync"
)

// Options wires the handler to the running services. Signer is optional;
// without it the API is unauthenticated.
type Options struct {
	Queue        *queue.Queue
	Sync         *invsync.Manager
	Conflicts    *invsync.ConflictManager
	Store        store.Store
	Connectivity *connectivity.Status
	Signer       *auth.Signer
}

type Handler struct {
	queue        *queue.Queue
	syncManager  *invsync.Manager
	conflicts    *invsync.ConflictManager
	store        store.Store
	connectivity *connectivity.Status
	signer       *auth.Signer
	validate     *validator.Validate
	upgrader     websocket.Upgrader
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		queue:        opts.Queue,
		syncManager:  opts.Sync,
		conflicts:    opts.Conflicts,
		store:        opts.Store,
		connectivity: opts.Connectivity,
		signer:       opts.Signer,
		validate:     validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.signer))

		r.Post("/sync/trigger", h.TriggerSync)
		r.Post("/sync/stop", h.StopSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/history", h.GetSyncHistory)

		r.Get("/queue", h.GetQueue)
		r.Post("/queue", h.Enqueue)
		r.Post("/queue/drain", h.DrainQueue)
		r.Post("/queue/{id}/retry", h.RetryEntry)
		r.Delete("/queue/completed", h.ClearCompleted)

		r.Put("/connectivity", h.SetConnectivity)

		r.Get("/conflicts", h.ListConflicts)
		r.Get("/conflicts/recent", h.RecentResolutions)
		r.Post("/conflicts/resolve", h.ResolveConflict)

		r.Get("/events", h.Events)
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": h.connectivity != nil && h.connectivity.IsConnected(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body into v and runs its validate tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}
