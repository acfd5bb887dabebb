package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kyxap1/geoecho/internal/geodb"
	"github.com/kyxap1/geoecho/internal/metrics"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// AdminHandler serves operational endpoints on a listener separate from the
// echo, so that the public port answers every path the same way.
type AdminHandler struct {
	store   geodb.LookupStore
	metrics *metrics.Manager
	logger  *logrus.Logger
	now     func() time.Time
}

// NewAdminHandler creates the admin handler. store and m may be nil.
func NewAdminHandler(store geodb.LookupStore, m *metrics.Manager, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		store:   store,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("Failed to write admin response")
	}
}

// HealthHandler reports liveness and whether a local database is loaded
func (h *AdminHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	loaded := h.store != nil && h.store.Loaded()
	h.writeJSON(w, map[string]interface{}{
		"status":           "healthy",
		"time":             h.now().Format(time.RFC3339),
		"databases_loaded": loaded,
	})
}

// StatsHandler reports lookup cache statistics
func (h *AdminHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{"enabled": false}
	if h.store != nil {
		stats = h.store.CacheStats()
	}
	h.writeJSON(w, stats)
}

// SetupRoutes configures the admin routes
func (h *AdminHandler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)
	if h.metrics != nil {
		router.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	return router
}
