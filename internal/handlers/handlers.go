package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"posestream/internal/models"
	"posestream/internal/services"
)

// StatusSource reports the live state of the inference server.
type StatusSource interface {
	Health() models.HealthStatus
}

// SessionLister returns the most recent audit rows, newest first.
type SessionLister interface {
	RecentSessions(ctx context.Context, limit int) ([]models.SessionRecord, error)
}

type StatusAPI struct {
	status       StatusSource
	metrics      *services.Metrics
	sessions     SessionLister
	gatherer     prometheus.Gatherer
	passwordHash []byte
}

// NewStatusAPI builds the HTTP status surface. An empty passwordHash leaves
// every route open; otherwise all routes except /api/health require basic
// auth with a password matching the bcrypt hash. sessions may be nil.
func NewStatusAPI(status StatusSource, metrics *services.Metrics, sessions SessionLister, gatherer prometheus.Gatherer, passwordHash string) *StatusAPI {
	return &StatusAPI{
		status:       status,
		metrics:      metrics,
		sessions:     sessions,
		gatherer:     gatherer,
		passwordHash: []byte(passwordHash),
	}
}

func (a *StatusAPI) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/api/health", a.Health)
	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)
		r.Get("/api/metrics", a.Metrics)
		r.Get("/api/sessions", a.Sessions)
		if a.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
		}
	})
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *StatusAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.passwordHash) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="posestream"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *StatusAPI) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.status.Health())
}

func (a *StatusAPI) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.metrics.Snapshot())
}

func (a *StatusAPI) Sessions(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		http.Error(w, "Session audit disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := a.sessions.RecentSessions(r.Context(), limit)
	if err != nil {
		log.Printf("List sessions failed: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Encode response failed: %v", err)
	}
}
