package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"posestream/internal/models"
	"posestream/internal/services"
)

type staticStatus struct{}

func (staticStatus) Health() models.HealthStatus {
	return models.HealthStatus{Status: "healthy", Mode: "server", ActiveSessions: 2, Engine: "centroid"}
}

type fakeSessions struct {
	records []models.SessionRecord
	err     error
	limit   int
}

func (f *fakeSessions) RecentSessions(_ context.Context, limit int) ([]models.SessionRecord, error) {
	f.limit = limit
	return f.records, f.err
}

func newTestAPI(t *testing.T, password string, sessions SessionLister) (*StatusAPI, *services.Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := services.NewMetrics(reg)
	hash := ""
	if password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		hash = string(b)
	}
	return NewStatusAPI(staticStatus{}, metrics, sessions, reg, hash), metrics
}

func get(h http.Handler, path, password string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if password != "" {
		req.SetBasicAuth("admin", password)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsOpen(t *testing.T) {
	api, _ := newTestAPI(t, "s3cret-pass", nil)
	rec := get(api.Routes(), "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var hs models.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&hs); err != nil {
		t.Fatal(err)
	}
	if hs.Status != "healthy" || hs.ActiveSessions != 2 {
		t.Errorf("health = %+v", hs)
	}
}

func TestMetricsRequireAuth(t *testing.T) {
	api, metrics := newTestAPI(t, "s3cret-pass", nil)
	metrics.IncrementFrames()
	h := api.Routes()

	tests := []struct {
		name     string
		path     string
		password string
		want     int
	}{
		{"no credentials", "/api/metrics", "", http.StatusUnauthorized},
		{"wrong password", "/api/metrics", "guess", http.StatusUnauthorized},
		{"json metrics", "/api/metrics", "s3cret-pass", http.StatusOK},
		{"prometheus no credentials", "/metrics", "", http.StatusUnauthorized},
		{"prometheus", "/metrics", "s3cret-pass", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(h, tt.path, tt.password)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := get(h, "/metrics", "s3cret-pass")
	if !strings.Contains(rec.Body.String(), "posestream_frames_total 1") {
		t.Errorf("prometheus output missing frames counter:\n%s", rec.Body.String())
	}
	var snap services.Snapshot
	if err := json.NewDecoder(get(h, "/api/metrics", "s3cret-pass").Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.TotalFrames != 1 {
		t.Errorf("total frames = %d", snap.TotalFrames)
	}
}

func TestOpenWithoutPassword(t *testing.T) {
	api, _ := newTestAPI(t, "", nil)
	if rec := get(api.Routes(), "/api/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestSessions(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := &fakeSessions{records: []models.SessionRecord{{ID: "a", RemoteAddr: "10.0.0.1:5000", StartTime: start, FramesTotal: 12}}}
	api, _ := newTestAPI(t, "", store)
	h := api.Routes()

	rec := get(h, "/api/sessions?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []models.SessionRecord
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" || got[0].FramesTotal != 12 {
		t.Errorf("sessions = %+v", got)
	}
	if store.limit != 5 {
		t.Errorf("limit = %d", store.limit)
	}

	if rec := get(h, "/api/sessions?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}

	store.err = errors.New("db down")
	if rec := get(h, "/api/sessions", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("store error status = %d", rec.Code)
	}
}

func TestSessionsDisabled(t *testing.T) {
	api, _ := newTestAPI(t, "", nil)
	if rec := get(api.Routes(), "/api/sessions", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}
