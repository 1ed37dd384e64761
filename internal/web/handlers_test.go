package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"calsync/internal/config"
	"calsync/internal/db"
	"calsync/internal/jobs"
	"calsync/internal/scheduler"
	"calsync/internal/syncer"
	"calsync/internal/validator"
)

// setupTestServer builds a router over a temporary database. The mailbox and
// calendar store are left nil; the covered endpoints never reach them.
func setupTestServer(t *testing.T) (*gin.Engine, *db.DB, *jobs.Tracker, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tempDir, err := os.MkdirTemp("", "calsync-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	cfg := &config.Config{}
	tracker := jobs.NewTracker()
	service := syncer.NewService(database, nil, nil, tracker, nil)
	sched := scheduler.New(service)
	v := validator.New(validator.WithAllowPrivateIPs())

	router := gin.New()
	SetupRoutes(router, NewHandlers(cfg, database, service, tracker, sched, v))

	cleanup := func() {
		sched.Stop()
		tracker.Wait()
		database.Close()
		os.RemoveAll(tempDir)
	}
	return router, database, tracker, cleanup
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	router, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		w := doJSON(router, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
	}
}

func TestContentTypeEnforcement(t *testing.T) {
	router, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader("event_ids=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d", w.Code)
	}
}

func TestConfiguredRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tempDir, err := os.MkdirTemp("", "calsync-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)
	database, err := db.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	defer database.Close()

	cfg := &config.Config{}
	cfg.RateLimiting.RPS = 1
	cfg.RateLimiting.Burst = 2

	tracker := jobs.NewTracker()
	service := syncer.NewService(database, nil, nil, tracker, nil)
	sched := scheduler.New(service)
	defer sched.Stop()
	v := validator.New(validator.WithAllowPrivateIPs())

	router := gin.New()
	SetupRoutes(router, NewHandlers(cfg, database, service, tracker, sched, v))

	for i := 0; i < 2; i++ {
		if w := doJSON(router, http.MethodGet, "/api/events", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := doJSON(router, http.MethodGet, "/api/events", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected configured burst to be enforced, got %d", w.Code)
	}
}

func TestManualSyncValidation(t *testing.T) {
	router, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	t.Run("empty selection", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/sync", `{"event_ids": []}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), "At least one event must be selected") {
			t.Errorf("wrong error message: %s", w.Body.String())
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/sync", `{"event_ids": "all"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}

func TestJobPolling(t *testing.T) {
	router, _, tracker, cleanup := setupTestServer(t)
	defer cleanup()

	t.Run("unknown job", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/jobs/scan-nope", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("terminal job stays queryable", func(t *testing.T) {
		job, err := tracker.Start(jobs.KindManualSync, func(ctx context.Context, jobID string) error {
			tracker.Finish(jobID, map[string]any{"uploaded": []string{}})
			return nil
		})
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		tracker.Wait()

		w := doJSON(router, http.MethodGet, "/api/jobs/"+job.ID, "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var got jobs.Job
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("invalid job JSON: %v", err)
		}
		if got.Status != jobs.StatusCompleted {
			t.Errorf("expected completed, got %s", got.Status)
		}
	})
}

func TestAutoSyncEndpoints(t *testing.T) {
	router, _, _, cleanup := setupTestServer(t)
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/auto-sync", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var settings scheduler.Settings
		if err := json.Unmarshal(w.Body.Bytes(), &settings); err != nil {
			t.Fatalf("invalid settings JSON: %v", err)
		}
		if settings.Enabled || settings.IntervalMinutes != scheduler.DefaultIntervalMinutes {
			t.Errorf("unexpected defaults: %+v", settings)
		}
	})

	t.Run("interval out of bounds", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/auto-sync", `{"enabled": true, "interval_minutes": 5000}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("invalid auto response", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/auto-sync", `{"enabled": false, "interval_minutes": 30, "auto_response": "declined"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("disable without interval", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/auto-sync", `{"enabled": false}`)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var settings scheduler.Settings
		if err := json.Unmarshal(w.Body.Bytes(), &settings); err != nil {
			t.Fatalf("invalid settings JSON: %v", err)
		}
		if settings.Enabled {
			t.Error("disable not applied")
		}
		if settings.IntervalMinutes != scheduler.DefaultIntervalMinutes {
			t.Errorf("interval = %d, expected configured %d kept", settings.IntervalMinutes, scheduler.DefaultIntervalMinutes)
		}
	})

	t.Run("apply", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/auto-sync", `{"enabled": false, "interval_minutes": 30, "auto_response": "accepted"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var settings scheduler.Settings
		if err := json.Unmarshal(w.Body.Bytes(), &settings); err != nil {
			t.Fatalf("invalid settings JSON: %v", err)
		}
		if settings.IntervalMinutes != 30 || settings.AutoResponse != db.ResponseAccepted {
			t.Errorf("settings not applied: %+v", settings)
		}
	})
}

func TestAccountEndpoints(t *testing.T) {
	router, database, _, cleanup := setupTestServer(t)
	defer cleanup()

	t.Run("empty list is an array", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/accounts", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("expected empty array, got %s", w.Body.String())
		}
	})

	account := &db.Account{
		Label: "Work Mail",
		Type:  db.AccountTypeIMAP,
		Settings: db.AccountSettings{
			IMAP: &db.IMAPSettings{Host: "imap.example.com", Port: 993, Username: "user", Password: "hunter2", SSL: true},
		},
	}
	if err := database.CreateAccount(account); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}

	t.Run("no credentials in responses", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/accounts/"+account.ID, "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if strings.Contains(w.Body.String(), "hunter2") || strings.Contains(w.Body.String(), "password") {
			t.Errorf("response leaks credentials: %s", w.Body.String())
		}
		if !strings.Contains(w.Body.String(), `"scan_folders":[]`) {
			t.Errorf("scan_folders should never be null: %s", w.Body.String())
		}
	})

	t.Run("missing account", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/accounts/nope", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("create rejects unknown type", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/api/accounts", `{"label": "X", "type": "carrier-pigeon"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
		}
	})
}

func TestEventEndpoints(t *testing.T) {
	router, database, _, cleanup := setupTestServer(t)
	defer cleanup()

	t.Run("empty list is an array", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/events", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("expected empty array, got %s", w.Body.String())
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/events/abc", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("missing event", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/events/99999", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	account := &db.Account{
		Label: "Mail",
		Type:  db.AccountTypeIMAP,
		Settings: db.AccountSettings{
			IMAP: &db.IMAPSettings{Host: "imap.example.com", Port: 993, Username: "u", Password: "p", SSL: true},
		},
	}
	if err := database.CreateAccount(account); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	event := &db.TrackedEvent{
		UID:       "meeting-1@example.com",
		AccountID: account.ID,
		Folder:    "INBOX",
		Summary:   "Planning Meeting",
		Start:     time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
		End:       time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC),
	}
	if err := database.InsertEvent(event); err != nil {
		t.Fatalf("failed to insert event: %v", err)
	}

	eventPath := "/api/events/" + strconv.FormatInt(event.ID, 10)

	t.Run("invalid response value", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, eventPath+"/response", `{"response": "maybe"}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
		}
		if !strings.Contains(w.Body.String(), "accepted, tentative or declined") {
			t.Errorf("wrong error message: %s", w.Body.String())
		}
	})

	t.Run("response without mapping sticks locally", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, eventPath+"/response", `{"response": "declined"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var got db.TrackedEvent
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("invalid event JSON: %v", err)
		}
		if got.ResponseStatus != db.ResponseDeclined {
			t.Errorf("response not applied: %s", got.ResponseStatus)
		}
	})

	t.Run("resolve without conflict", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, eventPath+"/resolve", `{"action": "overwrite-calendar"}`)
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("resolve with unknown action", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, eventPath+"/resolve", `{"action": "explode"}`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("disable tracking", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, eventPath+"/disable-tracking", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var got db.TrackedEvent
		if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
			t.Fatalf("invalid event JSON: %v", err)
		}
		if !got.TrackingDisabled {
			t.Error("tracking not disabled")
		}
	})

	t.Run("conflict filter", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/api/events?conflicts=true", "")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("expected no conflicted events, got %s", w.Body.String())
		}
	})
}
