package web

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"calsync/internal/config"
	"calsync/internal/db"
	"calsync/internal/jobs"
	"calsync/internal/scheduler"
	"calsync/internal/syncer"
	"calsync/internal/validator"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg       *config.Config
	db        *db.DB
	service   *syncer.Service
	tracker   *jobs.Tracker
	scheduler *scheduler.Scheduler
	validator *validator.Validator
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	cfg *config.Config,
	database *db.DB,
	service *syncer.Service,
	tracker *jobs.Tracker,
	sched *scheduler.Scheduler,
	v *validator.Validator,
) *Handlers {
	return &Handlers{
		cfg:       cfg,
		db:        database,
		service:   service,
		tracker:   tracker,
		scheduler: sched,
		validator: v,
	}
}

// HealthCheck returns a health report including database reachability.
func (h *Handlers) HealthCheck(c *gin.Context) {
	if err := h.db.Conn().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readiness checks all dependencies.
func (h *Handlers) Readiness(c *gin.Context) {
	h.HealthCheck(c)
}

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		// Log the full error for debugging (server-side only)
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// categorizeConnectionError returns a user-friendly message based on common error patterns.
func categorizeConnectionError(err error) string {
	if err == nil {
		return "Connection failed"
	}
	errStr := strings.ToLower(err.Error())

	// Categorize without exposing internal details
	switch {
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup"):
		return "Server not found. Please check the address."
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused. Please verify the server is running."
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "Connection timed out. Please try again."
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized") || strings.Contains(errStr, "authentication"):
		return "Authentication failed. Please check your credentials."
	case strings.Contains(errStr, "403") || strings.Contains(errStr, "forbidden"):
		return "Access denied. Please check your permissions."
	case strings.Contains(errStr, "404") || strings.Contains(errStr, "not found"):
		return "Resource not found. Please check the URL."
	case strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls"):
		return "SSL/TLS error. Please verify the server certificate."
	default:
		return "Connection failed. Please check your settings."
	}
}

// APIAccount represents an account in JSON format for the API.
// Passwords are never included.
type APIAccount struct {
	ID          string             `json:"id"`
	Label       string             `json:"label"`
	Type        string             `json:"type"`
	IMAP        *APIIMAPSettings   `json:"imap,omitempty"`
	CalDAV      *APICalDAVSettings `json:"caldav,omitempty"`
	ScanFolders []string           `json:"scan_folders"`
	CreatedAt   string             `json:"created_at"`
	UpdatedAt   string             `json:"updated_at"`
}

// APIIMAPSettings is the credential-free view of IMAP settings.
type APIIMAPSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	SSL      bool   `json:"ssl"`
}

// APICalDAVSettings is the credential-free view of CalDAV settings.
type APICalDAVSettings struct {
	URL      string `json:"url"`
	Username string `json:"username"`
}

// accountToAPI converts a db.Account to APIAccount, stripping credentials.
func accountToAPI(a *db.Account) *APIAccount {
	api := &APIAccount{
		ID:          a.ID,
		Label:       a.Label,
		Type:        string(a.Type),
		ScanFolders: a.ScanFolders,
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   a.UpdatedAt.Format(time.RFC3339),
	}
	if a.Settings.IMAP != nil {
		api.IMAP = &APIIMAPSettings{
			Host:     a.Settings.IMAP.Host,
			Port:     a.Settings.IMAP.Port,
			Username: a.Settings.IMAP.Username,
			SSL:      a.Settings.IMAP.SSL,
		}
	}
	if a.Settings.CalDAV != nil {
		api.CalDAV = &APICalDAVSettings{
			URL:      a.Settings.CalDAV.URL,
			Username: a.Settings.CalDAV.Username,
		}
	}
	// Ensure scan_folders is never null in JSON
	if api.ScanFolders == nil {
		api.ScanFolders = []string{}
	}
	return api
}
