package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"calsync/internal/caldav"
	"calsync/internal/db"
	"calsync/internal/jobs"
	"calsync/internal/scheduler"
	"calsync/internal/syncer"
)

// APICreateAccountRequest represents the request body for creating an account.
type APICreateAccountRequest struct {
	Label       string             `json:"label"`
	Type        string             `json:"type"`
	IMAP        *db.IMAPSettings   `json:"imap"`
	CalDAV      *db.CalDAVSettings `json:"caldav"`
	ScanFolders []string           `json:"scan_folders"`
}

// APIListAccounts returns all configured accounts without credentials.
func (h *Handlers) APIListAccounts(c *gin.Context) {
	accounts, err := h.db.ListAccounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load accounts")})
		return
	}

	apiAccounts := make([]*APIAccount, 0, len(accounts))
	for _, account := range accounts {
		apiAccounts = append(apiAccounts, accountToAPI(account))
	}
	c.JSON(http.StatusOK, apiAccounts)
}

// APIGetAccount returns a single account.
func (h *Handlers) APIGetAccount(c *gin.Context) {
	account, err := h.db.GetAccountByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}
	c.JSON(http.StatusOK, accountToAPI(account))
}

// APICreateAccount creates a new account after testing its credentials.
func (h *Handlers) APICreateAccount(c *gin.Context) {
	var req APICreateAccountRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	accountType := db.AccountType(req.Type)
	if !accountType.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Account type must be imap or caldav"})
		return
	}
	if req.Label == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}

	account := &db.Account{
		Label:       req.Label,
		Type:        accountType,
		Settings:    db.AccountSettings{IMAP: req.IMAP, CalDAV: req.CalDAV},
		ScanFolders: req.ScanFolders,
	}
	if !account.Settings.MatchesType(accountType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Settings do not match the account type"})
		return
	}

	ctx := c.Request.Context()
	if accountType == db.AccountTypeCalDAV {
		if err := h.validator.ValidateCalDAVEndpoint(ctx, req.CalDAV.URL, h.cfg.IsProduction()); err != nil {
			log.Printf("CalDAV endpoint validation failed for %s: %v", req.CalDAV.URL, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid CalDAV endpoint: " + categorizeConnectionError(err)})
			return
		}
	}
	if err := h.service.TestAccount(ctx, account); err != nil {
		log.Printf("Connection test failed for account %q: %v", req.Label, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to connect: " + categorizeConnectionError(err)})
		return
	}

	if err := h.db.CreateAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create account")})
		return
	}
	c.JSON(http.StatusCreated, accountToAPI(account))
}

// APIUpdateAccount updates an existing account. Omitted settings keep their
// stored values, so clients never need to resubmit passwords.
func (h *Handlers) APIUpdateAccount(c *gin.Context) {
	account, err := h.db.GetAccountByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	var req APICreateAccountRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if req.Label != "" {
		account.Label = req.Label
	}
	if req.ScanFolders != nil {
		account.ScanFolders = req.ScanFolders
	}
	if req.IMAP != nil {
		if account.Type != db.AccountTypeIMAP {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Settings do not match the account type"})
			return
		}
		if req.IMAP.Password == "" && account.Settings.IMAP != nil {
			req.IMAP.Password = account.Settings.IMAP.Password
		}
		account.Settings.IMAP = req.IMAP
	}
	if req.CalDAV != nil {
		if account.Type != db.AccountTypeCalDAV {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Settings do not match the account type"})
			return
		}
		if req.CalDAV.Password == "" && account.Settings.CalDAV != nil {
			req.CalDAV.Password = account.Settings.CalDAV.Password
		}
		account.Settings.CalDAV = req.CalDAV
	}

	if err := h.db.UpdateAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update account")})
		return
	}
	c.JSON(http.StatusOK, accountToAPI(account))
}

// APIDeleteAccount deletes an account and everything tracked under it.
func (h *Handlers) APIDeleteAccount(c *gin.Context) {
	if err := h.db.DeleteAccount(c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete account")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Account deleted"})
}

// APITestAccount re-tests the stored credentials of an account.
func (h *Handlers) APITestAccount(c *gin.Context) {
	account, err := h.db.GetAccountByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	if err := h.service.TestAccount(c.Request.Context(), account); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Connection test failed: " + categorizeConnectionError(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Connection successful"})
}

// APIAccountCalendars lists the calendars behind a CalDAV account.
func (h *Handlers) APIAccountCalendars(c *gin.Context) {
	account, err := h.db.GetAccountByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	calendars, err := h.service.AccountCalendars(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to discover calendars: " + categorizeConnectionError(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calendars": calendars})
}

// APIAccountFolders lists the folders of an IMAP account.
func (h *Handlers) APIAccountFolders(c *gin.Context) {
	account, err := h.db.GetAccountByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	folders, err := h.service.AccountFolders(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to list folders: " + categorizeConnectionError(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"folders": folders})
}

// APIMappingRequest represents the request body for creating or updating a
// sync mapping.
type APIMappingRequest struct {
	IMAPAccountID   string `json:"imap_account_id"`
	IMAPFolder      string `json:"imap_folder"`
	CalDAVAccountID string `json:"caldav_account_id"`
	CalendarURL     string `json:"calendar_url"`
	CalendarName    string `json:"calendar_name"`
}

func (h *Handlers) validateMapping(req *APIMappingRequest) (int, string) {
	if req.IMAPAccountID == "" || req.IMAPFolder == "" || req.CalDAVAccountID == "" || req.CalendarURL == "" {
		return http.StatusBadRequest, "Missing required fields"
	}

	imapAccount, err := h.db.GetAccountByID(req.IMAPAccountID)
	if err != nil || imapAccount.Type != db.AccountTypeIMAP {
		return http.StatusBadRequest, "imap_account_id must reference an IMAP account"
	}
	caldavAccount, err := h.db.GetAccountByID(req.CalDAVAccountID)
	if err != nil || caldavAccount.Type != db.AccountTypeCalDAV {
		return http.StatusBadRequest, "caldav_account_id must reference a CalDAV account"
	}
	return 0, ""
}

// APIListMappings returns all sync mappings.
func (h *Handlers) APIListMappings(c *gin.Context) {
	mappings, err := h.db.ListMappings()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load mappings")})
		return
	}
	if mappings == nil {
		mappings = []*db.SyncMapping{}
	}
	c.JSON(http.StatusOK, mappings)
}

// APICreateMapping creates a new folder-to-calendar mapping.
func (h *Handlers) APICreateMapping(c *gin.Context) {
	var req APIMappingRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if status, msg := h.validateMapping(&req); status != 0 {
		c.JSON(status, gin.H{"error": msg})
		return
	}

	mapping := &db.SyncMapping{
		IMAPAccountID:   req.IMAPAccountID,
		IMAPFolder:      req.IMAPFolder,
		CalDAVAccountID: req.CalDAVAccountID,
		CalendarURL:     req.CalendarURL,
		CalendarName:    req.CalendarName,
	}
	if err := h.db.CreateMapping(mapping); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "A mapping for this folder already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create mapping")})
		return
	}
	c.JSON(http.StatusCreated, mapping)
}

// APIUpdateMapping updates an existing mapping.
func (h *Handlers) APIUpdateMapping(c *gin.Context) {
	mapping, err := h.db.GetMappingByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Mapping not found"})
		return
	}

	var req APIMappingRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if status, msg := h.validateMapping(&req); status != 0 {
		c.JSON(status, gin.H{"error": msg})
		return
	}

	mapping.IMAPAccountID = req.IMAPAccountID
	mapping.IMAPFolder = req.IMAPFolder
	mapping.CalDAVAccountID = req.CalDAVAccountID
	mapping.CalendarURL = req.CalendarURL
	mapping.CalendarName = req.CalendarName

	if err := h.db.UpdateMapping(mapping); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "A mapping for this folder already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update mapping")})
		return
	}
	c.JSON(http.StatusOK, mapping)
}

// APIDeleteMapping deletes a mapping. Tracked events stay; they just become
// unmapped and stop syncing.
func (h *Handlers) APIDeleteMapping(c *gin.Context) {
	if err := h.db.DeleteMapping(c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Mapping not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete mapping")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Mapping deleted"})
}

// APIListEvents returns all tracked events. With ?conflicts=true only events
// with an unresolved conflict are returned.
func (h *Handlers) APIListEvents(c *gin.Context) {
	events, err := h.db.ListEvents()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load events")})
		return
	}

	if c.Query("conflicts") == "true" {
		filtered := events[:0]
		for _, event := range events {
			if event.HasConflict {
				filtered = append(filtered, event)
			}
		}
		events = filtered
	}
	if events == nil {
		events = []*db.TrackedEvent{}
	}
	h.service.AttachOverlaps(c.Request.Context(), events)
	c.JSON(http.StatusOK, events)
}

func (h *Handlers) eventFromPath(c *gin.Context) (*db.TrackedEvent, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event id"})
		return nil, false
	}
	event, err := h.db.GetEventByID(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return nil, false
	}
	return event, true
}

// APIGetEvent returns a single tracked event with its scheduling overlaps.
func (h *Handlers) APIGetEvent(c *gin.Context) {
	event, ok := h.eventFromPath(c)
	if !ok {
		return
	}
	h.service.AttachOverlaps(c.Request.Context(), []*db.TrackedEvent{event})
	c.JSON(http.StatusOK, event)
}

// APIEventOverlaps returns remote calendar entries overlapping the event's
// time slot.
func (h *Handlers) APIEventOverlaps(c *gin.Context) {
	event, ok := h.eventFromPath(c)
	if !ok {
		return
	}

	overlaps, err := h.service.Overlaps(c.Request.Context(), event)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to check calendar: " + categorizeConnectionError(err)})
		return
	}
	if overlaps == nil {
		overlaps = []caldav.OverlapEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"overlaps": overlaps})
}

// APIScan starts a mailbox scan job.
func (h *Handlers) APIScan(c *gin.Context) {
	job, err := h.service.StartScan(db.ResponseNone)
	if err != nil {
		if errors.Is(err, jobs.ErrJobActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "A scan is already running"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to start scan")})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// APISyncAll starts a sync job over every mapped folder.
func (h *Handlers) APISyncAll(c *gin.Context) {
	autoResponse := h.scheduler.Status().AutoResponse
	job, err := h.service.StartSyncAll(autoResponse)
	if err != nil {
		if errors.Is(err, jobs.ErrJobActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "A sync is already running"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to start sync")})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// APIManualSyncRequest represents the request body for a manual sync.
type APIManualSyncRequest struct {
	EventIDs []int64 `json:"event_ids"`
}

// APIManualSync starts a sync job over an explicit event selection.
func (h *Handlers) APIManualSync(c *gin.Context) {
	var req APIManualSyncRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	job, err := h.service.StartManualSync(req.EventIDs)
	if err != nil {
		if errors.Is(err, syncer.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "At least one event must be selected"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to start sync")})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// APIGetJob returns the state of a background job. Terminal jobs stay
// queryable, so polling past completion is safe.
func (h *Handlers) APIGetJob(c *gin.Context) {
	job, err := h.tracker.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// APIEventResponseRequest represents the request body for answering an
// invitation.
type APIEventResponseRequest struct {
	Response string `json:"response"`
}

// APISetResponse records the participation answer for an event and pushes it
// when the event is mapped.
func (h *Handlers) APISetResponse(c *gin.Context) {
	event, ok := h.eventFromPath(c)
	if !ok {
		return
	}

	var req APIEventResponseRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	updated, err := h.service.SetResponse(c.Request.Context(), event.ID, db.ResponseStatus(req.Response))
	if err != nil {
		if errors.Is(err, syncer.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Response must be accepted, tentative or declined"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to set response")})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// APIDisableTracking stops syncing an event.
func (h *Handlers) APIDisableTracking(c *gin.Context) {
	event, ok := h.eventFromPath(c)
	if !ok {
		return
	}

	updated, err := h.service.DisableTracking(event.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to disable tracking")})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// APIDeleteMail deletes the source message of an event from the mailbox.
func (h *Handlers) APIDeleteMail(c *gin.Context) {
	event, ok := h.eventFromPath(c)
	if !ok {
		return
	}

	updated, err := h.service.DeleteMail(c.Request.Context(), event.ID)
	if err != nil {
		if errors.Is(err, syncer.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Event has no source message"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Mailbox delete failed: " + categorizeConnectionError(err)})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// APIResolveConflictRequest represents the request body for resolving a
// conflict.
type APIResolveConflictRequest struct {
	Action     string            `json:"action"`
	Selections map[string]string `json:"selections"`
}

// APIResolveConflict applies an explicit conflict resolution.
func (h *Handlers) APIResolveConflict(c *gin.Context) {
	event, ok := h.eventFromPath(c)
	if !ok {
		return
	}

	var req APIResolveConflictRequest
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	updated, err := h.service.ResolveConflict(c.Request.Context(), event.ID, db.ConflictAction(req.Action), req.Selections)
	if err != nil {
		switch {
		case errors.Is(err, syncer.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, syncer.ErrNoConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Event has no pending conflict"})
		case errors.Is(err, syncer.ErrNoMapping):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Event folder is not mapped to a calendar"})
		case errors.Is(err, syncer.ErrRemoteGone):
			c.JSON(http.StatusConflict, gin.H{"error": "Remote entry no longer exists"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "Resolution failed: " + categorizeConnectionError(err)})
		}
		return
	}
	c.JSON(http.StatusOK, updated)
}

// APIGetAutoSync returns the auto-sync configuration.
func (h *Handlers) APIGetAutoSync(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// APISetAutoSync updates the auto-sync configuration.
func (h *Handlers) APISetAutoSync(c *gin.Context) {
	var req scheduler.Settings
	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	settings, err := h.scheduler.Configure(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}
