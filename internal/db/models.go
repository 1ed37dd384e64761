package db

import (
	"time"
)

// AccountType represents the kind of external account.
type AccountType string

const (
	AccountTypeIMAP   AccountType = "imap"
	AccountTypeCalDAV AccountType = "caldav"
)

// ValidAccountTypes contains all valid account type values.
var ValidAccountTypes = map[AccountType]bool{
	AccountTypeIMAP:   true,
	AccountTypeCalDAV: true,
}

// IsValid returns true if the account type is a known valid value.
func (at AccountType) IsValid() bool {
	return ValidAccountTypes[at]
}

// EventStatus represents the lifecycle status of a tracked event.
type EventStatus string

const (
	EventStatusNew       EventStatus = "new"
	EventStatusUpdated   EventStatus = "updated"
	EventStatusCancelled EventStatus = "cancelled"
	EventStatusSynced    EventStatus = "synced"
	EventStatusFailed    EventStatus = "failed"
)

// ValidEventStatuses contains all valid event status values.
var ValidEventStatuses = map[EventStatus]bool{
	EventStatusNew:       true,
	EventStatusUpdated:   true,
	EventStatusCancelled: true,
	EventStatusSynced:    true,
	EventStatusFailed:    true,
}

// IsValid returns true if the event status is a known valid value.
func (es EventStatus) IsValid() bool {
	return ValidEventStatuses[es]
}

// ResponseStatus represents the local user's participation decision.
type ResponseStatus string

const (
	ResponseNone      ResponseStatus = "none"
	ResponseAccepted  ResponseStatus = "accepted"
	ResponseTentative ResponseStatus = "tentative"
	ResponseDeclined  ResponseStatus = "declined"
)

// ValidResponseStatuses contains all valid response status values.
var ValidResponseStatuses = map[ResponseStatus]bool{
	ResponseNone:      true,
	ResponseAccepted:  true,
	ResponseTentative: true,
	ResponseDeclined:  true,
}

// IsValid returns true if the response status is a known valid value.
func (rs ResponseStatus) IsValid() bool {
	return ValidResponseStatuses[rs]
}

// ModifiedSource identifies which side produced the most recent change.
type ModifiedSource string

const (
	ModifiedLocal  ModifiedSource = "local"
	ModifiedRemote ModifiedSource = "remote"
)

// ConflictAction identifies a conflict resolution action.
type ConflictAction string

const (
	ActionOverwriteCalendar ConflictAction = "overwrite-calendar"
	ActionSkipEmailImport   ConflictAction = "skip-email-import"
	ActionMergeFields       ConflictAction = "merge-fields"
	ActionDisableTracking   ConflictAction = "disable-tracking"
)

// ValidConflictActions contains all valid conflict resolution actions.
var ValidConflictActions = map[ConflictAction]bool{
	ActionOverwriteCalendar: true,
	ActionSkipEmailImport:   true,
	ActionMergeFields:       true,
	ActionDisableTracking:   true,
}

// IsValid returns true if the conflict action is a known valid value.
func (ca ConflictAction) IsValid() bool {
	return ValidConflictActions[ca]
}

// IMAPSettings holds mailbox connection settings for an IMAP account.
type IMAPSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	SSL      bool   `json:"ssl"`
}

// CalDAVSettings holds connection settings for a CalDAV account.
type CalDAVSettings struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// AccountSettings is a tagged union of per-type connection settings.
// Exactly one member is populated, matching the account's type.
type AccountSettings struct {
	IMAP   *IMAPSettings   `json:"imap,omitempty"`
	CalDAV *CalDAVSettings `json:"caldav,omitempty"`
}

// MatchesType reports whether the populated member matches the account type.
func (s AccountSettings) MatchesType(at AccountType) bool {
	switch at {
	case AccountTypeIMAP:
		return s.IMAP != nil && s.CalDAV == nil
	case AccountTypeCalDAV:
		return s.CalDAV != nil && s.IMAP == nil
	}
	return false
}

// Account represents an external mailbox or calendar account.
type Account struct {
	ID          string          `json:"id"`
	Label       string          `json:"label"`
	Type        AccountType     `json:"type"`
	Settings    AccountSettings `json:"-"` // Contains credentials; never serialized directly
	ScanFolders []string        `json:"scan_folders"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SyncMapping binds one (IMAP account, folder) pair to one destination calendar.
type SyncMapping struct {
	ID              string    `json:"id"`
	IMAPAccountID   string    `json:"imap_account_id"`
	IMAPFolder      string    `json:"imap_folder"`
	CalDAVAccountID string    `json:"caldav_account_id"`
	CalendarURL     string    `json:"calendar_url"`
	CalendarName    string    `json:"calendar_name"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Attendee is one invitee on a tracked event.
type Attendee struct {
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status,omitempty"`
	RSVP   bool   `json:"rsvp,omitempty"`
	Role   string `json:"role,omitempty"`
}

// HistoryEntry is one append-only audit record on a tracked event.
type HistoryEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
}

// Difference is one field-level divergence between local and remote content.
type Difference struct {
	Field       string `json:"field"`
	Label       string `json:"label"`
	LocalValue  string `json:"local_value"`
	RemoteValue string `json:"remote_value"`
}

// Suggestion is one proposed conflict resolution action.
type Suggestion struct {
	Action            ConflictAction `json:"action"`
	Label             string         `json:"label"`
	Description       string         `json:"description"`
	RequiresSelection bool           `json:"requires_selection"`
	RequiresConfirm   bool           `json:"requires_confirm"`
}

// ConflictDetails describes a detected divergence and how it may be resolved.
type ConflictDetails struct {
	Differences []Difference `json:"differences"`
	Suggestions []Suggestion `json:"suggestions"`
}

// SchedulingConflict is a remote calendar entry that overlaps a tracked
// event's time slot.
type SchedulingConflict struct {
	UID     string    `json:"uid"`
	Summary string    `json:"summary"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// TrackedEvent is one calendar invitation followed across its lifecycle,
// with its reconciliation bookkeeping embedded.
type TrackedEvent struct {
	ID        int64  `json:"id"`
	UID       string `json:"uid"`
	MessageID string `json:"message_id"`
	AccountID string `json:"account_id"`
	Folder    string `json:"folder"`

	Summary        string         `json:"summary"`
	Organizer      string         `json:"organizer"`
	Start          time.Time      `json:"start"`
	End            time.Time      `json:"end"`
	Attendees      []Attendee     `json:"attendees"`
	Status         EventStatus    `json:"status"`
	ResponseStatus ResponseStatus `json:"response_status"`
	Payload        string         `json:"-"` // Raw ICS as received

	History          []HistoryEntry `json:"history"`
	MailError        string         `json:"mail_error,omitempty"`
	TrackingDisabled bool           `json:"tracking_disabled"`

	// Conflicts lists remote calendar entries overlapping this event's
	// time slot. Populated at read time, never persisted.
	Conflicts []SchedulingConflict `json:"conflicts"`

	LocalVersion       int64            `json:"local_version"`
	SyncedVersion      int64            `json:"synced_version"`
	HasConflict        bool             `json:"has_conflict"`
	ConflictReason     string           `json:"conflict_reason,omitempty"`
	ConflictDetails    *ConflictDetails `json:"conflict_details,omitempty"`
	CalDAVETag         string           `json:"caldav_etag,omitempty"`
	LocalLastModified  *time.Time       `json:"local_last_modified"`
	RemoteLastModified *time.Time       `json:"remote_last_modified"`
	LastModifiedSource ModifiedSource   `json:"last_modified_source,omitempty"`
	LastSynced         *time.Time       `json:"last_synced"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dirty reports whether the event carries local content not yet pushed.
func (e *TrackedEvent) Dirty() bool {
	return e.LocalVersion > e.SyncedVersion
}
