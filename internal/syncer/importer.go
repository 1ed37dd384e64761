package syncer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"calsync/internal/db"
	"calsync/internal/ics"
)

// ImportResult describes what happened to one parsed event during import.
type ImportResult struct {
	Event   *db.TrackedEvent
	Created bool
	Updated bool
}

// Importer upserts parsed invitations into the tracked event store.
// Re-importing an unchanged message is a no-op: no version bump, no history
// entry. A changed message bumps the local version and marks the event dirty
// for the next reconciliation, without touching an existing conflict flag.
type Importer struct {
	db *db.DB
}

func NewImporter(database *db.DB) *Importer {
	return &Importer{db: database}
}

// Import stores one parsed event from a message in the given account folder.
func (im *Importer) Import(accountID, folder, messageID string, parsed ics.ParsedEvent) (*ImportResult, error) {
	existing, err := im.db.GetEventByUID(accountID, folder, parsed.UID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		event := newTrackedEvent(accountID, folder, messageID, parsed)
		if err := im.db.InsertEvent(event); err != nil {
			return nil, err
		}
		return &ImportResult{Event: event, Created: true}, nil
	}

	if existing.TrackingDisabled {
		return &ImportResult{Event: existing}, nil
	}

	if !importChanged(existing, parsed) {
		return &ImportResult{Event: existing}, nil
	}

	applyImport(existing, messageID, parsed)
	if err := im.db.UpdateImportedContent(existing); err != nil {
		return nil, err
	}
	return &ImportResult{Event: existing, Updated: true}, nil
}

// ImportFailure records a message whose calendar part could not be parsed,
// so the failure is visible in the event list instead of silently dropped.
func (im *Importer) ImportFailure(accountID, folder, messageID, filename string, parseErr error) (*db.TrackedEvent, error) {
	uid := failureUID(messageID, filename)

	existing, err := im.db.GetEventByUID(accountID, folder, uid)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	event := &db.TrackedEvent{
		UID:       uid,
		MessageID: messageID,
		AccountID: accountID,
		Folder:    folder,
		Summary:   fmt.Sprintf("Unparsable calendar attachment %s", filename),
		Status:    db.EventStatusFailed,
		MailError: parseErr.Error(),
		History: []db.HistoryEntry{{
			Timestamp:   now,
			Action:      "import-failed",
			Description: fmt.Sprintf("Could not parse %s: %v", filename, parseErr),
		}},
	}
	if err := im.db.InsertEvent(event); err != nil {
		return nil, err
	}
	return event, nil
}

func newTrackedEvent(accountID, folder, messageID string, parsed ics.ParsedEvent) *db.TrackedEvent {
	now := time.Now().UTC()
	event := &db.TrackedEvent{
		UID:            parsed.UID,
		MessageID:      messageID,
		AccountID:      accountID,
		Folder:         folder,
		Summary:        parsed.Summary,
		Organizer:      parsed.Organizer,
		Start:          parsed.Start,
		End:            parsed.End,
		Attendees:      parsed.Attendees,
		Status:         parsed.Status,
		ResponseStatus: db.ResponseNone,
		Payload:        parsed.Raw,
		History: []db.HistoryEntry{{
			Timestamp:   now,
			Action:      "imported",
			Description: fmt.Sprintf("Imported from %s", folder),
		}},
	}
	if parsed.ResponseStatus != "" {
		event.ResponseStatus = parsed.ResponseStatus
	}
	return event
}

// importChanged reports whether the newly parsed message differs from the
// stored content. Attendee list changes are carried by the payload
// comparison.
func importChanged(existing *db.TrackedEvent, parsed ics.ParsedEvent) bool {
	if existing.Summary != parsed.Summary {
		return true
	}
	if existing.Organizer != parsed.Organizer {
		return true
	}
	if !timesEqual(existing.Start, parsed.Start) || !timesEqual(existing.End, parsed.End) {
		return true
	}
	if parsed.Status == db.EventStatusCancelled && existing.Status != db.EventStatusCancelled {
		return true
	}
	if parsed.ResponseStatus != "" && existing.ResponseStatus != parsed.ResponseStatus {
		return true
	}
	return existing.Payload != parsed.Raw
}

func applyImport(event *db.TrackedEvent, messageID string, parsed ics.ParsedEvent) {
	now := time.Now().UTC()

	event.MessageID = messageID
	event.Summary = parsed.Summary
	event.Organizer = parsed.Organizer
	event.Start = parsed.Start
	event.End = parsed.End
	event.Attendees = parsed.Attendees
	event.Payload = parsed.Raw
	if parsed.ResponseStatus != "" {
		event.ResponseStatus = parsed.ResponseStatus
	}

	if parsed.Status == db.EventStatusCancelled {
		event.Status = db.EventStatusCancelled
	} else {
		// A re-sent invitation also revives a previously cancelled event.
		event.Status = db.EventStatusUpdated
	}

	event.LocalVersion++
	event.LocalLastModified = &now
	event.LastModifiedSource = db.ModifiedLocal
	event.History = append(event.History, db.HistoryEntry{
		Timestamp:   now,
		Action:      "updated",
		Description: "Updated from re-imported message",
	})
}

func failureUID(messageID, filename string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, filename)
	return fmt.Sprintf("unparsed-%s-%s", messageID, name)
}
