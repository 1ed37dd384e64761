package db

import (
	"errors"
	"testing"
	"time"
)

// createTestEvent inserts a minimal tracked event for tests.
func createTestEvent(t *testing.T, db *DB, accountID, uid string) *TrackedEvent {
	t.Helper()

	event := &TrackedEvent{
		UID:       uid,
		MessageID: "<" + uid + "@mail.example.com>",
		AccountID: accountID,
		Folder:    "INBOX",
		Summary:   "Planning Meeting",
		Organizer: "boss@example.com",
		Start:     time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
		End:       time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC),
		Attendees: []Attendee{{Email: "jane@example.com", Name: "Jane Doe", RSVP: true}},
		Payload:   "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n",
		History:   []HistoryEntry{{Timestamp: time.Now().UTC(), Action: "imported", Description: "Imported from INBOX"}},
	}
	if err := db.InsertEvent(event); err != nil {
		t.Fatalf("failed to insert test event: %v", err)
	}
	return event
}

func TestInsertEvent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	account := createTestIMAPAccount(t, db, "Mail")

	t.Run("defaults", func(t *testing.T) {
		event := createTestEvent(t, db, account.ID, "meeting-1@example.com")

		got, err := db.GetEventByID(event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if got.LocalVersion != 1 || got.SyncedVersion != 0 {
			t.Errorf("wrong version counters: local=%d synced=%d", got.LocalVersion, got.SyncedVersion)
		}
		if got.Status != EventStatusNew {
			t.Errorf("expected status new, got %s", got.Status)
		}
		if got.ResponseStatus != ResponseNone {
			t.Errorf("expected response none, got %s", got.ResponseStatus)
		}
		if got.LastModifiedSource != ModifiedLocal {
			t.Errorf("expected local modified source, got %s", got.LastModifiedSource)
		}
		if !got.Dirty() {
			t.Error("freshly imported event should be dirty")
		}
		if len(got.Attendees) != 1 || got.Attendees[0].Email != "jane@example.com" {
			t.Errorf("attendees not round-tripped: %v", got.Attendees)
		}
	})

	t.Run("duplicate uid in scope rejected", func(t *testing.T) {
		createTestEvent(t, db, account.ID, "meeting-dup@example.com")
		dup := &TrackedEvent{
			UID:       "meeting-dup@example.com",
			AccountID: account.ID,
			Folder:    "INBOX",
			Summary:   "Copy",
		}
		if err := db.InsertEvent(dup); !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}
	})

	t.Run("get by uid", func(t *testing.T) {
		event := createTestEvent(t, db, account.ID, "meeting-2@example.com")

		got, err := db.GetEventByUID(account.ID, "INBOX", "meeting-2@example.com")
		if err != nil {
			t.Fatalf("GetEventByUID failed: %v", err)
		}
		if got.ID != event.ID {
			t.Errorf("wrong event: %d", got.ID)
		}
		if _, err := db.GetEventByUID(account.ID, "Archive", "meeting-2@example.com"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for other folder, got %v", err)
		}
	})
}

func TestMarkEventSynced(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	account := createTestIMAPAccount(t, db, "Mail")
	remoteMod := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("success adopts remote marker", func(t *testing.T) {
		event := createTestEvent(t, db, account.ID, "synced-1@example.com")

		err := db.MarkEventSynced(event.ID, event.LocalVersion, `"etag-1"`, &remoteMod,
			HistoryEntry{Timestamp: time.Now().UTC(), Action: "synced", Description: "Uploaded to Work"})
		if err != nil {
			t.Fatalf("MarkEventSynced failed: %v", err)
		}

		got, err := db.GetEventByID(event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if got.SyncedVersion != event.LocalVersion {
			t.Errorf("synced_version not adopted: %d", got.SyncedVersion)
		}
		if got.Status != EventStatusSynced {
			t.Errorf("expected status synced, got %s", got.Status)
		}
		if got.CalDAVETag != `"etag-1"` {
			t.Errorf("etag not stored: %s", got.CalDAVETag)
		}
		if got.RemoteLastModified == nil || !got.RemoteLastModified.Equal(remoteMod) {
			t.Errorf("remote last modified not stored: %v", got.RemoteLastModified)
		}
		if got.Dirty() {
			t.Error("synced event should not be dirty")
		}
	})

	t.Run("stale local version", func(t *testing.T) {
		event := createTestEvent(t, db, account.ID, "synced-2@example.com")

		// Local content changes between snapshot and push.
		if err := db.SetEventResponse(event.ID, ResponseAccepted,
			HistoryEntry{Timestamp: time.Now().UTC(), Action: "responded", Description: "Accepted"}); err != nil {
			t.Fatalf("SetEventResponse failed: %v", err)
		}

		err := db.MarkEventSynced(event.ID, event.LocalVersion, "", nil,
			HistoryEntry{Timestamp: time.Now().UTC(), Action: "synced"})
		if !errors.Is(err, ErrStaleVersion) {
			t.Fatalf("expected ErrStaleVersion, got %v", err)
		}

		got, err := db.GetEventByID(event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if got.SyncedVersion != 0 {
			t.Errorf("stale mark must not advance synced_version: %d", got.SyncedVersion)
		}
	})

	t.Run("clears conflict state", func(t *testing.T) {
		event := createTestEvent(t, db, account.ID, "synced-3@example.com")

		details := &ConflictDetails{
			Differences: []Difference{{Field: "summary", Label: "Summary", LocalValue: "A", RemoteValue: "B"}},
		}
		if err := db.MarkEventConflict(event.ID, "local and remote versions have diverged", details, &remoteMod,
			HistoryEntry{Timestamp: time.Now().UTC(), Action: "conflict"}); err != nil {
			t.Fatalf("MarkEventConflict failed: %v", err)
		}

		if err := db.MarkEventSynced(event.ID, event.LocalVersion, `"etag-2"`, &remoteMod,
			HistoryEntry{Timestamp: time.Now().UTC(), Action: "synced"}); err != nil {
			t.Fatalf("MarkEventSynced failed: %v", err)
		}

		got, err := db.GetEventByID(event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if got.HasConflict || got.ConflictReason != "" || got.ConflictDetails != nil {
			t.Errorf("conflict state not cleared: %v %q", got.HasConflict, got.ConflictReason)
		}
	})
}

func TestMarkEventConflict(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	account := createTestIMAPAccount(t, db, "Mail")
	event := createTestEvent(t, db, account.ID, "conflict-1@example.com")
	remoteMod := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	details := &ConflictDetails{
		Differences: []Difference{{Field: "start", Label: "Start time", LocalValue: "10:00", RemoteValue: "11:00"}},
		Suggestions: []Suggestion{{Action: ActionOverwriteCalendar, Label: "Overwrite calendar", RequiresConfirm: true}},
	}
	if err := db.MarkEventConflict(event.ID, "local and remote versions have diverged", details, &remoteMod,
		HistoryEntry{Timestamp: time.Now().UTC(), Action: "conflict", Description: "Remote entry changed"}); err != nil {
		t.Fatalf("MarkEventConflict failed: %v", err)
	}

	got, err := db.GetEventByID(event.ID)
	if err != nil {
		t.Fatalf("GetEventByID failed: %v", err)
	}
	if !got.HasConflict {
		t.Error("has_conflict not set")
	}
	if got.ConflictReason != "local and remote versions have diverged" {
		t.Errorf("wrong conflict reason: %q", got.ConflictReason)
	}
	if got.LastModifiedSource != ModifiedRemote {
		t.Errorf("expected remote modified source, got %s", got.LastModifiedSource)
	}
	if got.ConflictDetails == nil || len(got.ConflictDetails.Differences) != 1 {
		t.Fatalf("conflict details not round-tripped: %+v", got.ConflictDetails)
	}
	if got.ConflictDetails.Suggestions[0].Action != ActionOverwriteCalendar {
		t.Errorf("wrong suggestion: %+v", got.ConflictDetails.Suggestions[0])
	}
}

func TestSetEventResponse(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	account := createTestIMAPAccount(t, db, "Mail")
	event := createTestEvent(t, db, account.ID, "response-1@example.com")

	if err := db.SetEventResponse(event.ID, ResponseDeclined,
		HistoryEntry{Timestamp: time.Now().UTC(), Action: "responded", Description: "Declined"}); err != nil {
		t.Fatalf("SetEventResponse failed: %v", err)
	}

	got, err := db.GetEventByID(event.ID)
	if err != nil {
		t.Fatalf("GetEventByID failed: %v", err)
	}
	if got.ResponseStatus != ResponseDeclined {
		t.Errorf("response not stored: %s", got.ResponseStatus)
	}
	if got.LocalVersion != event.LocalVersion+1 {
		t.Errorf("response change must bump local_version: %d", got.LocalVersion)
	}
	if got.LastModifiedSource != ModifiedLocal {
		t.Errorf("expected local modified source, got %s", got.LastModifiedSource)
	}
}

func TestSetTrackingDisabled(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	account := createTestIMAPAccount(t, db, "Mail")
	event := createTestEvent(t, db, account.ID, "disabled-1@example.com")

	if err := db.MarkEventConflict(event.ID, "local and remote versions have diverged", &ConflictDetails{}, nil,
		HistoryEntry{Timestamp: time.Now().UTC(), Action: "conflict"}); err != nil {
		t.Fatalf("MarkEventConflict failed: %v", err)
	}
	if err := db.SetTrackingDisabled(event.ID,
		HistoryEntry{Timestamp: time.Now().UTC(), Action: "tracking-disabled", Description: "Tracking disabled"}); err != nil {
		t.Fatalf("SetTrackingDisabled failed: %v", err)
	}

	got, err := db.GetEventByID(event.ID)
	if err != nil {
		t.Fatalf("GetEventByID failed: %v", err)
	}
	if !got.TrackingDisabled {
		t.Error("tracking_disabled not set")
	}
	if got.HasConflict || got.ConflictReason != "" {
		t.Error("disabling tracking must clear conflict state")
	}

	events, err := db.ListSyncableEvents(account.ID, "INBOX")
	if err != nil {
		t.Fatalf("ListSyncableEvents failed: %v", err)
	}
	for _, e := range events {
		if e.ID == event.ID {
			t.Error("disabled event listed as syncable")
		}
	}
}

func TestSetMailError(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	account := createTestIMAPAccount(t, db, "Mail")
	event := createTestEvent(t, db, account.ID, "mail-1@example.com")

	if err := db.SetMailError(event.ID, "mailbox unreachable",
		HistoryEntry{Timestamp: time.Now().UTC(), Action: "mail-delete-failed"}); err != nil {
		t.Fatalf("SetMailError failed: %v", err)
	}
	got, err := db.GetEventByID(event.ID)
	if err != nil {
		t.Fatalf("GetEventByID failed: %v", err)
	}
	if got.MailError != "mailbox unreachable" {
		t.Errorf("mail error not stored: %q", got.MailError)
	}

	if err := db.SetMailError(event.ID, "",
		HistoryEntry{Timestamp: time.Now().UTC(), Action: "mail-deleted"}); err != nil {
		t.Fatalf("SetMailError clear failed: %v", err)
	}
	got, err = db.GetEventByID(event.ID)
	if err != nil {
		t.Fatalf("GetEventByID failed: %v", err)
	}
	if got.MailError != "" {
		t.Errorf("mail error not cleared: %q", got.MailError)
	}
	if len(got.History) < 3 {
		t.Errorf("history entries missing: %d", len(got.History))
	}
}

func TestListEventsByIDs(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	account := createTestIMAPAccount(t, db, "Mail")
	first := createTestEvent(t, db, account.ID, "list-1@example.com")
	second := createTestEvent(t, db, account.ID, "list-2@example.com")

	events, err := db.ListEventsByIDs([]int64{second.ID, first.ID, 99999})
	if err != nil {
		t.Fatalf("ListEventsByIDs failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != first.ID || events[1].ID != second.ID {
		t.Errorf("events not in ascending id order: %d, %d", events[0].ID, events[1].ID)
	}

	events, err = db.ListEventsByIDs(nil)
	if err != nil {
		t.Fatalf("ListEventsByIDs(nil) failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events for empty id list, got %d", len(events))
	}
}
