package syncer

import (
	"errors"
	"testing"
	"time"

	"calsync/internal/db"
	"calsync/internal/ics"
)

const inviteFixture = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example Corp//Mail//EN\r\n" +
	"METHOD:REQUEST\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:meeting-123@example.com\r\n" +
	"DTSTAMP:20260301T090000Z\r\n" +
	"DTSTART:20260315T100000Z\r\n" +
	"DTEND:20260315T110000Z\r\n" +
	"SUMMARY:Planning Meeting\r\n" +
	"ORGANIZER:mailto:boss@example.com\r\n" +
	"ATTENDEE;CN=Jane Doe;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:jane@example.com\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const movedInviteFixture = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example Corp//Mail//EN\r\n" +
	"METHOD:REQUEST\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:meeting-123@example.com\r\n" +
	"DTSTAMP:20260302T090000Z\r\n" +
	"DTSTART:20260315T140000Z\r\n" +
	"DTEND:20260315T150000Z\r\n" +
	"SUMMARY:Planning Meeting (moved)\r\n" +
	"ORGANIZER:mailto:boss@example.com\r\n" +
	"ATTENDEE;CN=Jane Doe;PARTSTAT=NEEDS-ACTION;RSVP=TRUE:mailto:jane@example.com\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const cancelFixture = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example Corp//Mail//EN\r\n" +
	"METHOD:CANCEL\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:meeting-123@example.com\r\n" +
	"DTSTAMP:20260303T090000Z\r\n" +
	"DTSTART:20260315T140000Z\r\n" +
	"DTEND:20260315T150000Z\r\n" +
	"SUMMARY:Planning Meeting (moved)\r\n" +
	"ORGANIZER:mailto:boss@example.com\r\n" +
	"STATUS:CANCELLED\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const replyFixture = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example Corp//Mail//EN\r\n" +
	"METHOD:REPLY\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:meeting-123@example.com\r\n" +
	"DTSTAMP:20260304T090000Z\r\n" +
	"DTSTART:20260315T100000Z\r\n" +
	"DTEND:20260315T110000Z\r\n" +
	"SUMMARY:Planning Meeting\r\n" +
	"ORGANIZER:mailto:boss@example.com\r\n" +
	"ATTENDEE;CN=Jane Doe;PARTSTAT=DECLINED:mailto:jane@example.com\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

// parseFixture parses an ICS fixture into its single event.
func parseFixture(t *testing.T, payload string) ics.ParsedEvent {
	t.Helper()
	events, err := ics.Parse([]byte(payload))
	if err != nil {
		t.Fatalf("failed to parse fixture: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event in fixture, got %d", len(events))
	}
	return events[0]
}

// setupImporter creates a database with one IMAP account and an importer.
func setupImporter(t *testing.T) (*db.DB, *Importer, string, func()) {
	t.Helper()

	database, cleanup := setupTestDB(t)
	account := &db.Account{
		Label: "Mail",
		Type:  db.AccountTypeIMAP,
		Settings: db.AccountSettings{
			IMAP: &db.IMAPSettings{Host: "imap.example.com", Port: 993, Username: "u", Password: "p", SSL: true},
		},
		ScanFolders: []string{"INBOX"},
	}
	if err := database.CreateAccount(account); err != nil {
		cleanup()
		t.Fatalf("failed to create account: %v", err)
	}
	return database, NewImporter(database), account.ID, cleanup
}

func TestImport(t *testing.T) {
	t.Run("new invitation", func(t *testing.T) {
		_, importer, accountID, cleanup := setupImporter(t)
		defer cleanup()

		result, err := importer.Import(accountID, "INBOX", "<msg-1@mail>", parseFixture(t, inviteFixture))
		if err != nil {
			t.Fatalf("Import failed: %v", err)
		}
		if !result.Created || result.Updated {
			t.Errorf("expected created result, got %+v", result)
		}
		event := result.Event
		if event.UID != "meeting-123@example.com" {
			t.Errorf("wrong uid: %s", event.UID)
		}
		if event.Status != db.EventStatusNew {
			t.Errorf("expected status new, got %s", event.Status)
		}
		if event.ResponseStatus != db.ResponseNone {
			t.Errorf("invitation must start unanswered, got %s", event.ResponseStatus)
		}
		if !event.Start.Equal(time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)) {
			t.Errorf("wrong start: %v", event.Start)
		}
	})

	t.Run("unchanged re-import is a no-op", func(t *testing.T) {
		database, importer, accountID, cleanup := setupImporter(t)
		defer cleanup()

		first, err := importer.Import(accountID, "INBOX", "<msg-1@mail>", parseFixture(t, inviteFixture))
		if err != nil {
			t.Fatalf("Import failed: %v", err)
		}

		second, err := importer.Import(accountID, "INBOX", "<msg-1@mail>", parseFixture(t, inviteFixture))
		if err != nil {
			t.Fatalf("re-Import failed: %v", err)
		}
		if second.Created || second.Updated {
			t.Errorf("expected no-op result, got %+v", second)
		}

		got, err := database.GetEventByID(first.Event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if got.LocalVersion != 1 {
			t.Errorf("no-op re-import must not bump local_version: %d", got.LocalVersion)
		}
		if len(got.History) != 1 {
			t.Errorf("no-op re-import must not append history: %d entries", len(got.History))
		}
	})

	t.Run("changed re-import updates", func(t *testing.T) {
		database, importer, accountID, cleanup := setupImporter(t)
		defer cleanup()

		first, err := importer.Import(accountID, "INBOX", "<msg-1@mail>", parseFixture(t, inviteFixture))
		if err != nil {
			t.Fatalf("Import failed: %v", err)
		}

		second, err := importer.Import(accountID, "INBOX", "<msg-2@mail>", parseFixture(t, movedInviteFixture))
		if err != nil {
			t.Fatalf("re-Import failed: %v", err)
		}
		if !second.Updated || second.Created {
			t.Errorf("expected updated result, got %+v", second)
		}

		got, err := database.GetEventByID(first.Event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if got.LocalVersion != 2 {
			t.Errorf("changed re-import must bump local_version: %d", got.LocalVersion)
		}
		if got.Status != db.EventStatusUpdated {
			t.Errorf("expected status updated, got %s", got.Status)
		}
		if got.Summary != "Planning Meeting (moved)" {
			t.Errorf("content not updated: %q", got.Summary)
		}
		if got.MessageID != "<msg-2@mail>" {
			t.Errorf("message id not updated: %s", got.MessageID)
		}
	})

	t.Run("cancellation", func(t *testing.T) {
		database, importer, accountID, cleanup := setupImporter(t)
		defer cleanup()

		first, err := importer.Import(accountID, "INBOX", "<msg-1@mail>", parseFixture(t, inviteFixture))
		if err != nil {
			t.Fatalf("Import failed: %v", err)
		}
		if _, err := importer.Import(accountID, "INBOX", "<msg-3@mail>", parseFixture(t, cancelFixture)); err != nil {
			t.Fatalf("cancel Import failed: %v", err)
		}

		got, err := database.GetEventByID(first.Event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if got.Status != db.EventStatusCancelled {
			t.Errorf("expected status cancelled, got %s", got.Status)
		}
	})

	t.Run("re-sent invitation revives cancelled event", func(t *testing.T) {
		database, importer, accountID, cleanup := setupImporter(t)
		defer cleanup()

		first, err := importer.Import(accountID, "INBOX", "<msg-1@mail>", parseFixture(t, inviteFixture))
		if err != nil {
			t.Fatalf("Import failed: %v", err)
		}
		if _, err := importer.Import(accountID, "INBOX", "<msg-3@mail>", parseFixture(t, cancelFixture)); err != nil {
			t.Fatalf("cancel Import failed: %v", err)
		}
		if _, err := importer.Import(accountID, "INBOX", "<msg-4@mail>", parseFixture(t, inviteFixture)); err != nil {
			t.Fatalf("revive Import failed: %v", err)
		}

		got, err := database.GetEventByID(first.Event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if got.Status != db.EventStatusUpdated {
			t.Errorf("re-sent invitation must revive the event, got %s", got.Status)
		}
	})

	t.Run("reply carries response", func(t *testing.T) {
		database, importer, accountID, cleanup := setupImporter(t)
		defer cleanup()

		first, err := importer.Import(accountID, "INBOX", "<msg-1@mail>", parseFixture(t, inviteFixture))
		if err != nil {
			t.Fatalf("Import failed: %v", err)
		}
		if _, err := importer.Import(accountID, "INBOX", "<msg-5@mail>", parseFixture(t, replyFixture)); err != nil {
			t.Fatalf("reply Import failed: %v", err)
		}

		got, err := database.GetEventByID(first.Event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if got.ResponseStatus != db.ResponseDeclined {
			t.Errorf("reply response not applied: %s", got.ResponseStatus)
		}
	})

	t.Run("conflict survives changed re-import", func(t *testing.T) {
		database, importer, accountID, cleanup := setupImporter(t)
		defer cleanup()

		first, err := importer.Import(accountID, "INBOX", "<msg-1@mail>", parseFixture(t, inviteFixture))
		if err != nil {
			t.Fatalf("Import failed: %v", err)
		}
		if err := database.MarkEventConflict(first.Event.ID, "local and remote versions have diverged",
			&db.ConflictDetails{}, nil,
			db.HistoryEntry{Timestamp: time.Now().UTC(), Action: "conflict"}); err != nil {
			t.Fatalf("MarkEventConflict failed: %v", err)
		}

		result, err := importer.Import(accountID, "INBOX", "<msg-2@mail>", parseFixture(t, movedInviteFixture))
		if err != nil {
			t.Fatalf("re-Import failed: %v", err)
		}
		if !result.Updated {
			t.Fatalf("expected content update, got %+v", result)
		}

		got, err := database.GetEventByID(first.Event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if !got.HasConflict {
			t.Error("conflict flag must survive a content re-import")
		}
		if got.LocalVersion != 2 {
			t.Errorf("LocalVersion = %d, want 2", got.LocalVersion)
		}
	})

	t.Run("tracking disabled blocks content updates", func(t *testing.T) {
		database, importer, accountID, cleanup := setupImporter(t)
		defer cleanup()

		first, err := importer.Import(accountID, "INBOX", "<msg-1@mail>", parseFixture(t, inviteFixture))
		if err != nil {
			t.Fatalf("Import failed: %v", err)
		}
		if err := database.SetTrackingDisabled(first.Event.ID,
			db.HistoryEntry{Timestamp: time.Now().UTC(), Action: "tracking-disabled"}); err != nil {
			t.Fatalf("SetTrackingDisabled failed: %v", err)
		}

		result, err := importer.Import(accountID, "INBOX", "<msg-2@mail>", parseFixture(t, movedInviteFixture))
		if err != nil {
			t.Fatalf("re-Import failed: %v", err)
		}
		if result.Created || result.Updated {
			t.Errorf("disabled event must not be touched, got %+v", result)
		}

		got, err := database.GetEventByID(first.Event.ID)
		if err != nil {
			t.Fatalf("GetEventByID failed: %v", err)
		}
		if got.Summary != "Planning Meeting" {
			t.Errorf("disabled event content changed: %q", got.Summary)
		}
	})
}

func TestImportFailure(t *testing.T) {
	database, importer, accountID, cleanup := setupImporter(t)
	defer cleanup()

	parseErr := errors.New("malformed calendar payload")

	event, err := importer.ImportFailure(accountID, "INBOX", "<msg-9@mail>", "invite (1).ics", parseErr)
	if err != nil {
		t.Fatalf("ImportFailure failed: %v", err)
	}
	if event.Status != db.EventStatusFailed {
		t.Errorf("expected status failed, got %s", event.Status)
	}
	if event.UID != "unparsed-<msg-9@mail>-invite--1-.ics" {
		t.Errorf("unexpected failure uid: %s", event.UID)
	}
	if event.MailError != "malformed calendar payload" {
		t.Errorf("parse error not recorded: %q", event.MailError)
	}

	// A re-scan of the same message must not create another row.
	again, err := importer.ImportFailure(accountID, "INBOX", "<msg-9@mail>", "invite (1).ics", parseErr)
	if err != nil {
		t.Fatalf("repeat ImportFailure failed: %v", err)
	}
	if again.ID != event.ID {
		t.Errorf("repeat failure created a new row: %d vs %d", again.ID, event.ID)
	}

	events, err := database.ListSyncableEvents(accountID, "INBOX")
	if err != nil {
		t.Fatalf("ListSyncableEvents failed: %v", err)
	}
	for _, e := range events {
		if e.ID == event.ID {
			t.Error("failed event listed as syncable")
		}
	}
}
