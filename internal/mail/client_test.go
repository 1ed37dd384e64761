package mail

import (
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

const inviteMessage = `From: boss@example.com
To: jane@example.com
Subject: Planning Meeting
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="frontier"

--frontier
Content-Type: text/plain; charset=utf-8

You are invited. Full details: https://cal.example.com/invites/meeting-123.ics
--frontier
Content-Type: text/calendar; method=REQUEST; charset=utf-8

BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example//Mailer//EN
BEGIN:VEVENT
UID:meeting-123@example.com
DTSTAMP:20260301T000000Z
DTSTART:20260315T100000Z
SUMMARY:Planning Meeting
END:VEVENT
END:VCALENDAR
--frontier
Content-Type: application/octet-stream
Content-Disposition: attachment; filename="invite.ics"

BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example//Mailer//EN
BEGIN:VEVENT
UID:meeting-123@example.com
DTSTAMP:20260301T000000Z
DTSTART:20260315T100000Z
SUMMARY:Planning Meeting
END:VEVENT
END:VCALENDAR
--frontier--
`

const plainMessage = `From: newsletter@example.com
To: jane@example.com
Subject: Weekly digest
MIME-Version: 1.0
Content-Type: text/plain; charset=utf-8

Nothing calendar-related in here.
`

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseCandidate(t *testing.T) {
	buf := &imapclient.FetchMessageBuffer{
		UID: 42,
		Envelope: &imap.Envelope{
			Subject: "Planning Meeting",
			From:    []imap.Address{{Mailbox: "boss", Host: "example.com"}},
		},
	}

	t.Run("calendar parts and links", func(t *testing.T) {
		candidate, err := parseCandidate(crlf(inviteMessage), "INBOX", buf)
		if err != nil {
			t.Fatalf("parseCandidate failed: %v", err)
		}

		if candidate.MessageID != "42" {
			t.Errorf("MessageID = %q, expected %q", candidate.MessageID, "42")
		}
		if candidate.Subject != "Planning Meeting" {
			t.Errorf("Subject = %q", candidate.Subject)
		}
		if candidate.Sender != "boss@example.com" {
			t.Errorf("Sender = %q", candidate.Sender)
		}

		if len(candidate.Attachments) != 2 {
			t.Fatalf("expected 2 calendar parts, got %d", len(candidate.Attachments))
		}
		// Inline text/calendar part gets a default filename
		if candidate.Attachments[0].ContentType != "text/calendar" {
			t.Errorf("ContentType = %q", candidate.Attachments[0].ContentType)
		}
		if candidate.Attachments[0].Filename != "calendar.ics" {
			t.Errorf("Filename = %q, expected calendar.ics", candidate.Attachments[0].Filename)
		}
		// Attachment matched on the .ics suffix despite a generic content type
		if candidate.Attachments[1].Filename != "invite.ics" {
			t.Errorf("Filename = %q, expected invite.ics", candidate.Attachments[1].Filename)
		}
		if !strings.Contains(string(candidate.Attachments[1].Payload), "meeting-123@example.com") {
			t.Error("attachment payload missing event UID")
		}

		if len(candidate.Links) != 1 || candidate.Links[0] != "https://cal.example.com/invites/meeting-123.ics" {
			t.Errorf("Links = %v", candidate.Links)
		}
	})

	t.Run("plain message yields nothing", func(t *testing.T) {
		candidate, err := parseCandidate(crlf(plainMessage), "INBOX", buf)
		if err != nil {
			t.Fatalf("parseCandidate failed: %v", err)
		}
		if len(candidate.Attachments) != 0 || len(candidate.Links) != 0 {
			t.Errorf("expected no calendar content, got %d attachments, %d links",
				len(candidate.Attachments), len(candidate.Links))
		}
	})
}

func TestExpandFolders(t *testing.T) {
	available := []*imap.ListData{
		{Mailbox: "INBOX", Delim: '/'},
		{Mailbox: "INBOX/Invitations", Delim: '/'},
		{Mailbox: "INBOX/Invitations/2026", Delim: '/'},
		{Mailbox: "Archive", Delim: '/'},
	}

	t.Run("includes subfolders", func(t *testing.T) {
		got := expandFolders([]string{"INBOX"}, available)
		expected := []string{"INBOX", "INBOX/Invitations", "INBOX/Invitations/2026"}
		if len(got) != len(expected) {
			t.Fatalf("expandFolders = %v, expected %v", got, expected)
		}
		for i := range expected {
			if got[i] != expected[i] {
				t.Errorf("expandFolders[%d] = %q, expected %q", i, got[i], expected[i])
			}
		}
	})

	t.Run("defaults to INBOX", func(t *testing.T) {
		got := expandFolders(nil, available)
		if len(got) == 0 || got[0] != "INBOX" {
			t.Errorf("expandFolders = %v, expected INBOX first", got)
		}
	})

	t.Run("deduplicates overlapping bases", func(t *testing.T) {
		got := expandFolders([]string{"INBOX", "INBOX/Invitations"}, available)
		seen := make(map[string]int)
		for _, name := range got {
			seen[name]++
		}
		for name, count := range seen {
			if count > 1 {
				t.Errorf("folder %s listed %d times", name, count)
			}
		}
	})
}
