package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomail "github.com/emersion/go-message/mail"

	"calsync/internal/db"
	"calsync/internal/ics"
)

var (
	ErrConnectionFailed = errors.New("mailbox connection failed")
	ErrAuthFailed       = errors.New("mailbox authentication failed")
	ErrMessageNotFound  = errors.New("message not found")
)

// Attachment is one calendar part extracted from a message.
type Attachment struct {
	Filename    string
	ContentType string
	Payload     []byte
}

// Candidate is a message that may carry calendar content.
type Candidate struct {
	MessageID   string // IMAP UID, stable within the folder
	Subject     string
	Sender      string
	Folder      string
	Attachments []Attachment
	Links       []string
}

// Mailbox is the capability set the sync core needs from a mail store.
type Mailbox interface {
	FetchCandidates(ctx context.Context, settings db.IMAPSettings, folders []string) ([]Candidate, error)
	DeleteMessage(ctx context.Context, settings db.IMAPSettings, folder, messageID string) error
	TestConnection(ctx context.Context, settings db.IMAPSettings) error
	ListFolders(ctx context.Context, settings db.IMAPSettings) ([]string, error)
}

// Client implements Mailbox over IMAP.
type Client struct{}

// NewClient creates a new IMAP mailbox client.
func NewClient() *Client {
	return &Client{}
}

func connect(settings db.IMAPSettings) (*imapclient.Client, error) {
	port := settings.Port
	if port == 0 {
		if settings.SSL {
			port = 993
		} else {
			port = 143
		}
	}
	addr := net.JoinHostPort(settings.Host, strconv.Itoa(port))

	var conn net.Conn
	var err error
	if settings.SSL {
		conn, err = tls.Dial("tcp", addr, &tls.Config{
			ServerName: settings.Host,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	client := imapclient.New(conn, &imapclient.Options{})
	if err := client.Login(settings.Username, settings.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	return client, nil
}

// TestConnection verifies the mailbox credentials by logging in and
// selecting INBOX.
func (c *Client) TestConnection(ctx context.Context, settings db.IMAPSettings) error {
	client, err := connect(settings)
	if err != nil {
		return err
	}
	defer client.Logout().Wait()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("%w: cannot select INBOX: %w", ErrConnectionFailed, err)
	}
	return nil
}

// ListFolders returns all mailbox folder names.
func (c *Client) ListFolders(ctx context.Context, settings db.IMAPSettings) ([]string, error) {
	client, err := connect(settings)
	if err != nil {
		return nil, err
	}
	defer client.Logout().Wait()

	return listFolderNames(client)
}

func listFolderNames(client *imapclient.Client) ([]string, error) {
	mailboxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list folders: %w", ErrConnectionFailed, err)
	}

	names := make([]string, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		names = append(names, mbox.Mailbox)
	}
	return names, nil
}

// FetchCandidates scans the selected folders (including their subfolders)
// and returns every message carrying calendar content: a text/calendar part,
// an .ics attachment, or a calendar download link in the plain text body.
func (c *Client) FetchCandidates(ctx context.Context, settings db.IMAPSettings, folders []string) ([]Candidate, error) {
	client, err := connect(settings)
	if err != nil {
		return nil, err
	}
	defer client.Logout().Wait()

	available, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list folders: %w", ErrConnectionFailed, err)
	}

	var candidates []Candidate
	for _, folder := range expandFolders(folders, available) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		found, err := c.scanFolder(client, folder)
		if err != nil {
			log.Printf("Skipping folder %s: %v", folder, err)
			continue
		}
		candidates = append(candidates, found...)
	}

	return candidates, nil
}

func (c *Client) scanFolder(client *imapclient.Client, folder string) ([]Candidate, error) {
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return nil, fmt.Errorf("cannot select folder: %w", err)
	}

	searchData, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(uids...)

	bodySection := &imap.FetchItemBodySection{}
	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var candidates []Candidate
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			log.Printf("Failed to collect message in %s: %v", folder, err)
			continue
		}

		body := buf.FindBodySection(bodySection)
		if body == nil {
			continue
		}

		candidate, err := parseCandidate(body, folder, buf)
		if err != nil {
			log.Printf("Failed to parse message %d in %s: %v", uint32(buf.UID), folder, err)
			continue
		}
		if len(candidate.Attachments) == 0 && len(candidate.Links) == 0 {
			continue
		}
		candidates = append(candidates, candidate)
	}

	return candidates, nil
}

func parseCandidate(body []byte, folder string, buf *imapclient.FetchMessageBuffer) (Candidate, error) {
	candidate := Candidate{
		MessageID: strconv.FormatUint(uint64(buf.UID), 10),
		Folder:    folder,
	}
	if buf.Envelope != nil {
		candidate.Subject = buf.Envelope.Subject
		if len(buf.Envelope.From) > 0 {
			candidate.Sender = buf.Envelope.From[0].Addr()
		}
	}

	reader, err := gomail.CreateReader(strings.NewReader(string(body)))
	if err != nil {
		return candidate, fmt.Errorf("cannot read MIME structure: %w", err)
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return candidate, fmt.Errorf("cannot read MIME part: %w", err)
		}

		contentType, filename := partMeta(part)

		isCalendarPart := contentType == "text/calendar" ||
			(filename != "" && strings.HasSuffix(strings.ToLower(filename), ".ics"))

		if isCalendarPart {
			payload, err := io.ReadAll(part.Body)
			if err != nil {
				return candidate, fmt.Errorf("cannot read calendar part: %w", err)
			}
			if filename == "" {
				filename = "calendar.ics"
			}
			candidate.Attachments = append(candidate.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Payload:     payload,
			})
			continue
		}

		if contentType == "text/plain" {
			text, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			candidate.Links = append(candidate.Links, ics.ExtractCalendarLinks(string(text))...)
		}
	}

	return candidate, nil
}

// partMeta extracts the content type and, for attachments, the filename.
// mail.PartHeader is a minimal interface; the concrete header types carry
// the ContentType accessor.
func partMeta(part *gomail.Part) (contentType, filename string) {
	switch header := part.Header.(type) {
	case *gomail.AttachmentHeader:
		contentType, _, _ = header.ContentType()
		if name, err := header.Filename(); err == nil {
			filename = name
		}
	case *gomail.InlineHeader:
		contentType, _, _ = header.ContentType()
	}
	return contentType, filename
}

// expandFolders resolves the configured folder names against the mailbox's
// actual folder list, pulling in subfolders via the hierarchy delimiter.
func expandFolders(folders []string, available []*imap.ListData) []string {
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}

	var resolved []string
	seen := make(map[string]bool)

	for _, base := range folders {
		if !seen[base] {
			resolved = append(resolved, base)
			seen[base] = true
		}
		for _, mbox := range available {
			if mbox.Mailbox == base {
				continue
			}
			delim := string(mbox.Delim)
			if delim == "" {
				delim = "/"
			}
			if strings.HasPrefix(mbox.Mailbox, base+delim) && !seen[mbox.Mailbox] {
				resolved = append(resolved, mbox.Mailbox)
				seen[mbox.Mailbox] = true
			}
		}
	}

	return resolved
}

// DeleteMessage flags the message deleted and expunges the folder.
func (c *Client) DeleteMessage(ctx context.Context, settings db.IMAPSettings, folder, messageID string) error {
	uid, err := strconv.ParseUint(messageID, 10, 32)
	if err != nil {
		return fmt.Errorf("%w: invalid message reference %q", ErrMessageNotFound, messageID)
	}

	client, err := connect(settings)
	if err != nil {
		return err
	}
	defer client.Logout().Wait()

	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("%w: cannot select folder: %w", ErrConnectionFailed, err)
	}

	uidSet := imap.UIDSetNum(imap.UID(uid))
	storeFlags := &imap.StoreFlags{
		Op:    imap.StoreFlagsAdd,
		Flags: []imap.Flag{imap.FlagDeleted},
	}
	if err := client.Store(uidSet, storeFlags, nil).Close(); err != nil {
		return fmt.Errorf("%w: failed to flag message deleted: %w", ErrConnectionFailed, err)
	}

	if err := client.Expunge().Close(); err != nil {
		return fmt.Errorf("%w: failed to expunge folder: %w", ErrConnectionFailed, err)
	}

	return nil
}
