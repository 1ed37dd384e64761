package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"calsync/internal/db"
	"calsync/internal/ics"
)

var (
	ErrConnectionFailed = errors.New("caldav connection failed")
	ErrInvalidResponse  = errors.New("invalid caldav server response")
	ErrMalformedContent = errors.New("malformed calendar content")
)

const (
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// CalendarInfo describes one remote calendar collection.
type CalendarInfo struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// RemoteEntry is the remote store's version of a tracked event.
type RemoteEntry struct {
	ETag           string
	LastModified   time.Time
	Summary        string
	Organizer      string
	Start          time.Time
	End            time.Time
	ResponseStatus db.ResponseStatus
	Raw            string
}

// OverlapEntry describes a remote event overlapping a tracked event's slot.
type OverlapEntry struct {
	UID     string    `json:"uid"`
	Summary string    `json:"summary"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
}

// Store is the capability set the sync core needs from a calendar store.
type Store interface {
	FetchEntry(ctx context.Context, settings db.CalDAVSettings, calendarURL, uid string) (*RemoteEntry, error)
	PutEntry(ctx context.Context, settings db.CalDAVSettings, calendarURL, uid, payload string) (string, error)
	DeleteEntry(ctx context.Context, settings db.CalDAVSettings, calendarURL, uid string) error
	ListCalendars(ctx context.Context, settings db.CalDAVSettings) ([]CalendarInfo, error)
	FindOverlapping(ctx context.Context, settings db.CalDAVSettings, calendarURL string, start, end time.Time, excludeUID string) ([]OverlapEntry, error)
	TestConnection(ctx context.Context, settings db.CalDAVSettings) error
}

// Client implements Store over CalDAV.
type Client struct{}

// NewClient creates a new CalDAV store client.
func NewClient() *Client {
	return &Client{}
}

func session(settings db.CalDAVSettings, endpoint string) (*caldav.Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint URL is required", ErrConnectionFailed)
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	httpClient := &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
	}

	client, err := caldav.NewClient(
		webdav.HTTPClientWithBasicAuth(httpClient, settings.Username, settings.Password),
		endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create client: %w", ErrConnectionFailed, err)
	}

	return client, nil
}

// entryPath derives the object path for a uid within a calendar collection.
func entryPath(calendarURL, uid string) string {
	path := calendarURL
	if parsed, err := url.Parse(calendarURL); err == nil && parsed.Path != "" {
		path = parsed.Path
	}
	return strings.TrimSuffix(path, "/") + "/" + uid + ".ics"
}

// TestConnection checks the credentials by locating the current principal.
func (c *Client) TestConnection(ctx context.Context, settings db.CalDAVSettings) error {
	client, err := session(settings, settings.URL)
	if err != nil {
		return err
	}
	if _, err := client.FindCurrentUserPrincipal(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// ListCalendars discovers all calendars reachable with the given credentials.
func (c *Client) ListCalendars(ctx context.Context, settings db.CalDAVSettings) ([]CalendarInfo, error) {
	client, err := session(settings, settings.URL)
	if err != nil {
		return nil, err
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find principal: %w", ErrConnectionFailed, err)
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find home set: %w", ErrConnectionFailed, err)
	}

	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find calendars: %w", ErrConnectionFailed, err)
	}

	calendars := make([]CalendarInfo, 0, len(cals))
	for _, cal := range cals {
		name := cal.Name
		if name == "" {
			name = cal.Path
		}
		calendars = append(calendars, CalendarInfo{URL: cal.Path, Name: name})
	}

	return calendars, nil
}

// FetchEntry retrieves the remote version of an event. A nil entry with nil
// error means the object does not exist in the calendar.
func (c *Client) FetchEntry(ctx context.Context, settings db.CalDAVSettings, calendarURL, uid string) (*RemoteEntry, error) {
	client, err := session(settings, calendarURL)
	if err != nil {
		return nil, err
	}

	obj, err := client.GetCalendarObject(ctx, entryPath(calendarURL, uid))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to fetch entry %s: %w", ErrConnectionFailed, uid, err)
	}
	if obj.Data == nil {
		return nil, fmt.Errorf("%w: entry %s has no calendar data", ErrInvalidResponse, uid)
	}

	entry := &RemoteEntry{
		ETag:         obj.ETag,
		LastModified: obj.ModTime.UTC(),
		Raw:          encodeCalendar(obj.Data),
	}

	for _, evt := range obj.Data.Events() {
		objUID, err := evt.Props.Text(ical.PropUID)
		if err != nil || objUID != uid {
			continue
		}
		if summary, err := evt.Props.Text(ical.PropSummary); err == nil {
			entry.Summary = summary
		}
		if organizer, err := evt.Props.Text(ical.PropOrganizer); err == nil {
			entry.Organizer = organizer
		}
		if prop := evt.Props.Get(ical.PropDateTimeStart); prop != nil {
			if t, err := prop.DateTime(time.UTC); err == nil {
				entry.Start = t
			}
		}
		if prop := evt.Props.Get(ical.PropDateTimeEnd); prop != nil {
			if t, err := prop.DateTime(time.UTC); err == nil {
				entry.End = t
			}
		}
		if prop := evt.Props.Get(ics.PropResponse); prop != nil {
			entry.ResponseStatus = db.ResponseStatus(strings.ToLower(strings.TrimSpace(prop.Value)))
		}
		break
	}

	return entry, nil
}

// PutEntry uploads an event payload and returns the new ETag when the server
// supplies one.
func (c *Client) PutEntry(ctx context.Context, settings db.CalDAVSettings, calendarURL, uid, payload string) (string, error) {
	cal, err := parseCalendar(payload)
	if err != nil {
		return "", err
	}

	client, err := session(settings, calendarURL)
	if err != nil {
		return "", err
	}

	obj, err := client.PutCalendarObject(ctx, entryPath(calendarURL, uid), cal)
	if err != nil {
		return "", fmt.Errorf("%w: failed to put entry %s: %w", ErrConnectionFailed, uid, err)
	}

	return obj.ETag, nil
}

// DeleteEntry removes an event from the calendar. Deleting an absent entry
// is not an error.
func (c *Client) DeleteEntry(ctx context.Context, settings db.CalDAVSettings, calendarURL, uid string) error {
	client, err := session(settings, calendarURL)
	if err != nil {
		return err
	}

	if err := client.RemoveAll(ctx, entryPath(calendarURL, uid)); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: failed to delete entry %s: %w", ErrConnectionFailed, uid, err)
	}
	return nil
}

// FindOverlapping returns remote events whose time range overlaps the given
// window, excluding the event being checked. Used for informational
// scheduling conflicts, not for sync conflict detection.
func (c *Client) FindOverlapping(ctx context.Context, settings db.CalDAVSettings, calendarURL string, start, end time.Time, excludeUID string) ([]OverlapEntry, error) {
	client, err := session(settings, calendarURL)
	if err != nil {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []caldav.CalendarCompRequest{
				{Name: "VEVENT"},
			},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{
				{Name: "VEVENT", Start: start, End: end},
			},
		},
	}

	calendarPath := calendarURL
	if parsed, err := url.Parse(calendarURL); err == nil && parsed.Path != "" {
		calendarPath = parsed.Path
	}

	objects, err := client.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("%w: overlap query failed: %w", ErrConnectionFailed, err)
	}

	var overlaps []OverlapEntry
	seen := make(map[string]bool)
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, evt := range obj.Data.Events() {
			uid, err := evt.Props.Text(ical.PropUID)
			if err != nil || uid == "" || uid == excludeUID || seen[uid] {
				continue
			}

			var evtStart, evtEnd time.Time
			if prop := evt.Props.Get(ical.PropDateTimeStart); prop != nil {
				if t, err := prop.DateTime(time.UTC); err == nil {
					evtStart = t
				}
			}
			if prop := evt.Props.Get(ical.PropDateTimeEnd); prop != nil {
				if t, err := prop.DateTime(time.UTC); err == nil {
					evtEnd = t
				}
			}
			if evtStart.IsZero() {
				continue
			}
			if evtEnd.IsZero() || !evtEnd.After(evtStart) {
				// Default to a 30 minute slot when no usable end is given
				evtEnd = evtStart.Add(30 * time.Minute)
			}

			if rangesOverlap(start, end, evtStart, evtEnd) {
				seen[uid] = true
				summary, _ := evt.Props.Text(ical.PropSummary)
				overlaps = append(overlaps, OverlapEntry{
					UID:     uid,
					Summary: summary,
					Start:   evtStart,
					End:     evtEnd,
				})
			}
		}
	}

	return overlaps, nil
}

func rangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	latestStart := aStart
	if bStart.After(latestStart) {
		latestStart = bStart
	}
	earliestEnd := aEnd
	if bEnd.Before(earliestEnd) {
		earliestEnd = bEnd
	}
	return latestStart.Before(earliestEnd)
}

// isNotFound detects a 404 from the server. go-webdav does not export its
// HTTPError type, so this matches the error string the client produces.
func isNotFound(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "404") || strings.Contains(errStr, "not found")
}

func parseCalendar(data string) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedContent, err)
	}
	return cal, nil
}

func encodeCalendar(cal *ical.Calendar) string {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return ""
	}
	return buf.String()
}
