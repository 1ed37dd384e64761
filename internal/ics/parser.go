package ics

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"calsync/internal/db"
)

var (
	ErrMalformedPayload = errors.New("malformed calendar payload")
	ErrMissingUID       = errors.New("calendar event has no UID")
)

// PropResponse carries the stored participation decision into the pushed
// calendar object so calendar clients can surface it.
const PropResponse = "X-CALSYNC-RESPONSE"

// ParsedEvent is one VEVENT extracted from an invitation payload.
type ParsedEvent struct {
	UID            string
	Summary        string
	Organizer      string
	Start          time.Time
	End            time.Time
	Status         db.EventStatus
	ResponseStatus db.ResponseStatus // set only for METHOD:REPLY payloads
	Method         string
	Attendees      []db.Attendee
	Raw            string // the full calendar payload, re-encoded
}

// Parse extracts event information from an ICS payload. The METHOD of the
// enclosing calendar drives RSVP detection: a REPLY carries the sender's
// participation status in the attendee PARTSTAT.
func Parse(payload []byte) ([]ParsedEvent, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(payload)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	var method string
	if prop := cal.Props.Get(ical.PropMethod); prop != nil {
		method = strings.ToUpper(strings.TrimSpace(prop.Value))
	}

	raw := encode(cal)

	var events []ParsedEvent
	for _, evt := range cal.Events() {
		uid, err := evt.Props.Text(ical.PropUID)
		if err != nil || uid == "" {
			return nil, ErrMissingUID
		}

		parsed := ParsedEvent{
			UID:    uid,
			Method: method,
			Status: db.EventStatusNew,
			Raw:    raw,
		}

		if summary, err := evt.Props.Text(ical.PropSummary); err == nil {
			parsed.Summary = summary
		}
		if organizer, err := evt.Props.Text(ical.PropOrganizer); err == nil {
			parsed.Organizer = organizer
		}
		if prop := evt.Props.Get(ical.PropDateTimeStart); prop != nil {
			if t, err := prop.DateTime(time.UTC); err == nil {
				parsed.Start = t
			}
		}
		if prop := evt.Props.Get(ical.PropDateTimeEnd); prop != nil {
			if t, err := prop.DateTime(time.UTC); err == nil {
				parsed.End = t
			}
		}

		if prop := evt.Props.Get(ical.PropStatus); prop != nil {
			if strings.EqualFold(strings.TrimSpace(prop.Value), "CANCELLED") {
				parsed.Status = db.EventStatusCancelled
			}
		}

		parsed.Attendees = parseAttendees(evt)
		if method == "REPLY" {
			parsed.ResponseStatus = replyResponse(parsed.Attendees)
		}

		events = append(events, parsed)
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no VEVENT components", ErrMalformedPayload)
	}

	return events, nil
}

func parseAttendees(evt ical.Event) []db.Attendee {
	props := evt.Props[ical.PropAttendee]
	if len(props) == 0 {
		return nil
	}

	attendees := make([]db.Attendee, 0, len(props))
	for _, prop := range props {
		attendee := db.Attendee{
			Email:  strings.TrimPrefix(strings.ToLower(prop.Value), "mailto:"),
			Name:   prop.Params.Get("CN"),
			Status: strings.ToUpper(prop.Params.Get("PARTSTAT")),
			Role:   strings.ToUpper(prop.Params.Get("ROLE")),
			RSVP:   strings.EqualFold(prop.Params.Get("RSVP"), "TRUE"),
		}
		attendees = append(attendees, attendee)
	}
	return attendees
}

// replyResponse maps a REPLY's attendee PARTSTAT to a response status.
// The first attendee carrying a recognized status wins.
func replyResponse(attendees []db.Attendee) db.ResponseStatus {
	for _, attendee := range attendees {
		switch attendee.Status {
		case "ACCEPTED":
			return db.ResponseAccepted
		case "TENTATIVE":
			return db.ResponseTentative
		case "DECLINED":
			return db.ResponseDeclined
		}
	}
	return ""
}

// AnnotateResponse embeds the stored participation decision in every VEVENT
// of the payload and returns the re-encoded result.
func AnnotateResponse(payload string, response db.ResponseStatus) (string, error) {
	cal, err := decode(payload)
	if err != nil {
		return "", err
	}

	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			child.Props.SetText(PropResponse, strings.ToUpper(string(response)))
		}
	}

	return encode(cal), nil
}

// EventContent is the pushable content of an event, used when a resolution
// rewrites individual fields before uploading.
type EventContent struct {
	Summary   string
	Organizer string
	Start     time.Time
	End       time.Time
}

// ApplyContent overwrites the content fields of every VEVENT in the payload
// and returns the re-encoded result. Zero times leave the stored values.
func ApplyContent(payload string, content EventContent) (string, error) {
	cal, err := decode(payload)
	if err != nil {
		return "", err
	}

	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		child.Props.SetText(ical.PropSummary, content.Summary)
		if content.Organizer != "" {
			child.Props.SetText(ical.PropOrganizer, content.Organizer)
		}
		if !content.Start.IsZero() {
			child.Props.SetDateTime(ical.PropDateTimeStart, content.Start.UTC())
		}
		if !content.End.IsZero() {
			child.Props.SetDateTime(ical.PropDateTimeEnd, content.End.UTC())
		}
	}

	return encode(cal), nil
}

var calendarLinkPattern = regexp.MustCompile(`https?://\S+(?:/download/ics|\.ics\b)`)

// ExtractCalendarLinks finds calendar download links in a plain text body.
func ExtractCalendarLinks(text string) []string {
	return calendarLinkPattern.FindAllString(text, -1)
}

func decode(payload string) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(strings.NewReader(payload)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return cal, nil
}

func encode(cal *ical.Calendar) string {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return ""
	}
	return buf.String()
}
