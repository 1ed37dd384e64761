package syncer

import (
	"strings"
	"time"

	"calsync/internal/caldav"
	"calsync/internal/db"
)

// Snapshot is a comparable representation of one side's event content.
type Snapshot struct {
	Summary        string
	Start          time.Time
	End            time.Time
	Organizer      string
	ResponseStatus db.ResponseStatus
}

// LocalSnapshot builds a snapshot from the mail-derived tracked event.
func LocalSnapshot(event *db.TrackedEvent) Snapshot {
	return Snapshot{
		Summary:        event.Summary,
		Start:          event.Start,
		End:            event.End,
		Organizer:      event.Organizer,
		ResponseStatus: normalizeResponse(event.ResponseStatus),
	}
}

// RemoteSnapshot builds a snapshot from a fetched calendar entry.
func RemoteSnapshot(entry *caldav.RemoteEntry) Snapshot {
	return Snapshot{
		Summary:        entry.Summary,
		Start:          entry.Start,
		End:            entry.End,
		Organizer:      entry.Organizer,
		ResponseStatus: normalizeResponse(entry.ResponseStatus),
	}
}

func normalizeResponse(r db.ResponseStatus) db.ResponseStatus {
	if r == "" {
		return db.ResponseNone
	}
	return r
}

type diffField struct {
	name   string
	label  string
	value  func(Snapshot) string
	equal  func(a, b Snapshot) bool
}

// diffFields defines the compared fields in their fixed output order.
var diffFields = []diffField{
	{
		name:  "summary",
		label: "Summary",
		value: func(s Snapshot) string { return strings.TrimSpace(s.Summary) },
		equal: func(a, b Snapshot) bool {
			return strings.TrimSpace(a.Summary) == strings.TrimSpace(b.Summary)
		},
	},
	{
		name:  "start",
		label: "Start",
		value: func(s Snapshot) string { return formatTime(s.Start) },
		equal: func(a, b Snapshot) bool { return timesEqual(a.Start, b.Start) },
	},
	{
		name:  "end",
		label: "End",
		value: func(s Snapshot) string { return formatTime(s.End) },
		equal: func(a, b Snapshot) bool { return timesEqual(a.End, b.End) },
	},
	{
		name:  "organizer",
		label: "Organizer",
		value: func(s Snapshot) string { return strings.TrimSpace(s.Organizer) },
		equal: func(a, b Snapshot) bool {
			return strings.TrimSpace(a.Organizer) == strings.TrimSpace(b.Organizer)
		},
	},
	{
		name:  "response_status",
		label: "Response",
		value: func(s Snapshot) string { return string(normalizeResponse(s.ResponseStatus)) },
		equal: func(a, b Snapshot) bool {
			return normalizeResponse(a.ResponseStatus) == normalizeResponse(b.ResponseStatus)
		},
	},
}

// Diff returns the field-level differences between two snapshots, in the
// fixed field order. An empty result means the snapshots are equivalent.
// Pure function; identical inputs always produce identical output.
func Diff(local, remote Snapshot) []db.Difference {
	var differences []db.Difference
	for _, field := range diffFields {
		if field.equal(local, remote) {
			continue
		}
		differences = append(differences, db.Difference{
			Field:       field.name,
			Label:       field.label,
			LocalValue:  field.value(local),
			RemoteValue: field.value(remote),
		})
	}
	return differences
}

// timesEqual compares timestamps as instants; two zero times are equal.
func timesEqual(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	return a.UTC().Equal(b.UTC())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
