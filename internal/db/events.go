package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const eventColumns = `id, uid, message_id, account_id, folder, summary, organizer,
	start_at, end_at, attendees, status, response_status, payload, history, mail_error,
	tracking_disabled, local_version, synced_version, has_conflict, conflict_reason,
	conflict_details, caldav_etag, local_last_modified, remote_last_modified,
	last_modified_source, last_synced, created_at, updated_at`

// InsertEvent inserts a newly imported tracked event. The caller supplies the
// content fields; version counters start at local_version=1, synced_version=0.
func (db *DB) InsertEvent(event *TrackedEvent) error {
	now := time.Now().UTC()
	event.CreatedAt = now
	event.UpdatedAt = now
	event.LocalVersion = 1
	event.SyncedVersion = 0
	if event.Status == "" {
		event.Status = EventStatusNew
	}
	if event.ResponseStatus == "" {
		event.ResponseStatus = ResponseNone
	}
	event.LocalLastModified = &now
	event.LastModifiedSource = ModifiedLocal

	attendees, err := json.Marshal(event.Attendees)
	if err != nil {
		return fmt.Errorf("failed to encode attendees: %w", err)
	}
	history, err := json.Marshal(event.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	query := `INSERT INTO tracked_events (uid, message_id, account_id, folder, summary, organizer,
		start_at, end_at, attendees, status, response_status, payload, history, mail_error,
		tracking_disabled, local_version, synced_version, local_last_modified, last_modified_source,
		created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.Exec(query,
		event.UID, event.MessageID, event.AccountID, event.Folder, event.Summary, event.Organizer,
		event.Start, event.End, string(attendees), event.Status, event.ResponseStatus,
		event.Payload, string(history), event.MailError, event.TrackingDisabled,
		event.LocalVersion, event.SyncedVersion, event.LocalLastModified, event.LastModifiedSource,
		event.CreatedAt, event.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: event %s already tracked", ErrDuplicate, event.UID)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}

	event.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}

	return nil
}

// GetEventByID returns a tracked event by its internal id.
func (db *DB) GetEventByID(id int64) (*TrackedEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM tracked_events WHERE id = ?`
	event, err := scanEvent(db.conn.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

// GetEventByUID returns the tracked event for a uid within its source scope.
func (db *DB) GetEventByUID(accountID, folder, uid string) (*TrackedEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM tracked_events
		WHERE account_id = ? AND folder = ? AND uid = ?`
	event, err := scanEvent(db.conn.QueryRow(query, accountID, folder, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

// ListEvents returns all tracked events in ascending id order.
func (db *DB) ListEvents() ([]*TrackedEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM tracked_events ORDER BY id`
	return db.queryEvents(query)
}

// ListEventsByIDs returns the tracked events with the given ids, ascending.
func (db *DB) ListEventsByIDs(ids []int64) ([]*TrackedEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	query := `SELECT ` + eventColumns + ` FROM tracked_events WHERE id IN (` + placeholders + `) ORDER BY id`

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	return db.queryEvents(query, args...)
}

// ListSyncableEvents returns events from a source folder that are eligible
// for reconciliation: tracking enabled and content that parsed successfully.
// Conflicted events are included; the reconciler reports them as skipped.
func (db *DB) ListSyncableEvents(accountID, folder string) ([]*TrackedEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM tracked_events
		WHERE account_id = ? AND folder = ? AND tracking_disabled = 0 AND status != ?
		ORDER BY id`
	return db.queryEvents(query, accountID, folder, EventStatusFailed)
}

// UpdateImportedContent persists a re-imported event's content fields after
// the importer has bumped local_version and appended history. Only scan jobs
// call this, and at most one scan runs at a time.
func (db *DB) UpdateImportedContent(event *TrackedEvent) error {
	event.UpdatedAt = time.Now().UTC()

	attendees, err := json.Marshal(event.Attendees)
	if err != nil {
		return fmt.Errorf("failed to encode attendees: %w", err)
	}
	history, err := json.Marshal(event.History)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	query := `UPDATE tracked_events SET message_id = ?, summary = ?, organizer = ?, start_at = ?,
		end_at = ?, attendees = ?, status = ?, response_status = ?, payload = ?, history = ?,
		mail_error = ?, local_version = ?, local_last_modified = ?, last_modified_source = ?,
		updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		event.MessageID, event.Summary, event.Organizer, event.Start, event.End,
		string(attendees), event.Status, event.ResponseStatus, event.Payload, string(history),
		event.MailError, event.LocalVersion, event.LocalLastModified, event.LastModifiedSource,
		event.UpdatedAt, event.ID)
	if err != nil {
		return fmt.Errorf("failed to update event content: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkEventSynced records a successful push (or marker adoption) for the
// given local version. The update is a compare-and-set on local_version so a
// concurrent re-import cannot have its changes marked synced by a push that
// never carried them; in that case ErrStaleVersion is returned. Any conflict
// state is cleared, since only clean events and explicit resolutions push.
func (db *DB) MarkEventSynced(id, localVersion int64, etag string, remoteLastModified *time.Time, entry HistoryEntry) error {
	return db.withEventTx(id, func(tx *sql.Tx, history []HistoryEntry) error {
		now := time.Now().UTC()
		history = append(history, entry)
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}

		query := `UPDATE tracked_events SET synced_version = ?, status = ?, caldav_etag = ?,
			remote_last_modified = ?, last_synced = ?, has_conflict = 0, conflict_reason = NULL,
			conflict_details = NULL, history = ?, updated_at = ?
			WHERE id = ? AND local_version = ?`

		result, err := tx.Exec(query, localVersion, EventStatusSynced, nullString(etag),
			remoteLastModified, now, string(encoded), now, id, localVersion)
		if err != nil {
			return fmt.Errorf("failed to mark event synced: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return ErrStaleVersion
		}
		return nil
	})
}

// MarkCancellationPropagated records that the calendar entry for a cancelled
// event was removed. The compare-and-set mirrors MarkEventSynced so a revived
// invitation imported mid-propagation keeps its pending changes; the adopted
// version keeps the row out of later reconcile passes.
func (db *DB) MarkCancellationPropagated(id, localVersion int64, entry HistoryEntry) error {
	return db.withEventTx(id, func(tx *sql.Tx, history []HistoryEntry) error {
		now := time.Now().UTC()
		history = append(history, entry)
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}

		query := `UPDATE tracked_events SET status = ?, synced_version = ?, caldav_etag = NULL,
			remote_last_modified = NULL, last_synced = ?, history = ?, updated_at = ?
			WHERE id = ? AND local_version = ?`

		result, err := tx.Exec(query, EventStatusCancelled, localVersion, now, string(encoded),
			now, id, localVersion)
		if err != nil {
			return fmt.Errorf("failed to record cancellation: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return ErrStaleVersion
		}
		return nil
	})
}

// MarkEventConflict flags an event as diverged and stores the detected
// differences with the resolution suggestions.
func (db *DB) MarkEventConflict(id int64, reason string, details *ConflictDetails, remoteLastModified *time.Time, entry HistoryEntry) error {
	return db.withEventTx(id, func(tx *sql.Tx, history []HistoryEntry) error {
		now := time.Now().UTC()
		history = append(history, entry)
		encodedHistory, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}
		encodedDetails, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode conflict details: %w", err)
		}

		query := `UPDATE tracked_events SET has_conflict = 1, conflict_reason = ?,
			conflict_details = ?, remote_last_modified = ?, last_modified_source = ?,
			history = ?, updated_at = ?
			WHERE id = ?`

		result, err := tx.Exec(query, reason, string(encodedDetails), remoteLastModified,
			ModifiedRemote, string(encodedHistory), now, id)
		if err != nil {
			return fmt.Errorf("failed to mark event conflicted: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetEventResponse records the local user's participation decision. Changing
// the response is a local content change, so local_version is bumped.
func (db *DB) SetEventResponse(id int64, response ResponseStatus, entry HistoryEntry) error {
	return db.withEventTx(id, func(tx *sql.Tx, history []HistoryEntry) error {
		now := time.Now().UTC()
		history = append(history, entry)
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}

		query := `UPDATE tracked_events SET response_status = ?, local_version = local_version + 1,
			local_last_modified = ?, last_modified_source = ?, history = ?, updated_at = ?
			WHERE id = ?`

		result, err := tx.Exec(query, response, now, ModifiedLocal, string(encoded), now, id)
		if err != nil {
			return fmt.Errorf("failed to set event response: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetTrackingDisabled excludes an event from all future scans and syncs.
// Conflict state is cleared; the event no longer participates in resolution.
func (db *DB) SetTrackingDisabled(id int64, entry HistoryEntry) error {
	return db.withEventTx(id, func(tx *sql.Tx, history []HistoryEntry) error {
		now := time.Now().UTC()
		history = append(history, entry)
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}

		query := `UPDATE tracked_events SET tracking_disabled = 1, has_conflict = 0,
			conflict_reason = NULL, conflict_details = NULL, history = ?, updated_at = ?
			WHERE id = ?`

		result, err := tx.Exec(query, string(encoded), now, id)
		if err != nil {
			return fmt.Errorf("failed to disable tracking: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetEventStatus updates the lifecycle status and appends a history entry.
func (db *DB) SetEventStatus(id int64, status EventStatus, entry HistoryEntry) error {
	return db.withEventTx(id, func(tx *sql.Tx, history []HistoryEntry) error {
		now := time.Now().UTC()
		history = append(history, entry)
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}

		query := `UPDATE tracked_events SET status = ?, history = ?, updated_at = ? WHERE id = ?`

		result, err := tx.Exec(query, status, string(encoded), now, id)
		if err != nil {
			return fmt.Errorf("failed to set event status: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetMailError records the outcome of a mailbox operation on the event. An
// empty message clears a previous error.
func (db *DB) SetMailError(id int64, message string, entry HistoryEntry) error {
	return db.withEventTx(id, func(tx *sql.Tx, history []HistoryEntry) error {
		now := time.Now().UTC()
		history = append(history, entry)
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}

		query := `UPDATE tracked_events SET mail_error = ?, history = ?, updated_at = ? WHERE id = ?`

		result, err := tx.Exec(query, message, string(encoded), now, id)
		if err != nil {
			return fmt.Errorf("failed to set mail error: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendEventHistory appends an audit record without touching other fields.
func (db *DB) AppendEventHistory(id int64, entry HistoryEntry) error {
	return db.withEventTx(id, func(tx *sql.Tx, history []HistoryEntry) error {
		now := time.Now().UTC()
		history = append(history, entry)
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}

		result, err := tx.Exec(`UPDATE tracked_events SET history = ?, updated_at = ? WHERE id = ?`,
			string(encoded), now, id)
		if err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// withEventTx runs fn in a transaction after loading the event's current
// history, so history appends do not lose entries to concurrent writers.
func (db *DB) withEventTx(id int64, fn func(tx *sql.Tx, history []HistoryEntry) error) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw sql.NullString
	err = tx.QueryRow(`SELECT history FROM tracked_events WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load event history: %w", err)
	}

	var history []HistoryEntry
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &history); err != nil {
			return fmt.Errorf("failed to decode history: %w", err)
		}
	}

	if err := fn(tx, history); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *DB) queryEvents(query string, args ...any) ([]*TrackedEvent, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*TrackedEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func scanEvent(row rowScanner) (*TrackedEvent, error) {
	event := &TrackedEvent{}
	var messageID, attendees, payload, history, mailError sql.NullString
	var conflictReason, conflictDetails, etag, modifiedSource sql.NullString
	var start, end, localMod, remoteMod, lastSynced sql.NullTime

	err := row.Scan(
		&event.ID, &event.UID, &messageID, &event.AccountID, &event.Folder,
		&event.Summary, &event.Organizer, &start, &end, &attendees,
		&event.Status, &event.ResponseStatus, &payload, &history, &mailError,
		&event.TrackingDisabled, &event.LocalVersion, &event.SyncedVersion,
		&event.HasConflict, &conflictReason, &conflictDetails, &etag,
		&localMod, &remoteMod, &modifiedSource, &lastSynced,
		&event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.MessageID = messageID.String
	event.Payload = payload.String
	event.MailError = mailError.String
	event.ConflictReason = conflictReason.String
	event.CalDAVETag = etag.String
	event.LastModifiedSource = ModifiedSource(modifiedSource.String)

	if start.Valid {
		event.Start = start.Time
	}
	if end.Valid {
		event.End = end.Time
	}
	if localMod.Valid {
		event.LocalLastModified = &localMod.Time
	}
	if remoteMod.Valid {
		event.RemoteLastModified = &remoteMod.Time
	}
	if lastSynced.Valid {
		event.LastSynced = &lastSynced.Time
	}

	if attendees.Valid && attendees.String != "" {
		if err := json.Unmarshal([]byte(attendees.String), &event.Attendees); err != nil {
			return nil, fmt.Errorf("failed to decode attendees: %w", err)
		}
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &event.History); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
	}
	if conflictDetails.Valid && conflictDetails.String != "" {
		details := &ConflictDetails{}
		if err := json.Unmarshal([]byte(conflictDetails.String), details); err != nil {
			return nil, fmt.Errorf("failed to decode conflict details: %w", err)
		}
		event.ConflictDetails = details
	}

	return event, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
