package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"calsync/internal/caldav"
	"calsync/internal/db"
	"calsync/internal/ics"
)

var (
	ErrValidation = errors.New("invalid request")
	ErrNoConflict = errors.New("event has no pending conflict")
	ErrNoMapping  = errors.New("no sync mapping for event")
	ErrRemoteGone = errors.New("remote entry no longer exists")
)

// OutcomeStatus classifies the result of reconciling one event.
type OutcomeStatus string

const (
	OutcomeUploaded OutcomeStatus = "uploaded"
	OutcomeSkipped  OutcomeStatus = "skipped"
	OutcomeConflict OutcomeStatus = "conflict"
)

// Outcome is the per-event reconciliation decision.
type Outcome struct {
	Status OutcomeStatus
	Reason string
}

func skipped(reason string) Outcome {
	return Outcome{Status: OutcomeSkipped, Reason: reason}
}

// Reconciler decides, for each tracked event, whether the local or remote
// version is authoritative, uploads when safe, and flags divergence as a
// conflict requiring explicit resolution. All sync-state mutations happen
// here or in ResolveConflict; no other code path touches the conflict flag
// or the synced version counter.
type Reconciler struct {
	db    *db.DB
	store caldav.Store
}

// NewReconciler creates a reconciler over the event store and calendar store.
func NewReconciler(database *db.DB, store caldav.Store) *Reconciler {
	return &Reconciler{db: database, store: store}
}

// Reconcile runs the per-event decision for one tracked event against its
// mapped calendar. A nil mapping always yields a "no mapping" skip. The
// returned error is non-nil only for collaborator or store failures; the
// decision itself is always expressed as an Outcome.
func (r *Reconciler) Reconcile(ctx context.Context, event *db.TrackedEvent, mapping *db.SyncMapping, settings db.CalDAVSettings) (Outcome, error) {
	if event.TrackingDisabled {
		return skipped("tracking disabled"), nil
	}
	if mapping == nil {
		return skipped("no mapping"), nil
	}
	if event.HasConflict {
		// Conflicts persist until explicitly resolved; automatic sync
		// never clears them.
		return skipped("unresolved conflict"), nil
	}
	if !event.Dirty() {
		// Already pushed at this version; synced rows are left alone
		// until a new import or response change bumps the version.
		return skipped("up to date"), nil
	}

	if event.Status == db.EventStatusCancelled {
		return r.propagateCancellation(ctx, event, mapping, settings)
	}

	remote, err := r.store.FetchEntry(ctx, settings, mapping.CalendarURL, event.UID)
	if err != nil {
		return skipped("fetch failed"), err
	}

	if remote == nil {
		// Absent remotely: clean upload.
		return r.push(ctx, event, mapping, settings, "Event exported to calendar")
	}

	if remoteUnchanged(event, remote) {
		// Remote has not moved since the last sync; local is authoritative.
		return r.push(ctx, event, mapping, settings, "Event exported to calendar")
	}

	differences := Diff(LocalSnapshot(event), RemoteSnapshot(remote))
	if len(differences) == 0 {
		// Remote marker moved but content is equivalent; adopt the marker.
		err := r.db.MarkEventSynced(event.ID, event.LocalVersion, remote.ETag, lastModifiedOf(remote), db.HistoryEntry{
			Timestamp:   time.Now().UTC(),
			Action:      "synced",
			Description: "Remote version adopted, content unchanged",
		})
		if err != nil {
			return skipped("store update failed"), err
		}
		return Outcome{Status: OutcomeUploaded}, nil
	}

	details := &db.ConflictDetails{
		Differences: differences,
		Suggestions: suggestions(),
	}
	err = r.db.MarkEventConflict(event.ID, "local and remote versions have diverged", details, lastModifiedOf(remote), db.HistoryEntry{
		Timestamp:   time.Now().UTC(),
		Action:      "conflict",
		Description: fmt.Sprintf("Sync conflict detected in %d field(s)", len(differences)),
	})
	if err != nil {
		return skipped("store update failed"), err
	}
	return Outcome{Status: OutcomeConflict, Reason: "local and remote versions have diverged"}, nil
}

// propagateCancellation removes the remote entry for a cancelled invitation.
func (r *Reconciler) propagateCancellation(ctx context.Context, event *db.TrackedEvent, mapping *db.SyncMapping, settings db.CalDAVSettings) (Outcome, error) {
	if err := r.store.DeleteEntry(ctx, settings, mapping.CalendarURL, event.UID); err != nil {
		return skipped("cancellation delete failed"), err
	}
	err := r.db.MarkCancellationPropagated(event.ID, event.LocalVersion, db.HistoryEntry{
		Timestamp:   time.Now().UTC(),
		Action:      "cancelled",
		Description: "Calendar entry removed after cancellation",
	})
	if err != nil {
		if errors.Is(err, db.ErrStaleVersion) {
			// The invitation was re-sent while we deleted; the next pass
			// handles the new version.
			log.Printf("Event %s changed during cancellation, leaving pending", event.UID)
			return skipped("local version changed during cancellation"), nil
		}
		return skipped("store update failed"), err
	}
	return skipped("cancelled, calendar entry removed"), nil
}

func (r *Reconciler) push(ctx context.Context, event *db.TrackedEvent, mapping *db.SyncMapping, settings db.CalDAVSettings, description string) (Outcome, error) {
	payload, err := ics.AnnotateResponse(event.Payload, event.ResponseStatus)
	if err != nil {
		return skipped("payload unusable"), err
	}

	etag, err := r.store.PutEntry(ctx, settings, mapping.CalendarURL, event.UID, payload)
	if err != nil {
		return skipped("upload failed"), err
	}

	err = r.db.MarkEventSynced(event.ID, event.LocalVersion, etag, nil, db.HistoryEntry{
		Timestamp:   time.Now().UTC(),
		Action:      "synced",
		Description: description,
	})
	if err != nil {
		if errors.Is(err, db.ErrStaleVersion) {
			// A newer import landed while we pushed; the next pass will
			// pick it up.
			log.Printf("Event %s changed during push, leaving unsynced", event.UID)
			return skipped("local version changed during push"), nil
		}
		return skipped("store update failed"), err
	}

	return Outcome{Status: OutcomeUploaded}, nil
}

// remoteUnchanged reports whether the remote entry still matches the version
// recorded at the last sync. ETags are preferred; last-modified timestamps
// are the fallback. When neither side supplies a marker the remote is
// assumed changed and routed through diffing rather than overwritten blindly.
func remoteUnchanged(event *db.TrackedEvent, remote *caldav.RemoteEntry) bool {
	if event.CalDAVETag != "" && remote.ETag != "" {
		return event.CalDAVETag == remote.ETag
	}
	if event.RemoteLastModified != nil && !remote.LastModified.IsZero() {
		return event.RemoteLastModified.UTC().Equal(remote.LastModified.UTC())
	}
	return false
}

func lastModifiedOf(remote *caldav.RemoteEntry) *time.Time {
	if remote.LastModified.IsZero() {
		return nil
	}
	t := remote.LastModified.UTC()
	return &t
}

// suggestions returns the fixed resolution options offered with every
// detected conflict, in presentation order.
func suggestions() []db.Suggestion {
	return []db.Suggestion{
		{
			Action:          db.ActionOverwriteCalendar,
			Label:           "Overwrite calendar",
			Description:     "Push the imported version and discard the remote changes",
			RequiresConfirm: true,
		},
		{
			Action:          db.ActionSkipEmailImport,
			Label:           "Keep calendar version",
			Description:     "Keep the remote version and stop flagging this import",
			RequiresConfirm: true,
		},
		{
			Action:            db.ActionMergeFields,
			Label:             "Merge fields",
			Description:       "Pick the winning side for each differing field",
			RequiresSelection: true,
		},
		{
			Action:      db.ActionDisableTracking,
			Label:       "Disable tracking",
			Description: "Stop syncing this event entirely",
		},
	}
}

// mergeSource returns the chosen side for a field, falling back to the
// defaults: the participation answer is user intent and defaults to the
// email side, scheduling facts default to the calendar side.
func mergeSource(field string, selections map[string]string) string {
	if source, ok := selections[field]; ok {
		return source
	}
	if field == "response_status" {
		return "email"
	}
	return "calendar"
}

// ResolveConflict applies an explicit resolution action to a conflicted
// event. A failed remote push leaves the conflict flag set and returns the
// error; the event is never left half-applied.
func (r *Reconciler) ResolveConflict(ctx context.Context, eventID int64, action db.ConflictAction, selections map[string]string, mapping *db.SyncMapping, settings db.CalDAVSettings) (*db.TrackedEvent, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("%w: unknown resolution action %q", ErrValidation, action)
	}
	if action == db.ActionMergeFields && len(selections) == 0 {
		return nil, fmt.Errorf("%w: merge-fields requires field selections", ErrValidation)
	}
	for field, source := range selections {
		if source != "email" && source != "calendar" {
			return nil, fmt.Errorf("%w: invalid source %q for field %q", ErrValidation, source, field)
		}
	}

	event, err := r.db.GetEventByID(eventID)
	if err != nil {
		return nil, err
	}
	if !event.HasConflict {
		return nil, ErrNoConflict
	}

	switch action {
	case db.ActionOverwriteCalendar:
		err = r.resolveOverwrite(ctx, event, mapping, settings)
	case db.ActionSkipEmailImport:
		err = r.resolveSkipImport(ctx, event, mapping, settings)
	case db.ActionMergeFields:
		err = r.resolveMerge(ctx, event, selections, mapping, settings)
	case db.ActionDisableTracking:
		err = r.db.SetTrackingDisabled(event.ID, db.HistoryEntry{
			Timestamp:   time.Now().UTC(),
			Action:      "resolved",
			Description: "Conflict resolved: tracking disabled",
		})
	}
	if err != nil {
		return nil, err
	}

	return r.db.GetEventByID(eventID)
}

func (r *Reconciler) resolveOverwrite(ctx context.Context, event *db.TrackedEvent, mapping *db.SyncMapping, settings db.CalDAVSettings) error {
	if mapping == nil {
		return ErrNoMapping
	}

	payload, err := ics.AnnotateResponse(event.Payload, event.ResponseStatus)
	if err != nil {
		return err
	}

	etag, err := r.store.PutEntry(ctx, settings, mapping.CalendarURL, event.UID, payload)
	if err != nil {
		return fmt.Errorf("overwrite push failed: %w", err)
	}

	return r.db.MarkEventSynced(event.ID, event.LocalVersion, etag, nil, db.HistoryEntry{
		Timestamp:   time.Now().UTC(),
		Action:      "resolved",
		Description: "Conflict resolved: calendar overwritten with imported version",
	})
}

// resolveSkipImport keeps the remote version. The imported content fields
// are left untouched; only the sync bookkeeping adopts the remote marker.
func (r *Reconciler) resolveSkipImport(ctx context.Context, event *db.TrackedEvent, mapping *db.SyncMapping, settings db.CalDAVSettings) error {
	if mapping == nil {
		return ErrNoMapping
	}

	var etag string
	var lastModified *time.Time
	remote, err := r.store.FetchEntry(ctx, settings, mapping.CalendarURL, event.UID)
	if err != nil {
		return fmt.Errorf("cannot read remote version: %w", err)
	}
	if remote != nil {
		etag = remote.ETag
		lastModified = lastModifiedOf(remote)
	}

	return r.db.MarkEventSynced(event.ID, event.LocalVersion, etag, lastModified, db.HistoryEntry{
		Timestamp:   time.Now().UTC(),
		Action:      "resolved",
		Description: "Conflict resolved: calendar version kept",
	})
}

func (r *Reconciler) resolveMerge(ctx context.Context, event *db.TrackedEvent, selections map[string]string, mapping *db.SyncMapping, settings db.CalDAVSettings) error {
	if mapping == nil {
		return ErrNoMapping
	}

	remote, err := r.store.FetchEntry(ctx, settings, mapping.CalendarURL, event.UID)
	if err != nil {
		return fmt.Errorf("cannot read remote version: %w", err)
	}
	if remote == nil {
		return ErrRemoteGone
	}

	local := LocalSnapshot(event)
	remoteSnap := RemoteSnapshot(remote)

	merged := Snapshot{}
	pick := func(field string, localVal, remoteVal string) string {
		if mergeSource(field, selections) == "email" {
			return localVal
		}
		return remoteVal
	}
	merged.Summary = pick("summary", local.Summary, remoteSnap.Summary)
	merged.Organizer = pick("organizer", local.Organizer, remoteSnap.Organizer)
	if mergeSource("start", selections) == "email" {
		merged.Start = local.Start
	} else {
		merged.Start = remoteSnap.Start
	}
	if mergeSource("end", selections) == "email" {
		merged.End = local.End
	} else {
		merged.End = remoteSnap.End
	}
	if mergeSource("response_status", selections) == "email" {
		merged.ResponseStatus = local.ResponseStatus
	} else {
		merged.ResponseStatus = remoteSnap.ResponseStatus
	}

	payload, err := ics.ApplyContent(event.Payload, ics.EventContent{
		Summary:   merged.Summary,
		Organizer: merged.Organizer,
		Start:     merged.Start,
		End:       merged.End,
	})
	if err != nil {
		return err
	}
	payload, err = ics.AnnotateResponse(payload, merged.ResponseStatus)
	if err != nil {
		return err
	}

	etag, err := r.store.PutEntry(ctx, settings, mapping.CalendarURL, event.UID, payload)
	if err != nil {
		return fmt.Errorf("merge push failed: %w", err)
	}

	// The merged result becomes the local content, so the row reflects
	// exactly what was pushed.
	event.Summary = merged.Summary
	event.Organizer = merged.Organizer
	event.Start = merged.Start
	event.End = merged.End
	event.ResponseStatus = merged.ResponseStatus
	event.Payload = payload
	event.LocalVersion++
	now := time.Now().UTC()
	event.LocalLastModified = &now
	event.LastModifiedSource = db.ModifiedLocal
	event.History = append(event.History, db.HistoryEntry{
		Timestamp:   now,
		Action:      "resolved",
		Description: "Conflict resolved: fields merged from both sides",
	})
	if err := r.db.UpdateImportedContent(event); err != nil {
		return err
	}

	return r.db.MarkEventSynced(event.ID, event.LocalVersion, etag, lastModifiedOf(remote), db.HistoryEntry{
		Timestamp:   time.Now().UTC(),
		Action:      "synced",
		Description: "Merged version exported to calendar",
	})
}
