package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"calsync/internal/caldav"
	"calsync/internal/db"
	"calsync/internal/ics"
	"calsync/internal/jobs"
	"calsync/internal/mail"
	"calsync/internal/notify"
)

const maxLinkedPayloadSize = 1 << 20 // 1 MiB per linked .ics download

// MissingDetail is one event that could not be synced during a manual sync.
type MissingDetail struct {
	EventID   int64  `json:"event_id"`
	UID       string `json:"uid,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	Folder    string `json:"folder,omitempty"`
	Reason    string `json:"reason"`
}

// Service wires the mailbox, the calendar store and the event database into
// the scan and sync operations exposed over the API. Long-running work goes
// through the job tracker; per-event mutation is serialized with a keyed
// lock so concurrent jobs never interleave on the same row.
type Service struct {
	db         *db.DB
	mailbox    mail.Mailbox
	store      caldav.Store
	tracker    *jobs.Tracker
	notifier   *notify.Notifier
	importer   *Importer
	reconciler *Reconciler
	http       *http.Client

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex
}

// NewService creates the sync service over its collaborators. The notifier
// may be nil when alerting is not configured.
func NewService(database *db.DB, mailbox mail.Mailbox, store caldav.Store, tracker *jobs.Tracker, notifier *notify.Notifier) *Service {
	return &Service{
		db:         database,
		mailbox:    mailbox,
		store:      store,
		tracker:    tracker,
		notifier:   notifier,
		importer:   NewImporter(database),
		reconciler: NewReconciler(database, store),
		http:       &http.Client{Timeout: 15 * time.Second},
		locks:      make(map[int64]*sync.Mutex),
	}
}

func (s *Service) eventLock(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

// StartScan launches a mailbox scan job. The job ingests calendar content
// from every IMAP account's configured folders and then reconciles all
// mapped events. Only one scan runs at a time.
func (s *Service) StartScan(autoResponse db.ResponseStatus) (*jobs.Job, error) {
	return s.tracker.Start(jobs.KindScan, func(ctx context.Context, jobID string) error {
		accounts, err := s.db.ListAccountsByType(db.AccountTypeIMAP)
		if err != nil {
			return fmt.Errorf("cannot list mail accounts: %w", err)
		}

		imported := 0
		for _, account := range accounts {
			n, err := s.scanAccount(ctx, jobID, account)
			if err != nil {
				s.notifyJobFailure(ctx, jobID, string(jobs.KindScan), err)
				return err
			}
			imported += n
		}

		uploaded, conflicts, err := s.reconcileAll(ctx, autoResponse)
		if err != nil {
			s.notifyJobFailure(ctx, jobID, string(jobs.KindScan), err)
			return err
		}

		s.tracker.Finish(jobID, map[string]any{
			"imported":  imported,
			"uploaded":  uploaded,
			"conflicts": conflicts,
		})
		return nil
	})
}

func (s *Service) scanAccount(ctx context.Context, jobID string, account *db.Account) (int, error) {
	settings := account.Settings.IMAP
	if settings == nil {
		return 0, fmt.Errorf("account %s has no IMAP settings", account.ID)
	}

	candidates, err := s.mailbox.FetchCandidates(ctx, *settings, account.ScanFolders)
	if err != nil {
		return 0, fmt.Errorf("scan of account %q failed: %w", account.Label, err)
	}
	s.tracker.AddTotal(jobID, len(candidates))

	imported := 0
	for _, candidate := range candidates {
		imported += s.ingestCandidate(ctx, account.ID, candidate)
		s.tracker.Increment(jobID, 1)
	}
	return imported, nil
}

// ingestCandidate imports every calendar payload carried by one message,
// from attachments and from linked .ics downloads. Individual payload
// failures are recorded as failed events; they never abort the scan.
func (s *Service) ingestCandidate(ctx context.Context, accountID string, candidate mail.Candidate) int {
	imported := 0

	store := func(name string, payload []byte) {
		events, err := ics.Parse(payload)
		if err != nil {
			if _, ferr := s.importer.ImportFailure(accountID, candidate.Folder, candidate.MessageID, name, err); ferr != nil {
				log.Printf("Cannot record parse failure for message %s: %v", candidate.MessageID, ferr)
			}
			return
		}
		for _, parsed := range events {
			if _, err := s.importer.Import(accountID, candidate.Folder, candidate.MessageID, parsed); err != nil {
				log.Printf("Import of %s from message %s failed: %v", parsed.UID, candidate.MessageID, err)
				continue
			}
			imported++
		}
	}

	for _, attachment := range candidate.Attachments {
		store(attachment.Filename, attachment.Payload)
	}
	for _, link := range candidate.Links {
		payload, err := s.downloadLink(ctx, link)
		if err != nil {
			log.Printf("Linked calendar download failed for message %s: %v", candidate.MessageID, err)
			continue
		}
		store(link, payload)
	}
	return imported
}

func (s *Service) downloadLink(ctx context.Context, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, link)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxLinkedPayloadSize))
}

// StartSyncAll launches a sync job over every mapped folder. autoResponse
// set to accepted answers freshly uploaded invitations that have no
// participation answer yet. Only one sync-all runs at a time.
func (s *Service) StartSyncAll(autoResponse db.ResponseStatus) (*jobs.Job, error) {
	return s.tracker.Start(jobs.KindSyncAll, func(ctx context.Context, jobID string) error {
		uploaded, conflicts, err := s.reconcileAll(ctx, autoResponse)
		if err != nil {
			s.notifyJobFailure(ctx, jobID, string(jobs.KindSyncAll), err)
			return err
		}
		s.tracker.Finish(jobID, map[string]any{
			"uploaded":  uploaded,
			"conflicts": conflicts,
		})
		return nil
	})
}

func (s *Service) reconcileAll(ctx context.Context, autoResponse db.ResponseStatus) (uploaded, conflicts int, err error) {
	mappings, err := s.db.ListMappings()
	if err != nil {
		return 0, 0, fmt.Errorf("cannot list sync mappings: %w", err)
	}

	for _, mapping := range mappings {
		settings, err := s.caldavSettings(mapping.CalDAVAccountID)
		if err != nil {
			return uploaded, conflicts, err
		}

		events, err := s.db.ListSyncableEvents(mapping.IMAPAccountID, mapping.IMAPFolder)
		if err != nil {
			return uploaded, conflicts, err
		}

		for _, event := range events {
			if err := ctx.Err(); err != nil {
				return uploaded, conflicts, err
			}
			outcome, err := s.reconcileLocked(ctx, event.ID, mapping, settings)
			if err != nil {
				log.Printf("Sync of event %s failed: %v", event.UID, err)
				continue
			}
			switch outcome.Status {
			case OutcomeUploaded:
				uploaded++
				if autoResponse == db.ResponseAccepted {
					s.autoRespond(ctx, event.ID, mapping, settings)
				}
			case OutcomeConflict:
				conflicts++
				if s.notifier != nil {
					s.notifier.ConflictDetected(ctx, event.UID, event.Summary)
				}
			}
		}
	}
	return uploaded, conflicts, nil
}

// autoRespond marks an unanswered uploaded invitation as accepted and pushes
// the answer. Best effort: failures are logged, never fatal to the job.
func (s *Service) autoRespond(ctx context.Context, eventID int64, mapping *db.SyncMapping, settings db.CalDAVSettings) {
	event, err := s.db.GetEventByID(eventID)
	if err != nil {
		log.Printf("Auto-response lookup failed for event %d: %v", eventID, err)
		return
	}
	if event.ResponseStatus != db.ResponseNone {
		return
	}

	err = s.db.SetEventResponse(eventID, db.ResponseAccepted, db.HistoryEntry{
		Timestamp:   time.Now().UTC(),
		Action:      "responded",
		Description: "Automatically accepted after upload",
	})
	if err != nil {
		log.Printf("Auto-response update failed for event %s: %v", event.UID, err)
		return
	}
	if _, err := s.reconcileLocked(ctx, eventID, mapping, settings); err != nil {
		log.Printf("Auto-response push failed for event %s: %v", event.UID, err)
	}
}

// reconcileLocked reloads the event under its lock and reconciles it, so the
// version observed by the decision is the version the update is applied to.
func (s *Service) reconcileLocked(ctx context.Context, eventID int64, mapping *db.SyncMapping, settings db.CalDAVSettings) (Outcome, error) {
	mu := s.eventLock(eventID)
	mu.Lock()
	defer mu.Unlock()

	event, err := s.db.GetEventByID(eventID)
	if err != nil {
		return skipped("event lookup failed"), err
	}
	return s.reconciler.Reconcile(ctx, event, mapping, settings)
}

// StartManualSync launches a sync job over an explicit set of events.
// Unlike scan and sync-all, manual syncs may run concurrently; per-event
// locks keep overlapping selections safe. An empty selection is rejected
// before a job is created.
func (s *Service) StartManualSync(eventIDs []int64) (*jobs.Job, error) {
	if len(eventIDs) == 0 {
		return nil, fmt.Errorf("%w: no events selected", ErrValidation)
	}

	return s.tracker.Start(jobs.KindManualSync, func(ctx context.Context, jobID string) error {
		s.tracker.SetTotal(jobID, len(eventIDs))

		events, err := s.db.ListEventsByIDs(eventIDs)
		if err != nil {
			return err
		}
		byID := make(map[int64]*db.TrackedEvent, len(events))
		for _, event := range events {
			byID[event.ID] = event
		}

		var uploaded []string
		var missing []MissingDetail
		for _, id := range eventIDs {
			event, ok := byID[id]
			if !ok {
				missing = append(missing, MissingDetail{EventID: id, Reason: "event not found"})
				s.tracker.Increment(jobID, 1)
				continue
			}

			detail := MissingDetail{
				EventID:   id,
				UID:       event.UID,
				AccountID: event.AccountID,
				Folder:    event.Folder,
			}

			mapping, err := s.db.ResolveMapping(event.AccountID, event.Folder)
			if err != nil {
				if errors.Is(err, db.ErrNotFound) {
					detail.Reason = "no mapping"
				} else {
					detail.Reason = "mapping lookup failed"
				}
				missing = append(missing, detail)
				s.tracker.Increment(jobID, 1)
				continue
			}

			settings, err := s.caldavSettings(mapping.CalDAVAccountID)
			if err != nil {
				detail.Reason = "calendar account unavailable"
				missing = append(missing, detail)
				s.tracker.Increment(jobID, 1)
				continue
			}

			outcome, err := s.reconcileLocked(ctx, id, mapping, settings)
			if err != nil {
				log.Printf("Manual sync of event %s failed: %v", event.UID, err)
			}
			if outcome.Status == OutcomeUploaded {
				uploaded = append(uploaded, event.UID)
			} else {
				detail.Reason = outcome.Reason
				if detail.Reason == "" {
					detail.Reason = string(outcome.Status)
				}
				missing = append(missing, detail)
			}
			s.tracker.Increment(jobID, 1)
		}

		if uploaded == nil {
			uploaded = []string{}
		}
		if missing == nil {
			missing = []MissingDetail{}
		}
		s.tracker.Finish(jobID, map[string]any{
			"uploaded": uploaded,
			"missing":  missing,
		})
		return nil
	})
}

// SetResponse records the user's participation answer and, when the event is
// mapped, pushes it to the calendar right away.
func (s *Service) SetResponse(ctx context.Context, eventID int64, response db.ResponseStatus) (*db.TrackedEvent, error) {
	if !response.IsValid() || response == db.ResponseNone {
		return nil, fmt.Errorf("%w: invalid response %q", ErrValidation, response)
	}

	err := s.db.SetEventResponse(eventID, response, db.HistoryEntry{
		Timestamp:   time.Now().UTC(),
		Action:      "responded",
		Description: fmt.Sprintf("Response set to %s", response),
	})
	if err != nil {
		return nil, err
	}

	event, err := s.db.GetEventByID(eventID)
	if err != nil {
		return nil, err
	}

	mapping, settings, err := s.mappingFor(event)
	if err == nil && mapping != nil {
		if _, rerr := s.reconcileLocked(ctx, eventID, mapping, settings); rerr != nil {
			log.Printf("Immediate sync after response failed for event %s: %v", event.UID, rerr)
		}
		return s.db.GetEventByID(eventID)
	}
	return event, nil
}

// DisableTracking stops all future syncing of an event and clears any
// pending conflict.
func (s *Service) DisableTracking(eventID int64) (*db.TrackedEvent, error) {
	err := s.db.SetTrackingDisabled(eventID, db.HistoryEntry{
		Timestamp:   time.Now().UTC(),
		Action:      "tracking-disabled",
		Description: "Tracking disabled",
	})
	if err != nil {
		return nil, err
	}
	return s.db.GetEventByID(eventID)
}

// DeleteMail removes the source message from the mailbox. The tracked event
// stays; a failure is recorded on the event instead of returned silently.
func (s *Service) DeleteMail(ctx context.Context, eventID int64) (*db.TrackedEvent, error) {
	event, err := s.db.GetEventByID(eventID)
	if err != nil {
		return nil, err
	}
	if event.MessageID == "" {
		return nil, fmt.Errorf("%w: event has no source message", ErrValidation)
	}

	account, err := s.db.GetAccountByID(event.AccountID)
	if err != nil {
		return nil, err
	}
	if account.Settings.IMAP == nil {
		return nil, fmt.Errorf("account %s has no IMAP settings", account.ID)
	}

	if err := s.mailbox.DeleteMessage(ctx, *account.Settings.IMAP, event.Folder, event.MessageID); err != nil {
		serr := s.db.SetMailError(eventID, err.Error(), db.HistoryEntry{
			Timestamp:   time.Now().UTC(),
			Action:      "mail-delete-failed",
			Description: fmt.Sprintf("Mailbox delete failed: %v", err),
		})
		if serr != nil {
			log.Printf("Cannot record mail error for event %s: %v", event.UID, serr)
		}
		return nil, err
	}

	err = s.db.SetMailError(eventID, "", db.HistoryEntry{
		Timestamp:   time.Now().UTC(),
		Action:      "mail-deleted",
		Description: "Source message deleted from mailbox",
	})
	if err != nil {
		return nil, err
	}
	return s.db.GetEventByID(eventID)
}

// ResolveConflict applies an explicit conflict resolution to an event.
func (s *Service) ResolveConflict(ctx context.Context, eventID int64, action db.ConflictAction, selections map[string]string) (*db.TrackedEvent, error) {
	event, err := s.db.GetEventByID(eventID)
	if err != nil {
		return nil, err
	}

	mapping, settings, err := s.mappingFor(event)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	mu := s.eventLock(eventID)
	mu.Lock()
	defer mu.Unlock()

	resolved, err := s.reconciler.ResolveConflict(ctx, eventID, action, selections, mapping, settings)
	if err == nil && s.notifier != nil {
		s.notifier.ClearSubject(resolved.UID)
	}
	return resolved, err
}

func (s *Service) notifyJobFailure(ctx context.Context, jobID, kind string, err error) {
	if s.notifier != nil {
		s.notifier.JobFailed(ctx, jobID, kind, err)
	}
}

// Overlaps returns remote calendar entries that overlap the event's time
// slot, for surfacing scheduling clashes in the event list.
func (s *Service) Overlaps(ctx context.Context, event *db.TrackedEvent) ([]caldav.OverlapEntry, error) {
	mapping, settings, err := s.mappingFor(event)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if event.Start.IsZero() {
		return nil, nil
	}
	return s.store.FindOverlapping(ctx, settings, mapping.CalendarURL, event.Start, event.End, event.UID)
}

// AttachOverlaps enriches events with remote calendar entries overlapping
// their time slots, resolved through each event's mapping. Best effort: a
// failed lookup leaves that event's list empty.
func (s *Service) AttachOverlaps(ctx context.Context, events []*db.TrackedEvent) {
	settingsCache := make(map[string]db.CalDAVSettings)

	for _, event := range events {
		event.Conflicts = []db.SchedulingConflict{}
		if event.Start.IsZero() || event.Status == db.EventStatusFailed {
			continue
		}

		mapping, err := s.db.ResolveMapping(event.AccountID, event.Folder)
		if err != nil {
			continue
		}
		settings, ok := settingsCache[mapping.CalDAVAccountID]
		if !ok {
			settings, err = s.caldavSettings(mapping.CalDAVAccountID)
			if err != nil {
				continue
			}
			settingsCache[mapping.CalDAVAccountID] = settings
		}

		overlaps, err := s.store.FindOverlapping(ctx, settings, mapping.CalendarURL, event.Start, event.End, event.UID)
		if err != nil {
			log.Printf("Overlap check for event %s failed: %v", event.UID, err)
			continue
		}
		for _, overlap := range overlaps {
			event.Conflicts = append(event.Conflicts, db.SchedulingConflict{
				UID:     overlap.UID,
				Summary: overlap.Summary,
				Start:   overlap.Start,
				End:     overlap.End,
			})
		}
	}
}

// TestAccount verifies the stored credentials against the live server.
func (s *Service) TestAccount(ctx context.Context, account *db.Account) error {
	switch account.Type {
	case db.AccountTypeIMAP:
		if account.Settings.IMAP == nil {
			return fmt.Errorf("%w: missing IMAP settings", ErrValidation)
		}
		return s.mailbox.TestConnection(ctx, *account.Settings.IMAP)
	case db.AccountTypeCalDAV:
		if account.Settings.CalDAV == nil {
			return fmt.Errorf("%w: missing CalDAV settings", ErrValidation)
		}
		return s.store.TestConnection(ctx, *account.Settings.CalDAV)
	default:
		return fmt.Errorf("%w: unknown account type %q", ErrValidation, account.Type)
	}
}

// AccountCalendars lists the calendars reachable with a CalDAV account.
func (s *Service) AccountCalendars(ctx context.Context, account *db.Account) ([]caldav.CalendarInfo, error) {
	if account.Settings.CalDAV == nil {
		return nil, fmt.Errorf("%w: missing CalDAV settings", ErrValidation)
	}
	return s.store.ListCalendars(ctx, *account.Settings.CalDAV)
}

// AccountFolders lists the folders of an IMAP account.
func (s *Service) AccountFolders(ctx context.Context, account *db.Account) ([]string, error) {
	if account.Settings.IMAP == nil {
		return nil, fmt.Errorf("%w: missing IMAP settings", ErrValidation)
	}
	return s.mailbox.ListFolders(ctx, *account.Settings.IMAP)
}

func (s *Service) mappingFor(event *db.TrackedEvent) (*db.SyncMapping, db.CalDAVSettings, error) {
	mapping, err := s.db.ResolveMapping(event.AccountID, event.Folder)
	if err != nil {
		return nil, db.CalDAVSettings{}, err
	}
	settings, err := s.caldavSettings(mapping.CalDAVAccountID)
	if err != nil {
		return nil, db.CalDAVSettings{}, err
	}
	return mapping, settings, nil
}

func (s *Service) caldavSettings(accountID string) (db.CalDAVSettings, error) {
	account, err := s.db.GetAccountByID(accountID)
	if err != nil {
		return db.CalDAVSettings{}, fmt.Errorf("calendar account lookup failed: %w", err)
	}
	if account.Settings.CalDAV == nil {
		return db.CalDAVSettings{}, fmt.Errorf("account %s has no CalDAV settings", accountID)
	}
	return *account.Settings.CalDAV, nil
}
