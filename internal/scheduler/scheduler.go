package scheduler

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"calsync/internal/db"
	"calsync/internal/jobs"
	"calsync/internal/syncer"
)

const (
	// MinIntervalMinutes and MaxIntervalMinutes bound the auto-sync period.
	MinIntervalMinutes = 1
	MaxIntervalMinutes = 720

	DefaultIntervalMinutes = 15
)

var ErrInvalidSettings = errors.New("invalid auto-sync settings")

// Settings is the auto-sync configuration exposed over the API.
type Settings struct {
	Enabled         bool              `json:"enabled"`
	IntervalMinutes int               `json:"interval_minutes"`
	AutoResponse    db.ResponseStatus `json:"auto_response"`
}

// Scheduler runs the periodic mailbox scan and sync. It drives the same job
// pipeline the manual endpoints use; a tick that lands while the previous
// scan is still running is skipped, not queued.
type Scheduler struct {
	service *syncer.Service

	mu       sync.Mutex
	settings Settings
	ticker   *time.Ticker
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler in the disabled state.
func New(service *syncer.Service) *Scheduler {
	return &Scheduler{
		service: service,
		settings: Settings{
			IntervalMinutes: DefaultIntervalMinutes,
			AutoResponse:    db.ResponseNone,
		},
	}
}

// Status returns the current auto-sync configuration.
func (s *Scheduler) Status() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Configure validates and applies new settings, starting or stopping the
// background loop as needed. Reconfiguring with the same settings is
// idempotent.
func (s *Scheduler) Configure(settings Settings) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settings.IntervalMinutes == 0 {
		// An omitted interval keeps the configured one, so disabling does
		// not require restating it.
		settings.IntervalMinutes = s.settings.IntervalMinutes
	}
	if settings.IntervalMinutes < MinIntervalMinutes || settings.IntervalMinutes > MaxIntervalMinutes {
		return Settings{}, fmt.Errorf("%w: interval must be between %d and %d minutes",
			ErrInvalidSettings, MinIntervalMinutes, MaxIntervalMinutes)
	}
	if settings.AutoResponse == "" {
		settings.AutoResponse = db.ResponseNone
	}
	if settings.AutoResponse != db.ResponseNone && settings.AutoResponse != db.ResponseAccepted {
		return Settings{}, fmt.Errorf("%w: auto_response must be none or accepted", ErrInvalidSettings)
	}

	if settings == s.settings {
		return s.settings, nil
	}

	wasRunning := s.ticker != nil
	if wasRunning {
		s.stopLocked()
	}
	s.settings = settings
	if settings.Enabled {
		s.startLocked()
		if wasRunning {
			log.Printf("Auto-sync reconfigured: every %d minutes", settings.IntervalMinutes)
		} else {
			log.Printf("Auto-sync enabled: every %d minutes", settings.IntervalMinutes)
		}
	} else if wasRunning {
		log.Println("Auto-sync disabled")
	}
	return s.settings, nil
}

// Stop halts the background loop and waits for an in-flight tick handler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) startLocked() {
	s.ticker = time.NewTicker(time.Duration(s.settings.IntervalMinutes) * time.Minute)
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.run(s.ticker, s.stopCh)
}

func (s *Scheduler) stopLocked() {
	if s.ticker == nil {
		return
	}
	close(s.stopCh)
	s.ticker.Stop()
	s.ticker = nil
	s.stopCh = nil
}

func (s *Scheduler) run(ticker *time.Ticker, stopCh chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	autoResponse := s.settings.AutoResponse
	s.mu.Unlock()

	job, err := s.service.StartScan(autoResponse)
	if err != nil {
		if errors.Is(err, jobs.ErrJobActive) {
			log.Println("Skipping scheduled sync, a scan is already running")
			return
		}
		log.Printf("Scheduled sync failed to start: %v", err)
		return
	}
	log.Printf("Scheduled sync started (job %s)", job.ID)
}
