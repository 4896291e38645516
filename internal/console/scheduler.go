package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Library abstracts the saved-script store the scheduler reads from.
type Library interface {
	GetScript(ctx context.Context, id string) (*Script, error)
	ListScripts(ctx context.Context, status *ScriptStatus) ([]*Script, error)
	UpdateScriptRunInfo(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error
	UpdateScriptNextRun(ctx context.Context, id string, nextRunAt *time.Time) error
}

// Submitter enqueues script source for execution. *Console satisfies
// it.
type Submitter interface {
	Submit(source string) (string, error)
}

// Scheduler fires saved scripts on their cron schedules by submitting
// their source to the console. The console's own queue and busy policy
// decide what happens when a trigger lands while a job is active.
type Scheduler struct {
	library   Library
	submitter Submitter
	logger    *slog.Logger
	location  *time.Location

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	ctx context.Context
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(library Library, submitter Submitter, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Scheduler{
		library:   library,
		submitter: submitter,
		logger:    logger,
		location:  location,
		cron:      c,
		entries:   make(map[string]cron.EntryID),
	}
}

// Start begins the scheduling loop. ctx is used for background
// library updates and submissions.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop stops the scheduler and returns a context that is done once
// in-flight trigger dispatches have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Sync loads all saved scripts and ensures every active one with a
// schedule has a cron entry, removing entries for the rest.
func (s *Scheduler) Sync(ctx context.Context) error {
	scripts, err := s.library.ListScripts(ctx, nil)
	if err != nil {
		return fmt.Errorf("list scripts: %w", err)
	}
	for _, script := range scripts {
		if script.Status == ScriptStatusActive && script.Cron != nil {
			if err := s.scheduleScript(ctx, script); err != nil {
				s.logger.Error("schedule script", "script_id", script.ID, "err", err)
			}
		} else {
			s.unscheduleScript(script.ID)
		}
	}
	return nil
}

// AddOrUpdateScript refreshes the cron entry for a script that was
// created or modified.
func (s *Scheduler) AddOrUpdateScript(ctx context.Context, script *Script) error {
	s.unscheduleScript(script.ID)
	if script.Status == ScriptStatusActive && script.Cron != nil {
		return s.scheduleScript(ctx, script)
	}
	return nil
}

// RemoveScript stops scheduling for the given script ID.
func (s *Scheduler) RemoveScript(scriptID string) {
	s.unscheduleScript(scriptID)
}

// RunNow submits a saved script immediately and records the run time.
// Returns the job ID of the submission.
func (s *Scheduler) RunNow(ctx context.Context, script *Script) (string, error) {
	jobID, err := s.submitter.Submit(script.Source)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if err := s.library.UpdateScriptRunInfo(ctx, script.ID, &now, nil); err != nil {
		s.logger.Warn("update script run info", "script_id", script.ID, "err", err)
	}
	return jobID, nil
}

func (s *Scheduler) scheduleScript(ctx context.Context, script *Script) error {
	schedule, err := ParseCron(*script.Cron)
	if err != nil {
		return err
	}
	nextUTC := NextAfter(schedule, time.Now().In(s.location)).UTC()
	if err := s.library.UpdateScriptNextRun(ctx, script.ID, &nextUTC); err != nil {
		s.logger.Warn("update next_run_at failed", "script_id", script.ID, "err", err)
	}
	scriptID := script.ID
	job := func() {
		entryID, ok := s.getEntryID(scriptID)
		if !ok {
			return
		}
		entry := s.cron.Entry(entryID)
		next := entry.Next
		if !next.IsZero() {
			nextUTC := next.UTC()
			if err := s.library.UpdateScriptNextRun(s.ctxOrBackground(), scriptID, &nextUTC); err != nil {
				s.logger.Error("update next_run_at", "script_id", scriptID, "err", err)
			}
		}
		s.runScheduled(scriptID)
	}
	entryID := s.cron.Schedule(schedule, cron.FuncJob(job))
	s.setEntryID(scriptID, entryID)
	return nil
}

// runScheduled fires one trigger: it refetches the script so edits
// made since scheduling take effect, then submits its current source.
// A Busy rejection skips the trigger rather than queueing it twice.
func (s *Scheduler) runScheduled(scriptID string) {
	ctx := s.ctxOrBackground()
	script, err := s.library.GetScript(ctx, scriptID)
	if err != nil {
		s.logger.Error("fetch script for scheduled run", "script_id", scriptID, "err", err)
		return
	}
	if script.Status != ScriptStatusActive {
		return
	}
	jobID, err := s.submitter.Submit(script.Source)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			s.logger.Info("skipping scheduled run, console busy", "script_id", scriptID)
			return
		}
		s.logger.Error("submit scheduled script", "script_id", scriptID, "err", err)
		return
	}
	now := time.Now().UTC()
	if err := s.library.UpdateScriptRunInfo(ctx, scriptID, &now, nil); err != nil {
		s.logger.Warn("update script run info", "script_id", scriptID, "err", err)
	}
	s.logger.Info("scheduled script submitted", "script_id", scriptID, "job_id", jobID)
}

func (s *Scheduler) setEntryID(scriptID string, entryID cron.EntryID) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	s.entries[scriptID] = entryID
}

func (s *Scheduler) getEntryID(scriptID string) (cron.EntryID, bool) {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	id, ok := s.entries[scriptID]
	return id, ok
}

func (s *Scheduler) unscheduleScript(scriptID string) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if entryID, ok := s.entries[scriptID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scriptID)
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
