package scheduler

import (
	"context"
	"time"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

// State is the scheduler's lifecycle state
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the scheduler
type Status struct {
	State     string         `json:"state"`
	Interval  string         `json:"interval"`
	Targets   []string       `json:"targets"`
	NextTick  *time.Time     `json:"next_tick,omitempty"`
	LastRun   *types.SyncRun `json:"last_run,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

// State returns the current state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRun returns the most recent completed cycle, or nil
func (s *Scheduler) LastRun() *types.SyncRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Status returns a snapshot for status endpoints
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() Status {
	targets := make([]string, len(s.config.Targets))
	for i, t := range s.config.Targets {
		targets[i] = t.DatasetName
	}

	status := Status{
		State:     s.state.String(),
		Interval:  s.config.Interval.String(),
		Targets:   targets,
		LastRun:   s.lastRun,
		LastError: s.lastError,
	}
	if !s.nextTick.IsZero() && s.state != StateDisabled {
		next := s.nextTick
		status.NextTick = &next
	}
	return status
}

// begin moves Idle to Running
func (s *Scheduler) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateDisabled:
		return errors.NewConflictError("sync is disabled by configuration").WithCause(ErrSyncDisabled)
	case StateRunning:
		return errors.NewConflictError("a sync cycle is already running").WithCause(ErrSyncInProgress)
	}

	s.state = StateRunning
	return nil
}

// finish moves Running back to Idle and keeps the outcome for Status
func (s *Scheduler) finish(ctx context.Context, run *types.SyncRun, err error) {
	s.mu.Lock()
	s.state = StateIdle
	switch {
	case err != nil && errors.IsType(err, errors.ErrorTypeConflict):
		// another instance ran the cycle; nothing to report here
	case err != nil:
		s.lastError = err.Error()
	case run != nil:
		s.lastRun = run
		s.lastError = ""
	}
	status := s.statusLocked()
	s.mu.Unlock()

	if s.publishStatus != nil {
		s.publishStatus(context.WithoutCancel(ctx), status)
	}
}

func (s *Scheduler) setNextTick(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTick = at
}
