package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/evalsync/internal/batch"
	"github.com/NikhilSetiya/evalsync/internal/patterns"
	"github.com/NikhilSetiya/evalsync/internal/telemetry"
	"github.com/NikhilSetiya/evalsync/pkg/clock"
	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
	"github.com/NikhilSetiya/evalsync/pkg/metrics"
	"github.com/NikhilSetiya/evalsync/pkg/resilience"
	"github.com/NikhilSetiya/evalsync/pkg/tracing"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

var (
	// ErrSyncInProgress is the cause of the conflict error returned when a
	// manual sync is requested while a cycle is running
	ErrSyncInProgress = stderrors.New("sync already in progress")

	// ErrSyncDisabled is the cause of the error returned when a sync is
	// requested on a disabled scheduler
	ErrSyncDisabled = stderrors.New("sync is disabled")
)

// Reason recorded for targets whose records were fetched but could not be
// stored
const ReasonPersistFailed = "persist_failed"

// persistTimeout bounds the bookkeeping writes at the end of a cycle. They
// run detached from the cycle context so a cancelled cycle still records
// what it did.
const persistTimeout = 30 * time.Second

// PatternSink stores extracted patterns
type PatternSink interface {
	UpsertPatterns(ctx context.Context, candidates []types.PatternCandidate) (int, error)
}

// StateStore keeps per-dataset sync markers and run history
type StateStore interface {
	LastSync(ctx context.Context, datasetName string) (time.Time, bool, error)
	RecordSync(ctx context.Context, datasetName string, at time.Time, runID uuid.UUID) error
	SaveRun(ctx context.Context, run *types.SyncRun) error
}

// RunGuard serializes cycles across processes. Acquire returns a release
// func, or a conflict error when another process holds the guard.
type RunGuard interface {
	Acquire(ctx context.Context) (func(), error)
}

// Config holds scheduler settings
type Config struct {
	Enabled           bool
	Interval          time.Duration
	DefaultMaxAgeDays int
	Targets           []types.SyncTarget
	// Job carries the batch limits; its items are replaced every cycle
	Job batch.Job
}

// Validate checks the configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 {
		return errors.NewConfigurationError("sync interval must be positive")
	}
	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if t.DatasetName == "" {
			return errors.NewConfigurationError("sync target without dataset name")
		}
		if seen[t.DatasetName] {
			return errors.NewConfigurationError(fmt.Sprintf("duplicate sync target %q", t.DatasetName))
		}
		seen[t.DatasetName] = true
	}
	return nil
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock sets the clock driving ticks and due checks
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer sets the tracing service
func WithTracer(t *tracing.TracingService) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithRunGuard adds a cross-process guard around each cycle
func WithRunGuard(g RunGuard) Option {
	return func(s *Scheduler) { s.guard = g }
}

// WithAlerts sends an alert for every cycle with failed targets
func WithAlerts(g *resilience.SyncAlertGenerator) Option {
	return func(s *Scheduler) { s.alerts = g }
}

// WithStatusPublisher registers a callback receiving the status after
// every state change
func WithStatusPublisher(fn func(ctx context.Context, status Status)) Option {
	return func(s *Scheduler) { s.publishStatus = fn }
}

// Scheduler runs sync cycles on a timer and on demand. At most one cycle
// runs at a time.
type Scheduler struct {
	config    Config
	processor *batch.Processor
	client    telemetry.Client
	extractor *patterns.Extractor
	patterns  PatternSink
	store     StateStore

	guard         RunGuard
	alerts        *resilience.SyncAlertGenerator
	publishStatus func(ctx context.Context, status Status)
	clock         clock.Clock
	logger        *logging.Logger
	metrics       *metrics.Metrics
	tracer        *tracing.TracingService

	mu        sync.Mutex
	state     State
	lastRun   *types.SyncRun
	lastError string
	nextTick  time.Time

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. It starts Disabled when config.Enabled is
// false and Idle otherwise.
func New(config Config, processor *batch.Processor, client telemetry.Client, extractor *patterns.Extractor, sink PatternSink, store StateStore, opts ...Option) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if processor == nil || client == nil || extractor == nil || sink == nil || store == nil {
		return nil, errors.NewValidationError("scheduler dependencies must not be nil")
	}

	s := &Scheduler{
		config:    config,
		processor: processor,
		client:    client,
		extractor: extractor,
		patterns:  sink,
		store:     store,
		clock:     clock.New(),
		logger:    logging.GetLogger(),
		tracer:    tracing.NewNoop(),
		state:     StateIdle,
	}
	if !config.Enabled {
		s.state = StateDisabled
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start runs the ticker loop in the background until ctx is cancelled or
// Stop is called. The first cycle runs immediately; the due check keeps
// it cheap when nothing is due. A disabled scheduler does not start a
// loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.State() == StateDisabled {
		s.logger.Info("Sync scheduler disabled, not starting")
		return nil
	}

	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.done != nil {
		return errors.NewConflictError("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	ticker := s.clock.NewTicker(s.config.Interval)
	s.setNextTick(s.clock.Now().Add(s.config.Interval))

	s.logger.Info("Sync scheduler started",
		"interval", s.config.Interval.String(),
		"targets", len(s.config.Targets),
	)

	go s.loop(ctx, ticker, s.done)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	s.tickAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C():
			s.setNextTick(at.Add(s.config.Interval))
			s.tickAndLog(ctx)
		}
	}
}

func (s *Scheduler) tickAndLog(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		s.logger.Error("Scheduled sync failed", "error", err)
	}
}

// Stop cancels the loop and waits for the running cycle to return
func (s *Scheduler) Stop() {
	s.loopMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Sync scheduler stopped")
}

// Tick runs a scheduled cycle. It is a no-op, returning a nil run, when
// the scheduler is disabled, a cycle is already running here, or another
// process holds the run guard.
func (s *Scheduler) Tick(ctx context.Context) (*types.SyncRun, error) {
	run, err := s.runCycle(ctx, types.SyncTriggerScheduled)
	if stderrors.Is(err, ErrSyncInProgress) || stderrors.Is(err, ErrSyncDisabled) {
		s.logger.Debug("Skipping scheduled sync", "reason", err.Error())
		return nil, nil
	}
	return run, err
}

// TriggerSync runs an on-demand cycle. Requests made while a cycle is
// running are rejected with a conflict error wrapping ErrSyncInProgress,
// not queued.
func (s *Scheduler) TriggerSync(ctx context.Context, trigger types.SyncTrigger) (*types.SyncRun, error) {
	if trigger == "" {
		trigger = types.SyncTriggerManual
	}
	return s.runCycle(ctx, trigger)
}

// CycleResult is the outcome of a background cycle
type CycleResult struct {
	Run *types.SyncRun
	Err error
}

// TriggerSyncAsync starts an on-demand cycle in the background and returns
// once it is running. It fails right away with the errors TriggerSync
// returns when a cycle cannot start. The channel receives the outcome.
// ctx must outlive the caller's request.
func (s *Scheduler) TriggerSyncAsync(ctx context.Context, trigger types.SyncTrigger) (<-chan CycleResult, error) {
	if trigger == "" {
		trigger = types.SyncTriggerManual
	}
	if err := s.begin(); err != nil {
		return nil, err
	}

	results := make(chan CycleResult, 1)
	go func() {
		run, err := s.execute(ctx, trigger)
		if err != nil && !stderrors.Is(err, ErrSyncInProgress) {
			s.logger.Error("Background sync failed", "trigger", string(trigger), "error", err)
		}
		results <- CycleResult{Run: run, Err: err}
	}()
	return results, nil
}

func (s *Scheduler) runCycle(ctx context.Context, trigger types.SyncTrigger) (*types.SyncRun, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	return s.execute(ctx, trigger)
}

// execute runs a cycle on a scheduler already moved to Running
func (s *Scheduler) execute(ctx context.Context, trigger types.SyncTrigger) (*types.SyncRun, error) {
	var (
		run *types.SyncRun
		err error
	)
	defer func() { s.finish(ctx, run, err) }()

	if s.guard != nil {
		release, guardErr := s.guard.Acquire(ctx)
		switch {
		case guardErr == nil:
			defer release()
		case errors.IsType(guardErr, errors.ErrorTypeConflict):
			err = errors.NewConflictError("sync running on another instance").WithCause(ErrSyncInProgress)
			return nil, err
		default:
			// Losing the shared guard must not stop syncing; the local
			// state machine still prevents overlap within this process.
			s.logger.Warn("Run guard unavailable, continuing without it", "error", guardErr)
		}
	}

	run, err = s.sync(ctx, trigger)
	return run, err
}

// sync executes one cycle
func (s *Scheduler) sync(ctx context.Context, trigger types.SyncTrigger) (*types.SyncRun, error) {
	startedAt := s.clock.Now()
	run := &types.SyncRun{
		ID:        uuid.New(),
		Trigger:   trigger,
		StartedAt: startedAt,
	}
	ctx = logging.WithRunID(ctx, run.ID.String())

	due, err := s.dueTargets(ctx, startedAt)
	if err != nil {
		return nil, err
	}

	run.Targets = make([]string, len(due))
	for i, t := range due {
		run.Targets[i] = t.DatasetName
	}

	ctx, span := s.tracer.StartSyncSpan(ctx, run.ID.String(), string(trigger), len(due))
	defer s.tracer.End(span, nil)

	if len(due) == 0 {
		run.FinishedAt = s.clock.Now()
		s.logger.Debug("No sync targets due", "run_id", run.ID.String())
		return run, nil
	}

	s.logger.LogSyncEvent(ctx, "sync_started", "", logrus.Fields{
		"trigger": string(trigger),
		"targets": len(due),
	})

	items := make([]batch.Item, len(due))
	for i, target := range due {
		items[i] = batch.Item{
			Key:   target.DatasetName,
			Value: fetchRequest{target: target, since: s.windowStart(target, startedAt)},
		}
	}

	result := s.processor.Run(ctx, s.config.Job.WithItems(items), s.fetch)

	records := s.collect(run, result)

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	candidates := s.extractor.Extract(records)
	run.PatternsExtracted = len(candidates)
	persisted := false
	if len(candidates) > 0 {
		n, upsertErr := s.patterns.UpsertPatterns(persistCtx, candidates)
		if upsertErr != nil {
			s.logger.Error("Failed to persist patterns", "error", upsertErr, "candidates", len(candidates))
			s.failSucceeded(run, result, upsertErr)
		} else {
			run.PatternsPersisted = n
			persisted = true
		}
	}

	// Every attempted target is marked, failed ones included, so a target
	// that keeps failing is retried once per interval rather than every tick.
	for _, o := range result.Outcomes {
		if o.Status == batch.StatusSkipped {
			continue
		}
		if err := s.store.RecordSync(persistCtx, o.Key, startedAt, run.ID); err != nil {
			s.logger.Error("Failed to record sync", "dataset", o.Key, "error", err)
		}
	}

	run.FinishedAt = s.clock.Now()

	if err := s.store.SaveRun(persistCtx, run); err != nil {
		s.logger.Error("Failed to save sync run", "run_id", run.ID.String(), "error", err)
	}

	s.record(run, result, candidates, persisted)

	if s.alerts != nil {
		s.alerts.HandleSyncRun(persistCtx, run)
	}

	s.logger.LogSyncEvent(ctx, "sync_completed", "", logrus.Fields{
		"trigger":            string(trigger),
		"succeeded":          run.Succeeded,
		"failed":             run.Failed,
		"skipped":            run.Skipped,
		"patterns_extracted": run.PatternsExtracted,
		"patterns_persisted": run.PatternsPersisted,
		"duration_ms":        run.Duration().Milliseconds(),
	})
	for _, f := range run.Failures {
		s.logger.Warn("Sync target failed", "run_id", run.ID.String(), "dataset", f.DatasetName, "reason", f.Reason, "error", f.Error)
	}

	return run, nil
}

type fetchRequest struct {
	target types.SyncTarget
	since  time.Time
}

func (s *Scheduler) fetch(ctx context.Context, item batch.Item) (interface{}, error) {
	req, ok := item.Value.(fetchRequest)
	if !ok {
		return nil, errors.NewInternalError(fmt.Sprintf("unexpected batch item %T", item.Value))
	}
	return s.client.FetchRecords(ctx, req.target, req.since)
}

// dueTargets returns the targets never synced or last synced at least one
// interval ago, in configuration order.
//
// The marker compared against is the start time of the cycle that synced
// the target, not its completion time, and a target counts as due once
// 95% of the interval has elapsed. Both keep a target synced on one tick
// due on the next, even when the cycle ran long or the ticker fired early.
func (s *Scheduler) dueTargets(ctx context.Context, now time.Time) ([]types.SyncTarget, error) {
	slack := s.config.Interval / 20
	due := make([]types.SyncTarget, 0, len(s.config.Targets))

	for _, target := range s.config.Targets {
		last, found, err := s.store.LastSync(ctx, target.DatasetName)
		if err != nil {
			return nil, fmt.Errorf("failed to read last sync of %s: %w", target.DatasetName, err)
		}
		if !found || now.Sub(last) >= s.config.Interval-slack {
			due = append(due, target)
		}
	}

	return due, nil
}

// windowStart is the oldest record a target fetches. The whole age window
// is fetched every cycle; upserts make the overlap harmless and a failed
// cycle loses nothing.
func (s *Scheduler) windowStart(target types.SyncTarget, now time.Time) time.Time {
	days := target.MaxAgeDays
	if days <= 0 {
		days = s.config.DefaultMaxAgeDays
	}
	if days <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -days)
}

// collect folds batch outcomes into run and returns the fetched records
func (s *Scheduler) collect(run *types.SyncRun, result *batch.Result) []types.ExperimentRecord {
	run.Succeeded = result.Succeeded
	run.Failed = result.Failed
	run.Skipped = result.Skipped

	var records []types.ExperimentRecord
	for _, o := range result.Outcomes {
		switch o.Status {
		case batch.StatusSuccess:
			if recs, ok := o.Payload.([]types.ExperimentRecord); ok {
				records = append(records, recs...)
			}
		case batch.StatusFailure:
			failure := types.SyncFailure{DatasetName: o.Key, Reason: o.Reason}
			if o.Err != nil {
				failure.Error = o.Err.Error()
			}
			run.Failures = append(run.Failures, failure)
		}
	}
	return records
}

// failSucceeded turns fetched targets into failures when their patterns
// could not be stored
func (s *Scheduler) failSucceeded(run *types.SyncRun, result *batch.Result, err error) {
	for _, o := range result.Outcomes {
		if o.Status != batch.StatusSuccess {
			continue
		}
		run.Failures = append(run.Failures, types.SyncFailure{
			DatasetName: o.Key,
			Reason:      ReasonPersistFailed,
			Error:       err.Error(),
		})
	}
	run.Failed += run.Succeeded
	run.Succeeded = 0
	sort.SliceStable(run.Failures, func(i, j int) bool {
		return run.Failures[i].DatasetName < run.Failures[j].DatasetName
	})
}

func (s *Scheduler) record(run *types.SyncRun, result *batch.Result, candidates []types.PatternCandidate, persisted bool) {
	s.metrics.RecordSyncRun(string(run.Trigger), run.Failed, run.Duration())

	failed := make(map[string]bool, len(run.Failures))
	for _, f := range run.Failures {
		failed[f.DatasetName] = true
	}
	for _, o := range result.Outcomes {
		status := string(o.Status)
		if failed[o.Key] {
			status = string(batch.StatusFailure)
		}
		s.metrics.RecordSyncTarget(o.Key, status, run.StartedAt)
	}

	extracted := make(map[types.PatternKind]int)
	for _, c := range candidates {
		extracted[c.Kind]++
	}
	for _, kind := range types.PatternKinds {
		if extracted[kind] == 0 {
			continue
		}
		stored := 0
		if persisted {
			stored = extracted[kind]
		}
		s.metrics.RecordPatterns(string(kind), extracted[kind], stored)
	}
}
