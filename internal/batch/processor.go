package batch

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/NikhilSetiya/evalsync/pkg/clock"
	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
	"github.com/NikhilSetiya/evalsync/pkg/metrics"
	"github.com/NikhilSetiya/evalsync/pkg/resilience"
	"github.com/NikhilSetiya/evalsync/pkg/tracing"
)

// Outcome reasons recorded by the processor itself
const (
	ReasonTimeout         = "timeout"
	ReasonUpstreamTimeout = "upstream_timeout"
	ReasonCancelled       = "cancelled"
	ReasonPanic           = "panic"
)

var errItemTimeout = stderrors.New("batch item timed out")

// Invoker runs one operation with retry and circuit breaking
type Invoker interface {
	Invoke(ctx context.Context, op resilience.Operation) (interface{}, error)
}

// ItemFunc processes a single item and returns its payload
type ItemFunc func(ctx context.Context, item Item) (interface{}, error)

// Option configures a Processor
type Option func(*Processor)

// WithClock sets the clock used for run timestamps
func WithClock(c clock.Clock) Option {
	return func(p *Processor) {
		p.clock = c
	}
}

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithTracer sets the tracing service
func WithTracer(t *tracing.TracingService) Option {
	return func(p *Processor) {
		p.tracer = t
	}
}

// Processor runs jobs through a bounded worker pool. A Processor may run
// several jobs concurrently; each run gets its own pool.
//
// An item that exceeds PerBatchTimeout releases its slot immediately. If
// its operation ignores the context it keeps running in the background,
// so for a short while more than ConcurrencyLimit external calls may be
// in flight.
type Processor struct {
	invoker Invoker
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.TracingService

	subMu       sync.Mutex
	subscribers map[int]chan Progress
	nextSubID   int
}

// NewProcessor creates a processor that sends every item through invoker
func NewProcessor(invoker Invoker, opts ...Option) *Processor {
	p := &Processor{
		invoker:     invoker,
		clock:       clock.New(),
		logger:      logging.GetLogger(),
		tracer:      tracing.NewNoop(),
		subscribers: make(map[int]chan Progress),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe returns a channel receiving progress snapshots of every run
// and a function that detaches it. Slow subscribers miss snapshots
// rather than stall the run.
func (p *Processor) Subscribe() (<-chan Progress, func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Progress, 16)
	p.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			defer p.subMu.Unlock()
			delete(p.subscribers, id)
			close(ch)
		})
	}
}

func (p *Processor) publish(progress Progress) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	for _, ch := range p.subscribers {
		select {
		case ch <- progress:
		default:
		}
	}
}

// Run processes every item of job and returns one outcome per item.
// Item failures never abort the run. Cancelling ctx stops dispatch and
// further retries; items not yet started are marked skipped, while items
// already in flight finish or hit their own timeout.
func (p *Processor) Run(ctx context.Context, job Job, handler ItemFunc) *Result {
	job = job.withDefaults()
	total := len(job.Items)

	run := &runState{
		processor: p,
		job:       job,
		result: &Result{
			Outcomes:  make([]Outcome, total),
			StartedAt: p.clock.Now(),
		},
	}
	run.progress.Total = total

	sem := semaphore.NewWeighted(int64(job.ConcurrencyLimit))
	var wg sync.WaitGroup

	chunks := job.Chunks()
	dispatched := 0

dispatch:
	for chunkIndex, chunk := range chunks {
		for _, index := range chunk {
			if ctx.Err() != nil {
				break dispatch
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				break dispatch
			}
			// Acquire may win the race against a concurrent cancel
			if ctx.Err() != nil {
				sem.Release(1)
				break dispatch
			}

			dispatched++
			wg.Add(1)
			go func(index, chunkIndex int) {
				defer wg.Done()
				defer sem.Release(1)
				run.process(ctx, index, chunkIndex, handler)
			}(index, chunkIndex)
		}
	}

	if dispatched < total {
		p.logger.Warn("Batch run cancelled, skipping undispatched items",
			"dispatched", dispatched,
			"total", total,
		)
		for index := dispatched; index < total; index++ {
			run.complete(ctx, Outcome{
				Index:  index,
				Key:    job.Items[index].Key,
				Status: StatusSkipped,
				Reason: ReasonCancelled,
				Err:    errors.NewCancelledError("batch dispatch").WithCause(ctx.Err()),
			})
		}
	}

	wg.Wait()

	run.result.FinishedAt = p.clock.Now()
	p.metrics.RecordBatchRun(run.result.Duration())

	p.logger.Info("Batch run completed",
		"total", total,
		"succeeded", run.result.Succeeded,
		"failed", run.result.Failed,
		"skipped", run.result.Skipped,
		"duration", run.result.Duration().String(),
	)

	return run.result
}

type runState struct {
	processor *Processor
	job       Job

	mu       sync.Mutex
	result   *Result
	progress Progress
}

type itemResult struct {
	payload interface{}
	err     error
	panic   interface{}
}

func (r *runState) process(ctx context.Context, index, chunkIndex int, handler ItemFunc) {
	p := r.processor
	item := r.job.Items[index]

	p.metrics.ItemStarted()
	defer p.metrics.ItemFinished()

	// A started item outlives run cancellation up to its own timeout; the
	// run context only stops further retries.
	itemCtx, span := p.tracer.StartItemSpan(context.WithoutCancel(ctx), item.Key, index)
	itemCtx, cancel := context.WithTimeoutCause(itemCtx, r.job.PerBatchTimeout, errItemTimeout)
	defer cancel()
	itemCtx = resilience.WithStopContext(itemCtx, ctx)

	done := make(chan itemResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- itemResult{panic: rec}
			}
		}()
		payload, err := p.invoker.Invoke(itemCtx, func(ctx context.Context) (interface{}, error) {
			return handler(ctx, item)
		})
		done <- itemResult{payload: payload, err: err}
	}()

	var res itemResult
	select {
	case res = <-done:
	case <-itemCtx.Done():
		res = r.await(itemCtx, done)
	}

	outcome := r.classify(itemCtx, index, item, res)
	p.tracer.End(span, outcome.Err)

	if outcome.Status == StatusFailure {
		p.logger.Debug("Batch item failed",
			"key", item.Key,
			"chunk", chunkIndex,
			"reason", outcome.Reason,
			"error", outcome.Err,
		)
	}

	r.complete(ctx, outcome)
}

// await settles an item whose timeout fired before it reported. The slot
// is freed at once; an operation ignoring its context is abandoned.
func (r *runState) await(itemCtx context.Context, done <-chan itemResult) itemResult {
	select {
	case res := <-done:
		return res
	default:
		return itemResult{err: context.Cause(itemCtx)}
	}
}

func (r *runState) classify(itemCtx context.Context, index int, item Item, res itemResult) Outcome {
	outcome := Outcome{Index: index, Key: item.Key}

	switch {
	case res.panic != nil:
		outcome.Status = StatusFailure
		outcome.Reason = ReasonPanic
		outcome.Err = errors.NewInternalError(fmt.Sprintf("item %s panicked: %v", item.Key, res.panic))
	case res.err == nil:
		outcome.Status = StatusSuccess
		outcome.Payload = res.payload
	case stderrors.Is(context.Cause(itemCtx), errItemTimeout):
		outcome.Status = StatusFailure
		outcome.Reason = ReasonTimeout
		outcome.Err = errors.NewTimeoutError("batch item " + item.Key).WithCause(res.err)
	case errors.IsCancelled(res.err):
		outcome.Status = StatusSkipped
		outcome.Reason = ReasonCancelled
		outcome.Err = res.err
	default:
		outcome.Status = StatusFailure
		outcome.Reason = failureReason(res.err)
		outcome.Err = res.err
	}

	return outcome
}

func failureReason(err error) string {
	switch t := errors.GetTypeOrEmpty(err); t {
	case errors.ErrorTypeTimeout:
		return ReasonUpstreamTimeout
	case "":
		if stderrors.Is(err, context.DeadlineExceeded) {
			return ReasonUpstreamTimeout
		}
		return "error"
	default:
		return string(t)
	}
}

// complete writes the item's slot and publishes progress. Holding the
// lock across publish keeps snapshots ordered by completed count.
func (r *runState) complete(ctx context.Context, outcome Outcome) {
	p := r.processor

	r.mu.Lock()
	defer r.mu.Unlock()

	r.result.Outcomes[outcome.Index] = outcome
	switch outcome.Status {
	case StatusSuccess:
		r.result.Succeeded++
		r.progress.Succeeded++
	case StatusFailure:
		r.result.Failed++
		r.progress.Failed++
	case StatusSkipped:
		r.result.Skipped++
		r.progress.Skipped++
	}
	r.progress.Completed++
	p.metrics.RecordBatchItem(string(outcome.Status))

	if r.progress.Completed%r.job.ProgressInterval == 0 || r.progress.Completed == r.progress.Total {
		snapshot := r.progress
		snapshot.Done = snapshot.Completed == snapshot.Total
		snapshot.UpdatedAt = p.clock.Now()
		p.logger.LogBatchProgress(ctx, snapshot.Completed, snapshot.Total,
			snapshot.Succeeded, snapshot.Failed, snapshot.Skipped)
		p.publish(snapshot)
	}
}
