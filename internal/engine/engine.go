package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/kiln/internal/allocator"
	"github.com/seantiz/kiln/internal/block"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/queue"
	"github.com/seantiz/kiln/internal/store"
	"github.com/seantiz/kiln/internal/webhook"
)

// DefaultQueueCapacity bounds the dispatch channel when Options leaves it zero.
const DefaultQueueCapacity = 1024

// restartMessage is the error recorded for jobs a previous process left running.
const restartMessage = "worker restarted while job was running"

// Options configures an Engine. Records, Tracker, Allocator and Block are required.
type Options struct {
	Records   *store.Records
	Tracker   *queue.Tracker
	Allocator *allocator.Allocator
	Block     block.Block

	// RequireDevice makes every job hold one allocator unit while it runs.
	RequireDevice bool
	MaxWorkers    int
	QueueCapacity int
	// JobTimeout bounds each work function call. Zero means no limit.
	JobTimeout time.Duration

	Notifier   *webhook.Notifier
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// Engine accepts jobs and runs them on a fixed worker pool.
type Engine struct {
	records       *store.Records
	tracker       *queue.Tracker
	alloc         *allocator.Allocator
	block         block.Block
	requireDevice bool
	workers       int
	jobTimeout    time.Duration
	notifier      *webhook.Notifier
	logger        *slog.Logger
	metrics       *metrics
	broker        *Broker

	dispatch chan string
	quit     chan struct{}

	mu        sync.Mutex
	started   bool
	stopped   bool
	haltErr   error
	inflight  map[string]struct{}
	abandoned map[string]struct{}
	jobCancel context.CancelFunc
	group     *errgroup.Group

	background sync.WaitGroup
}

// New creates an engine. Workers are launched by Start.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	workers := max(opts.MaxWorkers, 1)
	if opts.RequireDevice {
		units := opts.Allocator.Size()
		if workers > units {
			// With zero units one worker stays so jobs fail fast instead of waiting.
			clamped := max(units, 1)
			logger.Warn("max workers exceeds device units, clamping",
				"max_workers", workers, "units", units, "workers", clamped)
			workers = clamped
		}
	}

	return &Engine{
		records:       opts.Records,
		tracker:       opts.Tracker,
		alloc:         opts.Allocator,
		block:         opts.Block,
		requireDevice: opts.RequireDevice,
		workers:       workers,
		jobTimeout:    opts.JobTimeout,
		notifier:      opts.Notifier,
		logger:        logger,
		metrics:       newMetrics(reg),
		broker:        NewBroker(),
		dispatch:      make(chan string, capacity),
		quit:          make(chan struct{}),
		inflight:      make(map[string]struct{}),
		abandoned:     make(map[string]struct{}),
	}
}

// Broker returns the per-token event broker for SSE subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Workers is the size of the worker pool after clamping.
func (e *Engine) Workers() int {
	return e.workers
}

// Block describes the served block.
func (e *Engine) Block() block.Info {
	return e.block.Info()
}

// Start runs the block's setup, recovers state left by a previous process and
// launches the workers. Workers exit when ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if e.block.Setup != nil {
		if err := e.block.Setup(ctx); err != nil {
			return fmt.Errorf("setup block %s: %w", e.block.Name, err)
		}
	}
	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := &errgroup.Group{}

	e.mu.Lock()
	e.jobCancel = cancel
	e.group = g
	e.mu.Unlock()

	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			e.work(ctx, jobCtx)
			return nil
		})
	}
	e.logger.Info("engine started", "workers", e.workers, "block", e.block.Name,
		"require_device", e.requireDevice, "units", e.alloc.Size())
	return nil
}

// work pulls tokens off the dispatch channel until quit or ctx is done.
func (e *Engine) work(ctx, jobCtx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case token := <-e.dispatch:
			if !e.accepting() {
				// Left queued in the tracker; the next Start re-dispatches it.
				return
			}
			e.track(token, true)
			_, err := e.run(jobCtx, token)
			e.track(token, false)
			if err != nil {
				e.halt(err)
				return
			}
		}
	}
}

func (e *Engine) track(token string, running bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if running {
		e.inflight[token] = struct{}{}
	} else {
		delete(e.inflight, token)
	}
}

func (e *Engine) accepting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stopped && e.haltErr == nil
}

// halt stops intake after an internal failure.
func (e *Engine) halt(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.haltErr != nil || e.stopped {
		return
	}
	e.haltErr = cause
	close(e.quit)
	e.logger.Error("engine halted, no longer accepting jobs", "error", cause)
}

// Halted returns the failure that halted the engine, or nil.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.haltErr
}

// recover fails jobs a previous process left running and re-dispatches the
// queued ones in arrival order.
func (e *Engine) recover(ctx context.Context) error {
	running, queued, err := e.tracker.Recover(ctx)
	if err != nil {
		return err
	}
	for _, token := range running {
		e.failRecovered(ctx, token, restartMessage)
	}
	for _, token := range queued {
		select {
		case e.dispatch <- token:
			e.metrics.queued.Inc()
		default:
			e.failRecovered(ctx, token, ErrQueueFull.Error())
		}
	}
	if len(running)+len(queued) > 0 {
		e.logger.Info("recovered jobs", "failed", len(running), "requeued", len(queued))
	}
	return nil
}

func (e *Engine) failRecovered(ctx context.Context, token, msg string) {
	if _, err := e.records.Mutate(ctx, token, func(rec *model.Record) error {
		if model.Terminal(rec.Status) {
			return nil
		}
		now := time.Now().UTC()
		rec.Status = model.StatusFailed
		rec.Error = msg
		rec.FinishedAt = &now
		return nil
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("fail recovered job record", "token", token, "error", err)
	}
	if err := e.tracker.Abandon(ctx, token); err != nil {
		e.logger.Error("fail recovered job", "token", token, "error", err)
		return
	}
	e.metrics.failed.Inc()
}

// Submit validates config against the block, persists a queued record and
// hands the token to the workers.
func (e *Engine) Submit(ctx context.Context, config model.Values) (string, error) {
	e.mu.Lock()
	switch {
	case e.stopped:
		e.mu.Unlock()
		return "", ErrStopped
	case e.haltErr != nil:
		e.mu.Unlock()
		return "", ErrHalted
	}
	e.mu.Unlock()

	cfg, err := e.block.Apply(config)
	if err != nil {
		return "", err
	}

	token := model.NewToken()
	if err := e.records.Create(ctx, model.NewRecord(token, cfg)); err != nil {
		return "", fmt.Errorf("create job record: %w", err)
	}
	if err := e.tracker.Enqueue(ctx, token); err != nil {
		e.rollback(ctx, token, false)
		return "", fmt.Errorf("enqueue: %w", err)
	}

	e.metrics.queued.Inc()
	select {
	case e.dispatch <- token:
	default:
		e.metrics.queued.Dec()
		e.rollback(ctx, token, true)
		return "", ErrQueueFull
	}

	e.publish(ctx, Event{Token: token, Status: model.StatusQueued}, true)
	e.logger.DebugContext(ctx, "job submitted", "token", token)
	return token, nil
}

func (e *Engine) rollback(ctx context.Context, token string, enqueued bool) {
	if enqueued {
		if err := e.tracker.Withdraw(ctx, token); err != nil {
			e.logger.Warn("rollback enqueue", "token", token, "error", err)
		}
	}
	if err := e.records.Delete(ctx, token); err != nil {
		e.logger.Warn("rollback job record", "token", token, "error", err)
	}
}

// Fetch returns the job's status and, depending on it, config, output and
// error. Unknown tokens yield status "invalid token" and no error.
func (e *Engine) Fetch(ctx context.Context, token string) (FetchResponse, error) {
	rec, err := e.records.Load(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return FetchResponse{Status: JobStatus{Status: model.StatusInvalidToken}}, nil
	}
	if err != nil {
		return FetchResponse{}, fmt.Errorf("load job: %w", err)
	}

	resp := FetchResponse{
		Status: JobStatus{Status: rec.Status},
		Config: rec.Config,
	}
	switch rec.Status {
	case model.StatusQueued:
		st, err := e.tracker.Status(ctx, token)
		if err != nil {
			return FetchResponse{}, err
		}
		if st.State == model.StatusQueued {
			pos := st.Position
			resp.Status.QueuePosition = &pos
		} else {
			// Dispatched between the two reads.
			resp.Status.Status = model.StatusRunning
		}
	case model.StatusRunning:
		resp.Status.Progress = rec.Progress
		resp.Output = rec.Output
	case model.StatusComplete:
		resp.Output = rec.Output
	case model.StatusFailed:
		resp.Output = rec.Output
		resp.Error = rec.Error
	}
	return resp, nil
}

// Update replaces the config of a queued or running job. Running jobs see
// the change at their next Refresh.
func (e *Engine) Update(ctx context.Context, token string, config model.Values) error {
	cfg, err := e.block.Apply(config)
	if err != nil {
		return err
	}
	_, err = e.records.Mutate(ctx, token, func(rec *model.Record) error {
		if model.Terminal(rec.Status) {
			return fmt.Errorf("%w: %s is %s", ErrJobFinished, token, rec.Status)
		}
		rec.Config = cfg
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", queue.ErrInvalidToken, token)
	}
	return err
}

// Delete removes a finished job's record and tracker entry.
func (e *Engine) Delete(ctx context.Context, token string) error {
	rec, err := e.records.Load(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", queue.ErrInvalidToken, token)
	}
	if err != nil {
		return err
	}
	if !model.Terminal(rec.Status) {
		return fmt.Errorf("%w: %s is %s", ErrJobActive, token, rec.Status)
	}
	// The record is finalized before the tracker, so the runner may still be
	// between the two writes.
	if err := e.tracker.Forget(ctx, token); errors.Is(err, queue.ErrInvalidTransition) {
		return fmt.Errorf("%w: %s is finishing", ErrJobActive, token)
	} else if err != nil && !errors.Is(err, queue.ErrInvalidToken) {
		return err
	}
	if err := e.records.Delete(ctx, token); err != nil {
		return err
	}
	e.broker.Forget(token)
	return nil
}

// Queue summarizes the tracker state.
func (e *Engine) Queue(ctx context.Context) (queue.Snapshot, error) {
	return e.tracker.Snapshot(ctx)
}

// Resources reports each device unit and whether it is held.
func (e *Engine) Resources() map[string]bool {
	return e.alloc.Usage()
}

// Stop stops intake and dispatch, then waits up to grace for running jobs.
// It returns the tokens still running when grace expired; their contexts are
// cancelled but their device units are not released.
func (e *Engine) Stop(grace time.Duration) []string {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	if e.haltErr == nil {
		close(e.quit)
	}
	g := e.group
	e.mu.Unlock()

	if g == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		e.jobCancel()
		e.logger.Info("engine stopped")
		return nil
	case <-timer.C:
	}

	// Marked before cancelling so runners skip finalization and keep the unit.
	e.mu.Lock()
	abandoned := make([]string, 0, len(e.inflight))
	for token := range e.inflight {
		abandoned = append(abandoned, token)
		e.abandoned[token] = struct{}{}
	}
	e.mu.Unlock()
	sort.Strings(abandoned)

	e.jobCancel()
	e.logger.Warn("grace period expired, abandoning jobs", "grace", grace, "tokens", abandoned)
	return abandoned
}

// wasAbandoned reports whether Stop gave up on token.
func (e *Engine) wasAbandoned(token string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.abandoned[token]
	return ok
}

// Wait blocks until every worker and pending webhook delivery has returned.
func (e *Engine) Wait() {
	e.mu.Lock()
	g := e.group
	e.mu.Unlock()
	if g != nil {
		g.Wait()
	}
	e.background.Wait()
}
