package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/seantiz/kiln/internal/jobctx"
	kilnlog "github.com/seantiz/kiln/internal/log"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/progress"
	"github.com/seantiz/kiln/internal/queue"
	"github.com/seantiz/kiln/internal/webhook"
)

// maxErrorLines bounds the stored error text of a failed job.
const maxErrorLines = 20

// run drives one dispatched token from queued to complete or failed. A
// non-nil error means the engine itself could not keep its state consistent
// (store failure or illegal transition); job failures are reported in Result.
func (e *Engine) run(ctx context.Context, token string) (Result, error) {
	ctx = kilnlog.WithToken(ctx, token)
	ctx, span := startJobSpan(ctx, token)
	var (
		device string
		res    Result
		err    error
	)
	defer func() { endJobSpan(span, device, res.Err, err) }()

	if err = e.tracker.MarkRunning(ctx, token); err != nil {
		e.logger.ErrorContext(ctx, "mark running", "error", err)
		return res, err
	}
	e.metrics.queued.Dec()
	e.metrics.running.Inc()
	defer e.metrics.running.Dec()

	acquired := true
	if e.requireDevice {
		device, acquired = e.alloc.Acquire()
		if acquired {
			e.metrics.occupied.Inc()
		}
	}

	start := time.Now()
	if _, err = e.records.Mutate(ctx, token, func(rec *model.Record) error {
		if err := checkTransition(rec, model.StatusRunning); err != nil {
			return err
		}
		rec.Status = model.StatusRunning
		rec.Device = device
		started := start.UTC()
		rec.StartedAt = &started
		return nil
	}); err != nil {
		e.logger.ErrorContext(ctx, "persist running status", "error", err)
		e.release(device)
		e.abandon(ctx, token)
		return res, err
	}
	e.publish(ctx, Event{Token: token, Status: model.StatusRunning}, true)

	if !acquired {
		e.logger.WarnContext(ctx, "no free device unit", "units", e.alloc.Size())
		res.Err = &JobError{Message: ErrResourceExhausted.Error()}
		err = e.finishFailed(ctx, token, start, res.Err)
		return res, err
	}

	e.logger.InfoContext(ctx, "job started", "device", device)
	output, jobErr := e.invoke(ctx, token, device)
	res = Result{Output: output, Err: jobErr}

	if e.wasAbandoned(token) {
		// The record stays running and the unit stays held; the next Start
		// fails the token.
		e.logger.WarnContext(ctx, "job abandoned at stop", "device", device)
		e.broker.Close(token)
		return res, nil
	}

	if jobErr != nil {
		err = e.finishFailed(ctx, token, start, jobErr)
		e.release(device)
		return res, err
	}

	// Output and the complete status go out in one record write, so no reader
	// sees complete without the final output.
	if _, err = e.records.Mutate(ctx, token, func(rec *model.Record) error {
		if err := checkTransition(rec, model.StatusComplete); err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.Status = model.StatusComplete
		rec.Output = output.Clone()
		rec.Error = ""
		rec.FinishedAt = &now
		return nil
	}); err != nil {
		e.logger.WarnContext(ctx, "persist job output", "error", err)
		e.abandon(ctx, token)
		e.release(device)
		return res, err
	}
	if err = e.tracker.MarkComplete(ctx, token); err != nil {
		e.logger.ErrorContext(ctx, "mark complete", "error", err)
		e.release(device)
		return res, err
	}
	e.release(device)

	elapsed := time.Since(start)
	e.metrics.succeeded.Inc()
	e.metrics.duration.WithLabelValues(model.StatusComplete).Observe(elapsed.Seconds())
	e.logger.InfoContext(ctx, "job complete", "duration_ms", elapsed.Milliseconds())
	e.publish(ctx, Event{Token: token, Status: model.StatusComplete}, true)
	e.broker.Close(token)
	return res, nil
}

// invoke calls the block's work function, converting returned errors and
// panics into a JobError.
func (e *Engine) invoke(ctx context.Context, token, device string) (output model.Values, jobErr *JobError) {
	rec, err := e.records.Load(ctx, token)
	if err != nil {
		return nil, &JobError{Message: fmt.Sprintf("load job config: %v", err)}
	}

	tracker := progress.New(token, e.records)
	tracker.OnChange(func(token string, v float64) {
		e.broker.Publish(Event{Token: token, Status: model.StatusRunning, Progress: &v, Time: time.Now().UTC()})
	})
	jc := jobctx.New(token, rec.Config, device, e.records, tracker)

	runCtx := ctx
	if e.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.jobTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			output = nil
			jobErr = &JobError{Message: truncateLines(fmt.Sprintf("panic: %v\n%s", p, debug.Stack()), maxErrorLines)}
		}
	}()

	output, err = e.block.Run(runCtx, jc)
	if err != nil {
		msg := fmt.Sprintf("%+v", err)
		if e.jobTimeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("job timed out after %s: %s", e.jobTimeout, msg)
		}
		return nil, &JobError{Message: truncateLines(msg, maxErrorLines)}
	}
	if output == nil {
		output = model.Values{}
	}
	return output, nil
}

// finishFailed records jobErr on the job, keeping any intermediate output,
// and moves the token to failed.
func (e *Engine) finishFailed(ctx context.Context, token string, start time.Time, jobErr *JobError) error {
	if _, err := e.records.Mutate(ctx, token, func(rec *model.Record) error {
		if err := checkTransition(rec, model.StatusFailed); err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.Status = model.StatusFailed
		rec.Error = jobErr.Message
		rec.FinishedAt = &now
		return nil
	}); err != nil {
		e.logger.WarnContext(ctx, "persist job failure", "error", err)
		e.abandon(ctx, token)
		return err
	}
	if err := e.tracker.MarkFailed(ctx, token); err != nil {
		e.logger.ErrorContext(ctx, "mark failed", "error", err)
		return err
	}

	e.metrics.failed.Inc()
	e.metrics.duration.WithLabelValues(model.StatusFailed).Observe(time.Since(start).Seconds())
	e.logger.InfoContext(ctx, "job failed", "error", firstLine(jobErr.Message))
	e.publish(ctx, Event{Token: token, Status: model.StatusFailed, Error: jobErr.Message}, true)
	e.broker.Close(token)
	return nil
}

// abandon moves a token to failed in the tracker after its record could not
// be written, so it does not stay running forever.
func (e *Engine) abandon(ctx context.Context, token string) {
	if err := e.tracker.MarkFailed(ctx, token); err != nil && !errors.Is(err, queue.ErrInvalidTransition) {
		e.logger.ErrorContext(ctx, "mark failed after store error", "error", err)
	}
	e.broker.Close(token)
}

func (e *Engine) release(device string) {
	if device == "" {
		return
	}
	e.alloc.Release(device)
	e.metrics.occupied.Dec()
}

// publish sends ev to event subscribers and, when notify is set, to the webhook.
func (e *Engine) publish(ctx context.Context, ev Event, notify bool) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	e.broker.Publish(ev)
	if notify && e.notifier != nil {
		ctx = context.WithoutCancel(ctx)
		e.background.Go(func() {
			e.notifier.Notify(ctx, webhook.Event{
				Token:    ev.Token,
				Status:   ev.Status,
				Progress: ev.Progress,
				Error:    firstLine(ev.Error),
				Time:     ev.Time,
			})
		})
	}
}

func checkTransition(rec *model.Record, to string) error {
	if !model.ValidTransition(rec.Status, to) {
		return fmt.Errorf("%w: record %s %s -> %s", queue.ErrInvalidTransition, rec.Token, rec.Status, to)
	}
	return nil
}

func truncateLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:n], "\n") + fmt.Sprintf("\n... (%d more lines)", len(lines)-n)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
