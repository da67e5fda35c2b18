// Package queue tracks submitted tokens through the queued, running, complete
// and failed states and reports each queued token's position.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// Sentinel errors returned by the tracker.
var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrDuplicateToken    = errors.New("duplicate token")
)

// Status is a token's state as seen by the tracker. Position is the 0-based
// index among queued tokens and is only meaningful when State is queued.
type Status struct {
	State    string `json:"status"`
	Position int    `json:"queue_position"`
}

// Snapshot summarizes the queue for observability.
type Snapshot struct {
	Queued   []string `json:"queued"`
	Running  []string `json:"running"`
	Complete int      `json:"complete"`
	Failed   int      `json:"failed"`
}

// DefaultRetain is how many complete and how many failed tokens the tracker
// remembers. Older terminal tokens are evicted and report invalid_token here;
// their records still answer fetches.
const DefaultRetain = 1024

// Tracker is the FIFO queue and per-token state machine. All methods are safe
// for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	state  State
	retain int
}

// New returns a tracker persisting through state.
func New(state State) *Tracker {
	return &Tracker{state: state, retain: DefaultRetain}
}

// mutate loads the document, applies fn and saves it, all under the lock.
func (t *Tracker) mutate(ctx context.Context, fn func(*Document) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc, err := t.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	doc.backfillTotals()
	if err := fn(&doc); err != nil {
		return err
	}
	doc.prune(t.retain)
	if err := t.state.Save(ctx, doc); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

func (d *Document) stateOf(token string) string {
	switch {
	case slices.Contains(d.Queued, token):
		return model.StatusQueued
	case slices.Contains(d.Running, token):
		return model.StatusRunning
	case slices.Contains(d.Complete, token):
		return model.StatusComplete
	case slices.Contains(d.Failed, token):
		return model.StatusFailed
	}
	return ""
}

func (d *Document) list(status string) *[]string {
	switch status {
	case model.StatusQueued:
		return &d.Queued
	case model.StatusRunning:
		return &d.Running
	case model.StatusComplete:
		return &d.Complete
	case model.StatusFailed:
		return &d.Failed
	}
	return nil
}

func (d *Document) move(token, from, to string) {
	src := d.list(from)
	*src = slices.DeleteFunc(*src, func(s string) bool { return s == token })
	dst := d.list(to)
	*dst = append(*dst, token)
	switch to {
	case model.StatusComplete:
		d.CompleteTotal++
	case model.StatusFailed:
		d.FailedTotal++
	}
}

// backfillTotals fixes documents written before the totals existed.
func (d *Document) backfillTotals() {
	d.CompleteTotal = max(d.CompleteTotal, len(d.Complete))
	d.FailedTotal = max(d.FailedTotal, len(d.Failed))
}

// prune keeps the newest retain tokens of each terminal list.
func (d *Document) prune(retain int) {
	if n := len(d.Complete) - retain; n > 0 {
		d.Complete = slices.Delete(d.Complete, 0, n)
	}
	if n := len(d.Failed) - retain; n > 0 {
		d.Failed = slices.Delete(d.Failed, 0, n)
	}
}

func (t *Tracker) transition(ctx context.Context, token, to string) error {
	return t.mutate(ctx, func(d *Document) error {
		from := d.stateOf(token)
		if !model.ValidTransition(from, to) {
			if from == "" {
				from = "unknown"
			}
			return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, token, from, to)
		}
		d.move(token, from, to)
		return nil
	})
}

// Enqueue appends token to the queue.
func (t *Tracker) Enqueue(ctx context.Context, token string) error {
	return t.mutate(ctx, func(d *Document) error {
		if d.stateOf(token) != "" {
			return fmt.Errorf("%w: %s", ErrDuplicateToken, token)
		}
		d.Queued = append(d.Queued, token)
		return nil
	})
}

// MarkRunning moves a queued token to running.
func (t *Tracker) MarkRunning(ctx context.Context, token string) error {
	return t.transition(ctx, token, model.StatusRunning)
}

// MarkComplete moves a running token to complete.
func (t *Tracker) MarkComplete(ctx context.Context, token string) error {
	return t.transition(ctx, token, model.StatusComplete)
}

// MarkFailed moves a running token to failed.
func (t *Tracker) MarkFailed(ctx context.Context, token string) error {
	return t.transition(ctx, token, model.StatusFailed)
}

// Abandon moves a queued or running token straight to failed. It exists for
// crash recovery, when a token can no longer be dispatched or finished.
func (t *Tracker) Abandon(ctx context.Context, token string) error {
	return t.mutate(ctx, func(d *Document) error {
		from := d.stateOf(token)
		if from != model.StatusQueued && from != model.StatusRunning {
			return fmt.Errorf("%w: abandon %s in state %q", ErrInvalidTransition, token, from)
		}
		d.move(token, from, model.StatusFailed)
		return nil
	})
}

// Withdraw removes a queued token, undoing an Enqueue whose dispatch failed.
func (t *Tracker) Withdraw(ctx context.Context, token string) error {
	return t.mutate(ctx, func(d *Document) error {
		if d.stateOf(token) != model.StatusQueued {
			return fmt.Errorf("%w: withdraw %s", ErrInvalidTransition, token)
		}
		d.Queued = slices.DeleteFunc(d.Queued, func(s string) bool { return s == token })
		return nil
	})
}

// Forget drops a terminal token from the tracker. The terminal totals keep
// counting it.
func (t *Tracker) Forget(ctx context.Context, token string) error {
	return t.mutate(ctx, func(d *Document) error {
		from := d.stateOf(token)
		if from == "" {
			return fmt.Errorf("%w: %s", ErrInvalidToken, token)
		}
		if !model.Terminal(from) {
			return fmt.Errorf("%w: forget %s while %s", ErrInvalidTransition, token, from)
		}
		l := d.list(from)
		*l = slices.DeleteFunc(*l, func(s string) bool { return s == token })
		return nil
	})
}

// Status reports the token's state. Unknown tokens report
// model.StatusInvalidToken.
func (t *Tracker) Status(ctx context.Context, token string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc, err := t.state.Load(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load queue: %w", err)
	}
	if i := slices.Index(doc.Queued, token); i >= 0 {
		return Status{State: model.StatusQueued, Position: i}, nil
	}
	state := doc.stateOf(token)
	if state == "" {
		state = model.StatusInvalidToken
	}
	return Status{State: state}, nil
}

// Snapshot returns queued and running tokens plus the number of tokens that
// ever completed or failed.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc, err := t.state.Load(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load queue: %w", err)
	}
	return Snapshot{
		Queued:   doc.Queued,
		Running:  doc.Running,
		Complete: max(doc.CompleteTotal, len(doc.Complete)),
		Failed:   max(doc.FailedTotal, len(doc.Failed)),
	}, nil
}

// Recover returns the tokens a previous process left running or queued,
// queued ones in arrival order.
func (t *Tracker) Recover(ctx context.Context) (running, queued []string, err error) {
	snap, err := t.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	return snap.Running, snap.Queued, nil
}
