// Package progress keeps a job's running progress total and persists it to
// the job's record, where any status reader can see it.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

// ErrNotRunning is returned when progress is reported for a job that is not running.
var ErrNotRunning = errors.New("job is not running")

// Tracker accumulates progress deltas for one token. It is safe for
// concurrent use. Values are not clamped; keeping them in [0, 1] is the
// caller's concern.
type Tracker struct {
	token   string
	records *store.Records

	mu       sync.Mutex
	total    float64
	set      bool
	onChange func(token string, value float64)
}

// New binds a tracker to token's record.
func New(token string, records *store.Records) *Tracker {
	return &Tracker{token: token, records: records}
}

// OnChange registers a callback invoked after each persisted update. The
// callback runs outside the tracker lock.
func (t *Tracker) OnChange(fn func(token string, value float64)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Update adds delta to the running total and writes the total to the record.
// The in-memory total only advances once the write succeeds.
func (t *Tracker) Update(ctx context.Context, delta float64) error {
	t.mu.Lock()
	next := t.total + delta
	_, err := t.records.Mutate(ctx, t.token, func(rec *model.Record) error {
		if rec.Status != model.StatusRunning {
			return fmt.Errorf("%w: %s is %s", ErrNotRunning, t.token, rec.Status)
		}
		v := next
		rec.Progress = &v
		return nil
	})
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.total = next
	t.set = true
	cb := t.onChange
	t.mu.Unlock()

	if cb != nil {
		cb(t.token, next)
	}
	return nil
}

// Value returns the in-memory total; ok is false until the first update.
func (t *Tracker) Value() (value float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total, t.set
}

// Token returns the bound token.
func (t *Tracker) Token() string {
	return t.token
}

// Fetch reads the stored progress of token. ok is false when no progress has
// been reported.
func Fetch(ctx context.Context, records *store.Records, token string) (value float64, ok bool, err error) {
	rec, err := records.Load(ctx, token)
	if err != nil {
		return 0, false, err
	}
	if rec.Progress == nil {
		return 0, false, nil
	}
	return *rec.Progress, true, nil
}
