package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

const (
	recordKeyPrefix = "jobs/"
	lockStripes     = 64
)

// ErrExists is returned by Create when the token already has a record.
var ErrExists = errors.New("record already exists")

// Records stores one model.Record per token on top of a KV. Read-modify-write
// cycles on the same token are serialized within the process; across
// processes only the backend's per-key atomicity applies.
type Records struct {
	kv    KV
	locks [lockStripes]sync.Mutex
}

// NewRecords wraps kv.
func NewRecords(kv KV) *Records {
	return &Records{kv: kv}
}

// KV returns the underlying store.
func (r *Records) KV() KV {
	return r.kv
}

func recordKey(token string) string {
	return recordKeyPrefix + token
}

func (r *Records) lock(token string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(token))
	return &r.locks[h.Sum32()%lockStripes]
}

// Create writes a new record, failing with ErrExists if the token is taken.
func (r *Records) Create(ctx context.Context, rec *model.Record) error {
	mu := r.lock(rec.Token)
	mu.Lock()
	defer mu.Unlock()

	if _, err := r.kv.Get(ctx, recordKey(rec.Token)); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return r.save(ctx, rec)
}

// Load returns the record for token, or ErrNotFound.
func (r *Records) Load(ctx context.Context, token string) (*model.Record, error) {
	raw, err := r.kv.Get(ctx, recordKey(token))
	if err != nil {
		return nil, err
	}
	rec := &model.Record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", token, err)
	}
	return rec, nil
}

// Mutate loads the record, applies fn and writes the result back as one
// single-key write. If fn returns an error nothing is written and the error is
// returned as is.
func (r *Records) Mutate(ctx context.Context, token string, fn func(*model.Record) error) (*model.Record, error) {
	mu := r.lock(token)
	mu.Lock()
	defer mu.Unlock()

	rec, err := r.Load(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := r.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record for token.
func (r *Records) Delete(ctx context.Context, token string) error {
	mu := r.lock(token)
	mu.Lock()
	defer mu.Unlock()
	return r.kv.Delete(ctx, recordKey(token))
}

func (r *Records) save(ctx context.Context, rec *model.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Token, err)
	}
	return r.kv.Set(ctx, recordKey(rec.Token), raw)
}
