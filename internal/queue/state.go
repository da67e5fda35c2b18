package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/seantiz/kiln/internal/store"
)

// stateKey is the Durable Store key holding the queue document.
const stateKey = "queue/state"

// Document is the persisted queue: token lists per state, queued in arrival
// order. Complete and Failed hold only the most recent terminal tokens; the
// totals count every token that ever reached each state.
type Document struct {
	Queued        []string `json:"queued"`
	Running       []string `json:"running"`
	Complete      []string `json:"complete"`
	Failed        []string `json:"failed"`
	CompleteTotal int      `json:"complete_total"`
	FailedTotal   int      `json:"failed_total"`
}

func (d *Document) clone() Document {
	return Document{
		Queued:        slices.Clone(d.Queued),
		Running:       slices.Clone(d.Running),
		Complete:      slices.Clone(d.Complete),
		Failed:        slices.Clone(d.Failed),
		CompleteTotal: d.CompleteTotal,
		FailedTotal:   d.FailedTotal,
	}
}

// State persists the queue document. Load and Save are always called under
// the tracker lock.
type State interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
}

// MemoryState keeps the document in process memory.
type MemoryState struct {
	doc Document
}

// NewMemoryState returns an empty in-process state.
func NewMemoryState() *MemoryState {
	return &MemoryState{}
}

func (m *MemoryState) Load(context.Context) (Document, error) {
	return m.doc.clone(), nil
}

func (m *MemoryState) Save(_ context.Context, doc Document) error {
	m.doc = doc.clone()
	return nil
}

// DurableState stores the document as JSON under one key of a store.KV, so
// every transition is a single-key write visible to other processes.
type DurableState struct {
	kv store.KV
}

// NewDurableState binds the queue document to kv.
func NewDurableState(kv store.KV) *DurableState {
	return &DurableState{kv: kv}
}

func (d *DurableState) Load(ctx context.Context) (Document, error) {
	raw, err := d.kv.Get(ctx, stateKey)
	if errors.Is(err, store.ErrNotFound) {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode queue state: %w", err)
	}
	return doc, nil
}

func (d *DurableState) Save(ctx context.Context, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode queue state: %w", err)
	}
	return d.kv.Set(ctx, stateKey, raw)
}
