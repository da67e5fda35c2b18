package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/allocator"
	"github.com/seantiz/kiln/internal/block"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/jobctx"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/queue"
	"github.com/seantiz/kiln/internal/store"
)

type harness struct {
	eng     *engine.Engine
	records *store.Records
	tracker *queue.Tracker
	alloc   *allocator.Allocator
	reg     *prometheus.Registry
}

type option func(*engine.Options)

func withDevices(n int) option {
	return func(o *engine.Options) {
		names, _ := allocator.Static(n).Devices(context.Background())
		o.Allocator = allocator.New(names, nil)
		o.RequireDevice = true
	}
}

func withWorkers(n int) option {
	return func(o *engine.Options) { o.MaxWorkers = n }
}

func withCapacity(n int) option {
	return func(o *engine.Options) { o.QueueCapacity = n }
}

func workFunc(fn block.WorkFunc) block.Block {
	return block.Block{Name: "test", Run: fn}
}

func newHarness(t *testing.T, b block.Block, opts ...option) *harness {
	t.Helper()
	kv := store.NewMemoryKV()
	return newHarnessWithKV(t, kv, b, opts...)
}

func newHarnessWithKV(t *testing.T, kv store.KV, b block.Block, opts ...option) *harness {
	t.Helper()
	h := &harness{
		records: store.NewRecords(kv),
		tracker: queue.New(queue.NewDurableState(kv)),
		alloc:   allocator.New(nil, nil),
		reg:     prometheus.NewRegistry(),
	}
	o := engine.Options{
		Records:    h.records,
		Tracker:    h.tracker,
		Allocator:  h.alloc,
		Block:      b,
		MaxWorkers: 1,
		Registerer: h.reg,
		Logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.alloc = o.Allocator
	h.eng = engine.New(o)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		h.eng.Stop(2 * time.Second)
		h.eng.Wait()
	})
}

func (h *harness) submit(t *testing.T, config model.Values) string {
	t.Helper()
	token, err := h.eng.Submit(context.Background(), config)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return token
}

// waitForStatus polls Fetch until the job reaches the expected status.
func waitForStatus(t *testing.T, eng *engine.Engine, token, expected string, timeout time.Duration) engine.FetchResponse {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last engine.FetchResponse
	for time.Now().Before(deadline) {
		resp, err := eng.Fetch(context.Background(), token)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if resp.Status.Status == expected {
			return resp
		}
		last = resp
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %q within %v (last %q)", token, expected, timeout, last.Status.Status)
	return engine.FetchResponse{}
}

// gate is a block that signals when it starts and waits for release or
// cancellation before returning its config.
type gate struct {
	started chan string
	release chan struct{}
	runs    atomic.Int32
}

func newGate() *gate {
	return &gate{started: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) block() block.Block {
	return workFunc(func(ctx context.Context, jc *jobctx.Context) (model.Values, error) {
		g.runs.Add(1)
		g.started <- jc.Token()
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return jc.Config(), nil
	})
}

func (g *gate) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case tok := <-g.started:
		return tok
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
		return ""
	}
}

// flakyKV fails every Set once broken is set.
type flakyKV struct {
	store.KV
	broken atomic.Bool
}

var errDiskGone = errors.New("disk gone")

func (f *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	if f.broken.Load() {
		return errDiskGone
	}
	return f.KV.Set(ctx, key, value)
}

// gaugeValue reads a single-series gauge or counter from reg.
func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		m := f.GetMetric()[0]
		switch {
		case m.GetGauge() != nil:
			return m.GetGauge().GetValue()
		case m.GetCounter() != nil:
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
