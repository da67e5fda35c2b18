// Package jobctx is the execution context handed to a work function: the
// job's config, its device, a progress tracker, live config refresh and
// intermediate output.
package jobctx

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/progress"
	"github.com/seantiz/kiln/internal/store"
)

// ErrKeyNotFound is returned by Get for keys absent from the config.
var ErrKeyNotFound = errors.New("config key not found")

// ErrWrongType is returned by the typed getters when a value has another kind or type.
var ErrWrongType = errors.New("config value has wrong type")

// Context is created once per runner invocation and never shared between jobs.
type Context struct {
	token    string
	device   string
	records  *store.Records
	progress *progress.Tracker

	mu     sync.RWMutex
	config model.Values
}

// New builds a context. An empty device means the job holds no unit.
func New(token string, config model.Values, device string, records *store.Records, tracker *progress.Tracker) *Context {
	return &Context{
		token:    token,
		device:   device,
		records:  records,
		progress: tracker,
		config:   config.Clone(),
	}
}

// Token returns the job token.
func (c *Context) Token() string {
	return c.token
}

// Device returns the acquired unit name; ok is false when the job runs without one.
func (c *Context) Device() (name string, ok bool) {
	return c.device, c.device != ""
}

// Progress returns the job's progress tracker.
func (c *Context) Progress() *progress.Tracker {
	return c.progress
}

// Config returns a copy of the current config snapshot.
func (c *Context) Config() model.Values {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Clone()
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (model.Value, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.config[key]
	if !ok {
		return model.Value{}, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return v, nil
}

// String returns a plain string value.
func (c *Context) String(key string) (string, error) {
	v, err := c.Get(key)
	if err != nil {
		return "", err
	}
	var out string
	err = v.Visit(expect{key: key, plain: func(p any) bool {
		s, ok := p.(string)
		out = s
		return ok
	}})
	return out, err
}

// Float returns a plain numeric value.
func (c *Context) Float(key string) (float64, error) {
	v, err := c.Get(key)
	if err != nil {
		return 0, err
	}
	var out float64
	err = v.Visit(expect{key: key, plain: func(any) bool {
		f, ok := v.AsFloat()
		out = f
		return ok
	}})
	return out, err
}

// Int returns a plain numeric value that holds a whole number.
func (c *Context) Int(key string) (int, error) {
	f, err := c.Float(key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %q is %v, not an integer", ErrWrongType, key, f)
	}
	return int(f), nil
}

// Bytes returns the payload of an image or video value.
func (c *Context) Bytes(key string) ([]byte, error) {
	v, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	var out []byte
	err = v.Visit(expect{key: key, binary: func(b []byte) { out = b }})
	return out, err
}

// Refresh reloads the config from the store so updates made after the job
// started become visible. changed reports whether anything differs.
func (c *Context) Refresh(ctx context.Context) (changed bool, err error) {
	rec, err := c.records.Load(ctx, c.token)
	if err != nil {
		return false, fmt.Errorf("refresh config: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config.Equal(rec.Config) {
		return false, nil
	}
	c.config = rec.Config.Clone()
	return true, nil
}

// WriteIntermediate replaces the job's stored output immediately, so readers
// can see partial results before completion. Once the job is finished its
// output is final and the write fails with progress.ErrNotRunning.
func (c *Context) WriteIntermediate(ctx context.Context, output model.Values) error {
	_, err := c.records.Mutate(ctx, c.token, func(rec *model.Record) error {
		if rec.Status != model.StatusRunning {
			return fmt.Errorf("%w: %s is %s", progress.ErrNotRunning, c.token, rec.Status)
		}
		rec.Output = output.Clone()
		return nil
	})
	if err != nil {
		return fmt.Errorf("write intermediate output: %w", err)
	}
	return nil
}

// expect is a Visitor accepting either a plain value matching plain, or a
// binary value when binary is set.
type expect struct {
	key    string
	plain  func(any) bool
	binary func([]byte)
}

func (e expect) VisitPlain(v any) error {
	if e.plain == nil || !e.plain(v) {
		return fmt.Errorf("%w: %q", ErrWrongType, e.key)
	}
	return nil
}

func (e expect) VisitImage(b []byte) error { return e.visitBinary(b) }
func (e expect) VisitVideo(b []byte) error { return e.visitBinary(b) }

func (e expect) visitBinary(b []byte) error {
	if e.binary == nil {
		return fmt.Errorf("%w: %q is binary", ErrWrongType, e.key)
	}
	e.binary(b)
	return nil
}
