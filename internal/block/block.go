// Package block defines the work functions a kiln worker can serve and a
// registry for looking them up by name.
package block

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/seantiz/kiln/internal/jobctx"
	"github.com/seantiz/kiln/internal/model"
)

// WorkFunc runs one job. It returns the job's output, or an error that fails
// the job. Output already written through WriteIntermediate survives a failure.
type WorkFunc func(ctx context.Context, jc *jobctx.Context) (model.Values, error)

// Block is a named work function with its default config.
type Block struct {
	Name        string
	Description string

	// Defaults fill missing config keys at submission. When non-empty, keys
	// outside Defaults are rejected.
	Defaults model.Values

	// Setup runs once before the worker accepts jobs. Optional.
	Setup func(ctx context.Context) error

	Run WorkFunc
}

// Info is the public description of a block.
type Info struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Defaults    model.Values `json:"defaults"`
}

// Info describes b.
func (b Block) Info() Info {
	return Info{Name: b.Name, Description: b.Description, Defaults: b.Defaults.Clone()}
}

// Apply merges config over the block's defaults. Unknown keys are an error
// when the block declares defaults.
func (b Block) Apply(config model.Values) (model.Values, error) {
	out := b.Defaults.Clone()
	var unknown []string
	for k, v := range config {
		if len(b.Defaults) > 0 {
			if _, ok := b.Defaults[k]; !ok {
				unknown = append(unknown, k)
				continue
			}
		}
		out[k] = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %v (allowed: %v)", ErrUnknownKeys, unknown, slices.Sorted(maps.Keys(b.Defaults)))
	}
	return out, nil
}
