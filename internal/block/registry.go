package block

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	ErrUnknownBlock = errors.New("unknown block")
	ErrDuplicate    = errors.New("block already registered")
	ErrUnknownKeys  = errors.New("unknown config keys")
	ErrInvalidBlock = errors.New("invalid block")
)

// Registry holds the blocks a worker can serve.
type Registry struct {
	mu     sync.RWMutex
	blocks map[string]Block
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{blocks: make(map[string]Block)}
}

// Register adds b under b.Name.
func (r *Registry) Register(b Block) error {
	if b.Name == "" || b.Run == nil {
		return fmt.Errorf("%w: name and run function are required", ErrInvalidBlock)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.blocks[b.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, b.Name)
	}
	r.blocks[b.Name] = b
	return nil
}

// Resolve returns the block registered as name.
func (r *Registry) Resolve(name string) (Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blocks[name]
	if !ok {
		return Block{}, fmt.Errorf("%w: %q", ErrUnknownBlock, name)
	}
	return b, nil
}

// List returns every registered block sorted by name for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.blocks))
	for _, b := range r.blocks {
		infos = append(infos, b.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Builtin returns a registry holding the bundled demo blocks.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(Echo())
	r.Register(Countdown())
	return r
}
