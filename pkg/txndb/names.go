package txndb

import (
	"sync"

	"github.com/pkg/errors"
)

// nameRegistry holds the names of live transactions, recovered prepared
// ones included.
type nameRegistry struct {
	mu    sync.Mutex
	names map[string]struct{}
}

func newNameRegistry() *nameRegistry {
	return &nameRegistry{names: make(map[string]struct{})}
}

func (r *nameRegistry) Reserve(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; ok {
		return errors.Wrap(ErrNameInUse, name)
	}
	r.names[name] = struct{}{}
	return nil
}

func (r *nameRegistry) Release(name string) {
	r.mu.Lock()
	delete(r.names, name)
	r.mu.Unlock()
}

func (r *nameRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}
