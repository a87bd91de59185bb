package channel

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps channel kinds to adapters and optional senders.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
	senders  map[Kind]Sender
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[Kind]Adapter{}, senders: map[Kind]Sender{}}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Descriptor().Kind] = a
}

func (r *Registry) RegisterSender(kind Kind, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[kind] = s
}

func (r *Registry) Adapter(kind Kind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedChannel, kind)
	}
	return a, nil
}

// Descriptor returns the registered descriptor for kind.
func (r *Registry) Descriptor(kind Kind) (Descriptor, error) {
	a, err := r.Adapter(kind)
	if err != nil {
		return Descriptor{}, err
	}
	return a.Descriptor(), nil
}

// Sender returns the out-of-band sender for kind, if any.
func (r *Registry) Sender(kind Kind) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[kind]
	return s, ok
}

// Normalize selects the adapter by kind and normalizes raw.
func (r *Registry) Normalize(kind Kind, raw []byte) ([]CanonicalMessage, error) {
	a, err := r.Adapter(kind)
	if err != nil {
		return nil, err
	}
	return a.Normalize(raw)
}

func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
