package storage

import "sync"

// Mutation is one staged key/value change. Commits apply a whole
// transaction's mutations as a single backend batch.
type Mutation struct {
	Key    string
	Value  []byte
	Delete bool
}

type Backend interface {
	Apply(muts []Mutation) error
	Iterate(prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// MemoryBackend keeps everything in a map. Used by tests and by hosts that
// do not configure a storage path.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (b *MemoryBackend) Apply(muts []Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range muts {
		if m.Delete {
			delete(b.data, m.Key)
			continue
		}
		b.data[m.Key] = append([]byte(nil), m.Value...)
	}
	return nil
}

func (b *MemoryBackend) Iterate(prefix string, fn func(key string, value []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range b.data {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
