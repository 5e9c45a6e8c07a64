package ledger

import (
	"sort"
	"strings"
	"sync"
)

// Mutation is one put or delete inside an atomic batch.
type Mutation struct {
	Key    string `msgpack:"k"`
	Value  []byte `msgpack:"v,omitempty"`
	Delete bool   `msgpack:"d,omitempty"`
}

// KV is a key and its value.
type KV struct {
	Key   string
	Value []byte
}

// Store is the key-value surface the ledger is built on. Apply is atomic: after
// a crash either every mutation of a batch is visible or none is.
type Store interface {
	Apply(batch []Mutation) error
	Get(key string) ([]byte, bool)
	Scan(prefix string) []KV
	Close() error
}

// keyspace is the in-memory view shared by both store implementations.
type keyspace struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newKeyspace() *keyspace {
	return &keyspace{data: make(map[string][]byte)}
}

func (k *keyspace) apply(batch []Mutation) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.applyLocked(batch)
}

func (k *keyspace) applyLocked(batch []Mutation) {
	for _, m := range batch {
		if m.Delete {
			delete(k.data, m.Key)
			continue
		}
		k.data[m.Key] = append([]byte(nil), m.Value...)
	}
}

func (k *keyspace) get(key string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (k *keyspace) scan(prefix string) []KV {
	k.mu.RLock()
	out := make([]KV, 0)
	for key, v := range k.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, KV{Key: key, Value: append([]byte(nil), v...)})
		}
	}
	k.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// snapshot returns every live key as a batch of puts.
func (k *keyspace) snapshot() []Mutation {
	k.mu.RLock()
	defer k.mu.RUnlock()
	batch := make([]Mutation, 0, len(k.data))
	for key, v := range k.data {
		batch = append(batch, Mutation{Key: key, Value: append([]byte(nil), v...)})
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Key < batch[j].Key })
	return batch
}

func (k *keyspace) len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.data)
}

// MemStore keeps everything in memory. It backs the ledger when the disk log is
// unavailable and in tests.
type MemStore struct {
	ks *keyspace
}

func NewMemStore() *MemStore {
	return &MemStore{ks: newKeyspace()}
}

func (m *MemStore) Apply(batch []Mutation) error {
	m.ks.apply(batch)
	return nil
}

func (m *MemStore) Get(key string) ([]byte, bool) { return m.ks.get(key) }

func (m *MemStore) Scan(prefix string) []KV { return m.ks.scan(prefix) }

func (m *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
