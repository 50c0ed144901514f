// Package storage defines the byte-oriented key-value interface the core
// persists through, with an in-memory and a bbolt backend.
//
// Keys are UTF-8 strings laid out as paths, e.g.
// "accounts/{authority_id}/ledger.cbor". Values are opaque bytes.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/internal/retry"
)

// Storage is the key-value backend.
type Storage interface {
	// Read returns the value and true, or nil and false if the key does
	// not exist.
	Read(ctx context.Context, key string) ([]byte, bool, error)
	Write(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// ListKeys returns the keys with the given prefix in ascending order.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// AccountKey joins path elements below accounts/{authority}.
func AccountKey(account aura.AuthorityID, elems ...string) string {
	return strings.Join(append([]string{"accounts", account.String()}, elems...), "/")
}

// MemStore keeps everything in memory. Close deletes the content.
type MemStore struct {
	sync.Mutex
	storage map[string][]byte
}

// NewMemStore creates a new in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{storage: make(map[string][]byte)}
}

// Read implements Storage.
func (m *MemStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	m.Lock()
	defer m.Unlock()
	if m.storage == nil {
		return nil, false, aura.NewError(aura.KindStorage, "store is closed")
	}
	v, ok := m.storage[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, v...), true, nil
}

// Write implements Storage.
func (m *MemStore) Write(ctx context.Context, key string, value []byte) error {
	m.Lock()
	defer m.Unlock()
	if m.storage == nil {
		return aura.NewError(aura.KindStorage, "store is closed")
	}
	m.storage[key] = append([]byte{}, value...)
	return nil
}

// Delete implements Storage.
func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.Lock()
	defer m.Unlock()
	if m.storage == nil {
		return aura.NewError(aura.KindStorage, "store is closed")
	}
	delete(m.storage, key)
	return nil
}

// ListKeys implements Storage.
func (m *MemStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	m.Lock()
	defer m.Unlock()
	if m.storage == nil {
		return nil, aura.NewError(aura.KindStorage, "store is closed")
	}
	var keys []string
	for k := range m.storage {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close deletes the memory-only database, it cannot be recovered.
func (m *MemStore) Close() error {
	m.Lock()
	defer m.Unlock()
	m.storage = nil
	return nil
}

// Retrying retries failed operations of the wrapped store. All four
// operations are idempotent, so any storage error is retried.
type Retrying struct {
	Inner  Storage
	Policy retry.Policy
}

// NewRetrying wraps s.
func NewRetrying(s Storage, p retry.Policy) *Retrying {
	if p.Retryable == nil {
		p.Retryable = func(err error) bool {
			return aura.IsKind(err, aura.KindStorage)
		}
	}
	return &Retrying{Inner: s, Policy: p}
}

// Read implements Storage.
func (r *Retrying) Read(ctx context.Context, key string) (v []byte, ok bool, err error) {
	err = retry.Do(ctx, r.Policy, "storage read "+key, func() error {
		var err error
		v, ok, err = r.Inner.Read(ctx, key)
		return err
	})
	return
}

// Write implements Storage.
func (r *Retrying) Write(ctx context.Context, key string, value []byte) error {
	return retry.Do(ctx, r.Policy, "storage write "+key, func() error {
		return r.Inner.Write(ctx, key, value)
	})
}

// Delete implements Storage.
func (r *Retrying) Delete(ctx context.Context, key string) error {
	return retry.Do(ctx, r.Policy, "storage delete "+key, func() error {
		return r.Inner.Delete(ctx, key)
	})
}

// ListKeys implements Storage.
func (r *Retrying) ListKeys(ctx context.Context, prefix string) (keys []string, err error) {
	err = retry.Do(ctx, r.Policy, "storage list "+prefix, func() error {
		var err error
		keys, err = r.Inner.ListKeys(ctx, prefix)
		return err
	})
	return
}
