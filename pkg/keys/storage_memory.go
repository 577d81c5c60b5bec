package keys

import (
	"context"
	"sync"
	"time"
)

// MemoryStorage is the single-node Storage variant: an in-process map
// guarded by a mutex, used when no distributed KV is configured.
type MemoryStorage struct {
	mu        sync.RWMutex
	activeKid string
	byKid     map[string]*KeyPair

	lockHolder bool
	lockUntil  time.Time
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{byKid: make(map[string]*KeyPair)}
}

// ActiveKid implements Storage.
func (m *MemoryStorage) ActiveKid(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeKid, nil
}

// SetActiveKid implements Storage.
func (m *MemoryStorage) SetActiveKid(_ context.Context, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeKid = kid
	return nil
}

// PutKey implements Storage.
func (m *MemoryStorage) PutKey(_ context.Context, kp *KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKid[kp.Kid] = kp
	return nil
}

// GetKey implements Storage.
func (m *MemoryStorage) GetKey(_ context.Context, kid string) (*KeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kp, ok := m.byKid[kid]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return kp, nil
}

// DeleteKey implements Storage.
func (m *MemoryStorage) DeleteKey(_ context.Context, kid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byKid, kid)
	return nil
}

// AllKeys implements Storage.
func (m *MemoryStorage) AllKeys(context.Context) ([]*KeyPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyPair, 0, len(m.byKid))
	for _, kp := range m.byKid {
		out = append(out, kp)
	}
	return out, nil
}

// TryLock implements Storage with a simple in-process mutex flag; a single
// node never actually contends, but the same interface is exercised as the
// distributed variant for symmetry.
func (m *MemoryStorage) TryLock(_ context.Context, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if m.lockHolder && now.Before(m.lockUntil) {
		return false, nil
	}
	m.lockHolder = true
	m.lockUntil = now.Add(ttl)
	return true, nil
}

// ReleaseLock implements Storage.
func (m *MemoryStorage) ReleaseLock(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockHolder = false
	return nil
}

var _ Storage = (*MemoryStorage)(nil)
