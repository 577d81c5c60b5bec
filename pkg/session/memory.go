package session

import (
	"context"
	"sync"
	"time"

	"github.com/uitsmijter/core/pkg/logger"
)

type memKey struct {
	typ  Type
	code string
}

// MemoryStore is the in-memory Store variant: keyed by (type, code), swept
// once a second by a background goroutine (spec §4.C, §5).
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[memKey]AuthSession
	logins   map[string]LoginSession

	stop   chan struct{}
	stopOn sync.Once
}

// NewMemoryStore constructs a MemoryStore and starts its sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[memKey]AuthSession),
		logins:   make(map[string]LoginSession),
		stop:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweeper.
func (s *MemoryStore) Close() {
	s.stopOn.Do(func() { close(s.stop) })
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, v := range s.sessions {
		if v.Expired(now) {
			delete(s.sessions, k)
			removed++
		}
	}
	for id, v := range s.logins {
		if now.After(v.Generated.Add(v.TTL)) {
			delete(s.logins, id)
		}
	}
	if removed > 0 {
		logger.Debugw("session sweep removed expired entries", "count", removed)
	}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, session AuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey{typ: session.Type, code: session.Code}
	if _, exists := s.sessions[key]; exists {
		return ErrExists
	}
	s.sessions[key] = session
	return nil
}

// Get implements Store: consume-once for code/refresh/device sessions.
func (s *MemoryStore) Get(_ context.Context, typ Type, code string) (AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey{typ: typ, code: code}
	session, ok := s.sessions[key]
	if !ok {
		return AuthSession{}, ErrNotFound
	}
	delete(s.sessions, key)
	if session.Expired(time.Now()) {
		return AuthSession{}, ErrExpired
	}
	return session, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, typ Type, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, memKey{typ: typ, code: code})
	return nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, typ Type) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if typ == "" {
		return len(s.sessions), nil
	}
	count := 0
	for k := range s.sessions {
		if k.typ == typ {
			count++
		}
	}
	return count, nil
}

// CountForTenant implements Store.
func (s *MemoryStore) CountForTenant(_ context.Context, tenantName string, typ Type) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for k, v := range s.sessions {
		if v.TenantName != tenantName {
			continue
		}
		if typ != "" && k.typ != typ {
			continue
		}
		count++
	}
	return count, nil
}

// Wipe implements Store.
func (s *MemoryStore) Wipe(_ context.Context, tenantName, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.sessions {
		if v.TenantName == tenantName && v.Subject == subject {
			delete(s.sessions, k)
		}
	}
	return nil
}

// PutLoginID implements Store.
func (s *MemoryStore) PutLoginID(_ context.Context, login LoginSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins[login.LoginID] = login
	return nil
}

// ConsumeLoginID implements Store.
func (s *MemoryStore) ConsumeLoginID(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	login, ok := s.logins[id]
	if !ok {
		return false, nil
	}
	delete(s.logins, id)
	if time.Now().After(login.Generated.Add(login.TTL)) {
		return false, nil
	}
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
