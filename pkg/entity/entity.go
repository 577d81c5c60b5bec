// Package entity holds the Tenant and Client entity store (spec §3, §4.A).
//
// Mutations are single-writer: only the resource loaders in pkg/loader call
// Upsert/Delete. Readers take an atomic snapshot at the start of each
// request so a concurrent reload can never tear a read (spec §5).
package entity

import (
	"regexp"
	"strings"
	"sync"

	"github.com/uitsmijter/core/pkg/logger"
)

// Algorithm is the JWT signing algorithm a tenant selects.
type Algorithm string

// Supported signing algorithms.
const (
	HS256 Algorithm = "HS256"
	RS256 Algorithm = "RS256"
)

// InterceptorSettings configures forward-auth behaviour for a tenant.
type InterceptorSettings struct {
	Enabled      bool
	LoginDomain  string
	CookieDomain string
}

// SourceRef identifies where an entity was loaded from; it is the
// deduplication identity used by resource loaders (spec §4.B).
type SourceRef struct {
	Kind string // "file" or "resource"
	Key  string // file path, or "<namespace>/<name>"
}

// Tenant is an organizational boundary: hosts, providers, templates.
type Tenant struct {
	Name         string
	Hosts        []string // ordered, wildcards allowed e.g. "*.example.com"
	Interceptor  *InterceptorSettings
	Providers    []string // tenant-supplied provider script sources
	TemplateSrc  string
	InfoURLs     []string
	SilentLogin  bool
	Algorithm    Algorithm // "" => process default
	Source       SourceRef
}

// EffectiveAlgorithm returns the tenant's algorithm, falling back to def
// when the tenant did not pick one.
func (t Tenant) EffectiveAlgorithm(def Algorithm) Algorithm {
	if t.Algorithm == "" {
		return def
	}
	return t.Algorithm
}

// CookieOrDomain returns the interceptor cookie domain if configured, else
// the interceptor login domain, else "".
func (t Tenant) CookieOrDomain() string {
	if t.Interceptor == nil {
		return ""
	}
	if t.Interceptor.CookieDomain != "" {
		return t.Interceptor.CookieDomain
	}
	return t.Interceptor.LoginDomain
}

// Client is an OAuth client belonging to a Tenant.
type Client struct {
	Ident                 string // UUID
	Name                  string
	TenantName            string
	RedirectURLs          []string // regex patterns
	GrantTypes            []string
	Scopes                []string // glob patterns
	AllowedProviderScopes []string // glob patterns
	Referrers             []string // regex patterns
	Secret                string
	Source                SourceRef
}

// AllowsGrant reports whether grant is in the client's allowed grant types.
// An empty GrantTypes list denies everything explicitly, per spec §3's
// closed-world client model.
func (c Client) AllowsGrant(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// MatchesAnyRegex reports whether value matches any of the given regex
// patterns. Invalid patterns never match; they are skipped without being
// reported.
func MatchesAnyRegex(value string, patterns []string) bool {
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// MatchesAnyGlob reports whether value matches any of the given glob
// patterns ('*' matches any run of characters and '?' a single character;
// '/' has no special meaning).
func MatchesAnyGlob(value string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := matchGlob(pattern, value); err == nil && ok {
			return true
		}
	}
	return false
}

func matchGlob(pattern, value string) (bool, error) {
	// path.Match treats '/' specially; scopes/hosts don't use '/' as a
	// structural separator here so a simple filepath-less matcher is used.
	return globMatch(pattern, value), nil
}

// globMatch implements '*' (any run) and '?' (single char) glob matching
// without attaching path-separator semantics.
func globMatch(pattern, s string) bool {
	return globMatchRec(pattern, s)
}

func globMatchRec(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		if globMatchRec(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if globMatchRec(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if len(s) == 0 {
			return false
		}
		return globMatchRec(pattern[1:], s[1:])
	default:
		if len(s) == 0 || s[0] != pattern[0] {
			return false
		}
		return globMatchRec(pattern[1:], s[1:])
	}
}

// ChangeKind distinguishes which half of the store changed.
type ChangeKind int

// Change kinds published after a batch mutation.
const (
	TenantsChanged ChangeKind = iota
	ClientsChanged
)

// Store is the in-memory, single-writer Tenant/Client entity store.
type Store struct {
	mu        sync.RWMutex
	tenants   []*Tenant // insertion order preserved for tie-breaks
	tenantIdx map[string]int
	clients   []*Client
	clientIdx map[string]int // by Ident

	listenersMu sync.Mutex
	listeners   []func(ChangeKind)
}

// NewStore constructs an empty entity store.
func NewStore() *Store {
	return &Store{
		tenantIdx: make(map[string]int),
		clientIdx: make(map[string]int),
	}
}

// OnChange registers a callback invoked after each batch mutation.
func (s *Store) OnChange(fn func(ChangeKind)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(kind ChangeKind) {
	s.listenersMu.Lock()
	fns := append([]func(ChangeKind){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(kind)
	}
}

// UpsertTenant inserts or replaces a tenant by SourceRef, falling back to
// Name when SourceRef is absent (used for manual/test mutation).
func (s *Store) UpsertTenant(t *Tenant) {
	s.mu.Lock()
	key := t.Name
	if i, ok := s.findTenantBySource(t.Source); ok {
		s.tenants[i] = t
		s.mu.Unlock()
		s.notify(TenantsChanged)
		return
	}
	if i, ok := s.tenantIdx[key]; ok {
		s.tenants[i] = t
	} else {
		s.tenantIdx[key] = len(s.tenants)
		s.tenants = append(s.tenants, t)
	}
	s.mu.Unlock()
	s.notify(TenantsChanged)
}

func (s *Store) findTenantBySource(ref SourceRef) (int, bool) {
	if ref.Key == "" {
		return 0, false
	}
	for i, t := range s.tenants {
		if t.Source == ref {
			return i, true
		}
	}
	return 0, false
}

// DeleteTenantBySource removes the tenant matching ref, if any.
func (s *Store) DeleteTenantBySource(ref SourceRef) {
	s.mu.Lock()
	i, ok := s.findTenantBySource(ref)
	if !ok {
		s.mu.Unlock()
		return
	}
	removed := s.tenants[i]
	s.tenants = append(s.tenants[:i], s.tenants[i+1:]...)
	delete(s.tenantIdx, removed.Name)
	s.reindexTenants()
	s.mu.Unlock()
	s.notify(TenantsChanged)
}

func (s *Store) reindexTenants() {
	s.tenantIdx = make(map[string]int, len(s.tenants))
	for i, t := range s.tenants {
		s.tenantIdx[t.Name] = i
	}
}

// UpsertClient inserts or replaces a client by SourceRef, falling back to
// Ident.
func (s *Store) UpsertClient(c *Client) {
	s.mu.Lock()
	if i, ok := s.findClientBySource(c.Source); ok {
		s.clients[i] = c
		s.mu.Unlock()
		s.notify(ClientsChanged)
		return
	}
	if i, ok := s.clientIdx[c.Ident]; ok {
		s.clients[i] = c
	} else {
		s.clientIdx[c.Ident] = len(s.clients)
		s.clients = append(s.clients, c)
	}
	s.mu.Unlock()
	s.notify(ClientsChanged)
}

func (s *Store) findClientBySource(ref SourceRef) (int, bool) {
	if ref.Key == "" {
		return 0, false
	}
	for i, c := range s.clients {
		if c.Source == ref {
			return i, true
		}
	}
	return 0, false
}

// DeleteClientBySource removes the client matching ref, if any.
func (s *Store) DeleteClientBySource(ref SourceRef) {
	s.mu.Lock()
	i, ok := s.findClientBySource(ref)
	if !ok {
		s.mu.Unlock()
		return
	}
	removed := s.clients[i]
	s.clients = append(s.clients[:i], s.clients[i+1:]...)
	delete(s.clientIdx, removed.Ident)
	s.reindexClients()
	s.mu.Unlock()
	s.notify(ClientsChanged)
}

func (s *Store) reindexClients() {
	s.clientIdx = make(map[string]int, len(s.clients))
	for i, c := range s.clients {
		s.clientIdx[c.Ident] = i
	}
}

// FindTenantByName returns the tenant with the given name, or nil.
func (s *Store) FindTenantByName(name string) *Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i, ok := s.tenantIdx[name]; ok {
		return s.tenants[i]
	}
	return nil
}

// FindClientByIdent returns the client with the given UUID ident, or nil.
func (s *Store) FindClientByIdent(ident string) *Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i, ok := s.clientIdx[ident]; ok {
		return s.clients[i]
	}
	return nil
}

// ClientsFor returns all clients belonging to tenantName, in insertion order.
func (s *Store) ClientsFor(tenantName string) []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Client
	for _, c := range s.clients {
		if c.TenantName == tenantName {
			out = append(out, c)
		}
	}
	return out
}

// FindTenantByHost resolves a tenant by exact host match first, then by
// wildcard pattern ("*.example.com" matches any single-or-multi-level
// left-hand label, case-insensitive). Ties are broken by longest matching
// pattern, then by first-insertion order (spec §8 "Host matching";
// Open Question on nested wildcards resolved as "longest pattern wins").
func (s *Store) FindTenantByHost(host string) *Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	host = strings.ToLower(host)

	for _, t := range s.tenants {
		for _, pattern := range t.Hosts {
			if strings.EqualFold(pattern, host) {
				return t
			}
		}
	}

	var best *Tenant
	bestSpecificity := -1
	for _, t := range s.tenants {
		for _, pattern := range t.Hosts {
			if !strings.HasPrefix(pattern, "*.") {
				continue
			}
			if !matchesWildcardHost(pattern, host) {
				continue
			}
			specificity := len(strings.ToLower(pattern))
			if specificity > bestSpecificity {
				bestSpecificity = specificity
				best = t
			}
		}
	}
	return best
}

// matchesWildcardHost reports whether host matches "*.suffix": any
// single-or-multi-level left-hand label sequence ending in suffix.
func matchesWildcardHost(pattern, host string) bool {
	suffix := strings.ToLower(strings.TrimPrefix(pattern, "*."))
	host = strings.ToLower(host)
	if host == suffix {
		// "*.example.com" intentionally requires at least one label to the
		// left; bare "example.com" does not match the wildcard itself.
		return false
	}
	return strings.HasSuffix(host, "."+suffix)
}

// LogLoad is a small helper loaders call to report a batch load result in
// the teacher's structured-logging idiom.
func LogLoad(kind string, count int, err error) {
	if err != nil {
		logger.Errorw("entity load failed", "kind", kind, "error", err)
		return
	}
	logger.Infow("entity load complete", "kind", kind, "count", count)
}
