package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/core/pkg/config"
	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/keys"
	"github.com/uitsmijter/core/pkg/scripthost"
	"github.com/uitsmijter/core/pkg/server"
	"github.com/uitsmijter/core/pkg/server/health"
	"github.com/uitsmijter/core/pkg/session"
)

func newTestServerDeps(t *testing.T) *server.Deps {
	t.Helper()
	store := entity.NewStore()
	store.UpsertTenant(&entity.Tenant{Name: "acme", Hosts: []string{"acme.example.com"}})
	store.UpsertClient(&entity.Client{
		Ident:        "client-1",
		TenantName:   "acme",
		GrantTypes:   []string{"authorization_code"},
		Scopes:       []string{"openid"},
		RedirectURLs: []string{"https://app.acme.example.com/cb"},
	})

	cfg, err := config.Load()
	require.NoError(t, err)

	return &server.Deps{
		Store:    store,
		Sessions: session.NewMemoryStore(),
		Signer:   &keys.Signer{Storage: keys.NewMemoryStorage(), HMACSecret: []byte("test-secret")},
		Scripts:  scripthost.New(),
		Config:   cfg,
		Renderer: server.DefaultErrorRenderer{},
		Forms:    server.DefaultFormRenderer{},
	}
}

// request dispatches req through the fully composed router, returning the
// recorded response.
func request(t *testing.T, deps *server.Deps, tracker *health.Tracker, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	srv := buildHTTPServer(context.Background(), ":0", deps, tracker)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestBuildHTTPServer_HealthzAlwaysOK(t *testing.T) {
	t.Parallel()
	deps := newTestServerDeps(t)
	rec := request(t, deps, &health.Tracker{}, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildHTTPServer_ReadyzReflectsTracker(t *testing.T) {
	t.Parallel()
	deps := newTestServerDeps(t)
	tracker := &health.Tracker{}

	rec := request(t, deps, tracker, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	tracker.MarkStoreReady()
	tracker.MarkKeysReady()
	tracker.MarkRedisReady()
	rec = request(t, deps, tracker, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildHTTPServer_AuthorizeMountedAtPrefix(t *testing.T) {
	t.Parallel()
	deps := newTestServerDeps(t)
	req := httptest.NewRequest(http.MethodGet, "/authorize?response_type=code&client_id=client-1&redirect_uri=https://app.acme.example.com/cb", nil)
	req.Host = "acme.example.com"

	rec := request(t, deps, &health.Tracker{}, req)
	assert.NotEqual(t, http.StatusNotFound, rec.Code)
}

func TestBuildHTTPServer_WellKnownMountedAtPrefix(t *testing.T) {
	t.Parallel()
	deps := newTestServerDeps(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	req.Host = "acme.example.com"

	rec := request(t, deps, &health.Tracker{}, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildHTTPServer_LoginAndTokenReachAbsolutePaths(t *testing.T) {
	t.Parallel()
	deps := newTestServerDeps(t)

	for _, path := range []string{"/login", "/logout", "/logout/finalize", "/token", "/token/info", "/revoke", "/device/verify"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Host = "acme.example.com"
		rec := request(t, deps, &health.Tracker{}, req)
		assert.NotEqual(t, http.StatusNotFound, rec.Code, "path %s should be routed, not 404", path)
	}
}

func TestBackingStores_NoRedisHostUsesMemoryStores(t *testing.T) {
	t.Parallel()
	sessions, keyStorage := backingStores(&config.Config{})
	assert.IsType(t, session.NewMemoryStore(), sessions)
	assert.IsType(t, keys.NewMemoryStorage(), keyStorage)
}

func TestBackingStores_RedisHostNeverBlocksOrErrors(t *testing.T) {
	t.Parallel()
	// Construction must never dial Redis: an unreachable host is fine here,
	// the client connects lazily on first command (spec §9 "Graceful Redis
	// failures").
	sessions, keyStorage := backingStores(&config.Config{RedisHost: "127.0.0.1:1"})
	require.NotNil(t, sessions)
	require.NotNil(t, keyStorage)
}

func TestEnsureKeysReady_NoRedisClearsGatesSynchronously(t *testing.T) {
	t.Parallel()
	tracker := &health.Tracker{}
	tracker.MarkStoreReady()

	ensureKeysReady(context.Background(), keys.NewMemoryStorage(), tracker, false)

	assert.True(t, tracker.Ready())
}

func TestEnsureKeysReady_UnreachableRedisRetriesWithoutBlockingStartup(t *testing.T) {
	t.Parallel()
	tracker := &health.Tracker{}
	tracker.MarkStoreReady()
	storage := keys.NewRedisStorage(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ensureKeysReady(ctx, storage, tracker, true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ensureKeysReady did not return after its context was cancelled")
	}

	assert.False(t, tracker.Ready(), "readiness must not be reported while redis stays unreachable")
}
