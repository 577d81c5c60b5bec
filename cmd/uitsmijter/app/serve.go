package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/uitsmijter/core/pkg/clientinfo"
	"github.com/uitsmijter/core/pkg/config"
	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/keys"
	"github.com/uitsmijter/core/pkg/loader"
	"github.com/uitsmijter/core/pkg/logger"
	"github.com/uitsmijter/core/pkg/scripthost"
	"github.com/uitsmijter/core/pkg/server"
	"github.com/uitsmijter/core/pkg/server/authorize"
	"github.com/uitsmijter/core/pkg/server/health"
	"github.com/uitsmijter/core/pkg/server/interceptor"
	"github.com/uitsmijter/core/pkg/server/loginout"
	"github.com/uitsmijter/core/pkg/server/token"
	"github.com/uitsmijter/core/pkg/server/wellknown"
	"github.com/uitsmijter/core/pkg/session"
)

// Server timeouts (spec §5 "no locks held across suspension points";
// these bound request handling independent of that concurrency model).
const (
	readHeaderTimeout = 10 * time.Second
	middlewareTimeout = 60 * time.Second
	gracefulTimeout   = 30 * time.Second
	keyPruneInterval  = time.Hour
)

// redisProbeBase and redisProbeCap bound the exponential-backoff-with-
// full-jitter retry used to wait out a transient Redis outage at startup
// (spec §9 "Graceful Redis failures"), mirroring pkg/loader's reconnect
// backoff.
const (
	redisProbeBase = 500 * time.Millisecond
	redisProbeCap  = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the uitsmijter HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("tenants-dir", "", "Directory of tenant/client YAML manifests to watch")
	serveCmd.Flags().String("kube-namespace", "", "Namespace to watch for tenant/client custom resources (empty = cluster-wide)")
	serveCmd.Flags().String("kube-group", "uitsmijter.io", "API group of the tenant/client custom resource")
	serveCmd.Flags().String("kube-version", "v1", "API version of the tenant/client custom resource")
	serveCmd.Flags().String("kube-resource", "", "Plural resource name of the tenant/client custom resource (empty disables the Kubernetes loader)")

	for _, name := range []string{"address", "tenants-dir", "kube-namespace", "kube-group", "kube-version", "kube-resource"} {
		if err := viper.BindPFlag(name, serveCmd.Flags().Lookup(name)); err != nil {
			logger.Errorf("failed to bind %s flag: %v", name, err)
		}
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	tracker := &health.Tracker{}
	store := entity.NewStore()

	if err := startLoaders(ctx, store, tracker); err != nil {
		return err
	}

	sessions, keyStorage := backingStores(cfg)
	go ensureKeysReady(ctx, keyStorage, tracker, cfg.RedisHost != "")
	go prunedRetiredKeysLoop(ctx, keyStorage)

	scripts := scripthost.New()
	scripts.Timeout = cfg.ScriptTimeout

	deps := &server.Deps{
		Store:    store,
		Sessions: sessions,
		Signer:   &keys.Signer{Storage: keyStorage, HMACSecret: []byte(cfg.JWTSecret)},
		Scripts:  scripts,
		Config:   cfg,
		Renderer: server.DefaultErrorRenderer{},
		Forms:    server.DefaultFormRenderer{},
	}

	address := viper.GetString("address")
	srv := buildHTTPServer(ctx, address, deps, tracker)

	logger.Infof("starting uitsmijter on %s", address)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

func buildHTTPServer(ctx context.Context, address string, deps *server.Deps, tracker *health.Tracker) *http.Server {
	mw := &clientinfo.Middleware{Store: deps.Store, Signer: deps.Signer, DefaultAlg: deps.Config.DefaultAlg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Timeout(middlewareTimeout))

	// authorize, interceptor and wellknown register routes relative to a
	// mount point and are wired the way the teacher's server.go wires its
	// prefix-mounted sub-routers.
	r.Mount("/authorize", mw.Handler(authorize.Router(deps)))
	r.Mount("/interceptor", mw.Handler(interceptor.Router(deps)))
	r.Mount("/.well-known", mw.Handler(wellknown.Router(deps)))

	// health, loginout and token each register their own absolute paths
	// (spec §6's literal endpoint names), so they are attached directly
	// rather than mounted under a shared prefix.
	healthHandler := health.Router(tracker)
	r.Handle("/healthz", healthHandler)
	r.Handle("/readyz", healthHandler)

	loginoutHandler := mw.Handler(loginout.Router(deps))
	r.Handle("/login", loginoutHandler)
	r.Handle("/logout", loginoutHandler)
	r.Handle("/logout/finalize", loginoutHandler)

	tokenHandler := mw.Handler(token.Router(deps))
	r.Handle("/token", tokenHandler)
	r.Handle("/token/info", tokenHandler)
	r.Handle("/revoke", tokenHandler)
	r.Handle("/device/verify", tokenHandler)

	return &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func startLoaders(ctx context.Context, store *entity.Store, tracker *health.Tracker) error {
	if dir := viper.GetString("tenants-dir"); dir != "" {
		fileLoader := loader.NewFileLoader(dir, store)
		if err := fileLoader.Start(ctx); err != nil {
			return fmt.Errorf("start file loader: %w", err)
		}
		go func() {
			<-ctx.Done()
			if err := fileLoader.Close(); err != nil {
				logger.Warnw("file loader close failed", "error", err)
			}
		}()
	}

	resource := viper.GetString("kube-resource")
	if resource != "" {
		watcher, err := newKubeWatcher(resource)
		if err != nil {
			return fmt.Errorf("build kubernetes watcher: %w", err)
		}
		crLoader := loader.NewCustomResourceLoader(watcher, store)
		go func() {
			if err := crLoader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorw("custom resource loader stopped", "error", err)
			}
		}()
	}

	tracker.MarkStoreReady()
	return nil
}

func newKubeWatcher(resource string) (*loader.K8sResourceWatcher, error) {
	restConfig, err := kubernetesConfig()
	if err != nil {
		return nil, err
	}
	client, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	gvr := schema.GroupVersionResource{
		Group:    viper.GetString("kube-group"),
		Version:  viper.GetString("kube-version"),
		Resource: resource,
	}
	return loader.NewK8sResourceWatcher(client, gvr, viper.GetString("kube-namespace")), nil
}

func kubernetesConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
}

// backingStores builds the session/key stores without ever blocking on
// Redis reachability: the client is constructed unconditionally and
// dials lazily, so a Redis outage at startup never aborts the process
// (spec §9 "Graceful Redis failures"). Readiness is instead reported by
// ensureKeysReady, and individual operations fail fast with a typed
// error while Redis is unreachable.
func backingStores(cfg *config.Config) (session.Store, keys.Storage) {
	if cfg.RedisHost == "" {
		return session.NewMemoryStore(), keys.NewMemoryStorage()
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisHost, Password: cfg.RedisPassword})
	return session.NewRedisStore(client), keys.NewRedisStorage(client)
}

// ensureKeysReady resolves (generating one on a fresh deployment) the
// active signing key, retrying with backoff when a Redis-backed storage
// is briefly unreachable rather than failing startup outright. It marks
// tracker's keys and redis gates ready once a key storage round trip
// succeeds; with no Redis backend configured, there is nothing to wait
// out, so both gates clear after the single (always-succeeding) attempt.
func ensureKeysReady(ctx context.Context, storage keys.Storage, tracker *health.Tracker, usesRedis bool) {
	if !usesRedis {
		if _, err := keys.EnsureActiveKey(ctx, storage); err != nil {
			logger.Errorw("ensure active signing key failed", "error", err)
		}
		tracker.MarkKeysReady()
		tracker.MarkRedisReady()
		return
	}

	eb := &backoff.ExponentialBackOff{
		InitialInterval:     redisProbeBase,
		MaxInterval:         redisProbeCap,
		Multiplier:          2,
		RandomizationFactor: 1, // full jitter: delay drawn uniformly from [0, computed interval]
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if _, err := keys.EnsureActiveKey(ctx, storage); err != nil {
			logger.Warnw("redis-backed key storage not yet reachable, retrying", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(eb), backoff.WithMaxElapsedTime(0))
	if err != nil {
		// only non-nil when ctx was cancelled during shutdown.
		return
	}
	tracker.MarkKeysReady()
	tracker.MarkRedisReady()
	logger.Info("redis-backed key storage reachable, readiness gate cleared")
}

func prunedRetiredKeysLoop(ctx context.Context, storage keys.Storage) {
	ticker := time.NewTicker(keyPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := keys.PruneRetiredKeys(ctx, storage, keyPruneInterval); err != nil {
				logger.Warnw("key prune sweep failed", "error", err)
			}
		}
	}
}
