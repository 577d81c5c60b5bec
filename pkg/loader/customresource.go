package loader

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/logger"
)

// WatchEventType mirrors the three event kinds a cluster API's watch
// stream produces (spec §4.B "Custom-resource loader").
type WatchEventType string

// Event kinds emitted by a ResourceWatcher.
const (
	EventAdded    WatchEventType = "ADD"
	EventModified WatchEventType = "MODIFY"
	EventDeleted  WatchEventType = "DELETE"
)

// ResourceEvent is one change notification from a ResourceWatcher: Raw
// carries the manifest body (YAML/JSON) for ADD/MODIFY, and is empty for
// DELETE where only Key is needed to remove by SourceRef.
type ResourceEvent struct {
	Type WatchEventType
	Key  string // "<namespace>/<name>"
	Raw  []byte
}

// ResourceWatcher abstracts a long-lived stream of custom-resource change
// events from a cluster API. The concrete wire protocol (the Kubernetes
// watch protocol) is an external collaborator this package never speaks
// directly; callers supply an implementation, typically one built on
// client-go's informers.
type ResourceWatcher interface {
	// Watch opens the stream and returns a channel of events. The channel
	// is closed when the underlying stream ends (including on transient
	// disconnects), signalling the caller to reconnect.
	Watch(ctx context.Context) (<-chan ResourceEvent, error)
}

// backoffBase and backoffCap bound the exponential-backoff-with-full-jitter
// reconnect delay (spec §4.B: "base 500ms, cap 30s, full-jitter").
const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
)

// CustomResourceLoader materializes custom-resource watch events into an
// entity.Store, reconnecting the underlying stream with exponential
// backoff on transient errors (spec §4.B).
type CustomResourceLoader struct {
	watcher ResourceWatcher
	store   *entity.Store
}

// NewCustomResourceLoader constructs a loader consuming watcher's event
// stream into store.
func NewCustomResourceLoader(watcher ResourceWatcher, store *entity.Store) *CustomResourceLoader {
	return &CustomResourceLoader{watcher: watcher, store: store}
}

// Run connects to the watch stream and processes events until ctx is
// cancelled, reconnecting with backoff whenever the stream ends. It
// returns only when ctx is done (or a connect attempt is permanently
// refused by backoff.Retry's context check).
func (l *CustomResourceLoader) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		eventsCh, err := l.connect(ctx)
		if err != nil {
			return err
		}

		l.drain(ctx, eventsCh)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warnw("loader: custom-resource stream ended, reconnecting")
	}
}

func (l *CustomResourceLoader) connect(ctx context.Context) (<-chan ResourceEvent, error) {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     backoffBase,
		MaxInterval:         backoffCap,
		Multiplier:          2,
		RandomizationFactor: 1, // full jitter: delay drawn uniformly from [0, computed interval]
	}
	return backoff.Retry(ctx, func() (<-chan ResourceEvent, error) {
		ch, err := l.watcher.Watch(ctx)
		if err != nil {
			logger.Errorw("loader: custom-resource watch connect failed", "error", err)
			return nil, err
		}
		return ch, nil
	}, backoff.WithBackOff(eb), backoff.WithMaxElapsedTime(0))
}

func (l *CustomResourceLoader) drain(ctx context.Context, events <-chan ResourceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			l.apply(ev)
		}
	}
}

func (l *CustomResourceLoader) apply(ev ResourceEvent) {
	source := entity.SourceRef{Kind: "resource", Key: ev.Key}

	switch ev.Type {
	case EventAdded, EventModified:
		tenants, clients, errs := decodeManifests(ev.Raw, source)
		for _, e := range errs {
			logger.Errorw("loader: custom-resource decode error", "key", ev.Key, "error", e)
		}
		applyManifests(l.store, tenants, clients)
	case EventDeleted:
		l.store.DeleteTenantBySource(source)
		l.store.DeleteClientBySource(source)
	default:
		logger.Warnw("loader: unknown custom-resource event type", "type", ev.Type)
	}
}
