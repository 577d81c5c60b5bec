package loader

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/tools/cache"

	"github.com/uitsmijter/core/pkg/logger"
)

// K8sResourceWatcher implements ResourceWatcher over a dynamic-client
// informer for a single custom-resource GroupVersionResource, translating
// the Kubernetes watch wire protocol (an explicit non-goal of this
// package) into the neutral ResourceEvent stream the loader consumes.
type K8sResourceWatcher struct {
	client    dynamic.Interface
	gvr       schema.GroupVersionResource
	namespace string
	resync    func() (int64, bool)
}

// NewK8sResourceWatcher constructs a watcher for gvr in namespace (empty
// string watches all namespaces).
func NewK8sResourceWatcher(client dynamic.Interface, gvr schema.GroupVersionResource, namespace string) *K8sResourceWatcher {
	return &K8sResourceWatcher{client: client, gvr: gvr, namespace: namespace}
}

// Watch starts a dynamic informer for the configured resource and bridges
// its add/update/delete callbacks onto a ResourceEvent channel. The
// channel closes when ctx is cancelled.
func (w *K8sResourceWatcher) Watch(ctx context.Context) (<-chan ResourceEvent, error) {
	factory := dynamicinformer.NewFilteredDynamicSharedInformerFactory(
		w.client, 0, w.namespace, nil,
	)
	informer := factory.ForResource(w.gvr).Informer()

	events := make(chan ResourceEvent, 64)

	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj interface{}) {
			w.emit(ctx, events, EventAdded, obj)
		},
		UpdateFunc: func(_, newObj interface{}) {
			w.emit(ctx, events, EventModified, newObj)
		},
		DeleteFunc: func(obj interface{}) {
			w.emit(ctx, events, EventDeleted, obj)
		},
	})
	if err != nil {
		close(events)
		return nil, fmt.Errorf("loader: register informer handler: %w", err)
	}

	go informer.Run(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		close(events)
		return nil, fmt.Errorf("loader: informer cache sync failed for %s", w.gvr.Resource)
	}

	go func() {
		<-ctx.Done()
		close(events)
	}()

	return events, nil
}

func (w *K8sResourceWatcher) emit(ctx context.Context, events chan<- ResourceEvent, typ WatchEventType, obj interface{}) {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		logger.Warnw("loader: informer callback received non-unstructured object")
		return
	}

	key := u.GetName()
	if ns := u.GetNamespace(); ns != "" {
		key = ns + "/" + key
	}

	var raw []byte
	if typ != EventDeleted {
		body, err := yamlFromUnstructured(u)
		if err != nil {
			logger.Errorw("loader: encode custom resource failed", "key", key, "error", err)
			return
		}
		raw = body
	}

	select {
	case events <- ResourceEvent{Type: typ, Key: key, Raw: raw}:
	case <-ctx.Done():
	}
}

// yamlFromUnstructured re-renders an unstructured custom resource's
// metadata/spec into the same {kind,name,spec} manifest shape the file
// loader parses, so both loaders share one decoder.
func yamlFromUnstructured(u *unstructured.Unstructured) ([]byte, error) {
	doc := struct {
		Kind string      `yaml:"kind"`
		Name string      `yaml:"name"`
		Spec interface{} `yaml:"spec"`
	}{
		Kind: u.GetKind(),
		Name: u.GetName(),
	}
	spec, _, err := unstructured.NestedMap(u.Object, "spec")
	if err != nil {
		return nil, err
	}
	doc.Spec = spec
	return yaml.Marshal(doc)
}
