package loader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic/fake"

	"github.com/uitsmijter/core/pkg/entity"
)

func tenantGVR() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: "uitsmijter.io", Version: "v1", Resource: "tenants"}
}

func tenantUnstructured(name string, hosts ...string) *unstructured.Unstructured {
	hostItems := make([]interface{}, 0, len(hosts))
	for _, h := range hosts {
		hostItems = append(hostItems, h)
	}
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "uitsmijter.io/v1",
		"kind":       "Tenant",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": "default",
		},
		"spec": map[string]interface{}{
			"hosts": hostItems,
		},
	}}
}

func TestK8sResourceWatcher_EmitsAddEvent(t *testing.T) {
	t.Parallel()

	scheme := runtime.NewScheme()
	gvr := tenantGVR()
	listKind := map[schema.GroupVersionResource]string{gvr: "TenantList"}
	client := fake.NewSimpleDynamicClientWithCustomListKinds(scheme, listKind, tenantUnstructured("acme", "acme.example.com"))

	watcher := NewK8sResourceWatcher(client, gvr, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := watcher.Watch(ctx)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventAdded, ev.Type)
		assert.Equal(t, "default/acme", ev.Key)
		assert.Contains(t, string(ev.Raw), "acme.example.com")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial add event")
	}
}

func TestK8sResourceWatcher_FeedsCustomResourceLoader(t *testing.T) {
	t.Parallel()

	scheme := runtime.NewScheme()
	gvr := tenantGVR()
	listKind := map[schema.GroupVersionResource]string{gvr: "TenantList"}
	client := fake.NewSimpleDynamicClientWithCustomListKinds(scheme, listKind, tenantUnstructured("acme", "acme.example.com"))

	watcher := NewK8sResourceWatcher(client, gvr, "")
	store := entity.NewStore()
	cl := NewCustomResourceLoader(watcher, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cl.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.FindTenantByName("acme") != nil
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
