package registry_test

import (
	"testing"

	"github.com/vcompanion/vcompanion/internal/registry"
)

type recordingWatcher struct {
	added   []string
	updated []string
	removed []string
}

func (w *recordingWatcher) EndpointAdded(ep registry.Endpoint)   { w.added = append(w.added, ep.ID) }
func (w *recordingWatcher) EndpointUpdated(ep registry.Endpoint) { w.updated = append(w.updated, ep.ID) }
func (w *recordingWatcher) EndpointRemoved(id string)            { w.removed = append(w.removed, id) }

func TestRegistryEnabledFiltering(t *testing.T) {
	t.Parallel()

	r := registry.NewRegistry([]registry.Endpoint{
		{ID: "a", Name: "alpha", Host: "a", Enabled: true},
		{ID: "b", Name: "beta", Host: "b", Enabled: false},
		{ID: "c", Name: "gamma", Host: "c", Enabled: true},
	})

	if got := len(r.All()); got != 3 {
		t.Fatalf("All = %d, want 3", got)
	}
	enabled := r.Enabled()
	if len(enabled) != 2 {
		t.Fatalf("Enabled = %d, want 2", len(enabled))
	}
	// All() sorts by name, so enabled order is deterministic too.
	if enabled[0].ID != "a" || enabled[1].ID != "c" {
		t.Fatalf("Enabled order = %s, %s", enabled[0].ID, enabled[1].ID)
	}

	if !r.IsEnabled("a") || r.IsEnabled("b") || r.IsEnabled("missing") {
		t.Fatal("IsEnabled misreported")
	}
}

func TestRegistryWatcherNotifications(t *testing.T) {
	t.Parallel()

	r := registry.NewRegistry(nil)
	w := &recordingWatcher{}
	r.Watch(w)

	r.Put(registry.Endpoint{ID: "a", Host: "a", Enabled: true})
	r.Put(registry.Endpoint{ID: "a", Host: "a2", Enabled: true})
	r.Delete("a")
	r.Delete("a") // second delete must not notify

	if len(w.added) != 1 || w.added[0] != "a" {
		t.Fatalf("added = %v", w.added)
	}
	if len(w.updated) != 1 || w.updated[0] != "a" {
		t.Fatalf("updated = %v", w.updated)
	}
	if len(w.removed) != 1 || w.removed[0] != "a" {
		t.Fatalf("removed = %v", w.removed)
	}
}

func TestEndpointAddress(t *testing.T) {
	t.Parallel()

	ep := registry.Endpoint{Host: "vc01.example.com"}
	if got := ep.Address(); got != "vc01.example.com:443" {
		t.Fatalf("Address = %q", got)
	}
	ep.Port = 8443
	if got := ep.Address(); got != "vc01.example.com:8443" {
		t.Fatalf("Address = %q", got)
	}
}
