package cache_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vcompanion/vcompanion/internal/cache"
	"github.com/vcompanion/vcompanion/internal/inventory"
)

func corruptCategoryFile(t *testing.T, dir, category string) {
	t.Helper()
	path := filepath.Join(dir, category+".enc")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("category file %s missing: %v", path, err)
	}
	if err := os.WriteFile(path, []byte("vcc1 but then garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
}

// testIterations keeps the KDF cheap in tests; the production default is
// deliberately expensive.
const testIterations = 100

func newStore(t *testing.T, dir string, enabled cache.EnabledFunc) *cache.Store {
	t.Helper()
	s, err := cache.New(cache.Options{Dir: dir, Enabled: enabled, Iterations: testIterations})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return s
}

func sampleVMs(endpointID string, n int) []inventory.VM {
	vms := make([]inventory.VM, n)
	for i := range vms {
		vms[i] = inventory.VM{
			ID:         fmt.Sprintf("vm-%d", i),
			Name:       fmt.Sprintf("web-%02d", i),
			EndpointID: endpointID,
			PowerState: "poweredOn",
			GuestOS:    "Ubuntu Linux (64-bit)",
		}
	}
	return vms
}

func TestStoreRoundTripAcrossInstances(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := newStore(t, dir, nil)
	if !s.Unlock("correct horse") {
		t.Fatal("unlock failed")
	}
	if err := s.SaveVMs("ep1", sampleVMs("ep1", 3)); err != nil {
		t.Fatalf("SaveVMs: %v", err)
	}
	if err := s.SaveEndpointStatus(inventory.EndpointStatus{
		ID: "ep1", Name: "prod", Status: inventory.StatusReady, LastRefresh: time.Now(),
	}); err != nil {
		t.Fatalf("SaveEndpointStatus: %v", err)
	}
	s.Lock()

	// A fresh store over the same directory must see the data with the same
	// password: the salt is per-installation, not per-instance.
	reopened := newStore(t, dir, nil)
	if !reopened.Unlock("correct horse") {
		t.Fatal("unlock on reopen failed")
	}
	if got := len(reopened.AllVMs()); got != 3 {
		t.Fatalf("AllVMs after reopen = %d, want 3", got)
	}
	statuses := reopened.EndpointStatuses()
	if len(statuses) != 1 || statuses[0].Name != "prod" {
		t.Fatalf("EndpointStatuses after reopen = %+v", statuses)
	}
}

func TestWrongPasswordDropsDataSilently(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := newStore(t, dir, nil)
	s.Unlock("right")
	if err := s.SaveVMs("ep1", sampleVMs("ep1", 2)); err != nil {
		t.Fatalf("SaveVMs: %v", err)
	}
	s.Lock()

	if !s.Unlock("wrong") {
		t.Fatal("wrong password must still unlock (only the data is dropped)")
	}
	if got := len(s.AllVMs()); got != 0 {
		t.Fatalf("wrong password exposed %d VMs", got)
	}

	// Data written under the right password survives the failed attempt.
	s.Lock()
	s.Unlock("right")
	if got := len(s.AllVMs()); got != 2 {
		t.Fatalf("AllVMs after recovering = %d, want 2", got)
	}
}

func TestUnlockWhileUnlockedResetsState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := newStore(t, dir, nil)
	s.Unlock("right")
	if err := s.SaveVMs("ep1", sampleVMs("ep1", 2)); err != nil {
		t.Fatalf("SaveVMs: %v", err)
	}

	// Re-unlocking with another password, without an intervening Lock, must
	// not carry the previous session's plaintext into the new view.
	if !s.Unlock("wrong") {
		t.Fatal("second unlock failed")
	}
	if got := len(s.AllVMs()); got != 0 {
		t.Fatalf("stale session data survived re-unlock: %d VMs", got)
	}

	if !s.Unlock("right") {
		t.Fatal("third unlock failed")
	}
	if got := len(s.AllVMs()); got != 2 {
		t.Fatalf("AllVMs after re-unlocking with the right password = %d, want 2", got)
	}
}

func TestLockedStoreBehavior(t *testing.T) {
	t.Parallel()

	s := newStore(t, t.TempDir(), nil)
	if s.IsUnlocked() {
		t.Fatal("a new store must start locked")
	}
	if err := s.SaveVMs("ep1", sampleVMs("ep1", 1)); !errors.Is(err, cache.ErrLocked) {
		t.Fatalf("SaveVMs on locked store = %v, want ErrLocked", err)
	}
	if got := s.AllVMs(); len(got) != 0 {
		t.Fatalf("locked reader returned %d VMs", len(got))
	}
	if got := s.EndpointStatuses(); len(got) != 0 {
		t.Fatalf("locked reader returned %d statuses", len(got))
	}
	if _, ok := s.EndpointStatus("ep1"); ok {
		t.Fatal("locked per-endpoint reader must report absent")
	}
}

func TestLockZeroesInMemoryData(t *testing.T) {
	t.Parallel()

	s := newStore(t, t.TempDir(), nil)
	s.Unlock("pw")
	if err := s.SaveHosts("ep1", []inventory.Host{{ID: "h1", Name: "esx01", EndpointID: "ep1"}}); err != nil {
		t.Fatalf("SaveHosts: %v", err)
	}
	s.Lock()
	if s.IsUnlocked() {
		t.Fatal("IsUnlocked after Lock")
	}
	if got := len(s.AllHosts()); got != 0 {
		t.Fatalf("AllHosts after Lock = %d, want 0", got)
	}
}

func TestDisabledEndpointsFilteredFromReads(t *testing.T) {
	t.Parallel()

	enabled := map[string]bool{"ep1": true, "ep2": false}
	s := newStore(t, t.TempDir(), func(id string) bool { return enabled[id] })
	s.Unlock("pw")

	if err := s.SaveVMs("ep1", sampleVMs("ep1", 2)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveVMs("ep2", sampleVMs("ep2", 5)); err != nil {
		t.Fatal(err)
	}

	if got := len(s.AllVMs()); got != 2 {
		t.Fatalf("AllVMs = %d, want 2 (disabled endpoint filtered)", got)
	}
	if got := s.VMs("ep2"); got != nil {
		t.Fatalf("VMs(ep2) = %v, want nil", got)
	}

	// Re-enabling makes the already-cached data visible again: filtering
	// happens at read time, the files are never touched.
	enabled["ep2"] = true
	if got := len(s.AllVMs()); got != 7 {
		t.Fatalf("AllVMs after re-enable = %d, want 7", got)
	}
}

func TestPurgeRemovesCategoryFilesKeepsSalt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := newStore(t, dir, nil)
	s.Unlock("pw")
	if err := s.SaveVMs("ep1", sampleVMs("ep1", 1)); err != nil {
		t.Fatal(err)
	}
	s.Purge()

	if s.IsUnlocked() {
		t.Fatal("Purge must leave the store locked")
	}
	if !s.Unlock("pw") {
		t.Fatal("unlock after purge failed (salt must survive)")
	}
	if got := len(s.AllVMs()); got != 0 {
		t.Fatalf("AllVMs after purge = %d, want 0", got)
	}
}

func TestConcurrentSavesAndReads(t *testing.T) {
	t.Parallel()

	s := newStore(t, t.TempDir(), nil)
	s.Unlock("pw")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("ep%d", i%4)
			for j := 0; j < 10; j++ {
				if err := s.SaveVMs(id, sampleVMs(id, 2)); err != nil {
					t.Errorf("SaveVMs: %v", err)
					return
				}
				_ = s.AllVMs()
				_ = s.VMs(id)
			}
		}(i)
	}
	wg.Wait()

	// Each endpoint's slice was replaced whole every time, so per-endpoint
	// counts are exact regardless of interleaving.
	if got := len(s.AllVMs()); got != 8 {
		t.Fatalf("AllVMs after concurrent writes = %d, want 8", got)
	}
}

func TestCorruptCategoryFileDropsOnlyThatCategory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := newStore(t, dir, nil)
	s.Unlock("pw")
	if err := s.SaveVMs("ep1", sampleVMs("ep1", 2)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveHosts("ep1", []inventory.Host{{ID: "h1", Name: "esx01", EndpointID: "ep1"}}); err != nil {
		t.Fatal(err)
	}
	s.Lock()

	corruptCategoryFile(t, dir, "vms")

	s.Unlock("pw")
	if got := len(s.AllVMs()); got != 0 {
		t.Fatalf("corrupt vms category yielded %d VMs", got)
	}
	if got := len(s.AllHosts()); got != 1 {
		t.Fatalf("hosts category lost alongside corrupt vms: %d", got)
	}
}
