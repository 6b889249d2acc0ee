// Package cache implements the password-unlockable, category-partitioned
// snapshot store. Every category is serialized to its own encrypted file so a
// single endpoint's update touches one file, and a corrupt or undecryptable
// file drops only that category.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/vcompanion/vcompanion/internal/inventory"
)

// ErrLocked is returned by writers while the store is locked. Readers do not
// error; they return empty containers by design.
var ErrLocked = errors.New("cache: store is locked")

// EnabledFunc reports whether an endpoint id currently participates in reads.
// Disabled or removed endpoints may still have stale files on disk; this hook
// keeps them out of every accessor.
type EnabledFunc func(id string) bool

// Options configures a Store.
type Options struct {
	Dir        string      // data directory holding salt.bin and <category>.enc files
	Enabled    EnabledFunc // nil means every endpoint is visible
	Iterations int         // PBKDF2 work factor; 0 means DefaultIterations
}

// Store is the encrypted cache. Every read and write is serialized through a
// single mutex; encryption and disk I/O happen while holding it, because a
// category file must never be read half-written.
type Store struct {
	mu         sync.Mutex
	dir        string
	salt       []byte
	iterations int
	enabled    EnabledFunc

	key      []byte
	unlocked bool

	endpoints map[string]inventory.EndpointStatus
	vms       map[string][]inventory.VM
	hosts     map[string][]inventory.Host
	alerts    map[string][]inventory.Alert
	clusters  map[string][]inventory.Cluster
	networks  map[string]inventory.NetworkInventory
	storage   map[string]inventory.StorageInventory
}

// New prepares a locked store: the data directory exists and the salt is
// loaded (or generated once), but no key is held and no data is readable.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache: data directory is empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("cache: create data directory: %w", err)
	}

	salt, err := loadOrCreateSalt(filepath.Join(opts.Dir, saltFileName))
	if err != nil {
		return nil, err
	}

	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	s := &Store{
		dir:        opts.Dir,
		salt:       salt,
		iterations: iterations,
		enabled:    opts.Enabled,
	}
	s.resetData()
	return s, nil
}

func (s *Store) resetData() {
	s.endpoints = make(map[string]inventory.EndpointStatus)
	s.vms = make(map[string][]inventory.VM)
	s.hosts = make(map[string][]inventory.Host)
	s.alerts = make(map[string][]inventory.Alert)
	s.clusters = make(map[string][]inventory.Cluster)
	s.networks = make(map[string]inventory.NetworkInventory)
	s.storage = make(map[string]inventory.StorageInventory)
}

// categoryCodec binds a category name to the typed map holding it. The codecs
// map is the single place a new category must be registered; forgetting the
// entry leaves the category unpersisted, forgetting the type breaks the build.
type categoryCodec struct {
	marshal   func() ([]byte, error)
	unmarshal func([]byte) error
}

func (s *Store) codecs() map[inventory.Category]categoryCodec {
	return map[inventory.Category]categoryCodec{
		inventory.CategoryEndpoints: {
			marshal:   func() ([]byte, error) { return json.Marshal(s.endpoints) },
			unmarshal: func(b []byte) error { return json.Unmarshal(b, &s.endpoints) },
		},
		inventory.CategoryVMs: {
			marshal:   func() ([]byte, error) { return json.Marshal(s.vms) },
			unmarshal: func(b []byte) error { return json.Unmarshal(b, &s.vms) },
		},
		inventory.CategoryHosts: {
			marshal:   func() ([]byte, error) { return json.Marshal(s.hosts) },
			unmarshal: func(b []byte) error { return json.Unmarshal(b, &s.hosts) },
		},
		inventory.CategoryAlerts: {
			marshal:   func() ([]byte, error) { return json.Marshal(s.alerts) },
			unmarshal: func(b []byte) error { return json.Unmarshal(b, &s.alerts) },
		},
		inventory.CategoryClusters: {
			marshal:   func() ([]byte, error) { return json.Marshal(s.clusters) },
			unmarshal: func(b []byte) error { return json.Unmarshal(b, &s.clusters) },
		},
		inventory.CategoryNetworks: {
			marshal:   func() ([]byte, error) { return json.Marshal(s.networks) },
			unmarshal: func(b []byte) error { return json.Unmarshal(b, &s.networks) },
		},
		inventory.CategoryStorage: {
			marshal:   func() ([]byte, error) { return json.Marshal(s.storage) },
			unmarshal: func(b []byte) error { return json.Unmarshal(b, &s.storage) },
		},
	}
}

// Unlock derives the encryption key from the password and loads any on-disk
// snapshots. A wrong password yields an unlocked-but-empty store: each
// category fails authentication independently and is dropped, never surfaced
// as an error, so password correctness cannot be probed through messages.
// Returns false only on unrecoverable derivation failure.
func (s *Store) Unlock(password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.salt) != saltSize {
		return false
	}

	// Re-unlocking an open store must not merge the previous session's
	// in-memory data into what the new key decrypts off disk.
	s.lockLocked()
	s.key = deriveKey(password, s.salt, s.iterations)
	s.unlocked = true
	s.loadFromDiskLocked()
	return true
}

// IsUnlocked reports whether a key is currently held.
func (s *Store) IsUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unlocked
}

// Lock discards the key and all in-memory category data. Reads return empty
// containers until the next successful Unlock.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockLocked()
}

func (s *Store) lockLocked() {
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
	s.unlocked = false
	s.resetData()
}

// Purge locks the store and removes every category file from disk. The salt
// is kept: it is per-installation, not per-session.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockLocked()
	for _, cat := range inventory.Categories() {
		if err := os.Remove(s.filePath(cat)); err != nil && !os.IsNotExist(err) {
			log.Printf("[Cache] Failed to remove %s: %v", cat, err)
		}
	}
}

func (s *Store) filePath(cat inventory.Category) string {
	return filepath.Join(s.dir, string(cat)+".enc")
}

func (s *Store) loadFromDiskLocked() {
	for cat, codec := range s.codecs() {
		blob, err := os.ReadFile(s.filePath(cat))
		if err != nil {
			continue // absent is the common case on first unlock
		}
		plaintext, err := decryptPayload(s.key, blob)
		if err != nil {
			continue // wrong password or corruption: drop the category
		}
		if err := codec.unmarshal(plaintext); err != nil {
			continue
		}
	}
}

// saveCategoryLocked serializes one whole category to its encrypted file.
// The write is temp+rename so readers never observe a partial file.
func (s *Store) saveCategoryLocked(cat inventory.Category) error {
	if !s.unlocked {
		return ErrLocked
	}
	codec, ok := s.codecs()[cat]
	if !ok {
		return fmt.Errorf("cache: unknown category %q", cat)
	}

	plaintext, err := codec.marshal()
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", cat, err)
	}
	blob, err := encryptPayload(s.key, plaintext)
	if err != nil {
		return fmt.Errorf("cache: encrypt %s: %w", cat, err)
	}

	path := s.filePath(cat)
	tmp, err := os.CreateTemp(s.dir, "."+string(cat)+".tmp.*")
	if err != nil {
		return fmt.Errorf("cache: create temp for %s: %w", cat, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cache: write %s: %w", cat, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cache: chmod %s: %w", cat, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: close %s: %w", cat, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cache: rename %s: %w", cat, err)
	}
	return nil
}

func (s *Store) visible(id string) bool {
	if s.enabled == nil {
		return true
	}
	return s.enabled(id)
}

// SaveEndpointStatus upserts the refresh record for one endpoint.
func (s *Store) SaveEndpointStatus(status inventory.EndpointStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return ErrLocked
	}
	s.endpoints[status.ID] = status
	return s.saveCategoryLocked(inventory.CategoryEndpoints)
}

// SaveVMs replaces the VM snapshot for one endpoint.
func (s *Store) SaveVMs(endpointID string, vms []inventory.VM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return ErrLocked
	}
	s.vms[endpointID] = vms
	return s.saveCategoryLocked(inventory.CategoryVMs)
}

// SaveHosts replaces the host snapshot for one endpoint.
func (s *Store) SaveHosts(endpointID string, hosts []inventory.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return ErrLocked
	}
	s.hosts[endpointID] = hosts
	return s.saveCategoryLocked(inventory.CategoryHosts)
}

// SaveAlerts replaces the alert snapshot for one endpoint.
func (s *Store) SaveAlerts(endpointID string, alerts []inventory.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return ErrLocked
	}
	s.alerts[endpointID] = alerts
	return s.saveCategoryLocked(inventory.CategoryAlerts)
}

// SaveClusters replaces the cluster snapshot for one endpoint.
func (s *Store) SaveClusters(endpointID string, clusters []inventory.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return ErrLocked
	}
	s.clusters[endpointID] = clusters
	return s.saveCategoryLocked(inventory.CategoryClusters)
}

// SaveNetworks replaces the network snapshot for one endpoint.
func (s *Store) SaveNetworks(endpointID string, networks inventory.NetworkInventory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return ErrLocked
	}
	s.networks[endpointID] = networks
	return s.saveCategoryLocked(inventory.CategoryNetworks)
}

// SaveStorage replaces the storage snapshot for one endpoint.
func (s *Store) SaveStorage(endpointID string, storage inventory.StorageInventory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked {
		return ErrLocked
	}
	s.storage[endpointID] = storage
	return s.saveCategoryLocked(inventory.CategoryStorage)
}

// EndpointStatuses returns the cached refresh record of every visible endpoint.
func (s *Store) EndpointStatuses() []inventory.EndpointStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]inventory.EndpointStatus, 0, len(s.endpoints))
	if !s.unlocked {
		return out
	}
	for id, st := range s.endpoints {
		if s.visible(id) {
			out = append(out, st)
		}
	}
	return out
}

// EndpointStatus returns the cached refresh record for one endpoint.
func (s *Store) EndpointStatus(id string) (inventory.EndpointStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked || !s.visible(id) {
		return inventory.EndpointStatus{}, false
	}
	st, ok := s.endpoints[id]
	return st, ok
}

// AllVMs returns the cached VMs of every visible endpoint.
func (s *Store) AllVMs() []inventory.VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.VM
	if !s.unlocked {
		return out
	}
	for id, vms := range s.vms {
		if s.visible(id) {
			out = append(out, vms...)
		}
	}
	return out
}

// AllHosts returns the cached hosts of every visible endpoint.
func (s *Store) AllHosts() []inventory.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Host
	if !s.unlocked {
		return out
	}
	for id, hosts := range s.hosts {
		if s.visible(id) {
			out = append(out, hosts...)
		}
	}
	return out
}

// AllAlerts returns the cached alerts of every visible endpoint.
func (s *Store) AllAlerts() []inventory.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Alert
	if !s.unlocked {
		return out
	}
	for id, alerts := range s.alerts {
		if s.visible(id) {
			out = append(out, alerts...)
		}
	}
	return out
}

// AllClusters returns the cached clusters of every visible endpoint.
func (s *Store) AllClusters() []inventory.Cluster {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Cluster
	if !s.unlocked {
		return out
	}
	for id, clusters := range s.clusters {
		if s.visible(id) {
			out = append(out, clusters...)
		}
	}
	return out
}

// AllNetworks returns the cached network snapshot per visible endpoint.
func (s *Store) AllNetworks() map[string]inventory.NetworkInventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]inventory.NetworkInventory)
	if !s.unlocked {
		return out
	}
	for id, n := range s.networks {
		if s.visible(id) {
			out[id] = n
		}
	}
	return out
}

// AllStorage returns the cached storage snapshot per visible endpoint.
func (s *Store) AllStorage() map[string]inventory.StorageInventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]inventory.StorageInventory)
	if !s.unlocked {
		return out
	}
	for id, st := range s.storage {
		if s.visible(id) {
			out[id] = st
		}
	}
	return out
}

// VMs returns the cached VM snapshot for one visible endpoint.
func (s *Store) VMs(endpointID string) []inventory.VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked || !s.visible(endpointID) {
		return nil
	}
	return append([]inventory.VM(nil), s.vms[endpointID]...)
}

// Hosts returns the cached host snapshot for one visible endpoint.
func (s *Store) Hosts(endpointID string) []inventory.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unlocked || !s.visible(endpointID) {
		return nil
	}
	return append([]inventory.Host(nil), s.hosts[endpointID]...)
}
