package manager

import (
	"log"
	"time"
)

// startSchedulerLocked launches the tick loop. Caller holds m.mu.
func (m *Manager) startSchedulerLocked() {
	if m.running {
		return
	}
	m.stopCh = make(chan struct{})
	m.running = true
	go m.loop(m.stopCh)
	log.Printf("[Manager] Scheduler started (tick %s, interval %s)", m.tick, m.refreshInterval)
}

func (m *Manager) stopScheduler() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.running = false
	m.mu.Unlock()
	log.Printf("[Manager] Scheduler stopped")
}

// loop wakes on every tick and triggers endpoints whose interval has elapsed
// since their last trigger. It exits on stop or when the cache locks; a
// locked cache means the operator logged out and nothing may be written.
func (m *Manager) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.cache.IsUnlocked() {
				m.stopScheduler()
				return
			}
			for _, id := range m.dueEndpoints() {
				m.TriggerRefresh(id)
			}
		}
	}
}

// dueEndpoints returns the connected endpoints whose per-endpoint override
// (or the global interval) has elapsed.
func (m *Manager) dueEndpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var due []string
	for id := range m.conns {
		ep, ok := m.registry.Get(id)
		if !ok || !ep.Enabled {
			continue
		}
		interval := ep.RefreshInterval
		if interval <= 0 {
			interval = m.refreshInterval
		}
		if now.Sub(m.lastTrigger[id]) >= interval {
			due = append(due, id)
		}
	}
	return due
}

// TriggerRefresh enqueues an asynchronous refresh for one endpoint. It is a
// no-op when the cache is locked, the endpoint is unknown, disabled or not
// connected. A refresh already in flight suppresses the trigger unless it is
// older than the stale window, in which case the marker is presumed dead and
// a new cycle starts. The trigger timestamp is recorded before the job runs
// so the scheduler's due computation never races the job itself.
func (m *Manager) TriggerRefresh(id string) bool {
	if !m.cache.IsUnlocked() {
		return false
	}
	if !m.registry.IsEnabled(id) {
		return false
	}

	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	if m.refreshing[id] {
		if now.Sub(m.lastTrigger[id]) < m.staleWindow {
			m.mu.Unlock()
			return false
		}
		log.Printf("[Manager] Refresh marker for %s is stale; re-triggering", id)
	}
	m.refreshing[id] = true
	m.lastTrigger[id] = now
	m.jobs.Add(1)
	m.mu.Unlock()

	go m.refresh(id, conn)
	return true
}
