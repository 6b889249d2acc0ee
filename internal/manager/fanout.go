package manager

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/vcompanion/vcompanion/internal/inventory"
)

// RecentEvents fetches the latest events from every live endpoint with a
// bounded worker pool and merges them newest-first. Events are never cached:
// they are high-churn and cheap to re-fetch.
func (m *Manager) RecentEvents(ctx context.Context, limit int) []inventory.Event {
	var mu sync.Mutex
	var merged []inventory.Event

	m.fanOut(ctx, func(jctx context.Context, conn Connector) {
		events, err := conn.FetchEvents(jctx, limit)
		if err != nil {
			log.Printf("[Manager] Fetching events from %s: %v", conn.Endpoint().Name, err)
			return
		}
		mu.Lock()
		merged = append(merged, events...)
		mu.Unlock()
	})

	sort.Slice(merged, func(i, j int) bool { return merged[i].Time.After(merged[j].Time) })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// RecentTasks mirrors RecentEvents for the task stream.
func (m *Manager) RecentTasks(ctx context.Context, limit int) []inventory.Task {
	var mu sync.Mutex
	var merged []inventory.Task

	m.fanOut(ctx, func(jctx context.Context, conn Connector) {
		tasks, err := conn.FetchTasks(jctx, limit)
		if err != nil {
			log.Printf("[Manager] Fetching tasks from %s: %v", conn.Endpoint().Name, err)
			return
		}
		mu.Lock()
		merged = append(merged, tasks...)
		mu.Unlock()
	})

	sort.Slice(merged, func(i, j int) bool { return merged[i].StartTime.After(merged[j].StartTime) })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// fanOut runs job against every live connector with at most fanOutWorkers in
// flight, each bounded by fanOutTimeout. It returns once every job finished;
// a slow endpoint delays only its own worker.
func (m *Manager) fanOut(ctx context.Context, job func(context.Context, Connector)) {
	m.mu.Lock()
	conns := make([]Connector, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	if len(conns) == 0 {
		return
	}

	work := make(chan Connector)
	var wg sync.WaitGroup
	for i := 0; i < m.fanOutWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for conn := range work {
				jctx, cancel := context.WithTimeout(ctx, m.fanOutTimeout)
				job(jctx, conn)
				cancel()
			}
		}()
	}
	for _, conn := range conns {
		work <- conn
	}
	close(work)
	wg.Wait()
}
