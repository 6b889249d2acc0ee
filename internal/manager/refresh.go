package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/vcompanion/vcompanion/internal/cache"
	"github.com/vcompanion/vcompanion/internal/inventory"
	"github.com/vcompanion/vcompanion/internal/vsphere"
)

// timeRound keeps cycle durations readable in logs.
const timeRound = 10 * time.Millisecond

// cycleReport collects the outcome of one refresh cycle. Only a fatal error
// flips the endpoint to ERROR; partial failures keep it READY because stale
// ancillary data with fresh hosts and VMs still serves the dashboard.
type cycleReport struct {
	fatal   error
	partial []string
	about   *inventory.AboutInfo
}

// refresh runs one full cycle for an endpoint: mark REFRESHING, fetch every
// category, persist each as it lands, then write the final READY or ERROR
// record with the refresh timestamp.
func (m *Manager) refresh(id string, conn Connector) {
	defer m.jobs.Done()
	defer func() {
		m.mu.Lock()
		m.refreshing[id] = false
		m.mu.Unlock()
	}()

	ep := conn.Endpoint()
	started := m.now()

	status, _ := m.cache.EndpointStatus(id)
	status.ID = id
	status.Name = ep.Name
	status.Status = inventory.StatusRefreshing
	if err := m.cache.SaveEndpointStatus(status); err != nil {
		// Locked mid-flight means the operator logged out; abandon quietly.
		log.Printf("[Manager] Marking %s REFRESHING: %v", ep.Name, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.fanOutTimeout)
	defer cancel()

	report := m.runCycle(ctx, id, conn)

	status.LastRefresh = m.now()
	if report.about != nil {
		status.Version = report.about.Version
		status.Build = report.about.Build
		status.APIType = report.about.APIType
	}
	if report.fatal != nil {
		status.Status = inventory.StatusError
		status.ErrorMessage = report.fatal.Error()
		log.Printf("[Manager] Refresh of %s failed after %s: %v", ep.Name, m.now().Sub(started).Round(timeRound), report.fatal)
	} else {
		status.Status = inventory.StatusReady
		status.ErrorMessage = ""
		if len(report.partial) > 0 {
			log.Printf("[Manager] Refresh of %s completed in %s with partial categories: %s",
				ep.Name, m.now().Sub(started).Round(timeRound), strings.Join(report.partial, ", "))
		} else {
			log.Printf("[Manager] Refresh of %s completed in %s", ep.Name, m.now().Sub(started).Round(timeRound))
		}
	}
	if err := m.cache.SaveEndpointStatus(status); err != nil {
		log.Printf("[Manager] Recording final status for %s: %v", ep.Name, err)
	}
}

// runCycle fetches the categories in dependency order. Hosts and VMs are the
// dominant categories: their failure, or any connectivity loss, aborts the
// cycle. The ancillary categories (alerts, networks, clusters, storage,
// version metadata) degrade to "partial" and keep the endpoint READY.
func (m *Manager) runCycle(ctx context.Context, id string, conn Connector) cycleReport {
	var rep cycleReport

	hosts, err := conn.FetchHosts(ctx)
	if err != nil {
		rep.fatal = fmt.Errorf("hosts: %w", err)
		return rep
	}
	if err := m.cache.SaveHosts(id, hosts); err != nil {
		rep.fatal = err
		return rep
	}
	hostNames := make(map[string]string, len(hosts))
	for _, h := range hosts {
		hostNames[h.ID] = h.Name
	}

	vms, err := conn.FetchVMs(ctx, hostNames)
	if err != nil {
		rep.fatal = fmt.Errorf("vms: %w", err)
		return rep
	}
	if err := m.cache.SaveVMs(id, vms); err != nil {
		rep.fatal = err
		return rep
	}

	if done := m.ancillary(ctx, &rep, "alerts", func() error {
		alerts, err := conn.FetchAlerts(ctx)
		if err != nil {
			return err
		}
		return m.cache.SaveAlerts(id, alerts)
	}); done {
		return rep
	}

	if done := m.ancillary(ctx, &rep, "networks", func() error {
		networks, err := conn.FetchNetworks(ctx)
		if err != nil {
			return err
		}
		return m.cache.SaveNetworks(id, networks)
	}); done {
		return rep
	}

	if done := m.ancillary(ctx, &rep, "clusters", func() error {
		clusters, err := conn.FetchClusters(ctx)
		if err != nil {
			return err
		}
		return m.cache.SaveClusters(id, clusters)
	}); done {
		return rep
	}

	if done := m.ancillary(ctx, &rep, "storage", func() error {
		storage, err := conn.FetchStorage(ctx)
		if err != nil {
			return err
		}
		return m.cache.SaveStorage(id, storage)
	}); done {
		return rep
	}

	if done := m.ancillary(ctx, &rep, "about", func() error {
		about, err := conn.About(ctx)
		if err != nil {
			return err
		}
		rep.about = &about
		return nil
	}); done {
		return rep
	}

	return rep
}

// ancillary runs one non-dominant step. Connectivity loss or a locked cache
// is fatal for the whole cycle; any other failure is recorded as partial.
// Returns true when the cycle should stop.
func (m *Manager) ancillary(ctx context.Context, rep *cycleReport, name string, step func() error) bool {
	err := step()
	if err == nil {
		return false
	}
	if errors.Is(err, cache.ErrLocked) || vsphere.IsConnectivity(err) || ctx.Err() != nil {
		rep.fatal = fmt.Errorf("%s: %w", name, err)
		return true
	}
	rep.partial = append(rep.partial, name)
	log.Printf("[Manager] Partial refresh: %s failed: %v", name, err)
	return false
}
