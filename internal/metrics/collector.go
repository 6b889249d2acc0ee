// Package metrics exposes the cached fleet state as Prometheus metrics.
// The collector reads manager snapshots at scrape time; it never triggers a
// refresh or touches a session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vcompanion/vcompanion/internal/inventory"
	"github.com/vcompanion/vcompanion/internal/manager"
	"github.com/vcompanion/vcompanion/internal/stats"
)

// Source is the slice of the manager the collector scrapes. *manager.Manager
// satisfies it; tests use literal fakes.
type Source interface {
	Stats() stats.Stats
	ConnectionStatus() []manager.EndpointStatusView
}

var (
	descVMs = prometheus.NewDesc(
		"vcompanion_vms_total",
		"Cached virtual machines across all endpoints.",
		nil, nil)
	descPoweredOn = prometheus.NewDesc(
		"vcompanion_vms_powered_on",
		"Cached powered-on virtual machines across all endpoints.",
		nil, nil)
	descSnapshots = prometheus.NewDesc(
		"vcompanion_snapshots_total",
		"Cached VM snapshots across all endpoints.",
		nil, nil)
	descHosts = prometheus.NewDesc(
		"vcompanion_hosts_total",
		"Cached hypervisor hosts across all endpoints.",
		nil, nil)
	descDatastores = prometheus.NewDesc(
		"vcompanion_datastores_total",
		"Cached datastores across all endpoints.",
		nil, nil)
	descAlerts = prometheus.NewDesc(
		"vcompanion_alerts",
		"Cached triggered alarms by severity.",
		[]string{"severity"}, nil)
	descHasData = prometheus.NewDesc(
		"vcompanion_cache_has_data",
		"1 when the cache holds at least one endpoint snapshot.",
		nil, nil)

	descConnected = prometheus.NewDesc(
		"vcompanion_endpoint_connected",
		"1 when a live session to the endpoint is held.",
		[]string{"endpoint_id", "endpoint_name"}, nil)
	descSinceRefresh = prometheus.NewDesc(
		"vcompanion_endpoint_seconds_since_refresh",
		"Seconds since the endpoint's last completed refresh; -1 when never refreshed.",
		[]string{"endpoint_id", "endpoint_name"}, nil)
	descEndpointError = prometheus.NewDesc(
		"vcompanion_endpoint_error",
		"1 when the endpoint's last refresh ended in ERROR.",
		[]string{"endpoint_id", "endpoint_name"}, nil)
)

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	source Source
}

// NewCollector builds a collector over the given source.
func NewCollector(source Source) *Collector { return &Collector{source: source} }

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descVMs
	ch <- descPoweredOn
	ch <- descSnapshots
	ch <- descHosts
	ch <- descDatastores
	ch <- descAlerts
	ch <- descHasData
	ch <- descConnected
	ch <- descSinceRefresh
	ch <- descEndpointError
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	ch <- prometheus.MustNewConstMetric(descVMs, prometheus.GaugeValue, float64(s.TotalVMs))
	ch <- prometheus.MustNewConstMetric(descPoweredOn, prometheus.GaugeValue, float64(s.PoweredOnVMs))
	ch <- prometheus.MustNewConstMetric(descSnapshots, prometheus.GaugeValue, float64(s.TotalSnapshots))
	ch <- prometheus.MustNewConstMetric(descHosts, prometheus.GaugeValue, float64(s.TotalHosts))
	ch <- prometheus.MustNewConstMetric(descDatastores, prometheus.GaugeValue, float64(s.TotalDatastores))
	ch <- prometheus.MustNewConstMetric(descAlerts, prometheus.GaugeValue, float64(s.CriticalAlerts), string(inventory.SeverityCritical))
	ch <- prometheus.MustNewConstMetric(descAlerts, prometheus.GaugeValue, float64(s.WarningAlerts), string(inventory.SeverityWarning))
	ch <- prometheus.MustNewConstMetric(descHasData, prometheus.GaugeValue, boolValue(s.HasData))

	for _, view := range c.source.ConnectionStatus() {
		labels := []string{view.ID, view.Name}
		ch <- prometheus.MustNewConstMetric(descConnected, prometheus.GaugeValue, boolValue(view.Connected), labels...)
		ch <- prometheus.MustNewConstMetric(descSinceRefresh, prometheus.GaugeValue, view.SecondsSinceRefresh, labels...)
		ch <- prometheus.MustNewConstMetric(descEndpointError, prometheus.GaugeValue, boolValue(view.Status == inventory.StatusError), labels...)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
