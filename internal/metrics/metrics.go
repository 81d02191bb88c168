// Package metrics exposes Prometheus counters for the sync pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all driftwall metrics.
type Registry struct {
	CyclesTotal      prometheus.Counter
	CyclesNoop       prometheus.Counter
	CyclesFailed     prometheus.Counter
	AddressChanges   prometheus.Counter
	DiscoveryFailed  prometheus.Counter
	FirewallUpdates  *prometheus.CounterVec
	FirewallFailures *prometheus.CounterVec
	MalformedRules   *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftwall_cycles_total",
		Help: "Total update cycles started",
	})
	r.CyclesNoop = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftwall_cycles_noop_total",
		Help: "Cycles skipped because the WAN address was unchanged",
	})
	r.CyclesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftwall_cycles_failed_total",
		Help: "Cycles with at least one firewall failure",
	})
	r.AddressChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftwall_address_changes_total",
		Help: "Observed WAN address changes",
	})
	r.DiscoveryFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "driftwall_discovery_failures_total",
		Help: "Cycles aborted because no provider returned a usable address",
	})
	r.FirewallUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwall_firewall_updates_total",
		Help: "Successful firewall rule submissions",
	}, []string{"firewall"})
	r.FirewallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwall_firewall_failures_total",
		Help: "Failed firewall updates by stage",
	}, []string{"firewall", "stage"})
	r.MalformedRules = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "driftwall_malformed_rules_total",
		Help: "Rule tokens passed through unparsed",
	}, []string{"firewall"})

	return r
}

// Serve exposes /metrics on the given address. Blocks until the listener
// fails; run it in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
