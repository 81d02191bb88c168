package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"grimm.is/driftwall/internal/config"
	"grimm.is/driftwall/internal/discovery"
	"grimm.is/driftwall/internal/logging"
	"grimm.is/driftwall/internal/metrics"
	"grimm.is/driftwall/internal/store"
)

// Pipeline is one-shot: discover, gate on change, sync every firewall in
// configured order, persist the new address once. It is re-created or
// re-invoked by the scheduler; there is no retry inside.
type Pipeline struct {
	resolver  discovery.Resolver
	store     store.Store
	orch      *Orchestrator
	firewalls []config.FirewallConfig
	logger    *logging.Logger
	metrics   *metrics.Registry
}

// NewPipeline wires the pipeline's collaborators together.
func NewPipeline(resolver discovery.Resolver, st store.Store, orch *Orchestrator, firewalls []config.FirewallConfig, logger *logging.Logger) *Pipeline {
	return &Pipeline{
		resolver:  resolver,
		store:     st,
		orch:      orch,
		firewalls: firewalls,
		logger:    logger.WithComponent("pipeline"),
		metrics:   metrics.Get(),
	}
}

// Run executes one update cycle and returns the per-firewall results.
//
// The error covers cycle-fatal conditions only: discovery failure, an
// unreadable address store, or a failed persist. Per-firewall failures are
// reported through the Results; they never stop the remaining firewalls and
// never block persisting the new address, so one broken firewall cannot
// force redundant remote calls on every later cycle.
func (p *Pipeline) Run(ctx context.Context) ([]Result, error) {
	cycle := uuid.New().String()[:8]
	log := p.logger.WithFields(map[string]any{"cycle": cycle})
	p.metrics.CyclesTotal.Inc()

	current, err := p.resolver.Discover(ctx)
	if err != nil {
		p.metrics.DiscoveryFailed.Inc()
		return nil, fmt.Errorf("address discovery: %w", err)
	}

	last, err := p.store.ReadLast()
	if err != nil && !errors.Is(err, store.ErrNoAddress) {
		return nil, fmt.Errorf("reading address store: %w", err)
	}

	if current == last {
		log.Info("address unchanged, nothing to do", "address", current)
		p.metrics.CyclesNoop.Inc()
		return nil, nil
	}
	p.metrics.AddressChanges.Inc()
	log.Info("address changed", "old", orNone(last), "new", current)

	results := make([]Result, 0, len(p.firewalls))
	for _, fw := range p.firewalls {
		mode, ports, err := fw.Spec()
		if err != nil {
			p.metrics.FirewallFailures.WithLabelValues(fw.ID, string(StageConfig)).Inc()
			log.Error("invalid firewall config", "firewall", fw.ID, "error", err)
			results = append(results, Result{FirewallID: fw.ID, Stage: StageConfig, Err: err})
			continue
		}
		task := FirewallTask{ID: fw.ID, Mode: mode, Ports: ports}
		results = append(results, p.orch.SyncFirewall(ctx, task, last, current))
	}

	// Persisted exactly once, after every firewall has been attempted.
	if err := p.store.AppendCurrent(current); err != nil {
		return results, fmt.Errorf("persisting address %s: %w", current, err)
	}

	if n := CountFailed(results); n > 0 {
		p.metrics.CyclesFailed.Inc()
		log.Error("cycle finished with failures", "failed", n, "total", len(results))
	} else {
		log.Info("cycle complete", "firewalls", len(results))
	}
	return results, nil
}

// CountFailed returns how many firewalls in the batch failed.
func CountFailed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Failed() {
			n++
		}
	}
	return n
}

func orNone(addr string) string {
	if addr == "" {
		return "(none)"
	}
	return addr
}
