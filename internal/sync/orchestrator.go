// Package sync drives one update cycle: discover the WAN address, detect
// change against the persisted record, and rewrite each configured
// firewall's inbound rules through the remote API.
package sync

import (
	"context"
	"fmt"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/driftwall/internal/cloud"
	"grimm.is/driftwall/internal/logging"
	"grimm.is/driftwall/internal/metrics"
	"grimm.is/driftwall/internal/rules"
)

// Stage identifies where in the per-firewall sequence a failure happened.
type Stage string

const (
	StageConfig            Stage = "config"
	StageFetchName         Stage = "fetch_name"
	StageFetchRules        Stage = "fetch_rules"
	StageFetchAssociations Stage = "fetch_associations"
	StageSubmit            Stage = "submit"
)

// Result is the outcome of one firewall in one cycle. A failed firewall
// never stops the remaining ones; the pipeline collects Results and reports
// the batch.
type Result struct {
	FirewallID string
	Stage      Stage
	Err        error
}

// Failed reports whether this firewall's update did not take effect.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Orchestrator runs the fetch, transform, submit sequence for single
// firewalls. Each call owns its firewall for the duration of the cycle;
// calls are strictly sequential.
type Orchestrator struct {
	client  cloud.Client
	logger  *logging.Logger
	metrics *metrics.Registry
	dryRun  bool
}

// NewOrchestrator creates an orchestrator over the given API client.
func NewOrchestrator(client cloud.Client, logger *logging.Logger, dryRun bool) *Orchestrator {
	return &Orchestrator{
		client:  client,
		logger:  logger.WithComponent("sync"),
		metrics: metrics.Get(),
		dryRun:  dryRun,
	}
}

// FirewallTask is one resolved firewall config entry.
type FirewallTask struct {
	ID    string
	Mode  rules.Mode
	Ports []string
}

// SyncFirewall updates one firewall's inbound rules for the address change.
// The outbound rules and droplet associations are fetched and written back
// untouched; the remote API only accepts full-object updates.
func (o *Orchestrator) SyncFirewall(ctx context.Context, task FirewallTask, oldAddr, newAddr string) Result {
	log := o.logger.WithFields(map[string]any{"firewall": task.ID})

	name, err := o.client.FetchName(ctx, task.ID)
	if err != nil {
		return o.fail(task.ID, StageFetchName, err)
	}

	blob, err := o.client.FetchRules(ctx, task.ID)
	if err != nil {
		return o.fail(task.ID, StageFetchRules, err)
	}

	associations, err := o.client.FetchAssociations(ctx, task.ID)
	if err != nil {
		return o.fail(task.ID, StageFetchAssociations, err)
	}

	inbound, outbound, err := rules.Decode(blob)
	if err != nil {
		// Empty blob means the current rules could not be read; building a
		// rule list from nothing would wipe the firewall.
		return o.fail(task.ID, StageFetchRules, err)
	}

	change := rules.AddressChange{
		Old:         oldAddr,
		New:         newAddr,
		TargetPorts: task.Ports,
		Mode:        task.Mode,
	}
	updated, warnings := rules.Transform(inbound, change)
	for _, w := range warnings {
		log.Warn("unparsed rule kept verbatim", "index", w.Index, "token", w.Token)
	}
	if len(warnings) > 0 {
		o.metrics.MalformedRules.WithLabelValues(task.ID).Add(float64(len(warnings)))
	}

	inBlob := rules.Encode(updated)
	outBlob := rules.Encode(outbound)

	if o.dryRun {
		log.Info("dry run, not submitting", "name", name)
		fmt.Print(ruleDiff(task.ID, inbound, updated))
		return Result{FirewallID: task.ID}
	}

	err = o.client.Submit(ctx, cloud.Update{
		FirewallID:    task.ID,
		Name:          name,
		InboundRules:  inBlob,
		OutboundRules: outBlob,
		Associations:  associations,
	})
	if err != nil {
		return o.fail(task.ID, StageSubmit, err)
	}

	o.metrics.FirewallUpdates.WithLabelValues(task.ID).Inc()
	log.Info("firewall updated", "name", name, "mode", string(task.Mode))
	return Result{FirewallID: task.ID}
}

func (o *Orchestrator) fail(firewallID string, stage Stage, err error) Result {
	o.metrics.FirewallFailures.WithLabelValues(firewallID, string(stage)).Inc()
	o.logger.Error("firewall update failed",
		"firewall", firewallID, "stage", string(stage), "error", err)
	return Result{FirewallID: firewallID, Stage: stage, Err: err}
}

// ruleDiff renders a unified diff of the inbound rules, one rule per line.
func ruleDiff(firewallID string, before, after rules.RuleSet) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        ruleLines(before),
		B:        ruleLines(after),
		FromFile: firewallID + " (current)",
		ToFile:   firewallID + " (updated)",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return diff
}

func ruleLines(rs rules.RuleSet) []string {
	lines := make([]string, 0, len(rs))
	for _, r := range rs {
		lines = append(lines, rules.Encode(rules.RuleSet{r})+"\n")
	}
	return lines
}
