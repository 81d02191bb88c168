package sync

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/driftwall/internal/cloud"
	"grimm.is/driftwall/internal/config"
	"grimm.is/driftwall/internal/logging"
	"grimm.is/driftwall/internal/rules"
	"grimm.is/driftwall/internal/store"
)

// --- Test doubles ---

type fakeClient struct {
	name   string
	blob   string
	assocs []string

	nameErr   error
	rulesErr  error
	assocsErr error
	submitErr error

	calls     int
	submitted []cloud.Update
}

func (f *fakeClient) FetchName(ctx context.Context, id string) (string, error) {
	f.calls++
	return f.name, f.nameErr
}

func (f *fakeClient) FetchRules(ctx context.Context, id string) (string, error) {
	f.calls++
	return f.blob, f.rulesErr
}

func (f *fakeClient) FetchAssociations(ctx context.Context, id string) ([]string, error) {
	f.calls++
	return f.assocs, f.assocsErr
}

func (f *fakeClient) Submit(ctx context.Context, u cloud.Update) error {
	f.calls++
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, u)
	return nil
}

type fakeResolver struct {
	addr  string
	err   error
	calls int
}

func (f *fakeResolver) Discover(ctx context.Context) (string, error) {
	f.calls++
	return f.addr, f.err
}

type fakeStore struct {
	last     string
	readErr  error
	writeErr error
	appended []string
}

func (f *fakeStore) ReadLast() (string, error) {
	if f.readErr != nil {
		return "", f.readErr
	}
	if f.last == "" {
		return "", store.ErrNoAddress
	}
	return f.last, nil
}

func (f *fakeStore) AppendCurrent(addr string) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.appended = append(f.appended, addr)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

const testBlob = "protocol:tcp,ports:22,address:1.1.1.1/32 " +
	"protocol:tcp,ports:80,address:0.0.0.0/0,address:::/0 " +
	"protocol:icmp,address:0.0.0.0/0,address:::/0 " +
	"protocol:tcp,ports:0,address:0.0.0.0/0,address:::/0"

func task(mode rules.Mode) FirewallTask {
	return FirewallTask{ID: "fw-1", Mode: mode, Ports: []string{"22"}}
}

// --- Orchestrator ---

func TestSyncFirewallSwap(t *testing.T) {
	client := &fakeClient{name: "edge", blob: testBlob, assocs: []string{"d-1", "d-2"}}
	o := NewOrchestrator(client, testLogger(), false)

	res := o.SyncFirewall(context.Background(), task(rules.ModeSwap), "1.1.1.1", "2.2.2.2")
	require.False(t, res.Failed())
	require.Len(t, client.submitted, 1)

	u := client.submitted[0]
	assert.Equal(t, "fw-1", u.FirewallID)
	assert.Equal(t, "edge", u.Name)
	assert.Contains(t, u.InboundRules, "protocol:tcp,ports:22,address:2.2.2.2/32")
	// The allow-all web rule is not on a target port and passes through.
	assert.Contains(t, u.InboundRules, "protocol:tcp,ports:80,address:0.0.0.0/0,address:::/0")
}

func TestSyncFirewallCarriesOutboundAndAssociationsVerbatim(t *testing.T) {
	client := &fakeClient{name: "edge", blob: testBlob, assocs: []string{"d-1", "d-2"}}
	o := NewOrchestrator(client, testLogger(), false)

	res := o.SyncFirewall(context.Background(), task(rules.ModeReplaceAll), "", "9.9.9.9")
	require.False(t, res.Failed())
	require.Len(t, client.submitted, 1)

	u := client.submitted[0]
	assert.Equal(t, []string{"d-1", "d-2"}, u.Associations)
	assert.Equal(t,
		"protocol:icmp,address:0.0.0.0/0,address:::/0 protocol:tcp,ports:0,address:0.0.0.0/0,address:::/0",
		u.OutboundRules)
}

func TestSyncFirewallFetchFailures(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		mutate func(*fakeClient)
		stage  Stage
	}{
		{func(c *fakeClient) { c.nameErr = boom }, StageFetchName},
		{func(c *fakeClient) { c.rulesErr = boom }, StageFetchRules},
		{func(c *fakeClient) { c.assocsErr = boom }, StageFetchAssociations},
		{func(c *fakeClient) { c.submitErr = boom }, StageSubmit},
	}
	for _, tc := range cases {
		client := &fakeClient{name: "edge", blob: testBlob, assocs: []string{"d-1"}}
		tc.mutate(client)
		o := NewOrchestrator(client, testLogger(), false)

		res := o.SyncFirewall(context.Background(), task(rules.ModeSwap), "", "9.9.9.9")
		require.True(t, res.Failed())
		assert.Equal(t, tc.stage, res.Stage)
		assert.ErrorIs(t, res.Err, boom)
		assert.Empty(t, client.submitted)
	}
}

func TestSyncFirewallEmptyBlobAborts(t *testing.T) {
	client := &fakeClient{name: "edge", blob: "   ", assocs: []string{"d-1"}}
	o := NewOrchestrator(client, testLogger(), false)

	res := o.SyncFirewall(context.Background(), task(rules.ModeSwap), "", "9.9.9.9")
	require.True(t, res.Failed())
	assert.Equal(t, StageFetchRules, res.Stage)
	assert.ErrorIs(t, res.Err, rules.ErrEmptyRuleBlob)
	assert.Empty(t, client.submitted)
}

func TestSyncFirewallMalformedRuleStillSucceeds(t *testing.T) {
	blob := "protocol:tcp,ports:22,address:1.1.1.1/32 protocol:gre,address:5.5.5.5/32"
	client := &fakeClient{name: "edge", blob: blob, assocs: nil}
	o := NewOrchestrator(client, testLogger(), false)

	res := o.SyncFirewall(context.Background(), task(rules.ModeSwap), "1.1.1.1", "2.2.2.2")
	require.False(t, res.Failed())
	require.Len(t, client.submitted, 1)
	assert.Contains(t, client.submitted[0].InboundRules, "protocol:gre,address:5.5.5.5/32")
}

func TestSyncFirewallDryRunDoesNotSubmit(t *testing.T) {
	client := &fakeClient{name: "edge", blob: testBlob, assocs: []string{"d-1"}}
	o := NewOrchestrator(client, testLogger(), true)

	res := o.SyncFirewall(context.Background(), task(rules.ModeSwap), "1.1.1.1", "2.2.2.2")
	require.False(t, res.Failed())
	assert.Empty(t, client.submitted)
}

// --- Pipeline ---

func pipelineFixture(resolver *fakeResolver, st *fakeStore, client *fakeClient, firewalls ...config.FirewallConfig) *Pipeline {
	if len(firewalls) == 0 {
		firewalls = []config.FirewallConfig{{ID: "fw-1", Mode: "swap", Ports: "22"}}
	}
	orch := NewOrchestrator(client, testLogger(), false)
	return NewPipeline(resolver, st, orch, firewalls, testLogger())
}

func TestPipelineNoopWhenAddressUnchanged(t *testing.T) {
	resolver := &fakeResolver{addr: "1.1.1.1"}
	st := &fakeStore{last: "1.1.1.1"}
	client := &fakeClient{}

	results, err := pipelineFixture(resolver, st, client).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, client.calls, "no remote calls on a no-op cycle")
	assert.Empty(t, st.appended, "address not re-persisted on a no-op cycle")
}

func TestPipelineFirstRunHasNoOldAddress(t *testing.T) {
	resolver := &fakeResolver{addr: "2.2.2.2"}
	st := &fakeStore{}
	client := &fakeClient{name: "edge", blob: testBlob}

	results, err := pipelineFixture(resolver, st, client).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Failed())

	// First run: old address unknown, so the new one is appended.
	require.Len(t, client.submitted, 1)
	assert.Contains(t, client.submitted[0].InboundRules, "address:1.1.1.1/32,address:2.2.2.2/32")
	assert.Equal(t, []string{"2.2.2.2"}, st.appended)
}

func TestPipelineDiscoveryFailureAbortsBeforePersist(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("all providers down")}
	st := &fakeStore{last: "1.1.1.1"}
	client := &fakeClient{}

	_, err := pipelineFixture(resolver, st, client).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, client.calls)
	assert.Empty(t, st.appended)
}

func TestPipelineContinuesPastFailedFirewall(t *testing.T) {
	resolver := &fakeResolver{addr: "2.2.2.2"}
	st := &fakeStore{last: "1.1.1.1"}
	client := &fakeClient{name: "edge", blob: testBlob}

	firewalls := []config.FirewallConfig{
		{ID: "fw-broken", Mode: "swap"}, // missing ports
		{ID: "fw-ok", Mode: "swap", Ports: "22"},
	}
	results, err := pipelineFixture(resolver, st, client, firewalls...).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Failed())
	assert.Equal(t, StageConfig, results[0].Stage)
	assert.False(t, results[1].Failed())
	assert.Equal(t, 1, CountFailed(results))

	// The address still advances so a permanently broken firewall does not
	// trigger redundant remote calls every cycle.
	assert.Equal(t, []string{"2.2.2.2"}, st.appended)
}

func TestPipelinePersistsExactlyOnce(t *testing.T) {
	resolver := &fakeResolver{addr: "2.2.2.2"}
	st := &fakeStore{last: "1.1.1.1"}
	client := &fakeClient{name: "edge", blob: testBlob}

	firewalls := []config.FirewallConfig{
		{ID: "fw-1", Mode: "swap", Ports: "22"},
		{ID: "fw-2", Mode: "replace_all", Ports: "443"},
	}
	_, err := pipelineFixture(resolver, st, client, firewalls...).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2.2.2.2"}, st.appended)
}

func TestPipelinePersistFailureReported(t *testing.T) {
	resolver := &fakeResolver{addr: "2.2.2.2"}
	st := &fakeStore{last: "1.1.1.1", writeErr: errors.New("disk full")}
	client := &fakeClient{name: "edge", blob: testBlob}

	results, err := pipelineFixture(resolver, st, client).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	// The firewall work itself still happened.
	require.Len(t, results, 1)
	assert.False(t, results[0].Failed())
}

func TestPipelineStoreReadFailureFatal(t *testing.T) {
	resolver := &fakeResolver{addr: "2.2.2.2"}
	st := &fakeStore{readErr: errors.New("locked")}
	client := &fakeClient{}

	_, err := pipelineFixture(resolver, st, client).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, client.calls)
}
