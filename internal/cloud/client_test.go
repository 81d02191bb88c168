package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/firewalls/fw-1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]string{"id": "fw-1", "name": "edge"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, WithToken("secret"))
	name, err := c.FetchName(context.Background(), "fw-1")
	require.NoError(t, err)
	assert.Equal(t, "edge", name)
}

func TestFetchRulesReturnsRawBlob(t *testing.T) {
	blob := "protocol:tcp,ports:22,address:1.2.3.4/32 protocol:icmp,address:0.0.0.0/0,address:::/0"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/firewalls/fw-1/rules", r.URL.Path)
		w.Write([]byte(blob))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	got, err := c.FetchRules(context.Background(), "fw-1")
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestFetchAssociations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/firewalls/fw-1/droplets", r.URL.Path)
		json.NewEncoder(w).Encode(map[string][]string{"droplet_ids": {"d-1", "d-2"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	ids, err := c.FetchAssociations(context.Background(), "fw-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"d-1", "d-2"}, ids)
}

func TestSubmitSendsFullObject(t *testing.T) {
	var got firewallUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/firewalls/fw-1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	err := c.Submit(context.Background(), Update{
		FirewallID:    "fw-1",
		Name:          "edge",
		InboundRules:  "protocol:tcp,ports:22,address:9.9.9.9/32",
		OutboundRules: "protocol:icmp,address:0.0.0.0/0",
		Associations:  []string{"d-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "edge", got.Name)
	assert.Equal(t, "protocol:tcp,ports:22,address:9.9.9.9/32", got.InboundRules)
	assert.Equal(t, "protocol:icmp,address:0.0.0.0/0", got.OutboundRules)
	assert.Equal(t, []string{"d-1"}, got.DropletIDs)
}

func TestSubmitSurfacesRemoteMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"message": "inbound_rules: invalid CIDR"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	err := c.Submit(context.Background(), Update{FirewallID: "fw-1", Name: "edge"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inbound_rules: invalid CIDR")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
}

func TestFetchNameNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway timeout", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.FetchName(context.Background(), "fw-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway timeout")
}
