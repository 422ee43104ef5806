package hubspot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bellwether-tech/rfi-cli/internal/resilience"
)

func noRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 1}
}

// dealServer fakes the handful of CRM endpoints GetDealContext touches.
func dealServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}

	mux.HandleFunc("/crm/v4/objects/deals/deal-1/associations/companies", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"results": []map[string]any{{"toObjectId": 901}}})
	})
	mux.HandleFunc("/crm/v3/objects/companies/901", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("properties"), "numberofemployees")
		reply(w, map[string]any{"id": "901", "properties": map[string]string{
			"name":              "Acme Manufacturing",
			"domain":            "acme.example",
			"city":              "Tulsa",
			"state":             "OK",
			"industry":          "Manufacturing",
			"numberofemployees": "120",
		}})
	})
	mux.HandleFunc("/crm/v4/objects/companies/901/associations/contacts", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"results": []map[string]any{{"toObjectId": 77}, {"toObjectId": 78}}})
	})
	mux.HandleFunc("/crm/v3/objects/contacts/77", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/crm/v3/objects/contacts/78", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"id": "78", "properties": map[string]string{
			"firstname": "Dana",
			"lastname":  "Reed",
			"email":     "dana@acme.example",
			"phone":     "555-0101",
		}})
	})
	mux.HandleFunc("/crm/v3/objects/notes/search", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"results": []map[string]any{
			{"id": "n1", "properties": map[string]string{
				"hs_note_body": "Call recap: client runs 12 servers.",
				"hs_timestamp": "2026-02-01T10:00:00Z",
			}},
			{"id": "n2", "properties": map[string]string{
				"hs_note_body": "<h3>Meeting notes</h3> Sent by Fireflies.ai",
				"hs_timestamp": "2026-02-02T10:00:00Z",
			}},
		}})
	})
	mux.HandleFunc("/crm/v3/objects/deals/deal-1", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"id": "deal-1", "properties": map[string]string{
			"dealname":         "Acme IT Assessment",
			"dealstage":        "stage-1",
			"closedate":        "2026-06-30",
			"hubspot_owner_id": "owner-9",
		}})
	})
	mux.HandleFunc("/crm/v3/owners/owner-9", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]string{"firstName": "Pat", "lastName": "Shaw"})
	})

	return httptest.NewServer(mux)
}

func TestGetDealContext(t *testing.T) {
	srv := dealServer(t)
	defer srv.Close()

	client := NewClient("pat-test", WithBaseURL(srv.URL), WithRetry(noRetry()))
	dc, err := client.GetDealContext(context.Background(), "deal-1")

	require.NoError(t, err)
	require.NotNil(t, dc.Company)
	assert.Equal(t, "Acme Manufacturing", dc.Company.Name)
	assert.Equal(t, "acme.example", dc.ClientDomain())
	assert.Equal(t, "Pat Shaw", dc.DealOwner)

	// The 404 contact is skipped, not fatal.
	require.Len(t, dc.Contacts, 1)
	assert.Equal(t, "dana@acme.example", dc.Contacts[0].Email)
	assert.Equal(t, "acme.example", dc.Contacts[0].Domain())

	// Bot recaps are filtered out of notes.
	require.Len(t, dc.Notes, 1)
	assert.Contains(t, dc.Notes[0].Body, "12 servers")
	assert.Contains(t, dc.NotesText(), "2026-02-01")
}

func TestGetDealContext_NoCompany(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/crm/v4/objects/deals/deal-2/associations/companies", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": []}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("pat-test", WithBaseURL(srv.URL), WithRetry(noRetry()))
	_, err := client.GetDealContext(context.Background(), "deal-2")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no company associated")
}

func TestDealContext_Properties(t *testing.T) {
	dc := &DealContext{
		Deal:    Deal{CloseDate: "2026-06-30"},
		Company: &Company{Name: "Acme", City: "Tulsa", State: "OK", EmployeeCount: "120"},
		Contacts: []Contact{
			{FirstName: "No", LastName: "Email"},
			{FirstName: "Dana", LastName: "Reed", Email: "dana@acme.example"},
		},
		DealOwner: "Pat Shaw",
	}

	props := dc.Properties()
	assert.Equal(t, "Acme", props["name"])
	assert.Equal(t, "Tulsa, OK", props["city"])
	assert.Equal(t, "120", props["numberofemployees"])
	assert.Equal(t, "Dana Reed", props["main_contact_name"])
	assert.Equal(t, "dana@acme.example", props["main_contact_email"])
	assert.Equal(t, "Pat Shaw", props["deal_owner"])
	assert.Equal(t, "2026-06-30", props["closedate"])
	// Empty values never appear.
	_, ok := props["domain"]
	assert.False(t, ok)
	_, ok = props["main_contact_phone"]
	assert.False(t, ok)
}

func TestDealContext_CityWithoutState(t *testing.T) {
	dc := &DealContext{Company: &Company{Name: "Acme", City: "Tulsa"}}
	assert.Equal(t, "Tulsa", dc.Properties()["city"])

	dc = &DealContext{Company: &Company{Name: "Acme", State: "OK"}}
	assert.Equal(t, "OK", dc.Properties()["city"])
}

func TestSearchDeals(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/crm/v3/objects/deals/search", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query        string `json:"query"`
			Limit        int    `json:"limit"`
			FilterGroups []struct {
				Filters []map[string]string `json:"filters"`
			} `json:"filterGroups"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acme", body.Query)
		assert.Equal(t, 10, body.Limit)
		require.Len(t, body.FilterGroups, 1)
		assert.Len(t, body.FilterGroups[0].Filters, 3)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [
			{"id": "d1", "properties": {"dealname": "Acme IT Assessment", "dealstage": "s1", "amount": "50000"}},
			{"id": "d2", "properties": {"dealname": "Acme Phase 2", "dealstage": "s9"}}
		]}`))
	})
	mux.HandleFunc("/crm/v3/pipelines/deals", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": [{"stages": [{"id": "s1", "label": "Discovery"}]}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient("pat-test", WithBaseURL(srv.URL), WithRetry(noRetry()))
	deals, err := client.SearchDeals(context.Background(), "acme", 0)

	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, "Discovery", deals[0].Stage, "stage IDs resolve to labels")
	assert.Equal(t, "s9", deals[1].Stage, "unknown stage keeps the raw ID")
	assert.Equal(t, "50000", deals[0].Amount)
}

func TestDo_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	retry := resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: 1, MaxBackoff: 1, Multiplier: 1}
	client := NewClient("pat-test", WithBaseURL(srv.URL), WithRetry(retry))

	deals, err := client.SearchDeals(context.Background(), "acme", 5)
	require.NoError(t, err)
	assert.Empty(t, deals)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestDo_BreakerOpensAtConfiguredThreshold(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient("pat-test",
		WithBaseURL(srv.URL),
		WithRetry(noRetry()),
		WithBreaker(resilience.FromCircuitConfig(2, 60)))

	for range 3 {
		_, err := client.SearchDeals(context.Background(), "acme", 5)
		require.Error(t, err)
	}
	// Third call fails fast without reaching the server.
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_AuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer pat-secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	client := NewClient("pat-secret", WithBaseURL(srv.URL), WithRetry(noRetry()))
	_, err := client.SearchDeals(context.Background(), "x", 1)
	require.NoError(t, err)
}
