// Package hubspot is a minimal HubSpot CRM client covering the objects
// the RFI workflow needs: deal search, deal associations, companies,
// contacts, and engagement notes.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/bellwether-tech/rfi-cli/internal/resilience"
)

const (
	defaultBaseURL = "https://api.hubapi.com"

	// Stages excluded from deal search (closed-lost pipelines).
	excludedStageA = "12660608"
	excludedStageB = "8355557"
)

// Client is the subset of the HubSpot API the extraction workflow uses.
type Client interface {
	SearchDeals(ctx context.Context, query string, limit int) ([]Deal, error)
	GetDealContext(ctx context.Context, dealID string) (*DealContext, error)
}

// Deal is a CRM deal summary.
type Deal struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Stage     string `json:"stage"`
	Amount    string `json:"amount,omitempty"`
	CloseDate string `json:"close_date,omitempty"`
}

// Company is a CRM company record.
type Company struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Domain        string `json:"domain,omitempty"`
	City          string `json:"city,omitempty"`
	State         string `json:"state,omitempty"`
	Industry      string `json:"industry,omitempty"`
	EmployeeCount string `json:"employee_count,omitempty"`
}

// Contact is a CRM contact record.
type Contact struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	JobTitle  string `json:"job_title,omitempty"`
}

// Domain returns the contact's email domain, or "".
func (c Contact) Domain() string {
	if i := strings.Index(c.Email, "@"); i >= 0 {
		return strings.ToLower(c.Email[i+1:])
	}
	return ""
}

// Note is an engagement note body with its timestamp.
type Note struct {
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

// DealContext bundles everything the CRM knows about a deal.
type DealContext struct {
	Deal      Deal
	Company   *Company
	Contacts  []Contact
	Notes     []Note
	DealOwner string
}

// ClientDomain is the best guess at the client's email domain, from the
// company record or any contact.
func (dc *DealContext) ClientDomain() string {
	if dc.Company != nil && dc.Company.Domain != "" {
		return strings.ToLower(dc.Company.Domain)
	}
	for _, c := range dc.Contacts {
		if d := c.Domain(); d != "" {
			return d
		}
	}
	return ""
}

// PrimaryContact returns the first contact with an email, or nil.
func (dc *DealContext) PrimaryContact() *Contact {
	for i := range dc.Contacts {
		if dc.Contacts[i].Email != "" {
			return &dc.Contacts[i]
		}
	}
	return nil
}

// Properties flattens the context into CRM property values keyed by
// property name. Empty values are omitted.
func (dc *DealContext) Properties() map[string]string {
	props := map[string]string{}
	set := func(key, val string) {
		if strings.TrimSpace(val) != "" {
			props[key] = val
		}
	}
	if dc.Company != nil {
		set("name", dc.Company.Name)
		set("city", strings.Trim(dc.Company.City+", "+dc.Company.State, ", "))
		set("numberofemployees", dc.Company.EmployeeCount)
		set("domain", dc.Company.Domain)
		set("industry", dc.Company.Industry)
	}
	if pc := dc.PrimaryContact(); pc != nil {
		set("main_contact_name", strings.TrimSpace(pc.FirstName+" "+pc.LastName))
		set("main_contact_email", pc.Email)
		set("main_contact_phone", pc.Phone)
	}
	set("deal_owner", dc.DealOwner)
	set("closedate", dc.Deal.CloseDate)
	return props
}

// NotesText joins note bodies into one source document, newest first.
func (dc *DealContext) NotesText() string {
	if len(dc.Notes) == 0 {
		return ""
	}
	parts := make([]string, 0, len(dc.Notes))
	for _, n := range dc.Notes {
		ts := n.Timestamp
		if ts == "" {
			ts = "N/A"
		}
		parts = append(parts, fmt.Sprintf("[%s]\n%s", ts, n.Body))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRetry overrides the default retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) { c.retry = cfg }
}

// WithBreaker overrides the default circuit breaker thresholds.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *httpClient) {
		if cfg.ShouldTrip == nil {
			cfg.ShouldTrip = resilience.IsTransient
		}
		c.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client

	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker

	stagesOnce sync.Once
	stages     map[string]string
	stagesErr  error
}

// NewClient creates a HubSpot client authenticated with a private app token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			ShouldTrip: resilience.IsTransient,
		}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do performs one JSON request under the breaker and retry policy and
// decodes the response into out.
func (c *httpClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "hubspot: marshal request")
		}
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
			u := c.baseURL + path
			if len(query) > 0 {
				u += "?" + query.Encode()
			}
			var reader io.Reader
			if payload != nil {
				reader = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, u, reader)
			if err != nil {
				return eris.Wrap(err, "hubspot: create request")
			}
			req.Header.Set("Authorization", "Bearer "+c.token)
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return eris.Wrap(err, "hubspot: send request")
			}
			defer resp.Body.Close()

			respBody, err := io.ReadAll(resp.Body)
			if err != nil {
				return eris.Wrap(err, "hubspot: read response")
			}
			if resp.StatusCode != http.StatusOK {
				err := eris.Errorf("hubspot: %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
				if resilience.IsTransientHTTPStatus(resp.StatusCode) {
					return resilience.NewTransientError(err, resp.StatusCode)
				}
				return err
			}
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return eris.Wrap(err, "hubspot: unmarshal response")
			}
			return nil
		})
	})
}

type searchResponse struct {
	Results []objectResult `json:"results"`
}

type objectResult struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type associationsResponse struct {
	Results []struct {
		ToObjectID json.Number `json:"toObjectId"`
	} `json:"results"`
}

// stageLabels fetches and caches the stage ID to display label mapping
// across all deal pipelines.
func (c *httpClient) stageLabels(ctx context.Context) map[string]string {
	c.stagesOnce.Do(func() {
		var resp struct {
			Results []struct {
				Stages []struct {
					ID    string `json:"id"`
					Label string `json:"label"`
				} `json:"stages"`
			} `json:"results"`
		}
		c.stagesErr = c.do(ctx, http.MethodGet, "/crm/v3/pipelines/deals", nil, nil, &resp)
		c.stages = map[string]string{}
		for _, p := range resp.Results {
			for _, s := range p.Stages {
				c.stages[s.ID] = s.Label
			}
		}
	})
	return c.stages
}

func (c *httpClient) SearchDeals(ctx context.Context, query string, limit int) ([]Deal, error) {
	if limit <= 0 {
		limit = 10
	}
	body := map[string]any{
		"query":      query,
		"limit":      limit,
		"properties": []string{"dealname", "dealstage", "amount", "closedate", "pipeline"},
		"filterGroups": []map[string]any{{
			"filters": []map[string]string{
				{"propertyName": "pipeline", "operator": "EQ", "value": "default"},
				{"propertyName": "dealstage", "operator": "NEQ", "value": excludedStageA},
				{"propertyName": "dealstage", "operator": "NEQ", "value": excludedStageB},
			},
		}},
	}
	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/deals/search", nil, body, &resp); err != nil {
		return nil, err
	}

	labels := c.stageLabels(ctx)
	deals := make([]Deal, 0, len(resp.Results))
	for _, r := range resp.Results {
		stageID := r.Properties["dealstage"]
		stage := stageID
		if label, ok := labels[stageID]; ok {
			stage = label
		}
		deals = append(deals, Deal{
			ID:        r.ID,
			Name:      r.Properties["dealname"],
			Stage:     stage,
			Amount:    r.Properties["amount"],
			CloseDate: r.Properties["closedate"],
		})
	}
	return deals, nil
}

func (c *httpClient) associations(ctx context.Context, fromObject, id, toObject string) ([]string, error) {
	var resp associationsResponse
	path := fmt.Sprintf("/crm/v4/objects/%s/%s/associations/%s", fromObject, id, toObject)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		ids = append(ids, r.ToObjectID.String())
	}
	return ids, nil
}

func (c *httpClient) getCompany(ctx context.Context, companyID string) (*Company, error) {
	q := url.Values{"properties": {"name,domain,city,state,industry,numberofemployees"}}
	var resp objectResult
	if err := c.do(ctx, http.MethodGet, "/crm/v3/objects/companies/"+companyID, q, nil, &resp); err != nil {
		return nil, err
	}
	return &Company{
		ID:            companyID,
		Name:          resp.Properties["name"],
		Domain:        resp.Properties["domain"],
		City:          resp.Properties["city"],
		State:         resp.Properties["state"],
		Industry:      resp.Properties["industry"],
		EmployeeCount: resp.Properties["numberofemployees"],
	}, nil
}

func (c *httpClient) getCompanyContacts(ctx context.Context, companyID string) ([]Contact, error) {
	ids, err := c.associations(ctx, "companies", companyID, "contacts")
	if err != nil {
		return nil, err
	}

	contacts := make([]Contact, 0, len(ids))
	for _, id := range ids {
		q := url.Values{"properties": {"firstname,lastname,email,phone,jobtitle"}}
		var resp objectResult
		if err := c.do(ctx, http.MethodGet, "/crm/v3/objects/contacts/"+id, q, nil, &resp); err != nil {
			// One missing contact never blocks the rest.
			continue
		}
		contacts = append(contacts, Contact{
			ID:        id,
			FirstName: resp.Properties["firstname"],
			LastName:  resp.Properties["lastname"],
			Email:     resp.Properties["email"],
			Phone:     resp.Properties["phone"],
			JobTitle:  resp.Properties["jobtitle"],
		})
	}
	return contacts, nil
}

// getCompanyNotes returns manually written notes on the company.
// Meeting recaps pushed by recording bots are excluded.
func (c *httpClient) getCompanyNotes(ctx context.Context, companyID string) ([]Note, error) {
	body := map[string]any{
		"filterGroups": []map[string]any{{
			"filters": []map[string]string{
				{"propertyName": "associations.company", "operator": "EQ", "value": companyID},
			},
		}},
		"properties": []string{"hs_note_body", "hs_timestamp", "hs_lastmodifieddate"},
		"limit":      50,
		"sorts":      []map[string]string{{"propertyName": "hs_timestamp", "direction": "DESCENDING"}},
	}
	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, "/crm/v3/objects/notes/search", nil, body, &resp); err != nil {
		// The notes API requires an opt-in scope; treat failure as no notes.
		return nil, nil
	}

	var notes []Note
	for _, r := range resp.Results {
		noteBody := r.Properties["hs_note_body"]
		if noteBody == "" || isBotRecap(noteBody) {
			continue
		}
		notes = append(notes, Note{Body: noteBody, Timestamp: r.Properties["hs_timestamp"]})
	}
	return notes, nil
}

func isBotRecap(body string) bool {
	return strings.Contains(body, "Sent by Fireflies.ai") ||
		strings.Contains(body, "<b>Title</b>:") ||
		strings.Contains(body, "<strong>Title</strong>:") ||
		strings.Contains(body, "<h3>")
}

func (c *httpClient) getOwnerName(ctx context.Context, ownerID string) string {
	var resp struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := c.do(ctx, http.MethodGet, "/crm/v3/owners/"+ownerID, nil, nil, &resp); err != nil {
		return ""
	}
	return strings.TrimSpace(resp.FirstName + " " + resp.LastName)
}

func (c *httpClient) getDeal(ctx context.Context, dealID string) (Deal, string, error) {
	q := url.Values{"properties": {"dealname,dealstage,amount,closedate,hubspot_owner_id"}}
	var resp objectResult
	if err := c.do(ctx, http.MethodGet, "/crm/v3/objects/deals/"+dealID, q, nil, &resp); err != nil {
		return Deal{}, "", err
	}
	deal := Deal{
		ID:        dealID,
		Name:      resp.Properties["dealname"],
		Stage:     resp.Properties["dealstage"],
		Amount:    resp.Properties["amount"],
		CloseDate: resp.Properties["closedate"],
	}
	return deal, resp.Properties["hubspot_owner_id"], nil
}

// GetDealContext pulls the company, contacts, notes, and owner for a
// deal. The per-object fetches run concurrently.
func (c *httpClient) GetDealContext(ctx context.Context, dealID string) (*DealContext, error) {
	companyIDs, err := c.associations(ctx, "deals", dealID, "companies")
	if err != nil {
		return nil, eris.Wrapf(err, "hubspot: deal %s associations", dealID)
	}
	if len(companyIDs) == 0 {
		return nil, eris.Errorf("hubspot: no company associated with deal %s", dealID)
	}
	companyID := companyIDs[0]

	dc := &DealContext{}
	var ownerID string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		company, err := c.getCompany(gctx, companyID)
		if err != nil {
			return eris.Wrapf(err, "hubspot: company %s", companyID)
		}
		dc.Company = company
		return nil
	})
	g.Go(func() error {
		contacts, err := c.getCompanyContacts(gctx, companyID)
		if err != nil {
			return eris.Wrapf(err, "hubspot: contacts for company %s", companyID)
		}
		dc.Contacts = contacts
		return nil
	})
	g.Go(func() error {
		notes, err := c.getCompanyNotes(gctx, companyID)
		if err != nil {
			return err
		}
		dc.Notes = notes
		return nil
	})
	g.Go(func() error {
		deal, owner, err := c.getDeal(gctx, dealID)
		if err != nil {
			return eris.Wrapf(err, "hubspot: deal %s", dealID)
		}
		dc.Deal = deal
		ownerID = owner
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if ownerID != "" {
		dc.DealOwner = c.getOwnerName(ctx, ownerID)
	}
	return dc, nil
}
