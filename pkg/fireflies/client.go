// Package fireflies is a client for the Fireflies.ai GraphQL API:
// transcript search by participant and full-transcript retrieval.
package fireflies

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/bellwether-tech/rfi-cli/internal/resilience"
)

const defaultEndpoint = "https://api.fireflies.ai/graphql"

// Client is the transcript provider surface the extraction workflow uses.
type Client interface {
	SearchForDomain(ctx context.Context, domain string, contactEmails []string, limit int) ([]TranscriptSummary, error)
	GetTranscript(ctx context.Context, transcriptID string) (*Transcript, error)
}

// TranscriptSummary is a lightweight listing entry.
type TranscriptSummary struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Date         string   `json:"date"`
	Duration     float64  `json:"duration"`
	Participants []string `json:"participants"`
	Speakers     []string `json:"speakers"`
	Summary      string   `json:"summary,omitempty"`
}

// EstimatedWordCount assumes roughly 150 spoken words per minute.
func (s TranscriptSummary) EstimatedWordCount() int {
	return int(s.Duration * 150)
}

// Sentence is one utterance in a transcript.
type Sentence struct {
	Speaker   string  `json:"speaker_name"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
}

// Transcript is a full meeting transcript.
type Transcript struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Date      string     `json:"date"`
	Speakers  []string   `json:"speakers"`
	Sentences []Sentence `json:"sentences"`
	Summary   string     `json:"summary,omitempty"`
}

// Text renders the transcript as speaker-turn blocks. Consecutive
// sentences by the same speaker collapse into one turn.
func (t *Transcript) Text() string {
	var turns []string
	var speaker string
	var block []string
	flush := func() {
		if speaker != "" && len(block) > 0 {
			turns = append(turns, "**"+speaker+"**: "+strings.Join(block, " "))
		}
	}
	for _, s := range t.Sentences {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		who := s.Speaker
		if who == "" {
			who = "Unknown"
		}
		if who != speaker {
			flush()
			speaker = who
			block = block[:0]
		}
		block = append(block, text)
	}
	flush()
	return strings.Join(turns, "\n\n")
}

// WordCount counts spoken words across all sentences.
func (t *Transcript) WordCount() int {
	n := 0
	for _, s := range t.Sentences {
		n += len(strings.Fields(s.Text))
	}
	return n
}

// Option configures the client.
type Option func(*gqlClient)

// WithEndpoint overrides the default GraphQL endpoint.
func WithEndpoint(u string) Option {
	return func(c *gqlClient) { c.endpoint = u }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *gqlClient) { c.http = hc }
}

// WithRetry overrides the default retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *gqlClient) { c.retry = cfg }
}

// WithBreaker overrides the default circuit breaker thresholds.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *gqlClient) {
		if cfg.ShouldTrip == nil {
			cfg.ShouldTrip = resilience.IsTransient
		}
		c.breaker = resilience.NewCircuitBreaker(cfg)
	}
}

type gqlClient struct {
	apiKey   string
	endpoint string
	http     *http.Client
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
}

// NewClient creates a Fireflies API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &gqlClient{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
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

func (c *gqlClient) query(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return eris.Wrap(err, "fireflies: marshal query")
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
			if err != nil {
				return eris.Wrap(err, "fireflies: create request")
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+c.apiKey)

			resp, err := c.http.Do(req)
			if err != nil {
				return eris.Wrap(err, "fireflies: send request")
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return eris.Wrap(err, "fireflies: read response")
			}
			if resp.StatusCode != http.StatusOK {
				err := eris.Errorf("fireflies: status %d: %s", resp.StatusCode, string(body))
				if resilience.IsTransientHTTPStatus(resp.StatusCode) {
					return resilience.NewTransientError(err, resp.StatusCode)
				}
				return err
			}

			var envelope struct {
				Data   json.RawMessage `json:"data"`
				Errors []struct {
					Message string `json:"message"`
				} `json:"errors"`
			}
			if err := json.Unmarshal(body, &envelope); err != nil {
				return eris.Wrap(err, "fireflies: unmarshal response")
			}
			if len(envelope.Errors) > 0 {
				return eris.Errorf("fireflies: graphql error: %s", envelope.Errors[0].Message)
			}
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return eris.Wrap(err, "fireflies: unmarshal data")
			}
			return nil
		})
	})
}

type rawSummary struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Date         string   `json:"dateString"`
	Duration     float64  `json:"duration"`
	Participants []string `json:"participants"`
	Speakers     []struct {
		Name string `json:"name"`
	} `json:"speakers"`
	Summary *struct {
		ShorthandBullet string `json:"shorthand_bullet"`
	} `json:"summary"`
}

func (r rawSummary) toSummary() TranscriptSummary {
	s := TranscriptSummary{
		ID:           r.ID,
		Title:        r.Title,
		Date:         r.Date,
		Duration:     r.Duration,
		Participants: r.Participants,
	}
	for _, sp := range r.Speakers {
		s.Speakers = append(s.Speakers, sp.Name)
	}
	if r.Summary != nil {
		s.Summary = r.Summary.ShorthandBullet
	}
	return s
}

const summaryFields = `
	id
	title
	dateString: date
	duration
	participants
	speakers {
		name
	}
	summary {
		shorthand_bullet
	}`

// searchByEmail lists transcripts where the given address participated.
func (c *gqlClient) searchByEmail(ctx context.Context, email string, limit int) ([]TranscriptSummary, error) {
	q := `query($email: String!, $limit: Int) {
	transcripts(participant_email: $email, limit: $limit) {` + summaryFields + `
	}
}`
	var data struct {
		Transcripts []rawSummary `json:"transcripts"`
	}
	if err := c.query(ctx, q, map[string]any{"email": email, "limit": limit}, &data); err != nil {
		return nil, err
	}
	out := make([]TranscriptSummary, 0, len(data.Transcripts))
	for _, r := range data.Transcripts {
		out = append(out, r.toSummary())
	}
	return out, nil
}

// searchByDomain lists recent transcripts and keeps those with a
// participant at the domain. The API has no native domain filter.
func (c *gqlClient) searchByDomain(ctx context.Context, domain string, limit int) ([]TranscriptSummary, error) {
	q := `query($limit: Int) {
	transcripts(limit: $limit) {` + summaryFields + `
	}
}`
	var data struct {
		Transcripts []rawSummary `json:"transcripts"`
	}
	if err := c.query(ctx, q, map[string]any{"limit": limit}, &data); err != nil {
		return nil, err
	}

	needle := strings.ToLower(domain)
	var out []TranscriptSummary
	for _, r := range data.Transcripts {
		for _, p := range r.Participants {
			if strings.Contains(strings.ToLower(p), needle) {
				out = append(out, r.toSummary())
				break
			}
		}
	}
	return out, nil
}

// SearchForDomain finds transcripts involving the client. Known contact
// emails are searched concurrently; a broad domain-filtered search is
// the fallback when none match.
func (c *gqlClient) SearchForDomain(ctx context.Context, domain string, contactEmails []string, limit int) ([]TranscriptSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	var summaries []TranscriptSummary
	if len(contactEmails) > 0 {
		results := make([][]TranscriptSummary, len(contactEmails))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(5)
		for i, email := range contactEmails {
			g.Go(func() error {
				found, err := c.searchByEmail(gctx, email, limit)
				if err != nil {
					// One bad address never sinks the search.
					return nil
				}
				results[i] = found
				return nil
			})
		}
		_ = g.Wait()

		seen := map[string]bool{}
		for _, batch := range results {
			for _, s := range batch {
				if !seen[s.ID] {
					seen[s.ID] = true
					summaries = append(summaries, s)
				}
			}
		}
	}

	if len(summaries) == 0 && domain != "" {
		return c.searchByDomain(ctx, domain, limit)
	}
	return summaries, nil
}

func (c *gqlClient) GetTranscript(ctx context.Context, transcriptID string) (*Transcript, error) {
	q := `query($id: String!) {
	transcript(id: $id) {
		id
		title
		date
		speakers {
			id
			name
		}
		sentences {
			speaker_name
			text
			start_time
		}
		summary {
			shorthand_bullet
		}
	}
}`
	var data struct {
		Transcript struct {
			ID       string `json:"id"`
			Title    string `json:"title"`
			Date     string `json:"date"`
			Speakers []struct {
				Name string `json:"name"`
			} `json:"speakers"`
			Sentences []Sentence `json:"sentences"`
			Summary   *struct {
				ShorthandBullet string `json:"shorthand_bullet"`
			} `json:"summary"`
		} `json:"transcript"`
	}
	if err := c.query(ctx, q, map[string]any{"id": transcriptID}, &data); err != nil {
		return nil, eris.Wrapf(err, "fireflies: transcript %s", transcriptID)
	}

	t := &Transcript{
		ID:        data.Transcript.ID,
		Title:     data.Transcript.Title,
		Date:      data.Transcript.Date,
		Sentences: data.Transcript.Sentences,
	}
	if t.ID == "" {
		t.ID = transcriptID
	}
	for _, sp := range data.Transcript.Speakers {
		t.Speakers = append(t.Speakers, sp.Name)
	}
	if data.Transcript.Summary != nil {
		t.Summary = data.Transcript.Summary.ShorthandBullet
	}
	return t, nil
}
