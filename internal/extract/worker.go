// Package extract turns planned jobs into answer candidates by calling
// the model under a bounded worker pool. Individual job failures degrade
// to missing candidates; a run-level error surfaces only when every job
// fails.
package extract

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bellwether-tech/rfi-cli/internal/model"
	"github.com/bellwether-tech/rfi-cli/internal/plan"
	"github.com/bellwether-tech/rfi-cli/internal/resilience"
	"github.com/bellwether-tech/rfi-cli/pkg/anthropic"
)

const (
	// DefaultConcurrency caps simultaneous CreateMessage calls.
	DefaultConcurrency = 4

	// DefaultJobTimeout bounds one extraction call including retries.
	DefaultJobTimeout = 4 * time.Minute

	// defaultMaxTokens leaves headroom for the largest category's answer
	// array without inviting rambling.
	defaultMaxTokens = 4096
)

// Options configures a Pool.
type Options struct {
	Model       string
	MaxTokens   int64
	Concurrency int
	JobTimeout  time.Duration

	// RequestsPerMinute throttles dispatch ahead of the provider's rate
	// limit. Zero disables client-side throttling.
	RequestsPerMinute int
}

// Pool executes extraction jobs against the model.
type Pool struct {
	client  anthropic.Client
	opts    Options
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewPool creates a Pool with defaults applied for zero option values.
func NewPool(client anthropic.Client, opts Options) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}

	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 1)
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = 4
	retry.InitialBackoff = 2 * time.Second
	retry.ShouldRetry = retryable
	retry.OnRetry = resilience.RetryLogger("anthropic", "extract")

	return &Pool{client: client, opts: opts, limiter: limiter, retry: retry}
}

// Run executes all jobs and returns their candidates in job order.
// Failed jobs contribute missing candidates annotated with the failure;
// the returned error is non-nil only when every job failed.
func (p *Pool) Run(ctx context.Context, jobs []plan.Job) ([]model.CandidateAnswer, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	if len(jobs) > 1 {
		p.warmCache(ctx)
	}

	results := make([][]model.CandidateAnswer, len(jobs))
	var mu sync.Mutex
	failures := 0
	var firstErr error

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for i, job := range jobs {
		g.Go(func() error {
			candidates, err := p.runJob(gCtx, job)
			if err != nil {
				zap.L().Warn("extract: job failed",
					zap.Int("job", job.ID),
					zap.String("label", job.Label()),
					zap.Error(err),
				)
				candidates = failedCandidates(job, err)
				mu.Lock()
				failures++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			results[i] = candidates
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "extract: pool")
	}
	if ctx.Err() != nil {
		return nil, eris.Wrap(ctx.Err(), "extract: pool")
	}

	if failures == len(jobs) {
		return nil, eris.Wrap(firstErr, fmt.Sprintf("extract: all %d jobs failed", len(jobs)))
	}
	if failures > 0 {
		zap.L().Warn("extract: partial failure",
			zap.Int("failed", failures),
			zap.Int("total", len(jobs)),
		)
	}

	var out []model.CandidateAnswer
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// RunField executes an intensified single-field pass over the chunks
// and returns the candidates from every job, best effort. hint is
// optional caller guidance carried into the prompt.
func (p *Pool) RunField(ctx context.Context, jobs []plan.Job, field *model.FieldDef, hint string) ([]model.CandidateAnswer, error) {
	if field == nil {
		return nil, eris.New("extract: nil field")
	}
	var out []model.CandidateAnswer
	failures := 0
	var firstErr error
	for _, job := range jobs {
		prompt := RenderRetry(job.Chunks, field, hint)
		resp, err := p.call(ctx, job, prompt)
		if err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, ParseCandidates(resp.Text(), chunksLabel(job.Chunks), job.ID, []*model.FieldDef{field})...)
	}
	if len(jobs) > 0 && failures == len(jobs) {
		return nil, eris.Wrap(firstErr, "extract: field retry failed")
	}
	return out, nil
}

// warmCache writes the shared system prefix into the prompt cache with
// one small call before a concurrent burst, so the jobs read the cached
// prefix instead of racing to create it. Best effort.
func (p *Pool) warmCache(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
	}
	resp, err := anthropic.PrimerRequest(ctx, p.client, anthropic.MessageRequest{
		Model:     p.opts.Model,
		MaxTokens: 1,
		System:    SystemBlocks(),
		Messages:  []anthropic.Message{{Role: "user", Content: "Reply with OK."}},
	})
	if err != nil {
		zap.L().Debug("extract: cache primer failed", zap.Error(err))
		return
	}
	resp.Usage.LogCost(p.opts.Model, "primer")
}

func (p *Pool) runJob(ctx context.Context, job plan.Job) ([]model.CandidateAnswer, error) {
	resp, err := p.call(ctx, job, RenderJob(job))
	if err != nil {
		return nil, err
	}
	if resp.Truncated() {
		zap.L().Warn("extract: response hit token ceiling",
			zap.Int("job", job.ID),
			zap.String("label", job.Label()),
		)
	}
	return ParseCandidates(resp.Text(), chunksLabel(job.Chunks), job.ID, job.Fields), nil
}

func (p *Pool) call(ctx context.Context, job plan.Job, prompt string) (*anthropic.MessageResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "extract: rate limit wait")
		}
	}

	start := time.Now()
	resp, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return p.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     p.opts.Model,
			MaxTokens: p.opts.MaxTokens,
			System:    SystemBlocks(),
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
	})
	if err != nil {
		if p.limiter != nil && anthropic.IsRateLimited(err) {
			// Provider said slow down; forfeit the next dispatch slot.
			p.limiter.Reserve()
		}
		return nil, err
	}

	resp.Usage.LogCost(p.opts.Model, "extract")
	zap.L().Debug("extract: job complete",
		zap.Int("job", job.ID),
		zap.String("label", job.Label()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}

// failedCandidates marks every field of a failed job missing, carrying
// the failure so callers can distinguish "not in material" from "call
// never succeeded".
func failedCandidates(job plan.Job, err error) []model.CandidateAnswer {
	out := make([]model.CandidateAnswer, len(job.Fields))
	for i, f := range job.Fields {
		out[i] = model.CandidateAnswer{
			FieldKey:   f.Key,
			Confidence: model.ConfidenceMissing,
			Source:     chunksLabel(job.Chunks),
			JobID:      job.ID,
			Error:      eris.ToString(err, false),
		}
	}
	return out
}

// retryable treats provider rate limits and server errors as transient
// on top of the standard network checks.
func retryable(err error) bool {
	if resilience.IsTransient(err) || anthropic.IsRateLimited(err) || anthropic.IsRetryableStatus(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "overloaded")
}
