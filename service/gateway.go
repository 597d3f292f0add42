package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Yazington/aprv-ai-backend/config"
	"github.com/Yazington/aprv-ai-backend/model"
	"github.com/Yazington/aprv-ai-backend/pkg/logger"
)

// Gateway is the bounded-concurrency, retrying wrapper around the external
// model call. It is shared across all approval jobs: the provider enforces a
// concurrent-request ceiling and charges per call, so admission control
// lives here and nowhere else.
type Gateway struct {
	provider    Provider
	slots       chan struct{} // in-flight permits
	pending     atomic.Int64  // in-flight + queued
	maxPending  int64
	maxAttempts int
	timeout     time.Duration
	backoffBase time.Duration
}

func NewGateway(provider Provider, cfg *config.InferenceConfig) *Gateway {
	return &Gateway{
		provider:    provider,
		slots:       make(chan struct{}, cfg.MaxConcurrent),
		maxPending:  int64(cfg.MaxConcurrent + cfg.MaxQueueDepth),
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.RequestTimeout(),
		backoffBase: time.Second,
	}
}

// rawVerdict is the JSON structure the model is instructed to return.
type rawVerdict struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale"`
}

// Compare runs one comparison through the admission gate. Transient provider
// failures are retried with exponential backoff; output that stays malformed
// after one repair pass degrades to an inconclusive verdict instead of an
// error, so a single model hiccup never fails a page.
func (g *Gateway) Compare(ctx context.Context, req CompareRequest) (model.VerdictResult, error) {
	if err := g.acquire(ctx); err != nil {
		return model.VerdictResult{}, err
	}
	defer g.release()

	raw, err := g.callWithRetry(ctx, req)
	if err != nil {
		return model.VerdictResult{}, err
	}

	verdict, parseErr := parseVerdictResponse(raw)
	if parseErr == nil {
		return verdict, nil
	}

	// One repair pass: tell the model what was wrong with its output.
	logger.Warn(ctx, "malformed verdict, attempting repair", "error", parseErr)
	repair := req
	repair.Prompt = fmt.Sprintf(
		"Your previous response was not the required JSON object. The error was: %s\n\n"+
			"Respond with ONLY a JSON object of the form "+
			`{"decision": "approved"|"denied"|"inconclusive", "rationale": "..."}`+
			"\n\nYour previous response was:\n%s",
		parseErr.Error(), raw,
	)
	repaired, err := g.callWithRetry(ctx, repair)
	if err == nil {
		if verdict, parseErr = parseVerdictResponse(repaired); parseErr == nil {
			return verdict, nil
		}
	}

	logger.Warn(ctx, "verdict still malformed after repair, returning inconclusive", "error", parseErr)
	return model.VerdictResult{
		Verdict:   model.VerdictInconclusive,
		Rationale: "The model did not produce a usable verdict for this page.",
	}, nil
}

// acquire admits a call or fails fast. Admission capacity is the in-flight
// bound plus a bounded FIFO wait queue; anything beyond that is rejected
// with ErrBackpressure instead of buffering without limit.
func (g *Gateway) acquire(ctx context.Context) error {
	if g.pending.Add(1) > g.maxPending {
		g.pending.Add(-1)
		return ErrBackpressure
	}
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		g.pending.Add(-1)
		return ctx.Err()
	}
}

func (g *Gateway) release() {
	<-g.slots
	g.pending.Add(-1)
}

// callWithRetry performs the provider call under a hard per-attempt timeout,
// retrying transient failures with exponential backoff.
func (g *Gateway) callWithRetry(ctx context.Context, req CompareRequest) (string, error) {
	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := g.backoffBase << uint(attempt-1)
			// jitter avoids thundering retries against a rate-limited provider
			if half := int64(g.backoffBase / 2); half > 0 {
				backoff += time.Duration(rand.Int63n(half))
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		raw, err := g.provider.Compare(callCtx, req)
		cancel()
		if err == nil {
			return raw, nil
		}

		lastErr = err
		if !isTransient(err) {
			return "", err
		}
		// give up immediately if the parent context is already gone
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logger.Warn(ctx, "transient provider failure, will retry",
			"attempt", attempt+1, "max_attempts", g.maxAttempts, "error", err)
	}
	return "", fmt.Errorf("provider failed after %d attempts: %w", g.maxAttempts, lastErr)
}

// parseVerdictResponse decodes the model's structured output, tolerating
// markdown code fences around the JSON object.
func parseVerdictResponse(content string) (model.VerdictResult, error) {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 2 {
			start := 1
			end := len(lines)
			if strings.TrimSpace(lines[end-1]) == "```" {
				end--
			}
			content = strings.Join(lines[start:end], "\n")
		}
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return model.VerdictResult{}, fmt.Errorf("invalid JSON object: %w", err)
	}

	verdict, err := model.ParseVerdict(raw.Decision)
	if err != nil {
		return model.VerdictResult{}, err
	}
	return model.VerdictResult{Verdict: verdict, Rationale: raw.Rationale}, nil
}
