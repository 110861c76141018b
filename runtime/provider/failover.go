package provider

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// RetryConfig bounds the failover loop. The same config applies to every
// category.
type RetryConfig struct {
	// MaxRetries is the maximum number of provider invocations per execute
	// call. Skipped rotation slots do not consume an invocation.
	MaxRetries int
	// BaseDelay is the backoff before the second invocation; doubled each
	// subsequent invocation.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultRetryConfig returns the retry configuration used when none is
// supplied.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
	}
}

// Result pairs an operation result with the provider that produced it.
type Result[O any] struct {
	// Value is the operation result.
	Value O
	// Service is the name of the provider that succeeded.
	Service string
}

// Executor runs one logical operation against a category, cycling providers
// through the registry's shared rotation cursor, backing off exponentially
// on retryable failures and surfacing fatal classifications immediately.
// One executor value exists per category; executors are cheap and safe for
// concurrent use.
type Executor[I, O any] struct {
	reg      *Registry
	category Category
	cfg      RetryConfig
	limiter  *rate.Limiter
	invoke   func(ctx context.Context, p Provider, in I) (O, error)
}

// ExecutorOption configures an executor at construction.
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	limiter *rate.Limiter
}

// WithLimiter installs a process-local rate limiter that the executor waits
// on before every provider invocation. Use it to keep a burst of workflow
// steps under a provider budget.
func WithLimiter(l *rate.Limiter) ExecutorOption {
	return func(o *executorOptions) { o.limiter = l }
}

func newExecutor[I, O any](reg *Registry, category Category, cfg RetryConfig, invoke func(context.Context, Provider, I) (O, error), opts []ExecutorOption) *Executor[I, O] {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultRetryConfig()
	}
	var o executorOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Executor[I, O]{
		reg:      reg,
		category: category,
		cfg:      cfg,
		limiter:  o.limiter,
		invoke:   invoke,
	}
}

// NewTextExecutor builds the failover executor for the text category.
func NewTextExecutor(reg *Registry, cfg RetryConfig, opts ...ExecutorOption) *Executor[[]ChatMessage, ChunkStream] {
	return newExecutor(reg, CategoryText, cfg, func(ctx context.Context, p Provider, in []ChatMessage) (ChunkStream, error) {
		tp, ok := p.(TextProvider)
		if !ok {
			return nil, NewError(CodeServiceError, p.Name(), "provider does not serve text")
		}
		return tp.Stream(ctx, in)
	}, opts)
}

// NewVisionExecutor builds the failover executor for the vision category.
func NewVisionExecutor(reg *Registry, cfg RetryConfig, opts ...ExecutorOption) *Executor[[]ChatMessage, ChunkStream] {
	return newExecutor(reg, CategoryVision, cfg, func(ctx context.Context, p Provider, in []ChatMessage) (ChunkStream, error) {
		vp, ok := p.(VisionProvider)
		if !ok {
			return nil, NewError(CodeServiceError, p.Name(), "provider does not serve vision")
		}
		return vp.Stream(ctx, in)
	}, opts)
}

// NewImageExecutor builds the failover executor for the image category.
func NewImageExecutor(reg *Registry, cfg RetryConfig, opts ...ExecutorOption) *Executor[ImageInput, *ImageResult] {
	return newExecutor(reg, CategoryImage, cfg, func(ctx context.Context, p Provider, in ImageInput) (*ImageResult, error) {
		ip, ok := p.(ImageProvider)
		if !ok {
			return nil, NewError(CodeServiceError, p.Name(), "provider does not serve image")
		}
		return ip.Generate(ctx, in)
	}, opts)
}

// NewVideoExecutor builds the failover executor for the video category.
func NewVideoExecutor(reg *Registry, cfg RetryConfig, opts ...ExecutorOption) *Executor[VideoInput, *VideoResult] {
	return newExecutor(reg, CategoryVideo, cfg, func(ctx context.Context, p Provider, in VideoInput) (*VideoResult, error) {
		vp, ok := p.(VideoProvider)
		if !ok {
			return nil, NewError(CodeServiceError, p.Name(), "provider does not serve video")
		}
		return vp.Generate(ctx, in)
	}, opts)
}

// NewAudioExecutor builds the failover executor for the audio category.
func NewAudioExecutor(reg *Registry, cfg RetryConfig, opts ...ExecutorOption) *Executor[AudioInput, *AudioResult] {
	return newExecutor(reg, CategoryAudio, cfg, func(ctx context.Context, p Provider, in AudioInput) (*AudioResult, error) {
		ap, ok := p.(AudioProvider)
		if !ok {
			return nil, NewError(CodeServiceError, p.Name(), "provider does not serve audio")
		}
		return ap.Synthesize(ctx, in)
	}, opts)
}

// NewEmbeddingExecutor builds the failover executor for the embedding
// category.
func NewEmbeddingExecutor(reg *Registry, cfg RetryConfig, opts ...ExecutorOption) *Executor[EmbeddingInput, *EmbeddingResult] {
	return newExecutor(reg, CategoryEmbedding, cfg, func(ctx context.Context, p Provider, in EmbeddingInput) (*EmbeddingResult, error) {
		ep, ok := p.(EmbeddingProvider)
		if !ok {
			return nil, NewError(CodeServiceError, p.Name(), "provider does not serve embedding")
		}
		return ep.Embed(ctx, in)
	}, opts)
}

// Execute runs the operation against the category, cycling providers until
// one succeeds, a fatal classification surfaces, or MaxRetries invocations
// are exhausted.
//
// The rotation cursor lives in the registry and advances on every pick, so
// successive Execute calls spread load across providers. A provider already
// attempted in this call is skipped — without consuming an invocation — as
// long as an untried provider remains; once every provider has been tried
// the executor retries previously failed ones (a single-provider category
// still benefits from retries on RATE_LIMITED or TIMEOUT).
func (e *Executor[I, O]) Execute(ctx context.Context, in I) (Result[O], error) {
	var zero Result[O]
	total := len(e.reg.All(e.category))
	if total == 0 {
		return zero, NewError(CodeServiceError, "", fmt.Sprintf("no providers registered for category %q", e.category))
	}

	attempted := make(map[string]bool, total)
	order := make([]string, 0, total)
	var last *Error
	for attempt := 0; attempt < e.cfg.MaxRetries; {
		p, err := e.reg.Next(e.category)
		if err != nil {
			return zero, err
		}
		if attempted[p.Name()] && len(attempted) < total {
			// Another provider is still untried: advance the rotation without
			// consuming an invocation.
			continue
		}
		if !attempted[p.Name()] {
			order = append(order, p.Name())
		}
		attempted[p.Name()] = true

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return zero, Classify(err, p.Name())
			}
		}
		out, err := e.invoke(ctx, p, in)
		if err == nil {
			return Result[O]{Value: out, Service: p.Name()}, nil
		}
		ce := Classify(err, p.Name())
		if ce.Service == "" {
			ce.Service = p.Name()
		}
		last = ce
		if !ce.Retryable() {
			return zero, ce
		}
		if ctx.Err() != nil {
			// The operation context is dead: further attempts cannot succeed,
			// surface the last classification (typically TIMEOUT) directly.
			return zero, ce
		}

		attempt++
		if attempt < e.cfg.MaxRetries {
			if err := sleep(ctx, backoff(e.cfg, attempt-1)); err != nil {
				return zero, Classify(err, p.Name())
			}
		}
	}

	exhausted := NewError(CodeServiceError, strings.Join(order, ","),
		fmt.Sprintf("all providers failed for category %q after %d attempts", e.category, e.cfg.MaxRetries))
	exhausted.cause = last
	return zero, exhausted
}

// backoff computes min(BaseDelay · 2^attempt, MaxDelay) for a 0-based
// attempt index.
func backoff(cfg RetryConfig, attempt int) time.Duration {
	d := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	return time.Duration(d)
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
