package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/prismgate/prism/runtime/provider"
)

// fastRetry keeps the backoff negligible so tests run in milliseconds.
func fastRetry(max int) provider.RetryConfig {
	return provider.RetryConfig{
		MaxRetries: max,
		BaseDelay:  time.Millisecond,
		MaxDelay:   4 * time.Millisecond,
	}
}

func drain(t *testing.T, s provider.ChunkStream) string {
	t.Helper()
	out, err := provider.ReadAll(context.Background(), s)
	require.NoError(t, err)
	return out
}

func TestExecuteFirstProviderSucceeds(t *testing.T) {
	ctx := context.Background()
	reg := provider.NewRegistry()
	a := &fakeText{name: "a"}
	b := &fakeText{name: "b"}
	reg.Register(ctx, a).Register(ctx, b)

	ex := provider.NewTextExecutor(reg, fastRetry(3))
	res, err := ex.Execute(ctx, provider.UserMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Service)
	assert.Equal(t, "a output", drain(t, res.Value))
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 0, b.calls)
}

func TestExecuteFailsOverToNextProvider(t *testing.T) {
	ctx := context.Background()
	reg := provider.NewRegistry()
	a := &fakeText{name: "a", errs: []error{errors.New("rate limit exceeded")}}
	b := &fakeText{name: "b"}
	reg.Register(ctx, a).Register(ctx, b)

	ex := provider.NewTextExecutor(reg, fastRetry(3))
	res, err := ex.Execute(ctx, provider.UserMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Service)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestExecuteFatalErrorShortCircuits(t *testing.T) {
	ctx := context.Background()
	reg := provider.NewRegistry()
	a := &fakeText{name: "a", errs: []error{errors.New("invalid api key")}}
	b := &fakeText{name: "b"}
	reg.Register(ctx, a).Register(ctx, b)

	ex := provider.NewTextExecutor(reg, fastRetry(3))
	_, err := ex.Execute(ctx, provider.UserMessage("hi"))
	require.Error(t, err)
	ce, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.CodeAuthFailed, ce.Code)
	assert.Equal(t, "a", ce.Service)
	assert.Equal(t, 0, b.calls, "fatal classification must not fall back")
}

func TestExecuteExhaustionSynthesizesServiceError(t *testing.T) {
	ctx := context.Background()
	reg := provider.NewRegistry()
	a := &fakeText{name: "a", errs: []error{errors.New("rate limit"), errors.New("rate limit")}}
	b := &fakeText{name: "b", errs: []error{errors.New("timeout"), errors.New("timeout")}}
	reg.Register(ctx, a).Register(ctx, b)

	ex := provider.NewTextExecutor(reg, fastRetry(2))
	_, err := ex.Execute(ctx, provider.UserMessage("hi"))
	require.Error(t, err)
	ce, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.CodeServiceError, ce.Code)
	assert.Equal(t, "a,b", ce.Service)
	assert.Contains(t, ce.Message, "all providers failed")
	// Exactly MaxRetries invocations, spread over the rotation.
	assert.Equal(t, 2, a.calls+b.calls)
}

func TestExecuteStartsAtSharedCursor(t *testing.T) {
	// The executor picks through the registry cursor, so calls outside the
	// executor (for example single-call endpoints) shift where failover starts.
	ctx := context.Background()
	reg := provider.NewRegistry()
	a := &fakeText{name: "a", errs: []error{errors.New("service unavailable")}}
	b := &fakeText{name: "b"}
	c := &fakeText{name: "c"}
	reg.Register(ctx, a).Register(ctx, b).Register(ctx, c)

	p, err := reg.Next(provider.CategoryText)
	require.NoError(t, err)
	require.Equal(t, "a", p.Name())
	p, err = reg.Next(provider.CategoryText)
	require.NoError(t, err)
	require.Equal(t, "b", p.Name())

	ex := provider.NewTextExecutor(reg, fastRetry(2))
	res, err := ex.Execute(ctx, provider.UserMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, "c", res.Service)
	assert.Equal(t, 0, a.calls)
}

func TestExecuteSingleProviderRetries(t *testing.T) {
	ctx := context.Background()
	reg := provider.NewRegistry()
	a := &fakeText{name: "a", errs: []error{errors.New("rate limited"), nil}}
	reg.Register(ctx, a)

	ex := provider.NewTextExecutor(reg, fastRetry(3))
	res, err := ex.Execute(ctx, provider.UserMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Service)
	assert.Equal(t, 2, a.calls, "a single provider is retried once every provider has been tried")
}

func TestExecuteEmptyCategory(t *testing.T) {
	reg := provider.NewRegistry()
	ex := provider.NewTextExecutor(reg, fastRetry(3))
	_, err := ex.Execute(context.Background(), provider.UserMessage("hi"))
	require.Error(t, err)
	ce, ok := provider.AsError(err)
	require.True(t, ok)
	assert.Equal(t, provider.CodeServiceError, ce.Code)
	assert.Empty(t, ce.Service)
}

func TestExecuteContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := provider.NewRegistry()
	a := &fakeText{name: "a", errs: []error{errors.New("rate limited"), errors.New("rate limited")}}
	reg.Register(context.Background(), a)

	ex := provider.NewTextExecutor(reg, provider.RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Hour,
		MaxDelay:   time.Hour,
	})
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := ex.Execute(ctx, provider.UserMessage("hi"))
	require.Error(t, err)
	assert.Equal(t, 1, a.calls)
}

func TestExecuteImageCategory(t *testing.T) {
	ctx := context.Background()
	reg := provider.NewRegistry()
	reg.Register(ctx, &fakeImage{name: "painter"})

	ex := provider.NewImageExecutor(reg, fastRetry(3))
	res, err := ex.Execute(ctx, provider.ImageInput{Prompt: "a lighthouse"})
	require.NoError(t, err)
	assert.Equal(t, "painter", res.Service)
	require.Len(t, res.Value.URLs, 1)
}

func TestExecuteWithLimiter(t *testing.T) {
	ctx := context.Background()
	reg := provider.NewRegistry()
	a := &fakeText{name: "a"}
	reg.Register(ctx, a)

	// A generous limiter must not get in the way of a single call.
	ex := provider.NewTextExecutor(reg, fastRetry(3),
		provider.WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	res, err := ex.Execute(ctx, provider.UserMessage("hi"))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Service)
}

func TestExecuteRotationSharedAcrossCalls(t *testing.T) {
	ctx := context.Background()
	reg := provider.NewRegistry()
	a := &fakeText{name: "a"}
	b := &fakeText{name: "b"}
	reg.Register(ctx, a).Register(ctx, b)

	ex := provider.NewTextExecutor(reg, fastRetry(3))
	var served []string
	for i := 0; i < 4; i++ {
		res, err := ex.Execute(ctx, provider.UserMessage("hi"))
		require.NoError(t, err)
		served = append(served, res.Service)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, served)
}
