package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/clue/log"

	"github.com/prismgate/prism/gateway"
	"github.com/prismgate/prism/runtime/provider"
	"github.com/prismgate/prism/runtime/state/inmem"
	"github.com/prismgate/prism/runtime/workflow"
)

type textStub struct {
	name   string
	chunks []string
	err    error
}

func (s *textStub) Name() string                { return s.name }
func (s *textStub) Category() provider.Category { return provider.CategoryText }

func (s *textStub) Stream(context.Context, []provider.ChatMessage) (provider.ChunkStream, error) {
	if s.err != nil {
		return nil, s.err
	}
	return provider.NewSliceStream(s.chunks...), nil
}

type imageStub struct {
	name string
}

func (s *imageStub) Name() string                { return s.name }
func (s *imageStub) Category() provider.Category { return provider.CategoryImage }

func (s *imageStub) Generate(_ context.Context, in provider.ImageInput) (*provider.ImageResult, error) {
	return &provider.ImageResult{
		URLs:          []string{"https://img.test/" + in.Prompt},
		RevisedPrompt: "a painting of " + in.Prompt,
	}, nil
}

type embeddingStub struct {
	name string
}

func (s *embeddingStub) Name() string                { return s.name }
func (s *embeddingStub) Category() provider.Category { return provider.CategoryEmbedding }

func (s *embeddingStub) Embed(_ context.Context, in provider.EmbeddingInput) (*provider.EmbeddingResult, error) {
	vectors := make([][]float32, len(in.Texts))
	for i := range vectors {
		vectors[i] = []float32{0.1, 0.2}
	}
	return &provider.EmbeddingResult{Vectors: vectors, Model: "stub-embed"}, nil
}

func fastRetry() provider.RetryConfig {
	return provider.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

type testGateway struct {
	srv *httptest.Server
	wf  *workflow.Executor
	reg *provider.Registry
}

func newGateway(t *testing.T, apiKey string) *testGateway {
	t.Helper()
	ctx := log.Context(context.Background())
	reg := provider.NewRegistry()
	store := inmem.New()
	wf := workflow.New(ctx, reg, store, workflow.Config{
		MaxConcurrent: 2,
		StepTimeout:   time.Second,
		TotalTimeout:  5 * time.Second,
		Retry:         fastRetry(),
	})
	s := gateway.New(reg, wf, gateway.Options{APIKey: apiKey, Retry: fastRetry()})
	srv := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(srv.Close)
	return &testGateway{srv: srv, wf: wf, reg: reg}
}

func (g *testGateway) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(g.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func TestHealth(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &textStub{name: "alpha", chunks: []string{"ok"}})

	resp, err := http.Get(g.srv.URL + "/")
	require.NoError(t, err)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body["categories"], "text")
}

func TestAuthRejectsMissingToken(t *testing.T) {
	g := newGateway(t, "secret")
	g.reg.Register(context.Background(), &textStub{name: "alpha", chunks: []string{"ok"}})

	resp := g.post(t, "/text", `{"input":"hi"}`)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AIServiceError", body["name"])
	assert.Equal(t, "AUTH_FAILED", body["code"])
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	g := newGateway(t, "secret")
	g.reg.Register(context.Background(), &textStub{name: "alpha", chunks: []string{"ok"}})

	req, err := http.NewRequest(http.MethodPost, g.srv.URL+"/text", strings.NewReader(`{"input":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthSkipsAuth(t *testing.T) {
	g := newGateway(t, "secret")
	resp, err := http.Get(g.srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTextStreamsChunks(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &textStub{name: "alpha", chunks: []string{"hello ", "world"}})

	resp := g.post(t, "/text", `{"input":"hi"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alpha", resp.Header.Get("X-AI-Service"))
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: \"hello \"\n\ndata: \"world\"\n\n", string(raw))
}

func TestTextAcceptsMessages(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &textStub{name: "alpha", chunks: []string{"hi"}})

	resp := g.post(t, "/text", `{"messages":[{"role":"user","content":"hello"}]}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTextRejectsMalformedBody(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &textStub{name: "alpha", chunks: []string{"hi"}})

	resp := g.post(t, "/text", `{not json`)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestTextFailsOverBetweenProviders(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &textStub{name: "flaky", err: errors.New("rate limit exceeded")})
	g.reg.Register(context.Background(), &textStub{name: "steady", chunks: []string{"ok"}})

	resp := g.post(t, "/text", `{"input":"hi"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "steady", resp.Header.Get("X-AI-Service"))
}

func TestTextAuthFailureMapsTo401(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &textStub{name: "locked", err: errors.New("invalid api key")})

	resp := g.post(t, "/text", `{"input":"hi"}`)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AUTH_FAILED", body["code"])
	assert.Equal(t, "locked", body["service"])
}

func TestTextExhaustionMapsTo503(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &textStub{name: "flaky", err: errors.New("connection refused")})

	resp := g.post(t, "/text", `{"input":"hi"}`)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "SERVICE_ERROR", body["code"])
}

func TestTextEmptyCategoryMapsTo503(t *testing.T) {
	g := newGateway(t, "")

	resp := g.post(t, "/text", `{"input":"hi"}`)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "SERVICE_ERROR", body["code"])
}

func TestImageGenerate(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &imageStub{name: "painter"})

	resp := g.post(t, "/image", `{"prompt":"a cat"}`)
	body := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"https://img.test/a cat"}, body["urls"])
	assert.Equal(t, "a painting of a cat", body["revised_prompt"])
	assert.Equal(t, "painter", body["service"])
}

func TestImageRejectsMissingPrompt(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &imageStub{name: "painter"})

	resp := g.post(t, "/image", `{}`)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestEmbedding(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &embeddingStub{name: "vectorizer"})

	resp := g.post(t, "/embedding", `{"texts":["a","b"]}`)
	body := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["vectors"], 2)
	assert.Equal(t, "stub-embed", body["model"])
	assert.Equal(t, "vectorizer", body["service"])
}

func TestEmbeddingRejectsEmptyTexts(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &embeddingStub{name: "vectorizer"})

	resp := g.post(t, "/embedding", `{"texts":[]}`)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func registerEchoWorkflow(t *testing.T, g *testGateway) {
	t.Helper()
	g.reg.Register(context.Background(), &textStub{name: "alpha", chunks: []string{"echo: done"}})
	def, err := workflow.NewBuilder("echo").
		Description("single text step").
		Step(workflow.Step{Name: "respond", Category: provider.CategoryText}).
		Build(context.Background())
	require.NoError(t, err)
	g.wf.RegisterDefinition(def)
}

func TestWorkflowIndex(t *testing.T) {
	g := newGateway(t, "")
	registerEchoWorkflow(t, g)

	resp, err := http.Get(g.srv.URL + "/workflow")
	require.NoError(t, err)
	body := decodeMap(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	workflows := body["workflows"].([]any)
	require.Len(t, workflows, 1)
	first := workflows[0].(map[string]any)
	assert.Equal(t, "echo", first["name"])
	assert.Equal(t, "single text step", first["description"])
	assert.Equal(t, float64(1), first["steps"])
}

func TestWorkflowSubmitAccepted(t *testing.T) {
	g := newGateway(t, "")
	registerEchoWorkflow(t, g)

	resp := g.post(t, "/workflow/echo", `{"input":"hello"}`)
	body := decodeMap(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	id := body["workflowId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "echo", body["name"])
	assert.Equal(t, fmt.Sprintf("/workflow/%s/status", id), body["statusUrl"])
	assert.Equal(t, fmt.Sprintf("/workflow/%s/stream", id), body["streamUrl"])

	require.Eventually(t, func() bool {
		resp, err := http.Get(g.srv.URL + "/workflow/" + id + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false
		}
		return st["status"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkflowSubmitUnknownName(t *testing.T) {
	g := newGateway(t, "")

	resp := g.post(t, "/workflow/nope", `{"input":"x"}`)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestWorkflowStatusNotFound(t *testing.T) {
	g := newGateway(t, "")

	resp, err := http.Get(g.srv.URL + "/workflow/ghost/status")
	require.NoError(t, err)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", body["name"])
}

func TestWorkflowHistory(t *testing.T) {
	g := newGateway(t, "")
	registerEchoWorkflow(t, g)

	resp := g.post(t, "/workflow/echo", `{"input":"hello"}`)
	decodeMap(t, resp)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	g.wf.Wait()

	hresp, err := http.Get(g.srv.URL + "/workflow/history?status=completed&limit=10")
	require.NoError(t, err)
	body := decodeMap(t, hresp)
	require.Equal(t, http.StatusOK, hresp.StatusCode)
	require.Len(t, body["workflows"], 1)
}

func TestWorkflowHistoryRejectsBadLimit(t *testing.T) {
	g := newGateway(t, "")

	resp, err := http.Get(g.srv.URL + "/workflow/history?limit=zero")
	require.NoError(t, err)
	body := decodeMap(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	Event string
	Data  map[string]any
}

func readSSE(t *testing.T, body io.Reader) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.Data))
		case line == "":
			if cur.Event != "" || cur.Data != nil {
				frames = append(frames, cur)
				cur = sseFrame{}
			}
		}
	}
	return frames
}

func TestWorkflowStreamTerminalSnapshot(t *testing.T) {
	g := newGateway(t, "")
	registerEchoWorkflow(t, g)

	resp := g.post(t, "/workflow/echo", `{"input":"hello"}`)
	body := decodeMap(t, resp)
	id := body["workflowId"].(string)
	g.wf.Wait()

	sresp, err := http.Get(g.srv.URL + "/workflow/" + id + "/stream")
	require.NoError(t, err)
	defer sresp.Body.Close()
	require.Equal(t, http.StatusOK, sresp.StatusCode)
	assert.Equal(t, "text/event-stream", sresp.Header.Get("Content-Type"))

	frames := readSSE(t, sresp.Body)
	require.Len(t, frames, 2)
	assert.Equal(t, "connected", frames[0].Event)
	assert.Equal(t, id, frames[0].Data["workflowId"])
	assert.Equal(t, "status", frames[1].Event)
	assert.Equal(t, "completed", frames[1].Data["status"])
}

func TestWorkflowStreamLiveEvents(t *testing.T) {
	g := newGateway(t, "")
	g.reg.Register(context.Background(), &slowText{release: make(chan struct{})})
	def, err := workflow.NewBuilder("slow").
		Step(workflow.Step{Name: "respond", Category: provider.CategoryText}).
		Build(context.Background())
	require.NoError(t, err)
	g.wf.RegisterDefinition(def)

	resp := g.post(t, "/workflow/slow", `{"input":"hello"}`)
	body := decodeMap(t, resp)
	id := body["workflowId"].(string)

	sresp, err := http.Get(g.srv.URL + "/workflow/" + id + "/stream")
	require.NoError(t, err)
	defer sresp.Body.Close()

	slow := g.reg.All(provider.CategoryText)[0].(*slowText)
	close(slow.release)

	frames := readSSE(t, sresp.Body)
	require.NotEmpty(t, frames)
	assert.Equal(t, "connected", frames[0].Event)
	assert.Equal(t, "status", frames[1].Event)
	last := frames[len(frames)-1]
	assert.Equal(t, "workflow:complete", last.Event)
}

func TestWorkflowStreamUnknownID(t *testing.T) {
	g := newGateway(t, "")

	sresp, err := http.Get(g.srv.URL + "/workflow/ghost/stream")
	require.NoError(t, err)
	defer sresp.Body.Close()
	require.Equal(t, http.StatusOK, sresp.StatusCode)

	frames := readSSE(t, sresp.Body)
	require.Len(t, frames, 2)
	assert.Equal(t, "connected", frames[0].Event)
	assert.Equal(t, "error", frames[1].Event)
	assert.Contains(t, frames[1].Data["message"], "not found")
}

// slowText blocks its stream until released so live subscribers can attach
// before the workflow finishes.
type slowText struct {
	release chan struct{}
}

func (s *slowText) Name() string                { return "slow" }
func (s *slowText) Category() provider.Category { return provider.CategoryText }

func (s *slowText) Stream(ctx context.Context, _ []provider.ChatMessage) (provider.ChunkStream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
	}
	return provider.NewSliceStream("done"), nil
}
