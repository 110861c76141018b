// Package gateway exposes the unified AI API over HTTP: single-call
// endpoints that stream through the failover executors, workflow
// submission and introspection, and per-workflow server-sent event
// streams.
package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/prismgate/prism/runtime/provider"
	"github.com/prismgate/prism/runtime/workflow"
)

type (
	// Options configures the server.
	Options struct {
		// APIKey is the bearer token required on authenticated routes.
		// Empty disables authentication.
		APIKey string
		// Retry configures the single-call failover executors.
		Retry provider.RetryConfig
	}

	// Server holds the HTTP handler state.
	Server struct {
		reg    *provider.Registry
		wf     *workflow.Executor
		apiKey string

		text      *provider.Executor[[]provider.ChatMessage, provider.ChunkStream]
		vision    *provider.Executor[[]provider.ChatMessage, provider.ChunkStream]
		image     *provider.Executor[provider.ImageInput, *provider.ImageResult]
		video     *provider.Executor[provider.VideoInput, *provider.VideoResult]
		audio     *provider.Executor[provider.AudioInput, *provider.AudioResult]
		embedding *provider.Executor[provider.EmbeddingInput, *provider.EmbeddingResult]
	}
)

// New constructs a server over the registry and workflow executor. The
// single-call endpoints share the registry's rotation cursors with the
// workflow steps.
func New(reg *provider.Registry, wf *workflow.Executor, opts Options) *Server {
	return &Server{
		reg:       reg,
		wf:        wf,
		apiKey:    opts.APIKey,
		text:      provider.NewTextExecutor(reg, opts.Retry),
		vision:    provider.NewVisionExecutor(reg, opts.Retry),
		image:     provider.NewImageExecutor(reg, opts.Retry),
		video:     provider.NewVideoExecutor(reg, opts.Retry),
		audio:     provider.NewAudioExecutor(reg, opts.Retry),
		embedding: provider.NewEmbeddingExecutor(reg, opts.Retry),
	}
}

// Handler builds the route tree. logCtx carries the process logger for
// request logging.
func (s *Server) Handler(logCtx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(log.HTTP(logCtx))

	r.Get("/", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/text", s.handleChatStream(provider.CategoryText))
		r.Post("/chat", s.handleChatStream(provider.CategoryText))
		r.Post("/vision", s.handleChatStream(provider.CategoryVision))
		r.Post("/image", s.handleImage)
		r.Post("/video", s.handleVideo)
		r.Post("/audio", s.handleAudio)
		r.Post("/embedding", s.handleEmbedding)

		r.Get("/workflow", s.handleWorkflowIndex)
		r.Get("/workflow/history", s.handleWorkflowHistory)
		r.Post("/workflow/{name}", s.handleWorkflowSubmit)
		r.Get("/workflow/{id}/status", s.handleWorkflowStatus)
		r.Get("/workflow/{id}/stream", s.handleWorkflowStream)
	})

	return r
}

// authenticate enforces the bearer token when one is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != s.apiKey {
			writeError(r.Context(), w, provider.NewError(provider.CodeAuthFailed, "", "invalid or missing API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"status":     "ok",
		"categories": s.reg.Categories(),
		"providers":  s.reg.Stats(),
	})
}
