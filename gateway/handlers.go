package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/prismgate/prism/runtime/provider"
	"github.com/prismgate/prism/runtime/state"
	"github.com/prismgate/prism/runtime/workflow"
)

// decodeBody decodes a JSON request body into a generic value.
func decodeBody(r *http.Request) (any, error) {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	var v any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&v); err != nil {
		return nil, provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return v, nil
}

// chatMessagesFromBody accepts {"messages": [...]}, {"input": "..."} or a
// bare JSON string.
func chatMessagesFromBody(body any) ([]provider.ChatMessage, error) {
	if m, ok := body.(map[string]any); ok {
		if input, ok := m["input"].(string); ok && m["messages"] == nil {
			return provider.UserMessage(input), nil
		}
	}
	return workflow.CoerceChatMessages(body)
}

// handleChatStream serves /text, /chat and /vision: the completion streams
// back as server-sent data frames with the serving provider in
// X-AI-Service.
func (s *Server) handleChatStream(category provider.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		body, err := decodeBody(r)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		msgs, err := chatMessagesFromBody(body)
		if err != nil {
			writeError(ctx, w, err)
			return
		}

		ex := s.text
		if category == provider.CategoryVision {
			ex = s.vision
		}
		res, err := ex.Execute(ctx, msgs)
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		defer func() { _ = res.Value.Close() }()

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(ctx, w, fmt.Errorf("streaming unsupported by connection"))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-AI-Service", res.Service)
		w.WriteHeader(http.StatusOK)

		for {
			chunk, err := res.Value.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				log.Errorf(ctx, err, "chat stream aborted")
				return
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				log.Errorf(ctx, err, "encode chunk")
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := decodeBody(r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	coerced, err := workflow.InputToImageInput(body, nil)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	res, err := s.image.Execute(ctx, coerced.(provider.ImageInput))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"urls":           res.Value.URLs,
		"revised_prompt": res.Value.RevisedPrompt,
		"metadata":       res.Value.Metadata,
		"service":        res.Service,
	})
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in provider.VideoInput
	if err := decodeInto(r, &in); err != nil {
		writeError(ctx, w, err)
		return
	}
	if in.Prompt == "" {
		writeError(ctx, w, provider.NewError(provider.CodeInvalidRequest, "", "video input requires a \"prompt\" string"))
		return
	}
	res, err := s.video.Execute(ctx, in)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"urls":     res.Value.URLs,
		"metadata": res.Value.Metadata,
		"service":  res.Service,
	})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in provider.AudioInput
	if err := decodeInto(r, &in); err != nil {
		writeError(ctx, w, err)
		return
	}
	if in.Input == "" {
		writeError(ctx, w, provider.NewError(provider.CodeInvalidRequest, "", "audio input requires an \"input\" string"))
		return
	}
	res, err := s.audio.Execute(ctx, in)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"url":              res.Value.URL,
		"duration_seconds": res.Value.DurationSeconds,
		"service":          res.Service,
	})
}

func (s *Server) handleEmbedding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in provider.EmbeddingInput
	if err := decodeInto(r, &in); err != nil {
		writeError(ctx, w, err)
		return
	}
	if len(in.Texts) == 0 {
		writeError(ctx, w, provider.NewError(provider.CodeInvalidRequest, "", "embedding input requires a \"texts\" array"))
		return
	}
	res, err := s.embedding.Execute(ctx, in)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"vectors": res.Value.Vectors,
		"model":   res.Value.Model,
		"service": res.Service,
	})
}

func decodeInto(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}

func (s *Server) handleWorkflowIndex(w http.ResponseWriter, r *http.Request) {
	defs := s.wf.Definitions()
	workflows := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		workflows = append(workflows, map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"steps":       len(d.Steps),
		})
	}
	writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"queue":     s.wf.QueueDepth(),
		"running":   s.wf.RunningCount(),
	})
}

func (s *Server) handleWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f := state.Filter{Limit: 50}
	if v := r.URL.Query().Get("status"); v != "" {
		f.Status = state.WorkflowState(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(ctx, w, provider.NewError(provider.CodeInvalidRequest, "", "limit must be a positive integer"))
			return
		}
		f.Limit = n
	}
	list, err := s.wf.List(ctx, f)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{"workflows": list})
}

func (s *Server) handleWorkflowSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	var body struct {
		Input any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(ctx, w, provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("invalid JSON body: %v", err)))
		return
	}

	st, err := s.wf.Submit(ctx, name, body.Input)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusAccepted, map[string]any{
		"workflowId": st.ID,
		"name":       st.Name,
		"status":     st.Status,
		"statusUrl":  fmt.Sprintf("/workflow/%s/status", st.ID),
		"streamUrl":  fmt.Sprintf("/workflow/%s/stream", st.ID),
	})
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	st, err := s.wf.Status(ctx, id)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	if st == nil {
		writeJSON(ctx, w, http.StatusNotFound, errorBody{
			Name:    "NotFound",
			Message: fmt.Sprintf("workflow %q not found", id),
		})
		return
	}
	writeJSON(ctx, w, http.StatusOK, st)
}
