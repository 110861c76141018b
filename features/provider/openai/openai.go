// Package openai adapts the OpenAI API to the gateway's provider
// contracts: streamed chat completions for text and vision, DALL-E image
// generation, speech synthesis and embeddings, all through
// github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	sdk "github.com/sashabaranov/go-openai"

	"github.com/prismgate/prism/runtime/provider"
)

// Name is the provider identifier reported to the registry.
const Name = "openai"

type (
	// API captures the subset of the go-openai client used by the adapters.
	// It is satisfied by *sdk.Client so callers can pass either a real
	// client or a mock in tests.
	API interface {
		CreateChatCompletionStream(ctx context.Context, request sdk.ChatCompletionRequest) (*sdk.ChatCompletionStream, error)
		CreateImage(ctx context.Context, request sdk.ImageRequest) (sdk.ImageResponse, error)
		CreateEmbeddings(ctx context.Context, conv sdk.EmbeddingRequestConverter) (sdk.EmbeddingResponse, error)
		CreateSpeech(ctx context.Context, request sdk.CreateSpeechRequest) (sdk.RawResponse, error)
	}

	// Options configures the adapters. Zero values fall back to current
	// OpenAI defaults.
	Options struct {
		// TextModel serves the text category. Defaults to gpt-4o-mini.
		TextModel string
		// VisionModel serves the vision category. Defaults to gpt-4o.
		VisionModel string
		// ImageModel serves the image category. Defaults to dall-e-3.
		ImageModel string
		// SpeechModel serves the audio category. Defaults to tts-1.
		SpeechModel string
		// Voice selects the synthesis voice. Defaults to alloy.
		Voice string
		// EmbeddingModel serves the embedding category. Defaults to
		// text-embedding-3-small.
		EmbeddingModel string
	}

	// Client holds the shared SDK wiring behind the category adapters.
	Client struct {
		api  API
		opts Options
	}
)

func (o Options) withDefaults() Options {
	if o.TextModel == "" {
		o.TextModel = sdk.GPT4oMini
	}
	if o.VisionModel == "" {
		o.VisionModel = sdk.GPT4o
	}
	if o.ImageModel == "" {
		o.ImageModel = sdk.CreateImageModelDallE3
	}
	if o.SpeechModel == "" {
		o.SpeechModel = string(sdk.TTSModel1)
	}
	if o.Voice == "" {
		o.Voice = string(sdk.VoiceAlloy)
	}
	if o.EmbeddingModel == "" {
		o.EmbeddingModel = string(sdk.SmallEmbedding3)
	}
	return o
}

// New builds the adapter set from a go-openai client.
func New(api API, opts Options) (*Client, error) {
	if api == nil {
		return nil, errors.New("openai client is required")
	}
	return &Client{api: api, opts: opts.withDefaults()}, nil
}

// NewFromAPIKey constructs the adapter with the default OpenAI HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(sdk.NewClient(apiKey), opts)
}

// Text returns the text-category provider backed by this client.
func (c *Client) Text() provider.TextProvider { return &textAdapter{c} }

// Vision returns the vision-category provider backed by this client.
func (c *Client) Vision() provider.VisionProvider { return &visionAdapter{c} }

// Image returns the image-category provider backed by this client.
func (c *Client) Image() provider.ImageProvider { return &imageAdapter{c} }

// Audio returns the audio-category provider backed by this client.
func (c *Client) Audio() provider.AudioProvider { return &audioAdapter{c} }

// Embedding returns the embedding-category provider backed by this client.
func (c *Client) Embedding() provider.EmbeddingProvider { return &embeddingAdapter{c} }

type textAdapter struct{ c *Client }

func (a *textAdapter) Name() string                { return Name }
func (a *textAdapter) Category() provider.Category { return provider.CategoryText }
func (a *textAdapter) Stream(ctx context.Context, msgs []provider.ChatMessage) (provider.ChunkStream, error) {
	return a.c.stream(ctx, a.c.opts.TextModel, msgs)
}

type visionAdapter struct{ c *Client }

func (a *visionAdapter) Name() string                { return Name }
func (a *visionAdapter) Category() provider.Category { return provider.CategoryVision }
func (a *visionAdapter) Stream(ctx context.Context, msgs []provider.ChatMessage) (provider.ChunkStream, error) {
	return a.c.stream(ctx, a.c.opts.VisionModel, msgs)
}

func (c *Client) stream(ctx context.Context, model string, msgs []provider.ChatMessage) (provider.ChunkStream, error) {
	encoded, err := encodeMessages(msgs)
	if err != nil {
		return nil, err
	}
	stream, err := c.api.CreateChatCompletionStream(ctx, sdk.ChatCompletionRequest{
		Model:    model,
		Messages: encoded,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}
	return &chatStream{stream: stream}, nil
}

func encodeMessages(msgs []provider.ChatMessage) ([]sdk.ChatCompletionMessage, error) {
	if len(msgs) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	out := make([]sdk.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := sdk.ChatCompletionMessage{Role: m.Role}
		if len(m.Parts) == 0 {
			cm.Content = m.Content
			out = append(out, cm)
			continue
		}
		parts := make([]sdk.ChatMessagePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case "text":
				parts = append(parts, sdk.ChatMessagePart{
					Type: sdk.ChatMessagePartTypeText,
					Text: p.Text,
				})
			case "image_url":
				if p.ImageURL == "" {
					return nil, errors.New("openai: image part missing url")
				}
				parts = append(parts, sdk.ChatMessagePart{
					Type: sdk.ChatMessagePartTypeImageURL,
					ImageURL: &sdk.ChatMessageImageURL{
						URL:    p.ImageURL,
						Detail: sdk.ImageURLDetailAuto,
					},
				})
			default:
				return nil, fmt.Errorf("openai: unsupported content part type %q", p.Type)
			}
		}
		cm.MultiContent = parts
		out = append(out, cm)
	}
	return out, nil
}

// chatStream adapts the SDK completion stream to a chunk stream, skipping
// empty deltas.
type chatStream struct {
	stream *sdk.ChatCompletionStream
}

func (s *chatStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *chatStream) Close() error { return s.stream.Close() }

type imageAdapter struct{ c *Client }

func (a *imageAdapter) Name() string                { return Name }
func (a *imageAdapter) Category() provider.Category { return provider.CategoryImage }

func (a *imageAdapter) Generate(ctx context.Context, in provider.ImageInput) (*provider.ImageResult, error) {
	if in.Prompt == "" {
		return nil, errors.New("openai: image prompt is required")
	}
	req := encodeImageRequest(a.c.opts.ImageModel, in)
	resp, err := a.c.api.CreateImage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai create image: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai: image response contained no data")
	}
	out := &provider.ImageResult{
		URLs:          make([]string, 0, len(resp.Data)),
		RevisedPrompt: resp.Data[0].RevisedPrompt,
	}
	for _, d := range resp.Data {
		out.URLs = append(out.URLs, d.URL)
	}
	return out, nil
}

func encodeImageRequest(model string, in provider.ImageInput) sdk.ImageRequest {
	req := sdk.ImageRequest{
		Prompt:         in.Prompt,
		Model:          model,
		N:              1,
		Size:           sdk.CreateImageSize1024x1024,
		ResponseFormat: sdk.CreateImageResponseFormatURL,
	}
	if v, ok := in.Options["size"].(string); ok && v != "" {
		req.Size = v
	}
	if v, ok := in.Options["quality"].(string); ok && v != "" {
		req.Quality = v
	}
	if v, ok := in.Options["style"].(string); ok && v != "" {
		req.Style = v
	}
	return req
}

type audioAdapter struct{ c *Client }

func (a *audioAdapter) Name() string                { return Name }
func (a *audioAdapter) Category() provider.Category { return provider.CategoryAudio }

// Synthesize reads the full synthesis response and returns it as a data
// URL; the gateway has no blob store to hand out links into.
func (a *audioAdapter) Synthesize(ctx context.Context, in provider.AudioInput) (*provider.AudioResult, error) {
	if in.Input == "" {
		return nil, errors.New("openai: audio input is required")
	}
	voice := a.c.opts.Voice
	if v, ok := in.Options["voice"].(string); ok && v != "" {
		voice = v
	}
	resp, err := a.c.api.CreateSpeech(ctx, sdk.CreateSpeechRequest{
		Model: sdk.SpeechModel(a.c.opts.SpeechModel),
		Input: in.Input,
		Voice: sdk.SpeechVoice(voice),
	})
	if err != nil {
		return nil, fmt.Errorf("openai create speech: %w", err)
	}
	defer func() { _ = resp.Close() }()
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("openai read speech: %w", err)
	}
	return &provider.AudioResult{
		URL: "data:audio/mpeg;base64," + base64.StdEncoding.EncodeToString(data),
	}, nil
}

type embeddingAdapter struct{ c *Client }

func (a *embeddingAdapter) Name() string                { return Name }
func (a *embeddingAdapter) Category() provider.Category { return provider.CategoryEmbedding }

func (a *embeddingAdapter) Embed(ctx context.Context, in provider.EmbeddingInput) (*provider.EmbeddingResult, error) {
	if len(in.Texts) == 0 {
		return nil, errors.New("openai: embedding input is required")
	}
	resp, err := a.c.api.CreateEmbeddings(ctx, sdk.EmbeddingRequest{
		Input: in.Texts,
		Model: sdk.EmbeddingModel(a.c.opts.EmbeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai create embeddings: %w", err)
	}
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return &provider.EmbeddingResult{
		Vectors: vectors,
		Model:   string(resp.Model),
	}, nil
}
