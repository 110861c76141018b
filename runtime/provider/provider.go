// Package provider defines the provider abstraction of the gateway: coarse
// operation categories, the typed inputs and results exchanged with inference
// providers, the registry that groups providers per category, and the
// failover executor that cycles through them with retries and classified
// errors. Implementations translate these normalized types into
// provider-specific SDK calls (see features/provider).
package provider

import (
	"context"
	"io"
	"strings"
)

// Category is a coarse kind of AI operation. It determines the input and
// output shapes of a provider's operation.
type Category string

const (
	CategoryText      Category = "text"
	CategoryVision    Category = "vision"
	CategoryImage     Category = "image"
	CategoryVideo     Category = "video"
	CategoryAudio     Category = "audio"
	CategoryEmbedding Category = "embedding"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryText, CategoryVision, CategoryImage, CategoryVideo, CategoryAudio, CategoryEmbedding:
		return true
	}
	return false
}

type (
	// ChatMessage mirrors an LLM chat message with role and content. Vision
	// requests carry structured parts pairing image URLs with text; plain text
	// requests use Content.
	ChatMessage struct {
		// Role indicates the message role: "user", "assistant" or "system".
		Role string `json:"role"`

		// Content is the message text. Empty when the message carries Parts.
		Content string `json:"content,omitempty"`

		// Parts holds structured content for vision messages. When non-empty,
		// Content is ignored.
		Parts []ContentPart `json:"parts,omitempty"`
	}

	// ContentPart is one element of a structured chat message.
	ContentPart struct {
		// Type is "text" or "image_url".
		Type string `json:"type"`
		// Text is populated when Type == "text".
		Text string `json:"text,omitempty"`
		// ImageURL is populated when Type == "image_url".
		ImageURL string `json:"image_url,omitempty"`
	}

	// ImageInput is the input to an image generation provider.
	ImageInput struct {
		// Prompt describes the image to generate.
		Prompt string `json:"prompt"`
		// Options carries provider-specific parameters (size, quality, ...).
		Options map[string]any `json:"options,omitempty"`
	}

	// ImageResult is the structured result of an image generation.
	ImageResult struct {
		// URLs lists the generated image locations. Always at least one entry
		// on success.
		URLs []string `json:"urls"`
		// RevisedPrompt is the provider-rewritten prompt when reported.
		RevisedPrompt string `json:"revised_prompt,omitempty"`
		// Metadata carries provider-specific extras.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// VideoInput is the input to a video generation provider.
	VideoInput struct {
		Prompt  string         `json:"prompt"`
		Options map[string]any `json:"options,omitempty"`
	}

	// VideoResult is the structured result of a video generation.
	VideoResult struct {
		URLs     []string       `json:"urls"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// AudioInput is the input to an audio synthesis provider.
	AudioInput struct {
		// Input is the text to synthesize.
		Input   string         `json:"input"`
		Options map[string]any `json:"options,omitempty"`
	}

	// AudioResult is the structured result of an audio synthesis.
	AudioResult struct {
		URL string `json:"url"`
		// DurationSeconds is the length of the generated audio when reported.
		DurationSeconds float64 `json:"duration_seconds,omitempty"`
	}

	// EmbeddingInput is the input to an embedding provider.
	EmbeddingInput struct {
		Texts   []string       `json:"texts"`
		Options map[string]any `json:"options,omitempty"`
	}

	// EmbeddingResult is the structured result of an embedding computation.
	EmbeddingResult struct {
		Vectors [][]float32 `json:"vectors"`
		Model   string      `json:"model,omitempty"`
	}
)

// ChunkStream delivers incremental text output. Successive calls to Recv
// return chunks until io.EOF. Implementations must be safe to call from a
// single goroutine and release underlying resources when Close is invoked.
type ChunkStream interface {
	// Recv returns the next chunk from the stream.
	Recv() (string, error)
	// Close closes the stream.
	Close() error
}

// Provider is the identity shared by all category adapters. Providers are
// stateless values registered once at startup.
type Provider interface {
	// Name returns the provider identifier, unique within its category.
	Name() string
	// Category returns the operation category the provider serves.
	Category() Category
}

// TextProvider generates a completion from a chat history as a lazy finite
// sequence of string chunks.
type TextProvider interface {
	Provider
	Stream(ctx context.Context, msgs []ChatMessage) (ChunkStream, error)
}

// VisionProvider analyzes messages carrying image parts and streams the
// analysis as string chunks.
type VisionProvider interface {
	Provider
	Stream(ctx context.Context, msgs []ChatMessage) (ChunkStream, error)
}

// ImageProvider generates one or more images from a prompt.
type ImageProvider interface {
	Provider
	Generate(ctx context.Context, in ImageInput) (*ImageResult, error)
}

// VideoProvider generates one or more videos from a prompt.
type VideoProvider interface {
	Provider
	Generate(ctx context.Context, in VideoInput) (*VideoResult, error)
}

// AudioProvider synthesizes audio from text.
type AudioProvider interface {
	Provider
	Synthesize(ctx context.Context, in AudioInput) (*AudioResult, error)
}

// EmbeddingProvider computes vector embeddings for a batch of texts.
type EmbeddingProvider interface {
	Provider
	Embed(ctx context.Context, in EmbeddingInput) (*EmbeddingResult, error)
}

// sliceStream is a ChunkStream over a fixed set of chunks.
type sliceStream struct {
	chunks []string
	pos    int
}

// NewSliceStream returns a ChunkStream that yields the given chunks in order
// then io.EOF. Useful for tests and for providers that produce their full
// output in one call.
func NewSliceStream(chunks ...string) ChunkStream {
	return &sliceStream{chunks: chunks}
}

func (s *sliceStream) Recv() (string, error) {
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStream) Close() error { return nil }

// ReadAll drains a chunk stream into a single string, honoring ctx
// cancellation between chunks. The stream is closed before returning.
func ReadAll(ctx context.Context, s ChunkStream) (string, error) {
	defer func() { _ = s.Close() }()
	var b strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return b.String(), err
		}
		chunk, err := s.Recv()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
}

// UserMessage wraps plain text as a single-element user chat history.
func UserMessage(text string) []ChatMessage {
	return []ChatMessage{{Role: "user", Content: text}}
}
