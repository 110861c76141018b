// Package anthropic adapts the Anthropic Claude Messages API to the
// gateway's text and vision provider contracts. It translates normalized
// chat messages into anthropic.MessageNewParams using
// github.com/anthropics/anthropic-sdk-go and exposes streamed completions
// as chunk streams.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/prismgate/prism/runtime/provider"
)

// Name is the provider identifier reported to the registry.
const Name = "anthropic"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// Model is the Claude model identifier. Required; use the typed model
		// constants from github.com/anthropics/anthropic-sdk-go.
		Model string

		// MaxTokens caps each completion. Defaults to 1024.
		MaxTokens int
	}

	// Client holds the shared SDK wiring behind the text and vision
	// adapters.
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int64
	}
)

// New builds the adapter from an Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{msg: msg, model: opts.Model, maxTokens: int64(maxTokens)}, nil
}

// NewFromAPIKey constructs the adapter with the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Text returns the text-category provider backed by this client.
func (c *Client) Text() provider.TextProvider { return &textAdapter{c} }

// Vision returns the vision-category provider backed by this client.
func (c *Client) Vision() provider.VisionProvider { return &visionAdapter{c} }

type textAdapter struct{ c *Client }

func (a *textAdapter) Name() string                { return Name }
func (a *textAdapter) Category() provider.Category { return provider.CategoryText }
func (a *textAdapter) Stream(ctx context.Context, msgs []provider.ChatMessage) (provider.ChunkStream, error) {
	return a.c.stream(ctx, msgs)
}

type visionAdapter struct{ c *Client }

func (a *visionAdapter) Name() string                { return Name }
func (a *visionAdapter) Category() provider.Category { return provider.CategoryVision }
func (a *visionAdapter) Stream(ctx context.Context, msgs []provider.ChatMessage) (provider.ChunkStream, error) {
	return a.c.stream(ctx, msgs)
}

func (c *Client) stream(ctx context.Context, msgs []provider.ChatMessage) (provider.ChunkStream, error) {
	params, err := c.encodeRequest(msgs)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages.new stream: %w", err)
	}
	return &messageStream{stream: stream}, nil
}

func (c *Client) encodeRequest(msgs []provider.ChatMessage) (*sdk.MessageNewParams, error) {
	conversation, system, err := encodeMessages(msgs)
	if err != nil {
		return nil, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: c.maxTokens,
		Messages:  conversation,
		Model:     sdk.Model(c.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	return &params, nil
}

func encodeMessages(msgs []provider.ChatMessage) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, 1)

	for _, m := range msgs {
		if m.Role == "system" {
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
			continue
		}

		blocks, err := encodeBlocks(m)
		if err != nil {
			return nil, nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case "user":
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeBlocks(m provider.ChatMessage) ([]sdk.ContentBlockParamUnion, error) {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil, nil
		}
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(m.Content)}, nil
	}
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(p.Text))
			}
		case "image_url":
			if p.ImageURL == "" {
				return nil, errors.New("anthropic: image part missing url")
			}
			blocks = append(blocks, sdk.NewImageBlock(sdk.URLImageSourceParam{URL: p.ImageURL}))
		default:
			return nil, fmt.Errorf("anthropic: unsupported content part type %q", p.Type)
		}
	}
	return blocks, nil
}

// messageStream adapts the SDK event stream to a chunk stream, surfacing
// only text deltas.
type messageStream struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *messageStream) Recv() (string, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		if ev, ok := event.AsAny().(sdk.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return delta.Text, nil
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *messageStream) Close() error { return s.stream.Close() }
