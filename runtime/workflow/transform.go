package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/prismgate/prism/runtime/provider"
)

// TransformFunc derives a step's input from the raw value (the workflow
// input, or whatever the previous transform produced) and the workflow
// context. Transforms run on the driver goroutine before provider dispatch;
// a transform error fails the step without consuming a provider call.
type TransformFunc func(in any, wctx *Context) (any, error)

// InputToChatMessages coerces a value into a chat history:
//   - a string becomes a single user message,
//   - []provider.ChatMessage passes through,
//   - a map with a "messages" key is decoded through JSON,
//   - anything else is an INVALID_REQUEST.
func InputToChatMessages(in any, _ *Context) (any, error) {
	msgs, err := CoerceChatMessages(in)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// CoerceChatMessages implements the conversion behind InputToChatMessages.
// The HTTP layer reuses it to decode single-call request bodies.
func CoerceChatMessages(in any) ([]provider.ChatMessage, error) {
	switch v := in.(type) {
	case string:
		return provider.UserMessage(v), nil
	case []provider.ChatMessage:
		return v, nil
	case map[string]any:
		raw, ok := v["messages"]
		if !ok {
			return nil, provider.NewError(provider.CodeInvalidRequest, "", "object input requires a \"messages\" array")
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("invalid messages: %v", err))
		}
		var msgs []provider.ChatMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("invalid messages: %v", err))
		}
		if len(msgs) == 0 {
			return nil, provider.NewError(provider.CodeInvalidRequest, "", "messages must not be empty")
		}
		return msgs, nil
	default:
		return nil, provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("cannot build chat messages from %T", in))
	}
}

// InputToImageInput coerces a value into an image generation input: a
// string becomes the prompt, a map may carry "prompt" and "options".
func InputToImageInput(in any, _ *Context) (any, error) {
	switch v := in.(type) {
	case string:
		return provider.ImageInput{Prompt: v}, nil
	case provider.ImageInput:
		return v, nil
	case map[string]any:
		prompt, _ := v["prompt"].(string)
		if prompt == "" {
			return nil, provider.NewError(provider.CodeInvalidRequest, "", "image input requires a \"prompt\" string")
		}
		opts, _ := v["options"].(map[string]any)
		return provider.ImageInput{Prompt: prompt, Options: opts}, nil
	default:
		return nil, provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("cannot build image input from %T", in))
	}
}

// PreviousTextToImageInput feeds the previous step's text output into an
// image generation prompt. Text steps store their drained output as a
// string.
func PreviousTextToImageInput(_ any, wctx *Context) (any, error) {
	text, err := previousText(wctx)
	if err != nil {
		return nil, err
	}
	return provider.ImageInput{Prompt: text}, nil
}

// PreviousTextToAudioInput feeds the previous step's text output into an
// audio synthesis input.
func PreviousTextToAudioInput(_ any, wctx *Context) (any, error) {
	text, err := previousText(wctx)
	if err != nil {
		return nil, err
	}
	return provider.AudioInput{Input: text}, nil
}

// PreviousImageToVisionInput builds a vision request pairing the given
// prompt with the first URL of the previous step's image result.
func PreviousImageToVisionInput(prompt string) TransformFunc {
	return func(_ any, wctx *Context) (any, error) {
		prev, err := wctx.PreviousResult()
		if err != nil {
			return nil, provider.NewError(provider.CodeInvalidRequest, "", err.Error())
		}
		img, ok := prev.(*provider.ImageResult)
		if !ok || len(img.URLs) == 0 {
			return nil, provider.NewError(provider.CodeInvalidRequest, "", "previous step did not produce an image")
		}
		return []provider.ChatMessage{{
			Role: "user",
			Parts: []provider.ContentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: img.URLs[0]},
			},
		}}, nil
	}
}

// InstructChatMessages prefixes the incoming text with an instruction and
// wraps the result as a single-message chat history. Useful on first steps
// where the raw workflow input is the text to operate on.
func InstructChatMessages(instruction string) TransformFunc {
	return func(in any, _ *Context) (any, error) {
		text, ok := in.(string)
		if !ok {
			return nil, provider.NewError(provider.CodeInvalidRequest, "",
				fmt.Sprintf("expected text input, got %T", in))
		}
		if instruction != "" {
			text = instruction + "\n\n" + text
		}
		return provider.UserMessage(text), nil
	}
}

// PreviousTextToChatMessages wraps the previous step's text output as a new
// single-message chat history, optionally prefixed with an instruction.
func PreviousTextToChatMessages(instruction string) TransformFunc {
	return func(_ any, wctx *Context) (any, error) {
		text, err := previousText(wctx)
		if err != nil {
			return nil, err
		}
		if instruction != "" {
			text = instruction + "\n\n" + text
		}
		return provider.UserMessage(text), nil
	}
}

func previousText(wctx *Context) (string, error) {
	prev, err := wctx.PreviousResult()
	if err != nil {
		return "", provider.NewError(provider.CodeInvalidRequest, "", err.Error())
	}
	text, ok := prev.(string)
	if !ok {
		return "", provider.NewError(provider.CodeInvalidRequest, "",
			fmt.Sprintf("previous step produced %T, expected text", prev))
	}
	return text, nil
}
