package inference

import (
	"encoding/json"
	"fmt"

	"github.com/local/ocrpipeline/internal/errs"
)

// ChatRequest is the chat-completions payload the serving backend
// accepts. GuidedJSON carries an optional decoding constraint schema,
// passed through verbatim when set.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	GuidedJSON  json.RawMessage `json:"guided_json,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content []Part `json:"content"`
}

// Part is one element of a multimodal message: either text or an
// embedded image.
type Part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// TextPart builds the text element of a user message.
func TextPart(text string) Part {
	return Part{Type: "text", Text: text}
}

// ImagePart embeds an image as a base64 data URL.
func ImagePart(mime, b64 string) Part {
	return Part{
		Type:     "image_url",
		ImageURL: &ImageURL{URL: fmt.Sprintf("data:%s;base64,%s", mime, b64)},
	}
}

type ChatResponse struct {
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Content returns the first choice's message text.
func (r *ChatResponse) Content() (string, error) {
	if len(r.Choices) == 0 {
		return "", errs.Validationf("inference response", "response carried no choices")
	}
	return r.Choices[0].Message.Content, nil
}

// HTTPError reports a non-2xx status from the serving backend. The
// attempt that hit it is consumed and reported; the request is not
// transport-retried.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("inference server returned status %d: %s", e.StatusCode, body)
}
