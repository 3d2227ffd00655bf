// Package serving talks to an OpenAI-compatible model serving endpoint.
package serving

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// ErrUnavailable marks failures reaching the endpoint or errors it returned.
var ErrUnavailable = errors.New("model endpoint unavailable")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options configures a Client. Timeout bounds each attempt, including the
// time spent reading a streamed response. MaxRetries applies to connection
// failures, 429 and 5xx responses.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client wraps the OpenAI SDK with explicit timeout and retry settings.
type Client struct {
	api openai.Client
}

func NewClient(opts Options) *Client {
	reqOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(opts.BaseURL, "/") + "/"),
		option.WithAPIKey(opts.Token),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.Timeout))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &Client{api: openai.NewClient(reqOpts...)}
}

// StreamChat streams content deltas for a chat completion. Empty deltas are
// skipped. Breaking out of the loop closes the underlying connection. A
// failure is yielded once as the final element.
func (c *Client) StreamChat(ctx context.Context, model string, msgs []Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := c.api.Chat.Completions.NewStreaming(ctx, params(model, msgs))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", classify(ctx, err))
		}
	}
}

// Complete runs a blocking chat completion and returns the first choice.
func (c *Client) Complete(ctx context.Context, model string, msgs []Message) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, params(model, msgs))
	if err != nil {
		return "", classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}

func params(model string, msgs []Message) openai.ChatCompletionNewParams {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: out,
	}
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: endpoint returned HTTP %d: %v", ErrUnavailable, apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
