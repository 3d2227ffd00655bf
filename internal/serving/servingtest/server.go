// Package servingtest provides a fake OpenAI-compatible serving endpoint.
package servingtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Endpoint records requests sent to the fake server.
type Endpoint struct {
	*httptest.Server

	mu       sync.Mutex
	requests []Request
}

// Request is the decoded body of one chat completion call.
type Request struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Authorization string `json:"-"`
}

// BaseURL is the value to pass as serving.Options.BaseURL.
func (e *Endpoint) BaseURL() string {
	return e.URL + "/serving-endpoints"
}

// Requests returns a copy of everything received so far.
func (e *Endpoint) Requests() []Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Request(nil), e.requests...)
}

// NewStreaming answers streamed calls with one SSE event per token and
// blocking calls with the tokens joined.
func NewStreaming(t *testing.T, tokens ...string) *Endpoint {
	return New(t, func(Request) []string { return tokens })
}

// New answers each call with the tokens returned by respond.
func New(t *testing.T, respond func(Request) []string) *Endpoint {
	t.Helper()
	e := &Endpoint{}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Authorization = r.Header.Get("Authorization")
		e.mu.Lock()
		e.requests = append(e.requests, req)
		e.mu.Unlock()

		tokens := respond(req)
		if !req.Stream {
			writeCompletion(w, strings.Join(tokens, ""))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for _, tok := range tokens {
			fmt.Fprintf(w, "data: %s\n\n", chunkJSON(tok))
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(e.Close)
	return e
}

func chunkJSON(token string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "test",
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{"content": token},
			"finish_reason": nil,
		}},
	})
	return string(b)
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
}
