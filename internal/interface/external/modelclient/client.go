// Package modelclient talks to an OpenAI-compatible chat completion
// endpoint. Both buffered and SSE streaming responses are supported; the
// caller gets the final assistant text either way.
package modelclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ModelError wraps any failure to obtain a usable completion so callers can
// treat transport errors, HTTP errors and malformed bodies uniformly.
type ModelError struct {
	RequestID string
	Err       error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model request %s failed: %v", e.RequestID, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Client calls one OpenAI-compatible endpoint.
type Client struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration

	// Stream requests an SSE response. OnToken, when set, observes each
	// content delta as it arrives.
	Stream  bool
	OnToken func(token string)

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// New creates a client with a request timeout.
func New(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		Timeout: timeout,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content json.RawMessage `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

// Chat sends a system+user exchange and returns the assistant text. Every
// request carries a fresh X-Request-ID so failures are traceable in the
// event log.
func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	requestID := uuid.NewString()

	body, err := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream: c.Stream,
	})
	if err != nil {
		return "", &ModelError{RequestID: requestID, Err: err}
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &ModelError{RequestID: requestID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &ModelError{RequestID: requestID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ModelError{RequestID: requestID, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	if c.Stream && strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream") {
		text, err := c.readStream(resp.Body)
		if err != nil {
			return "", &ModelError{RequestID: requestID, Err: err}
		}
		return text, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ModelError{RequestID: requestID, Err: err}
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed.Choices) == 0 {
		snippet := string(raw)
		if len(snippet) > 1000 {
			snippet = snippet[:1000]
		}
		return "", &ModelError{RequestID: requestID, Err: fmt.Errorf("could not parse chat response: %s", snippet)}
	}
	return parsed.Choices[0].Message.Content, nil
}

// readStream collects content deltas from `data: <json>` SSE lines until
// [DONE]. Malformed chunks are skipped; a chunk carrying an error object
// aborts the read.
func (c *Client) readStream(body io.Reader) (string, error) {
	var parts []string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Error) > 0 && string(chunk.Error) != "null" {
			return "", fmt.Errorf("stream error: %s", chunk.Error)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		token := extractText(chunk.Choices[0].Delta.Content)
		if token == "" {
			continue
		}
		if c.OnToken != nil {
			c.OnToken(token)
		}
		parts = append(parts, token)
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.Join(parts, ""), nil
}

// extractText pulls text out of a delta content field, which servers send
// as a string, an object with a text-ish key, or a list of either.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, key := range []string{"text", "content", "value"} {
			if v, ok := obj[key]; ok {
				if t := extractText(v); t != "" {
					return t
				}
			}
		}
		return ""
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		var b strings.Builder
		for _, item := range list {
			b.WriteString(extractText(item))
		}
		return b.String()
	}
	return ""
}
