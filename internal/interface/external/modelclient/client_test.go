package modelclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatBuffered(t *testing.T) {
	var gotAuth, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req["model"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"the answer"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", "test-model", 5*time.Second)
	text, err := c.Chat(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "the answer", text)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.NotEmpty(t, gotRequestID)
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m", 5*time.Second)
	_, err := c.Chat(context.Background(), "sys", "user")
	require.Error(t, err)

	var merr *ModelError
	require.ErrorAs(t, err, &merr)
	assert.Contains(t, merr.Error(), "HTTP 502")
	assert.NotEmpty(t, merr.RequestID)
}

func TestChatMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m", 5*time.Second)
	_, err := c.Chat(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not parse chat response")
}

func TestChatStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`data: {"choices":[{"delta":{"content":"hel"}}]}`,
			``,
			`data: {"choices":[{"delta":{"content":"lo "}}]}`,
			`data: not json at all`,
			`data: {"choices":[{"delta":{"content":{"text":"world"}}}]}`,
			`data: [DONE]`,
			`data: {"choices":[{"delta":{"content":"ignored"}}]}`,
		}
		for _, line := range chunks {
			w.Write([]byte(line + "\n"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m", 5*time.Second)
	c.Stream = true
	var tokens []string
	c.OnToken = func(tok string) { tokens = append(tokens, tok) }

	text, err := c.Chat(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, []string{"hel", "lo ", "world"}, tokens)
}

func TestChatStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"error":{"message":"quota exceeded"}}` + "\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "", "m", 5*time.Second)
	c.Stream = true
	_, err := c.Chat(context.Background(), "sys", "user")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestExtractText(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`"plain"`, "plain"},
		{`{"text":"from text"}`, "from text"},
		{`{"value":"from value"}`, "from value"},
		{`[{"text":"a"},{"text":"b"}]`, "ab"},
		{`{"other":"x"}`, ""},
		{`42`, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, extractText(json.RawMessage(tc.raw)), tc.raw)
	}
}
