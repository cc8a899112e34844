package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc, retries int) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", Model: "m", MaxTokens: 50, MaxRetries: retries})
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestOpenAIComplete(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "hello", req.Messages[1].Content)
		assert.Nil(t, req.Temperature)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" <WAIT> "}}]}`))
	}, 0)

	text, err := c.Complete(context.Background(), "sys", "hello")
	require.NoError(t, err)
	assert.Equal(t, "<WAIT>", text)
}

func TestOpenAIRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}, 2)

	text, err := c.Complete(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad model"}}`, http.StatusBadRequest)
	}, 3)

	_, err := c.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, 1)

	_, err := c.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries")
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIEmptyChoices(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}, 0)
	_, err := c.Complete(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestOpenAIMissingKey(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{})
	_, err := c.Complete(context.Background(), "s", "u")
	assert.Error(t, err)
}
