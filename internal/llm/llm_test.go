package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatReply(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "llama3",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	})
	return string(b)
}

func newTestClient(t *testing.T, h http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL + "/v1/"
	if cfg.Model == "" {
		cfg.Model = "llama3"
	}
	return New(cfg)
}

func TestGenerate(t *testing.T) {
	var lastPrompt string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)

		var body struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body.Model)
		assert.InDelta(t, 0.7, body.Temperature, 1e-9)
		require.Len(t, body.Messages, 1)
		lastPrompt = body.Messages[0].Content

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatReply("  Paris is the capital.  ")))
	}, Config{Temperature: 0.7})

	reply, err := c.Generate(context.Background(), "capital of france?", "Previous conversation: none", "Be brief.")
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital.", reply)

	assert.True(t, strings.HasPrefix(lastPrompt, "System: Be brief.\nContext: Previous conversation: none\n"))
	assert.True(t, strings.HasSuffix(lastPrompt, "User: capital of france?\nAssistant:"))

	h := c.History()
	require.Len(t, h, 1)
	assert.Equal(t, "capital of france?", h[0].User)
}

func TestGenerate_Unavailable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"model not loaded"}}`, http.StatusServiceUnavailable)
	}, Config{Retries: 2})

	_, err := c.Generate(context.Background(), "hello", "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, c.History())
}

func TestGenerate_ClientErrorNotRetried(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound} {
		var calls atomic.Int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, `{"error":{"message":"model not found"}}`, code)
		}, Config{Retries: 3})

		_, err := c.Generate(context.Background(), "hello", "", "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnavailable))
		assert.Equal(t, int32(1), calls.Load(), "status %d", code)
	}
}

func TestGenerate_RateLimitRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"slow down"}}`, http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatReply("ok")))
	}, Config{Retries: 2})

	reply, err := c.Generate(context.Background(), "hello", "", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGenerate_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, Config{Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := c.Generate(context.Background(), "slow", "", "")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Less(t, time.Since(start), time.Second)
}

func TestBuildPrompt_History(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/v1/", Model: "m"})
	for i := 0; i < 12; i++ {
		c.history = append(c.history, Exchange{User: "q" + string(rune('a'+i)), Assistant: "a"})
	}

	p := c.BuildPrompt("now", "", "")
	assert.Contains(t, p, "System: "+DefaultSystemPrompt)
	assert.Contains(t, p, "Recent conversation:\n")
	assert.NotContains(t, p, "User: qi\n")
	assert.Contains(t, p, "User: qj\n")
	assert.Contains(t, p, "User: ql\n")
	assert.NotContains(t, p, "Context:")
}

func TestBuildPrompt_ContextWindow(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/v1/", Model: "m", ContextWindow: 200, MaxTokens: 100})
	c.history = []Exchange{{User: strings.Repeat("old ", 50), Assistant: "ok"}}

	long := strings.Repeat("x", 1000) + " tail"
	p := c.BuildPrompt("question", long, "sys")

	assert.LessOrEqual(t, estimateTokens(p), 100)
	assert.NotContains(t, p, "Recent conversation:")
	assert.Contains(t, p, "tail")
	assert.True(t, strings.HasSuffix(p, "User: question\nAssistant:"))
}

func TestHistoryBounded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatReply("ok")))
	}, Config{})

	for i := 0; i < 15; i++ {
		_, err := c.Generate(context.Background(), "hi", "", "")
		require.NoError(t, err)
	}
	assert.Len(t, c.History(), maxHistory)

	c.ClearHistory()
	assert.Empty(t, c.History())
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"llama3","object":"model","created":1,"owned_by":"me"}]}`))
	}, Config{})

	require.NoError(t, c.Ping(context.Background()))

	models, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3"}, models)
}

func TestPing_Down(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/v1/", Model: "m"})
	err := c.Ping(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestSetParameters(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/v1/", Model: "m"})

	bad := 3.0
	assert.Error(t, c.SetParameters(&bad, 0))
	assert.Error(t, c.SetParameters(nil, -1))

	good := 0.2
	require.NoError(t, c.SetParameters(&good, 256))
	assert.InDelta(t, 0.2, c.cfg.Temperature, 1e-9)
	assert.Equal(t, 256, c.cfg.MaxTokens)
}

func TestDegraded(t *testing.T) {
	assert.Equal(t, degraded["greeting"], Degraded("hey, are you there"))
	assert.Equal(t, degraded["math"], Degraded("can you compute this"))
	assert.Equal(t, degraded["time"], Degraded("what date is it"))
	assert.Equal(t, degraded["system"], Degraded("is my computer ok"))
	assert.Equal(t, degraded["default"], Degraded("tell me a story about history"))
}
