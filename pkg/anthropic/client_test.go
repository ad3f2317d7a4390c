package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageServer(t *testing.T, status int, check func(body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		if check != nil {
			check(body)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_1",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": `{"stance":`},
				{"type": "text", "text": `"supports"}`},
			},
			"model":       "claude-haiku-4-5",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 120, "output_tokens": 30},
		})
	}))
}

func TestCreateMessage(t *testing.T) {
	temp := 0.0
	ts := messageServer(t, http.StatusOK, func(body map[string]any) {
		assert.Equal(t, "claude-haiku-4-5", body["model"])
		system, ok := body["system"].([]any)
		require.True(t, ok)
		require.Len(t, system, 1)
		block := system[0].(map[string]any)
		assert.Equal(t, "classify payer policies", block["text"])
		assert.NotNil(t, block["cache_control"])
	})
	defer ts.Close()

	c := NewClient("test-key", option.WithBaseURL(ts.URL), option.WithMaxRetries(0))
	resp, err := c.CreateMessage(context.Background(), MessageRequest{
		Model:       "claude-haiku-4-5",
		MaxTokens:   512,
		System:      CachedSystem("classify payer policies", ""),
		Messages:    []Message{{Role: "user", Content: "policy text"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, `{"stance":"supports"}`, resp.Text())
	assert.Equal(t, int64(120), resp.Usage.InputTokens)
}

func TestCreateMessage_Error(t *testing.T) {
	ts := messageServer(t, http.StatusBadRequest, nil)
	defer ts.Close()

	c := NewClient("test-key", option.WithBaseURL(ts.URL), option.WithMaxRetries(0))
	_, err := c.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5",
		MaxTokens: 16,
		Messages:  []Message{{Role: "user", Content: "x"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: create message")
}

func TestEstimateCost(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	assert.InDelta(t, 18.0, u.EstimateCost("claude-sonnet-4-5"), 1e-9)
	assert.Zero(t, u.EstimateCost("unknown-model"))
}

func TestText_Nil(t *testing.T) {
	var r *MessageResponse
	assert.Empty(t, r.Text())
}

func TestCachedSystem(t *testing.T) {
	blocks := CachedSystem("x", "1h")
	require.Len(t, blocks, 1)
	assert.Equal(t, "1h", blocks[0].CacheControl.TTL)
}
