package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/sceneforge/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		ProviderName: "test",
		APIKey:       "sk-test",
		BaseURL:      srv.URL + "/",
		DefaultModel: "gpt-test",
		Headers:      map[string]string{"X-Extra": "1"},
	}, zaptest.NewLogger(t))
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{}, nil)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, "/v1/chat/completions", p.Cfg.EndpointPath)
	assert.Equal(t, "/v1/models", p.Cfg.ModelsEndpoint)
	assert.Equal(t, 120*time.Second, p.Cfg.Timeout)
	assert.NotNil(t, p.Client)
	assert.NotNil(t, p.Logger)
}

func TestProvider_Completion(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "1", r.Header.Get("X-Extra"))

		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "make a cube", body.Messages[1].Content)

		_ = json.NewEncoder(w).Encode(wireResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-test",
			Choices: []wireChoice{{
				FinishReason: "stop",
				Message:      wireMessage{Role: "assistant", Content: "```js\nonSuccess(1)\n```"},
			}},
			Usage:   &wireUsage{PromptTokens: 3, CompletionTokens: 5, TotalTokens: 8},
			Created: 1700000000,
		})
	})

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "you write code"},
			{Role: llm.RoleUser, Content: "make a cube"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "test", resp.Provider)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
	assert.Equal(t, time.Unix(1700000000, 0), resp.CreatedAt)
	assert.Equal(t, "```js\nonSuccess(1)\n```", resp.FirstContent())
}

func TestProvider_CompletionRequestModelWins(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "other-model", body.Model)
		_ = json.NewEncoder(w).Encode(wireResponse{Model: body.Model})
	})

	_, err := p.Completion(context.Background(), &llm.ChatRequest{
		Model:    "other-model",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	require.NoError(t, err)
}

func TestProvider_CompletionErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  llm.ErrorCode
		retryable bool
		wantMsg   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, llm.ErrUnauthorized, false, "bad key"},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, llm.ErrRateLimited, true, "slow down (type: rate_limit)"},
		{"quota", http.StatusBadRequest, `{"error":{"message":"insufficient quota"}}`, llm.ErrQuotaExceeded, false, "insufficient quota"},
		{"invalid", http.StatusBadRequest, `plain text`, llm.ErrInvalidRequest, false, "plain text"},
		{"gateway timeout", http.StatusGatewayTimeout, `{}`, llm.ErrUpstreamTimeout, true, "{}"},
		{"overloaded", 529, `{"error":{"message":"busy"}}`, llm.ErrModelOverloaded, true, "busy"},
		{"server error", http.StatusInternalServerError, `oops`, llm.ErrUpstreamError, true, "oops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := p.Completion(context.Background(), &llm.ChatRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
			})
			var llmErr *llm.Error
			require.True(t, errors.As(err, &llmErr))
			assert.Equal(t, tt.wantCode, llmErr.Code)
			assert.Equal(t, tt.retryable, llmErr.Retryable)
			assert.Equal(t, tt.retryable, llm.IsRetryable(err))
			assert.Equal(t, tt.status, llmErr.HTTPStatus)
			assert.Equal(t, tt.wantMsg, llmErr.Message)
			assert.Equal(t, "test", llmErr.Provider)
		})
	}
}

func TestProvider_CompletionInvalidRequest(t *testing.T) {
	p := New(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := p.Completion(context.Background(), &llm.ChatRequest{})
	var llmErr *llm.Error
	require.True(t, errors.As(err, &llmErr))
	assert.Equal(t, llm.ErrInvalidRequest, llmErr.Code)
}

func TestProvider_CompletionCancelled(t *testing.T) {
	release := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Completion(ctx, &llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, llm.IsRetryable(err))
}

func TestProvider_HealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	})

	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)

	healthy.Store(false)
	status, err = p.HealthCheck(context.Background())
	assert.Error(t, err)
	assert.False(t, status.Healthy)
}
