package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteParsesResponse(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "test-model",
			"choices": [{"message": {"role": "assistant", "content": "done"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
		}`))
	}))
	defer server.Close()

	client, err := New(server.URL, "test-key")
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
}

func TestCompleteErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client, err := New(server.URL, "test-key")
			require.NoError(t, err)

			_, err = client.Complete(context.Background(), Request{
				Messages: []Message{{Role: "user", Content: "hi"}},
			})
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err), "IsTransient (err=%v)", err)
			assert.Equal(t, !tt.transient, IsFatal(err))
		})
	}
}

func TestCompleteRejectsEmptyMessages(t *testing.T) {
	client, err := New("http://localhost:1", "test-key")
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, IsFatal(err), "empty requests must not be retried")
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New("http://localhost:1", "")
	require.Error(t, err)
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	_, err := NewFromEnv()
	require.Error(t, err, "MODEL_API_KEY must be required")

	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvEndpoint, "http://model.internal")
	t.Setenv(EnvModel, "custom-model")
	client, err := NewFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "custom-model", client.Model())
}
