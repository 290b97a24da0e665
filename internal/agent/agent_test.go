package agent_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obobridge/obo-bridge/internal/agent"
	"github.com/obobridge/obo-bridge/internal/config"
)

func newClient(t *testing.T, handler http.HandlerFunc) *agent.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return agent.New(config.AgentConfig{
		BaseURL:        server.URL,
		TimeoutSeconds: 5,
	}, nil)
}

func TestCreateThread(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r
		capturedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	err := client.CreateThread(context.Background(), "thread-1", agent.Tokens{
		AccessToken: "primary-access",
		IDToken:     "primary-id",
	})
	require.NoError(t, err)

	assert.Equal(t, "/threads", captured.URL.Path)
	assert.Equal(t, "Bearer primary-access", captured.Header.Get("Authorization"))
	assert.Equal(t, "primary-id", captured.Header.Get("X-Azure-Id-Token"))
	assert.JSONEq(t, `{"thread_id":"thread-1"}`, string(capturedBody))
}

func TestRunThread(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/threads/thread-1/runs", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"input":"hello"}`, string(body))

		_, _ = w.Write([]byte(`{"run_id":"run-1"}`))
	})

	result, err := client.RunThread(context.Background(), "thread-1",
		json.RawMessage(`{"input":"hello"}`), agent.Tokens{AccessToken: "primary-access"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"run_id":"run-1"}`, string(result))
}

func TestRunThread_DelegatedTokensForwarded(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "graph-access", r.Header.Get("X-Azure-Token-graph"))
		assert.Equal(t, "arm-access", r.Header.Get("X-Azure-Token-arm"))
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.RunThread(context.Background(), "thread-1", nil, agent.Tokens{
		AccessToken: "primary-access",
		Delegated: map[string]string{
			"graph": "graph-access",
			"arm":   "arm-access",
		},
	})
	require.NoError(t, err)
}

func TestRunThread_RuntimeErrorNotRelayed(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal diagnostic detail", http.StatusBadGateway)
	})

	_, err := client.RunThread(context.Background(), "thread-1", nil, agent.Tokens{})
	require.Error(t, err)

	assert.Contains(t, err.Error(), "status 502")
	assert.NotContains(t, err.Error(), "diagnostic", "runtime response bodies stay out of errors")
}

func TestEnabled(t *testing.T) {
	disabled := agent.New(config.AgentConfig{}, nil)
	assert.False(t, disabled.Enabled())

	var nilClient *agent.Client
	assert.False(t, nilClient.Enabled())

	enabled := agent.New(config.AgentConfig{BaseURL: "http://localhost:8123"}, nil)
	assert.True(t, enabled.Enabled())
}
