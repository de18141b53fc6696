package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDecodesAgent(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agents/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"name":"A1","address":"host-1"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	agent, err := client.Register(context.Background(), "A1", "host-1", json.RawMessage(`{"os":"linux"}`))
	require.NoError(t, err)

	assert.Equal(t, "A1", agent.Name)
	assert.Equal(t, "host-1", agent.Address)
	assert.Equal(t, "A1", body["name"])
	assert.Equal(t, map[string]any{"os": "linux"}, body["fingerprint"])
}

func TestEnvelopedErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":"agent name must not be empty"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Register(context.Background(), "", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent name must not be empty")
}

func TestHeartbeatCarriesFingerprint(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/agents/heartbeat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).Heartbeat(context.Background(), "A1", json.RawMessage(`{"os":"linux"}`))
	require.NoError(t, err)

	assert.Equal(t, "A1", body["name"])
	require.Contains(t, body, "fingerprint")
	assert.Equal(t, map[string]any{"os": "linux"}, body["fingerprint"])
}

func TestHeartbeatUnknownAgentFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"not found"}`))
	}))
	defer srv.Close()

	require.Error(t, NewClient(srv.URL).Heartbeat(context.Background(), "ghost", nil))
}

func TestValidateName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Name == "taken" {
			_, _ = w.Write([]byte(`{"success":true,"data":{"name":"taken","valid":false,"reason":"name is already registered"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{"name":"` + req.Name + `","valid":true}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)

	valid, _, err := client.ValidateName(context.Background(), "fresh")
	require.NoError(t, err)
	assert.True(t, valid)

	valid, reason, err := client.ValidateName(context.Background(), "taken")
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, "name is already registered", reason)
}

func TestPostSubtaskResult(t *testing.T) {
	var got SubtaskResult
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/subtask_result", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL).PostSubtaskResult(context.Background(), SubtaskResult{
		TaskID:      7,
		ExecutionID: "exec-1",
		SubtaskName: "get_hostname",
		AgentName:   "A1",
		Status:      "completed",
		Result:      "host-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.TaskID)
	assert.Equal(t, "completed", got.Status)
}

func TestChannelEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "http", in: "http://controller:8080", want: "ws://controller:8080/api/channel"},
		{name: "https", in: "https://controller", want: "wss://controller/api/channel"},
		{name: "trailing slash", in: "http://controller/", want: "ws://controller/api/channel"},
		{name: "bad scheme", in: "ftp://controller", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := channelEndpoint(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
