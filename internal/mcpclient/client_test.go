package mcpclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcEnvelope struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func TestInitializeHandshakeThenListAndCallTools(t *testing.T) {
	var initCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Contains(t, r.Header.Get("Accept"), "application/json")

		var req rpcEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "initialize":
			atomic.AddInt32(&initCount, 1)
			var params map[string]any
			require.NoError(t, json.Unmarshal(req.Params, &params))
			assert.Equal(t, protocolVersion, params["protocolVersion"])
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]any{"serverInfo": map[string]any{"name": "test-server"}},
			})
		case "tools/list":
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]any{
					"tools": []map[string]any{
						{"name": "echo", "description": "echoes input", "inputSchema": map[string]any{"type": "object"}},
					},
				},
			})
		case "tools/call":
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]any{
					"isError": false,
					"content": []map[string]any{{"type": "text", "text": "ok"}},
				},
			})
		}
	}))
	defer srv.Close()

	client := New("srv1", srv.URL, map[string]string{"X-Auth": "token"}, 2*time.Second)

	tools, err := client.ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, int32(1), atomic.LoadInt32(&initCount))

	// a second call must not re-send initialize
	_, err = client.ListTools(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&initCount))

	res, err := client.CallTool(t.Context(), "echo", `{"text":"hi"}`)
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "ok", res.Text)
}

func TestCallToolSurfacesProtocolErrorAsIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "initialize":
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{}})
		case "tools/call":
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"result": map[string]any{"isError": true, "content": []map[string]any{{"type": "text", "text": "boom"}}},
			})
		}
	}))
	defer srv.Close()

	client := New("srv1", srv.URL, nil, time.Second)
	res, err := client.CallTool(t.Context(), "broken", `{}`)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "boom", res.Text)
}

func TestJSONRPCErrorSurfacesAsGoError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcEnvelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "initialize":
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{}})
		case "tools/list":
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32601, "message": "method not found"},
			})
		}
	}))
	defer srv.Close()

	client := New("srv1", srv.URL, nil, time.Second)
	_, err := client.ListTools(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestNonTwoXXStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New("srv1", srv.URL, nil, time.Second)
	_, err := client.ListTools(t.Context())
	require.Error(t, err)
}
