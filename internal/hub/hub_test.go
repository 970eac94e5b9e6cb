package hub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/lmassist/internal/hub"
	"github.com/fyrsmithlabs/lmassist/internal/relay"
)

func TestLoadIdentity_MintsAndPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := hub.LoadIdentity(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, first.MachineID)
	assert.NotEmpty(t, first.Hostname)
	assert.NotEmpty(t, first.OS)

	raw, err := os.ReadFile(filepath.Join(dir, "machine-id"))
	require.NoError(t, err)
	assert.Equal(t, first.MachineID, strings.TrimSpace(string(raw)))

	second, err := hub.LoadIdentity(dir)
	require.NoError(t, err)
	assert.Equal(t, first.MachineID, second.MachineID)
}

func TestLoadIdentity_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "machine-id"), []byte("\n"), 0o600))

	_, err := hub.LoadIdentity(dir)
	assert.Error(t, err)
}

func TestListPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/machines", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"machines":[
			{"machineId":"m-1","gatewayId":"gw-1","hostname":"alpha","os":"linux","connected":true},
			{"machineId":"m-2","hostname":"beta","os":"darwin"}
		]}`))
	}))
	defer srv.Close()

	dir, err := hub.NewDirectory(hub.ClientConfig{URL: srv.URL, APIKey: "secret"}, 0, nil)
	require.NoError(t, err)

	peers, err := dir.ListPeers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 2)
	assert.Equal(t, "m-1", peers[0].MachineID)
	assert.Equal(t, "gw-1", peers[0].GatewayID)
	assert.True(t, peers[0].Connected)
	assert.Equal(t, "beta", peers[1].Hostname)
}

func TestProxyGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/machines/m-1/relay", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "GET", req["method"])
		assert.Equal(t, "/knowledge?origin=local", req["path"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":200,"encoding":"json","data":{"success":true,"data":[]}}`))
	}))
	defer srv.Close()

	dir, err := hub.NewDirectory(hub.ClientConfig{URL: srv.URL}, 0, nil)
	require.NoError(t, err)

	raw, err := dir.ProxyGET(context.Background(), "m-1", "/knowledge?origin=local")
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":[]}`, string(raw))
}

func TestProxyGET_PeerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":504,"error":"relay timeout"}`))
	}))
	defer srv.Close()

	dir, err := hub.NewDirectory(hub.ClientConfig{URL: srv.URL}, 0, nil)
	require.NoError(t, err)

	_, err = dir.ProxyGET(context.Background(), "m-1", "/knowledge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay timeout")
}

func TestProxyGET_UTF8Body(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":200,"encoding":"utf8","data":"plain text"}`))
	}))
	defer srv.Close()

	dir, err := hub.NewDirectory(hub.ClientConfig{URL: srv.URL}, 0, nil)
	require.NoError(t, err)

	raw, err := dir.ProxyGET(context.Background(), "m-1", "/health")
	require.NoError(t, err)
	assert.Equal(t, "plain text", string(raw))
}

// TestClient_RelayRoundTrip simulates the hub end of the channel:
// accept the upgrade, read the register frame, push one api_relay
// frame, and expect the matching api_relay_response.
func TestClient_RelayRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "hub", r.Header.Get("x-relay-source"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	frames := make(chan map[string]interface{}, 2)
	upgrader := websocket.Upgrader{}
	hubSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/channel", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var register map[string]interface{}
		require.NoError(t, conn.ReadJSON(&register))
		frames <- register

		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type":      "api_relay",
			"requestId": "rq-1",
			"method":    "GET",
			"path":      "/knowledge",
		}))

		var reply map[string]interface{}
		require.NoError(t, conn.ReadJSON(&reply))
		frames <- reply
	}))
	defer hubSrv.Close()

	identity := &hub.Identity{MachineID: "m-test", Hostname: "box", OS: "linux"}
	handler := relay.NewHandler(relay.Config{LocalBaseURL: upstream.URL}, nil)
	client, err := hub.NewClient(hub.ClientConfig{URL: hubSrv.URL, APIKey: "secret"}, identity, handler, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	register := waitFrame(t, frames)
	assert.Equal(t, "register", register["type"])
	assert.Equal(t, "m-test", register["machineId"])
	assert.Equal(t, "linux", register["os"])

	reply := waitFrame(t, frames)
	assert.Equal(t, "api_relay_response", reply["type"])
	assert.Equal(t, "rq-1", reply["requestId"])
	assert.Equal(t, float64(200), reply["status"])
	assert.Equal(t, "json", reply["encoding"])
	assert.Equal(t, map[string]interface{}{"ok": true}, reply["data"])

	cancel()
	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop after cancel")
	}
}

func waitFrame(t *testing.T, frames <-chan map[string]interface{}) map[string]interface{} {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for channel frame")
		return nil
	}
}
