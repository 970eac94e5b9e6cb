package hub

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// defaultProxyTimeout bounds hub-relayed HTTP calls to a peer.
const defaultProxyTimeout = 5 * time.Second

// Peer is one workstation registered with the hub.
type Peer struct {
	MachineID string `json:"machineId"`
	GatewayID string `json:"gatewayId,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	OS        string `json:"os,omitempty"`
	Connected bool   `json:"connected,omitempty"`
}

// proxyReply mirrors the relay response envelope the hub returns for a
// proxied request.
type proxyReply struct {
	Status   int             `json:"status"`
	Data     json.RawMessage `json:"data,omitempty"`
	Encoding string          `json:"encoding,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Directory queries the hub's machine registry and proxies HTTP requests
// to peers over their relay channels.
type Directory struct {
	config ClientConfig
	client *http.Client
	logger *zap.Logger
}

// NewDirectory creates a hub directory client.
func NewDirectory(config ClientConfig, timeout time.Duration, logger *zap.Logger) (*Directory, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("hub URL is required")
	}
	if timeout <= 0 {
		timeout = defaultProxyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

// ListPeers returns all machines registered with the hub, including this
// one. Callers filter out self.
func (d *Directory) ListPeers(ctx context.Context) ([]Peer, error) {
	req, err := d.newRequest(ctx, http.MethodGet, "/machines", nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing hub machines: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub machines returned status %d", resp.StatusCode)
	}

	var payload struct {
		Machines []Peer `json:"machines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding hub machines: %w", err)
	}
	return payload.Machines, nil
}

// ProxyGET performs an HTTP GET against a peer's local API, relayed by
// the hub over the peer's channel. The returned bytes are the decoded
// response body.
func (d *Directory) ProxyGET(ctx context.Context, machineID, path string) ([]byte, error) {
	if machineID == "" {
		return nil, fmt.Errorf("machine id is required")
	}

	body, err := json.Marshal(map[string]string{
		"method": http.MethodGet,
		"path":   path,
	})
	if err != nil {
		return nil, err
	}

	endpoint := "/machines/" + url.PathEscape(machineID) + "/relay"
	req, err := d.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxying to peer %s: %w", machineID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading proxy reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hub proxy returned status %d", resp.StatusCode)
	}

	var reply proxyReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decoding proxy reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("peer %s request failed: %s", machineID, reply.Error)
	}
	if reply.Status < 200 || reply.Status > 299 {
		return nil, fmt.Errorf("peer %s returned status %d", machineID, reply.Status)
	}
	return decodeProxyData(reply.Data, reply.Encoding)
}

// decodeProxyData reverses the relay body encoding back into raw bytes.
func decodeProxyData(data json.RawMessage, encoding string) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	switch encoding {
	case "base64":
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decoding base64 envelope: %w", err)
		}
		return base64.StdEncoding.DecodeString(s)
	case "utf8":
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decoding utf8 envelope: %w", err)
		}
		return []byte(s), nil
	default:
		// JSON bodies travel as parsed JSON; hand back the raw message.
		return []byte(data), nil
	}
}

func (d *Directory) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target := strings.TrimSuffix(d.config.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building hub request: %w", err)
	}
	if d.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.config.APIKey)
	}
	return req, nil
}
