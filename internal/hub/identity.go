// Package hub implements the client side of the relay hub: a stable
// machine identity, a persistent websocket channel that receives relayed
// API requests, and a peer directory for remote sync.
package hub

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const identityFile = "machine-id"

// Identity describes this workstation to the hub. MachineID is minted
// once and persisted under the data directory so remote-document keys
// stay stable across restarts.
type Identity struct {
	MachineID string `json:"machineId"`
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
}

// LoadIdentity reads the persisted machine ID, minting and persisting a
// new one on first run.
func LoadIdentity(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, identityFile)

	var machineID string
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		machineID = strings.TrimSpace(string(raw))
	case os.IsNotExist(err):
		machineID = uuid.NewString()
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(machineID+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("persisting machine id: %w", err)
		}
	default:
		return nil, fmt.Errorf("reading machine id: %w", err)
	}

	if machineID == "" {
		return nil, fmt.Errorf("machine id file %s is empty", path)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Identity{
		MachineID: machineID,
		Hostname:  hostname,
		OS:        runtime.GOOS,
	}, nil
}
