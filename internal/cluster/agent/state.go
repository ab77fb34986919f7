package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const stateFileName = "agent.json"

// persistedState is the on-host record from §6.3: `{agent_id, token
// (ciphertext), server_url, registered_at}`, written to dataDir/agent.json
// (0600) inside a 0700 dataDir.
type persistedState struct {
	AgentID      string    `json:"agent_id"`
	Token        string    `json:"token"` // ciphertext, see tokenstore.go
	ServerURL    string    `json:"server_url"`
	RegisteredAt time.Time `json:"registered_at"`
}

// loadState reads dataDir/agent.json. A missing file is not an error — it
// signals "never registered", handled by the caller by taking the register
// path instead of authenticate (§4.4).
func loadState(dataDir string) (*persistedState, error) {
	path := filepath.Join(dataDir, stateFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &st, nil
}

// saveState writes dataDir/agent.json, creating dataDir (0700) if needed.
func saveState(dataDir string, st *persistedState) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	path := filepath.Join(dataDir, stateFileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}
