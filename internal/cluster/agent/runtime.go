package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

// Runtime is the agent's live, mutable state: the in-memory plaintext token
// (the persisted copy is always ciphertext, §4.5) and the server-pushed
// config. Per §5's shared-resource policy, the config is guarded by a lock
// and updated copy-on-write — readers take a snapshot and never hold the
// lock across I/O.
type Runtime struct {
	dataDir string
	tokens  *TokenStore

	mu           sync.RWMutex
	agentID      string
	token        string
	serverURL    string
	registeredAt time.Time
	cfg          cluster.AgentConfig
}

func newRuntime(dataDir string, tokens *TokenStore) *Runtime {
	return &Runtime{dataDir: dataDir, tokens: tokens}
}

// Config returns a copy of the live config, safe to read without holding
// any lock.
func (r *Runtime) Config() cluster.AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// UpdateConfig merges a server-pushed delta into the live config (§3: shallow
// merge), copy-on-write.
func (r *Runtime) UpdateConfig(delta cluster.AgentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = r.cfg.Merge(delta)
}

// AgentID returns the registered agent id, empty if never registered.
func (r *Runtime) AgentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agentID
}

// Token returns the current plaintext auth token.
func (r *Runtime) Token() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.token
}

// adopt installs a freshly registered or authenticated identity and persists
// it to the on-host state file (§6.3).
func (r *Runtime) adopt(agentID, token, serverURL string, registeredAt time.Time, cfg cluster.AgentConfig) error {
	ciphertext, err := r.tokens.Encrypt(token)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}

	r.mu.Lock()
	r.agentID = agentID
	r.token = token
	r.serverURL = serverURL
	r.registeredAt = registeredAt
	r.cfg = cfg
	r.mu.Unlock()

	return saveState(r.dataDir, &persistedState{
		AgentID:      agentID,
		Token:        ciphertext,
		ServerURL:    serverURL,
		RegisteredAt: registeredAt,
	})
}

// RotateToken implements the agent's half of §4.7 step 2: atomically adopt
// the new token in memory and on disk, returning the promotion time.
func (r *Runtime) RotateToken(newToken string) (time.Time, error) {
	ciphertext, err := r.tokens.Encrypt(newToken)
	if err != nil {
		return time.Time{}, fmt.Errorf("encrypt rotated token: %w", err)
	}

	r.mu.Lock()
	r.token = newToken
	agentID := r.agentID
	serverURL := r.serverURL
	registeredAt := r.registeredAt
	r.mu.Unlock()

	rotatedAt := time.Now().UTC()
	if err := saveState(r.dataDir, &persistedState{
		AgentID:      agentID,
		Token:        ciphertext,
		ServerURL:    serverURL,
		RegisteredAt: registeredAt,
	}); err != nil {
		return time.Time{}, fmt.Errorf("persist rotated token: %w", err)
	}
	return rotatedAt, nil
}
