package store

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
	"github.com/Will-Luck/Docker-Sentinel/internal/notify"
)

var (
	bucketAgents        = []byte("cluster_agents")
	bucketRegCodes      = []byte("cluster_registration_codes")
	bucketInstallations = []byte("cluster_installations")
)

// EnsureClusterBuckets creates the three cluster-related BoltDB buckets if
// they do not already exist. Call this after Open() to initialise cluster
// storage (§4.6).
func (s *Store) EnsureClusterBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAgents, bucketRegCodes, bucketInstallations} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---- index key helpers ----

func agentHostIndexKey(hostID string) []byte {
	return []byte("idx::host::" + hostID)
}

func agentTokenHashIndexKey(hash string) []byte {
	return []byte("idx::tokenhash::" + hash)
}

func agentPendingHashIndexKey(hash string) []byte {
	return []byte("idx::pendinghash::" + hash)
}

func regCodeAgentIndexPrefix(agentID string) []byte {
	return []byte("idx::agent::" + agentID + "::")
}

func regCodeAgentIndexKey(agentID, codeHash string) []byte {
	return []byte("idx::agent::" + agentID + "::" + codeHash)
}

func installHostAppIndexKey(hostID, appID string) []byte {
	return []byte("idx::hostapp::" + hostID + "::" + appID)
}

func installHostIndexPrefix(hostID string) []byte {
	return []byte("idx::host::" + hostID + "::")
}

func installHostIndexKey(hostID, installID string) []byte {
	return []byte("idx::host::" + hostID + "::" + installID)
}

// hashToken returns the hex SHA-256 digest stored in place of any plaintext
// token or registration code (§4.6: "never plaintext").
func hashToken(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// normalizeCode strips dashes and upper-cases a human-entered registration
// code before hashing, so "ab12-cd34" and "AB12CD34" hash identically (§4.6).
func normalizeCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(code, "-", ""))
}

// generateToken returns a random 32-byte hex token, used both for fresh
// agent tokens and rotation tokens.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// generateRegistrationCode returns a random 8-character uppercase
// alphanumeric code, human-enterable at the agent's terminal.
func generateRegistrationCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I ambiguity
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate registration code: %w", err)
	}
	out := make([]byte, 8)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// ============================================================
// Agent CRUD (§4.6)
// ============================================================

// CreateAgentForHost creates a fresh, pending Agent record for hostID. Any
// existing agent already bound to this host is replaced: its record and
// all of its registration codes are deleted first (§4.6: "replaces any
// existing agent on that server, cascading code deletion").
func (s *Store) CreateAgentForHost(hostID string) (*cluster.Agent, error) {
	agent := &cluster.Agent{
		ID:           notify.GenerateID(),
		HostID:       hostID,
		Status:       cluster.AgentPending,
		RegisteredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(agent)
	if err != nil {
		return nil, fmt.Errorf("marshal agent: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		ab := tx.Bucket(bucketAgents)

		if existingID := ab.Get(agentHostIndexKey(hostID)); existingID != nil {
			if err := deleteAgentLocked(tx, string(existingID)); err != nil {
				return err
			}
		}

		if err := ab.Put([]byte(agent.ID), data); err != nil {
			return err
		}
		return ab.Put(agentHostIndexKey(hostID), []byte(agent.ID))
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(id string) (*cluster.Agent, error) {
	var agent cluster.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAgents).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("agent %q not found", id)
		}
		return json.Unmarshal(v, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetAgentByHost retrieves the agent bound to hostID, if any.
func (s *Store) GetAgentByHost(hostID string) (*cluster.Agent, error) {
	var agent cluster.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		id := b.Get(agentHostIndexKey(hostID))
		if id == nil {
			return fmt.Errorf("no agent for host %q", hostID)
		}
		v := b.Get(id)
		if v == nil {
			return fmt.Errorf("agent host index orphan for %q", hostID)
		}
		return json.Unmarshal(v, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetAgentByTokenHash retrieves the agent whose current token hashes to hash.
func (s *Store) GetAgentByTokenHash(hash string) (*cluster.Agent, error) {
	return s.getAgentByIndex(agentTokenHashIndexKey(hash))
}

// GetAgentByPendingHash retrieves the agent whose pending (rotating) token
// hashes to hash (§4.7 step 3: "next successful authentication using a
// token that matches the pending hash").
func (s *Store) GetAgentByPendingHash(hash string) (*cluster.Agent, error) {
	return s.getAgentByIndex(agentPendingHashIndexKey(hash))
}

func (s *Store) getAgentByIndex(indexKey []byte) (*cluster.Agent, error) {
	var agent cluster.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		id := b.Get(indexKey)
		if id == nil {
			return fmt.Errorf("agent not found")
		}
		v := b.Get(id)
		if v == nil {
			return fmt.Errorf("agent index orphan")
		}
		return json.Unmarshal(v, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgentsExpiringBefore returns every agent whose TokenExpiresAt is
// before bound and which has no rotation already pending, the candidate
// set for the rotation scheduler (§4.7).
func (s *Store) ListAgentsExpiringBefore(bound time.Time) ([]cluster.Agent, error) {
	var out []cluster.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var a cluster.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			if a.PendingTokenHash == "" && a.TokenExpiresAt.Before(bound) {
				out = append(out, a)
			}
			return nil
		})
	})
	return out, err
}

// ListAgents returns every agent record.
func (s *Store) ListAgents() ([]cluster.Agent, error) {
	var out []cluster.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var a cluster.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return nil
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

// agentWhitelist is the set of Agent columns UpdateAgentFields may touch —
// the SQL-injection-equivalent containment boundary for this KV store
// (§4.6, §9): any key outside this set is rejected and the whole update
// aborts with no row modified.
var agentWhitelist = map[string]bool{
	"status":             true,
	"version":            true,
	"last_seen":          true,
	"config":             true,
	"token_hash":         true,
	"pending_token_hash": true,
	"token_issued_at":    true,
	"token_expires_at":   true,
}

// UpdateAgentFields applies a partial update to an agent record. Every key
// in fields must be in agentWhitelist or the entire call fails and no
// write occurs (§4.6, §8: "update_agent(id, {col:v}) with col ∉ whitelist
// raises; no row is modified").
func (s *Store) UpdateAgentFields(id string, fields map[string]any) error {
	for col := range fields {
		if !agentWhitelist[col] {
			return fmt.Errorf("column %q is not in the agent update whitelist", col)
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("agent %q not found", id)
		}
		var agent cluster.Agent
		if err := json.Unmarshal(v, &agent); err != nil {
			return fmt.Errorf("unmarshal agent: %w", err)
		}

		oldTokenHash := agent.TokenHash
		oldPendingHash := agent.PendingTokenHash

		if err := applyAgentFields(&agent, fields); err != nil {
			return err
		}

		if agent.TokenHash != oldTokenHash {
			if oldTokenHash != "" {
				if err := b.Delete(agentTokenHashIndexKey(oldTokenHash)); err != nil {
					return err
				}
			}
			if agent.TokenHash != "" {
				if err := b.Put(agentTokenHashIndexKey(agent.TokenHash), []byte(id)); err != nil {
					return err
				}
			}
		}
		if agent.PendingTokenHash != oldPendingHash {
			if oldPendingHash != "" {
				if err := b.Delete(agentPendingHashIndexKey(oldPendingHash)); err != nil {
					return err
				}
			}
			if agent.PendingTokenHash != "" {
				if err := b.Put(agentPendingHashIndexKey(agent.PendingTokenHash), []byte(id)); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(agent)
		if err != nil {
			return fmt.Errorf("marshal agent: %w", err)
		}
		return b.Put([]byte(id), data)
	})
}

// applyAgentFields copies whitelisted values onto agent. Called only after
// every key has already been checked against agentWhitelist.
func applyAgentFields(agent *cluster.Agent, fields map[string]any) error {
	for col, raw := range fields {
		switch col {
		case "status":
			v, ok := raw.(cluster.AgentStatus)
			if !ok {
				if s, ok2 := raw.(string); ok2 {
					v = cluster.AgentStatus(s)
				} else {
					return fmt.Errorf("status: unexpected type %T", raw)
				}
			}
			agent.Status = v
		case "version":
			v, ok := raw.(string)
			if !ok {
				return fmt.Errorf("version: unexpected type %T", raw)
			}
			agent.Version = v
		case "last_seen":
			v, ok := raw.(time.Time)
			if !ok {
				return fmt.Errorf("last_seen: unexpected type %T", raw)
			}
			agent.LastSeen = v
		case "config":
			v, ok := raw.(cluster.AgentConfig)
			if !ok {
				return fmt.Errorf("config: unexpected type %T", raw)
			}
			agent.Config = v
		case "token_hash":
			v, ok := raw.(string)
			if !ok {
				return fmt.Errorf("token_hash: unexpected type %T", raw)
			}
			agent.TokenHash = v
		case "pending_token_hash":
			v, ok := raw.(string)
			if !ok {
				return fmt.Errorf("pending_token_hash: unexpected type %T", raw)
			}
			agent.PendingTokenHash = v
		case "token_issued_at":
			v, ok := raw.(time.Time)
			if !ok {
				return fmt.Errorf("token_issued_at: unexpected type %T", raw)
			}
			agent.TokenIssuedAt = v
		case "token_expires_at":
			v, ok := raw.(time.Time)
			if !ok {
				return fmt.Errorf("token_expires_at: unexpected type %T", raw)
			}
			agent.TokenExpiresAt = v
		}
	}
	return nil
}

// DeleteAgent removes an agent record, its host/token-hash indexes, and
// cascades deletion of every registration code minted for it (§4.6).
func (s *Store) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteAgentLocked(tx, id)
	})
}

func deleteAgentLocked(tx *bolt.Tx, id string) error {
	ab := tx.Bucket(bucketAgents)
	v := ab.Get([]byte(id))
	if v == nil {
		return nil // already gone — idempotent
	}
	var agent cluster.Agent
	if err := json.Unmarshal(v, &agent); err != nil {
		return fmt.Errorf("unmarshal agent: %w", err)
	}

	if err := ab.Delete([]byte(id)); err != nil {
		return err
	}
	if err := ab.Delete(agentHostIndexKey(agent.HostID)); err != nil {
		return err
	}
	if agent.TokenHash != "" {
		if err := ab.Delete(agentTokenHashIndexKey(agent.TokenHash)); err != nil {
			return err
		}
	}
	if agent.PendingTokenHash != "" {
		if err := ab.Delete(agentPendingHashIndexKey(agent.PendingTokenHash)); err != nil {
			return err
		}
	}

	// Cascade-delete registration codes minted for this agent.
	rb := tx.Bucket(bucketRegCodes)
	prefix := regCodeAgentIndexPrefix(id)
	rc := rb.Cursor()
	var codeHashes []string
	var indexKeys [][]byte
	for k, _ := rc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = rc.Next() {
		codeHashes = append(codeHashes, string(k[len(prefix):]))
		keyCopy := make([]byte, len(k))
		copy(keyCopy, k)
		indexKeys = append(indexKeys, keyCopy)
	}
	for i, hash := range codeHashes {
		if err := rb.Delete([]byte(hash)); err != nil {
			return err
		}
		if err := rb.Delete(indexKeys[i]); err != nil {
			return err
		}
	}

	return nil
}

// ============================================================
// Registration codes (§4.6)
// ============================================================

// MintRegistrationCode creates a fresh single-use code bound to agentID,
// expiring after ttl (5 minutes by default per §4.6). Returns the
// plaintext code — only its hash is persisted.
func (s *Store) MintRegistrationCode(agentID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	code, err := generateRegistrationCode()
	if err != nil {
		return "", err
	}
	hash := hashToken(normalizeCode(code))

	rec := cluster.RegistrationCode{
		Code:      hash,
		AgentID:   agentID,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal registration code: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegCodes)
		if err := b.Put([]byte(hash), data); err != nil {
			return err
		}
		return b.Put(regCodeAgentIndexKey(agentID, hash), []byte(""))
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// ValidateRegistrationCode normalizes and hashes rawCode, then looks up the
// matching record. Looking the record up by its hash (rather than scanning
// and comparing) gives the constant-time-equality property §4.6 asks for —
// there is no plaintext comparison anywhere on this path. On success the
// code is marked used; a second call with the same code fails (§8).
func (s *Store) ValidateRegistrationCode(rawCode string) (*cluster.Agent, error) {
	hash := hashToken(normalizeCode(rawCode))

	var agent cluster.Agent
	err := s.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRegCodes)
		v := rb.Get([]byte(hash))
		if v == nil {
			return fmt.Errorf("registration code not found")
		}
		var rec cluster.RegistrationCode
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal registration code: %w", err)
		}
		if rec.Used {
			return fmt.Errorf("registration code already used")
		}
		if time.Now().UTC().After(rec.ExpiresAt) {
			return fmt.Errorf("registration code expired")
		}

		rec.Used = true
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal registration code: %w", err)
		}
		if err := rb.Put([]byte(hash), data); err != nil {
			return err
		}

		ab := tx.Bucket(bucketAgents)
		av := ab.Get([]byte(rec.AgentID))
		if av == nil {
			return fmt.Errorf("agent %q for registration code not found", rec.AgentID)
		}
		return json.Unmarshal(av, &agent)
	})
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// ============================================================
// Installation CRUD (§3, §4.9)
// ============================================================

// CreateInstallation persists a new installation record, enforcing the
// (HostID, AppID) uniqueness invariant from §3.
func (s *Store) CreateInstallation(inst cluster.Installation) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal installation: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstallations)
		hostAppKey := installHostAppIndexKey(inst.HostID, inst.AppID)
		if existing := b.Get(hostAppKey); existing != nil {
			return fmt.Errorf("installation already exists for host %q app %q", inst.HostID, inst.AppID)
		}
		if err := b.Put([]byte(inst.ID), data); err != nil {
			return err
		}
		if err := b.Put(hostAppKey, []byte(inst.ID)); err != nil {
			return err
		}
		return b.Put(installHostIndexKey(inst.HostID, inst.ID), []byte(""))
	})
}

// GetInstallation retrieves an installation by ID.
func (s *Store) GetInstallation(id string) (*cluster.Installation, error) {
	var inst cluster.Installation
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketInstallations).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("installation %q not found", id)
		}
		return json.Unmarshal(v, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstallationByHostApp retrieves the installation for (hostID, appID).
func (s *Store) GetInstallationByHostApp(hostID, appID string) (*cluster.Installation, error) {
	var inst cluster.Installation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstallations)
		id := b.Get(installHostAppIndexKey(hostID, appID))
		if id == nil {
			return fmt.Errorf("no installation for host %q app %q", hostID, appID)
		}
		v := b.Get(id)
		if v == nil {
			return fmt.Errorf("installation host/app index orphan")
		}
		return json.Unmarshal(v, &inst)
	})
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// UpdateInstallation overwrites an installation record in place. Callers
// (the Orchestrator) own the full struct and write it back after each
// state transition so step_durations/progress/error stay consistent.
func (s *Store) UpdateInstallation(inst cluster.Installation) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal installation: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstallations)
		if b.Get([]byte(inst.ID)) == nil {
			return fmt.Errorf("installation %q not found", inst.ID)
		}
		return b.Put([]byte(inst.ID), data)
	})
}

// ListInstallationsForHost returns every installation bound to hostID.
func (s *Store) ListInstallationsForHost(hostID string) ([]cluster.Installation, error) {
	var out []cluster.Installation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstallations)
		prefix := installHostIndexPrefix(hostID)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			installID := string(k[len(prefix):])
			v := b.Get([]byte(installID))
			if v == nil {
				continue
			}
			var inst cluster.Installation
			if err := json.Unmarshal(v, &inst); err != nil {
				continue
			}
			out = append(out, inst)
		}
		return nil
	})
	return out, err
}

// DeleteInstallation removes an installation record and its indexes
// (§4.9.7 uninstall's final step).
func (s *Store) DeleteInstallation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstallations)
		v := b.Get([]byte(id))
		if v == nil {
			return nil // already gone — idempotent
		}
		var inst cluster.Installation
		if err := json.Unmarshal(v, &inst); err != nil {
			return b.Delete([]byte(id))
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		if err := b.Delete(installHostAppIndexKey(inst.HostID, inst.AppID)); err != nil {
			return err
		}
		return b.Delete(installHostIndexKey(inst.HostID, inst.ID))
	})
}
