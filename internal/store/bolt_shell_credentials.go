package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketShellCredentials = []byte("cluster_shell_credentials")

// ShellCredential holds what the Command Router's shell fallback (§4.8)
// needs to open an out-of-band connection to one host when its agent
// channel isn't usable.
type ShellCredential struct {
	HostID        string `json:"host_id"`
	Address       string `json:"address"`
	Port          int    `json:"port"`
	User          string `json:"user"`
	PrivateKeyPEM string `json:"private_key_pem"`
}

// EnsureShellCredentialsBucket creates the shell-credentials bucket if it
// does not already exist.
func (s *Store) EnsureShellCredentialsBucket() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketShellCredentials)
		return err
	})
}

// SaveShellCredential upserts the shell fallback credential for a host.
func (s *Store) SaveShellCredential(c ShellCredential) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal shell credential: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShellCredentials)
		if b == nil {
			return fmt.Errorf("shell credentials bucket missing, call EnsureShellCredentialsBucket first")
		}
		return b.Put([]byte(c.HostID), data)
	})
}

// GetShellCredential returns the stored credential for hostID, if any.
func (s *Store) GetShellCredential(hostID string) (*ShellCredential, bool) {
	var out *ShellCredential
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShellCredentials)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(hostID))
		if v == nil {
			return nil
		}
		var c ShellCredential
		if err := json.Unmarshal(v, &c); err != nil {
			return nil
		}
		out = &c
		return nil
	})
	return out, out != nil
}

// DeleteShellCredential removes hostID's stored shell fallback credential.
func (s *Store) DeleteShellCredential(hostID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketShellCredentials)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(hostID))
	})
}
