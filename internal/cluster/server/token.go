package server

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashAgentToken returns the hex SHA-256 digest of a plaintext agent auth
// token, matching the digest internal/store stores in TokenHash /
// PendingTokenHash — tokens themselves are never persisted (§4.6).
func hashAgentToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
