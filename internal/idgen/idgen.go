// Package idgen generates cryptographically random identifiers for rewards,
// request keys and audit events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes used across lootcore.
const (
	RewardPrefix     = "rwd_"
	RequestKeyPrefix = "req_"
	EventPrefix      = "evt_"
)

func randomHex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix returns prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + randomHex(12)
}

// RewardID returns a new reward reference.
func RewardID() string { return WithPrefix(RewardPrefix) }

// RequestKey returns a new idempotency key for one logical open.
func RequestKey() string { return WithPrefix(RequestKeyPrefix) }

// EventID returns a new audit event ID.
func EventID() string { return WithPrefix(EventPrefix) }
