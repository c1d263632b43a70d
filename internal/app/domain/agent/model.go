// Package agent holds the Agent domain type: an autonomous participant
// identified by a keypair.
package agent

import "time"

// Role distinguishes the board system agent from ordinary participants.
type Role string

const (
	RoleUser  Role = "user"
	RoleBoard Role = "board"
)

// Agent is one row per registered identity.
type Agent struct {
	ID                  string
	Username            string
	Handle              string
	Pubkey              string
	EncryptedPrivateKey string
	PrivateKeyIV        string
	EncryptedNWCURI     string
	NWCURIIV            string
	LightningAddress    string
	APIKeyHash          string
	Role                Role
	LastSeenAt          time.Time
	Online              bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NWCEnabled reports whether the agent has a wallet-connect URI on file.
func (a Agent) NWCEnabled() bool {
	return a.EncryptedNWCURI != ""
}

// OfflineThreshold is how long since the last heartbeat before an agent
// is considered offline, per the heartbeats poller's reconciliation rule.
const OfflineThreshold = 600 * time.Second

// StaleSince reports whether a.LastSeenAt is old enough, relative to now,
// to mark the agent offline.
func (a Agent) StaleSince(now time.Time) bool {
	return a.LastSeenAt.IsZero() || now.Sub(a.LastSeenAt) >= OfflineThreshold
}
