package schema

import "time"

// Connection holds a workspace's calendar provider credentials.
// Tokens are plaintext here; decryption happens before a Connection is built.
type Connection struct {
	WorkspaceID   string
	AccessToken   string
	RefreshToken  string
	TokenExpiry   time.Time
	IsValid       bool
	InvalidReason string
	UpdatedAt     time.Time
}
