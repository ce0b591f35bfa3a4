// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Tokens collects issued access tokens.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// MaxNodeID is the largest id a stored node can have. Clients number their unconfirmed nodes
// above it.
const MaxNodeID uint32 = 1<<31 - 1

// Node is one persisted entry of the note directory.
type Node struct {
	ID        uint32 // assigned by the repository; 0 is the root and never stored
	ParentID  uint32
	Name      string // unique among siblings
	Type      string // "subdirectory" or a note type
	Position  int    // order among siblings, ascending
	CreatedAt time.Time
}

// Account is a login allowed to open directory connections. The password is never stored in
// plaintext.
type Account struct {
	ID        uuid.UUID // PK
	Username  string    // unique
	PwdHash   []byte    // Argon2id(password, SaltAuth)
	SaltAuth  []byte    // per-account salt
	CreatedAt time.Time
}
