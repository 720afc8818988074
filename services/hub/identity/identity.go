// Package identity persists accounts and their issued account tokens.
// It is pure data access; enrollment and token policy live elsewhere.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates human admins from service peers.
type Kind string

const (
	KindHuman   Kind = "human"
	KindService Kind = "service"
)

// Account is a human or service identity. Immutable once created except
// for key rotation.
type Account struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Kind      Kind      `json:"kind" db:"kind"`
	Username  string    `json:"username" db:"username"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	PublicKey string    `json:"publicKey" db:"public_key"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Token is the single live account token bound to an account.
type Token struct {
	AccountID  uuid.UUID `db:"account_id"`
	Encoded    string    `db:"encoded"`
	Expiration time.Time `db:"expiration"`
}
