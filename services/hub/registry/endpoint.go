// Package registry tracks remote peer endpoints and drives the
// bidirectional enrollment handshake by which two services come to trust
// each other.
package registry

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"masond/services/hub/fault"
)

// Status is the trust state of an endpoint.
type Status string

const (
	// StatusAwaitingAcceptance means an enrollment request arrived and an
	// admin has not yet ruled on it.
	StatusAwaitingAcceptance Status = "awaiting-acceptance"
	// StatusPendingOutbound means the hub sent an enrollment to this peer
	// and the remote admin has not yet ruled on it.
	StatusPendingOutbound Status = "pending-outbound"
	// StatusOperational means both sides accepted; the endpoint is eligible
	// for task allocation.
	StatusOperational Status = "operational"
	// StatusFailed means the peer reported an unrecoverable error.
	StatusFailed Status = "failed"
	// StatusForbidden means trust was explicitly revoked.
	StatusForbidden Status = "forbidden"
	// StatusUnreachable means the peer cannot currently be contacted; the
	// condition is transient and eligible for retry.
	StatusUnreachable Status = "unreachable"
)

// validTransitions holds the allowed status moves. Removal is allowed from
// any state and is not modelled here.
var validTransitions = map[Status][]Status{
	StatusAwaitingAcceptance: {StatusOperational, StatusFailed, StatusForbidden},
	StatusPendingOutbound:    {StatusOperational, StatusFailed, StatusForbidden},
	StatusOperational:        {StatusUnreachable, StatusFailed, StatusForbidden},
	StatusUnreachable:        {StatusOperational, StatusFailed, StatusForbidden},
	StatusFailed:             {StatusOperational, StatusUnreachable, StatusForbidden},
	StatusForbidden:          {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus validates a wire status value.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusAwaitingAcceptance, StatusPendingOutbound, StatusOperational, StatusFailed, StatusForbidden, StatusUnreachable:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown endpoint status %q", fault.ErrInvalid, raw)
	}
}

// Role declares what a peer does in the farm.
type Role string

const (
	RoleBuilder           Role = "builder"
	RoleRepositoryManager Role = "repositoryManager"
	RoleHub               Role = "hub"
)

// ParseRole validates a wire role value.
func ParseRole(raw string) (Role, error) {
	switch r := Role(raw); r {
	case RoleBuilder, RoleRepositoryManager, RoleHub:
		return r, nil
	default:
		return "", fmt.Errorf("%w: unknown endpoint role %q", fault.ErrInvalid, raw)
	}
}

// WorkStatus is the builder-specific busy indicator.
type WorkStatus string

const (
	WorkStatusIdle    WorkStatus = "idle"
	WorkStatusRunning WorkStatus = "running"
)

// Endpoint is a remote peer as seen by the hub. AccountToken and APIToken
// are the credentials the hub uses to call out to this peer; they never
// leave the hub.
type Endpoint struct {
	ID           uuid.UUID   `json:"id" db:"id"`
	HostAddress  string      `json:"hostAddress" db:"host_address"`
	Status       Status      `json:"status" db:"status"`
	Error        *string     `json:"error,omitempty" db:"error"`
	AccountID    uuid.UUID   `json:"accountId" db:"account_id"`
	Role         Role        `json:"role" db:"role"`
	Arch         *string     `json:"arch,omitempty" db:"arch"`
	WorkStatus   *WorkStatus `json:"workStatus,omitempty" db:"work_status"`
	Description  string      `json:"description" db:"description"`
	AccountToken *string     `json:"-" db:"account_token"`
	APIToken     *string     `json:"-" db:"api_token"`
	CreatedAt    time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time   `json:"updatedAt" db:"updated_at"`
}
