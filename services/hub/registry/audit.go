package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"masond/services/hub/identity"
)

// Audit actions recorded for trust decisions.
const (
	AuditEnrollRequested  = "enroll.requested"
	AuditEnrollAccepted   = "enroll.accepted"
	AuditEnrollDeclined   = "enroll.declined"
	AuditEnrollSent       = "enroll.sent"
	AuditPeerAccepted     = "enroll.peer_accepted"
	AuditEndpointLeft     = "endpoint.left"
	AuditEndpointDemoted  = "endpoint.demoted"
	AuditEndpointRestored = "endpoint.restored"
)

// AuditEntry is one recorded trust decision. ActorID is the account the
// decision concerns, when one exists.
type AuditEntry struct {
	ID        int64           `db:"id" json:"id"`
	ActorID   *uuid.UUID      `db:"actor_id" json:"actorId,omitempty"`
	Action    string          `db:"action" json:"action"`
	Metadata  json.RawMessage `db:"metadata" json:"metadata"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// RecordAudit appends a trust decision to the audit log.
func (s *Store) RecordAudit(ctx context.Context, q identity.Querier, actor *uuid.UUID, action string, metadata map[string]any) error {
	if q == nil {
		q = s.pool
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}

	_, err = q.Exec(ctx,
		`INSERT INTO audit_log (actor_id, action, metadata, created_at) VALUES ($1, $2, $3, now());`,
		actor, action, encoded)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// AuditTrail returns the most recent audit entries, newest first.
func (s *Store) AuditTrail(ctx context.Context, q identity.Querier, limit int) ([]AuditEntry, error) {
	if q == nil {
		q = s.pool
	}
	if limit <= 0 {
		limit = 100
	}

	var entries []AuditEntry
	err := pgxscan.Select(ctx, q, &entries,
		`SELECT id, actor_id, action, metadata, created_at FROM audit_log ORDER BY id DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit trail: %w", err)
	}
	return entries, nil
}
