package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"masond/services/hub/fault"
	"masond/services/hub/identity"
)

const endpointColumns = `
    id, host_address, status, error, account_id, role, arch, work_status,
    description, account_token, api_token, created_at, updated_at
`

// Store persists endpoints. All writes go through the registry; nothing
// else touches the endpoint table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Create inserts a new endpoint row. An endpoint already bound to the same
// account fails with fault.ErrConflict.
func (s *Store) Create(ctx context.Context, q identity.Querier, e Endpoint) (Endpoint, error) {
	if q == nil {
		q = s.pool
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	query := `
        INSERT INTO endpoint (
            id, host_address, status, error, account_id, role, arch, work_status,
            description, account_token, api_token, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
        RETURNING ` + endpointColumns + `;`

	var created Endpoint
	err := q.QueryRow(ctx, query,
		e.ID, e.HostAddress, string(e.Status), e.Error, e.AccountID,
		string(e.Role), e.Arch, e.WorkStatus, e.Description, e.AccountToken, e.APIToken).
		Scan(&created.ID, &created.HostAddress, &created.Status, &created.Error,
			&created.AccountID, &created.Role, &created.Arch, &created.WorkStatus, &created.Description,
			&created.AccountToken, &created.APIToken, &created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Endpoint{}, fmt.Errorf("%w: account %s already has an endpoint", fault.ErrConflict, e.AccountID)
		}
		return Endpoint{}, fmt.Errorf("create endpoint: %w", err)
	}
	return created, nil
}

// Get fetches an endpoint by id.
func (s *Store) Get(ctx context.Context, q identity.Querier, id uuid.UUID) (Endpoint, error) {
	if q == nil {
		q = s.pool
	}

	var e Endpoint
	err := pgxscan.Get(ctx, q, &e, `SELECT `+endpointColumns+` FROM endpoint WHERE id = $1;`, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Endpoint{}, fmt.Errorf("%w: endpoint %s", fault.ErrNotFound, id)
		}
		return Endpoint{}, fmt.Errorf("get endpoint: %w", err)
	}
	return e, nil
}

// GetByAccount fetches the endpoint bound to an account.
func (s *Store) GetByAccount(ctx context.Context, q identity.Querier, accountID uuid.UUID) (Endpoint, error) {
	if q == nil {
		q = s.pool
	}

	var e Endpoint
	err := pgxscan.Get(ctx, q, &e, `SELECT `+endpointColumns+` FROM endpoint WHERE account_id = $1;`, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Endpoint{}, fmt.Errorf("%w: no endpoint for account %s", fault.ErrNotFound, accountID)
		}
		return Endpoint{}, fmt.Errorf("get endpoint by account: %w", err)
	}
	return e, nil
}

// List returns endpoints, optionally filtered by status. A nil filter
// returns everything.
func (s *Store) List(ctx context.Context, q identity.Querier, status *Status) ([]Endpoint, error) {
	if q == nil {
		q = s.pool
	}

	var (
		endpoints []Endpoint
		err       error
	)
	if status == nil {
		err = pgxscan.Select(ctx, q, &endpoints, `SELECT `+endpointColumns+` FROM endpoint ORDER BY created_at;`)
	} else {
		err = pgxscan.Select(ctx, q, &endpoints, `SELECT `+endpointColumns+` FROM endpoint WHERE status = $1 ORDER BY created_at;`, string(*status))
	}
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return endpoints, nil
}

// FindByPublicKey fetches the endpoint whose account registered the given
// public key.
func (s *Store) FindByPublicKey(ctx context.Context, q identity.Querier, publicKey string) (Endpoint, error) {
	if q == nil {
		q = s.pool
	}

	var e Endpoint
	err := pgxscan.Get(ctx, q, &e, `
        SELECT endpoint.*
        FROM endpoint
        JOIN account ON account.id = endpoint.account_id
        WHERE account.public_key = $1;`, publicKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Endpoint{}, fmt.Errorf("%w: no endpoint for this key", fault.ErrNotFound)
		}
		return Endpoint{}, fmt.Errorf("find endpoint by key: %w", err)
	}
	return e, nil
}

// SetStatus moves an endpoint to a new status with an optional error detail.
// Illegal transitions fail with fault.ErrConflict.
func (s *Store) SetStatus(ctx context.Context, q identity.Querier, id uuid.UUID, to Status, detail *string) (Endpoint, error) {
	if q == nil {
		q = s.pool
	}

	current, err := s.Get(ctx, q, id)
	if err != nil {
		return Endpoint{}, err
	}
	if current.Status != to && !CanTransition(current.Status, to) {
		return Endpoint{}, fmt.Errorf("%w: endpoint %s cannot move %s -> %s", fault.ErrConflict, id, current.Status, to)
	}

	var e Endpoint
	err = pgxscan.Get(ctx, q, &e, `
        UPDATE endpoint
        SET status = $2, error = $3, updated_at = now()
        WHERE id = $1
        RETURNING `+endpointColumns+`;`, id, string(to), detail)
	if err != nil {
		return Endpoint{}, fmt.Errorf("set endpoint status: %w", err)
	}
	return e, nil
}

// ActivateOutbound flips a pending-outbound endpoint to operational in one
// guarded update, storing the issue token the peer handed over along with
// the peer's self-reported arch and description. An endpoint no longer
// pending fails with fault.ErrConflict.
func (s *Store) ActivateOutbound(ctx context.Context, q identity.Querier, id uuid.UUID, issueToken string, arch *string, description string) error {
	if q == nil {
		q = s.pool
	}

	tag, err := q.Exec(ctx, `
        UPDATE endpoint
        SET status = $2, account_token = $3, arch = $4, description = $5, updated_at = now()
        WHERE id = $1 AND status = $6;`,
		id, string(StatusOperational), issueToken, arch, description, string(StatusPendingOutbound))
	if err != nil {
		return fmt.Errorf("activate outbound endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: endpoint %s is not pending outbound", fault.ErrConflict, id)
	}
	return nil
}

// SetTokens records the credentials the hub uses to call out to this peer.
func (s *Store) SetTokens(ctx context.Context, q identity.Querier, id uuid.UUID, accountToken, apiToken string) error {
	if q == nil {
		q = s.pool
	}

	tag, err := q.Exec(ctx, `
        UPDATE endpoint
        SET account_token = $2, api_token = $3, updated_at = now()
        WHERE id = $1;`, id, accountToken, apiToken)
	if err != nil {
		return fmt.Errorf("set endpoint tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: endpoint %s", fault.ErrNotFound, id)
	}
	return nil
}

// SetWorkStatus records a builder's busy indicator.
func (s *Store) SetWorkStatus(ctx context.Context, q identity.Querier, id uuid.UUID, ws WorkStatus) error {
	if q == nil {
		q = s.pool
	}

	tag, err := q.Exec(ctx, `
        UPDATE endpoint
        SET work_status = $2, updated_at = now()
        WHERE id = $1;`, id, string(ws))
	if err != nil {
		return fmt.Errorf("set endpoint work status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: endpoint %s", fault.ErrNotFound, id)
	}
	return nil
}

// OperationalBuilders returns every builder endpoint currently eligible for
// allocation.
func (s *Store) OperationalBuilders(ctx context.Context, q identity.Querier) ([]Endpoint, error) {
	if q == nil {
		q = s.pool
	}

	var endpoints []Endpoint
	err := pgxscan.Select(ctx, q, &endpoints, `
        SELECT `+endpointColumns+`
        FROM endpoint
        WHERE status = $1 AND role = $2
        ORDER BY created_at;`, string(StatusOperational), string(RoleBuilder))
	if err != nil {
		return nil, fmt.Errorf("list operational builders: %w", err)
	}
	return endpoints, nil
}
