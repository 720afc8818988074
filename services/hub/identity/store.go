package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"masond/services/hub/fault"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so store operations
// can participate in a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides transactional access to accounts and account tokens.
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

// CreateParams describes a new account.
type CreateParams struct {
	ID        uuid.UUID
	Kind      Kind
	Username  string
	Name      string
	Email     string
	PublicKey string
}

// CreateAccount inserts a new account. A duplicate username fails with
// fault.ErrConflict and leaves nothing behind.
func (s *Store) CreateAccount(ctx context.Context, q Querier, p CreateParams) (Account, error) {
	if q == nil {
		q = s.pool
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Username == "" {
		return Account{}, fmt.Errorf("%w: username is required", fault.ErrInvalid)
	}

	query := `
        INSERT INTO account (id, kind, username, name, email, public_key, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, now())
        RETURNING id, kind, username, name, email, public_key, created_at;
    `

	var account Account
	err := q.QueryRow(ctx, query, p.ID, string(p.Kind), p.Username, p.Name, p.Email, p.PublicKey).
		Scan(&account.ID, &account.Kind, &account.Username, &account.Name, &account.Email, &account.PublicKey, &account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, fmt.Errorf("%w: username %q already exists", fault.ErrConflict, p.Username)
		}
		return Account{}, fmt.Errorf("create account: %w", err)
	}

	return account, nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, q Querier, id uuid.UUID) (Account, error) {
	if q == nil {
		q = s.pool
	}

	var account Account
	err := pgxscan.Get(ctx, q, &account, `
        SELECT id, kind, username, name, email, public_key, created_at
        FROM account
        WHERE id = $1;
    `, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: account %s", fault.ErrNotFound, id)
		}
		return Account{}, fmt.Errorf("get account: %w", err)
	}

	return account, nil
}

// LookupWithCredentials fetches an account by username and registered public
// key. A missing row or a key mismatch both fail with fault.ErrUnauthenticated
// so callers cannot probe which usernames exist.
func (s *Store) LookupWithCredentials(ctx context.Context, username, publicKey string) (Account, error) {
	var account Account
	err := pgxscan.Get(ctx, s.pool, &account, `
        SELECT id, kind, username, name, email, public_key, created_at
        FROM account
        WHERE username = $1 AND public_key = $2;
    `, username, publicKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("%w: unknown credentials", fault.ErrUnauthenticated)
		}
		return Account{}, fmt.Errorf("lookup account: %w", err)
	}

	return account, nil
}

// SetToken stores the account's current token, replacing any previous one.
// At most one live token exists per account.
func (s *Store) SetToken(ctx context.Context, q Querier, accountID uuid.UUID, encoded string, expiration time.Time) error {
	if q == nil {
		q = s.pool
	}

	_, err := q.Exec(ctx, `
        INSERT INTO account_token (account_id, encoded, expiration)
        VALUES ($1, $2, $3)
        ON CONFLICT (account_id) DO UPDATE SET
            encoded = EXCLUDED.encoded,
            expiration = EXCLUDED.expiration;
    `, accountID, encoded, expiration)
	if err != nil {
		return fmt.Errorf("set account token: %w", err)
	}

	return nil
}

// GetToken fetches the account's current token.
func (s *Store) GetToken(ctx context.Context, q Querier, accountID uuid.UUID) (Token, error) {
	if q == nil {
		q = s.pool
	}

	var token Token
	err := pgxscan.Get(ctx, q, &token, `
        SELECT account_id, encoded, expiration
        FROM account_token
        WHERE account_id = $1;
    `, accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, fmt.Errorf("%w: no token for account %s", fault.ErrNotFound, accountID)
		}
		return Token{}, fmt.Errorf("get account token: %w", err)
	}

	return token, nil
}

// RevokeToken deletes the account's current token, if any.
func (s *Store) RevokeToken(ctx context.Context, q Querier, accountID uuid.UUID) error {
	if q == nil {
		q = s.pool
	}

	if _, err := q.Exec(ctx, `DELETE FROM account_token WHERE account_id = $1;`, accountID); err != nil {
		return fmt.Errorf("revoke account token: %w", err)
	}
	return nil
}

// DeleteAccount removes an account; the account token and endpoint rows
// cascade with it.
func (s *Store) DeleteAccount(ctx context.Context, q Querier, accountID uuid.UUID) error {
	if q == nil {
		q = s.pool
	}

	if _, err := q.Exec(ctx, `DELETE FROM account WHERE id = $1;`, accountID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}
