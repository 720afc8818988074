package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"masond/pkg/keys"
	"masond/services/hub/fault"
	"masond/services/hub/identity"
)

// Credentials identifies the party opening a handshake.
type Credentials struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

// AccountStore is the slice of the identity store the auth flows need.
type AccountStore interface {
	LookupWithCredentials(ctx context.Context, username, publicKey string) (identity.Account, error)
	GetAccount(ctx context.Context, q identity.Querier, id uuid.UUID) (identity.Account, error)
	GetToken(ctx context.Context, q identity.Querier, accountID uuid.UUID) (identity.Token, error)
	SetToken(ctx context.Context, q identity.Querier, accountID uuid.UUID, encoded string, expiration time.Time) error
}

// Service wires token issuance, challenges, and the account store into the
// authentication flows exposed by the gateway.
type Service struct {
	issuer     *Issuer
	challenges *ChallengeStore
	accounts   AccountStore
	audience   string
}

// NewService creates the auth service. audience becomes the aud claim of
// every issued token.
func NewService(issuer *Issuer, challenges *ChallengeStore, accounts AccountStore, audience string) *Service {
	return &Service{
		issuer:     issuer,
		challenges: challenges,
		accounts:   accounts,
		audience:   audience,
	}
}

// Issuer exposes the underlying token issuer for request validation.
func (s *Service) Issuer() *Issuer {
	return s.issuer
}

// IssuePair mints a token pair for account and persists the account token
// so a later refresh can be checked against it.
func (s *Service) IssuePair(ctx context.Context, account identity.Account) (TokenResponse, error) {
	pair, expires, err := s.Mint(account)
	if err != nil {
		return TokenResponse{}, err
	}
	if err := s.PersistAccountToken(ctx, nil, account.ID, pair.AccountToken, expires); err != nil {
		return TokenResponse{}, err
	}
	return pair, nil
}

// Mint signs a token pair without persisting anything. The pair cannot be
// refreshed until its account token is persisted.
func (s *Service) Mint(account identity.Account) (TokenResponse, time.Time, error) {
	return s.issuer.IssuePair(account.ID.String(), s.audience, account)
}

// PersistAccountToken records a minted account token through q so refresh
// can verify it. Callers combine this with their own writes in one
// transaction when the token must not outlive them.
func (s *Service) PersistAccountToken(ctx context.Context, q identity.Querier, accountID uuid.UUID, encoded string, expires time.Time) error {
	return s.accounts.SetToken(ctx, q, accountID, encoded, expires)
}

// Refresh exchanges a valid account token for a fresh pair. The presented
// token must match the stored current token exactly; refreshing invalidates
// the old pair.
func (s *Service) Refresh(ctx context.Context, presented string) (TokenResponse, error) {
	claims, err := s.issuer.Validate(presented, PurposeAccount)
	if err != nil {
		return TokenResponse{}, err
	}

	stored, err := s.accounts.GetToken(ctx, nil, claims.AccountID)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("%w: no current token on record", fault.ErrUnauthenticated)
	}
	if stored.Encoded != presented {
		return TokenResponse{}, fmt.Errorf("%w: token superseded", fault.ErrUnauthenticated)
	}

	account, err := s.accounts.GetAccount(ctx, nil, claims.AccountID)
	if err != nil {
		return TokenResponse{}, err
	}
	return s.IssuePair(ctx, account)
}

// HandshakeState tracks progress through the challenge-response exchange.
type HandshakeState int

const (
	// StateAwaitingCredentials means no message has been processed yet.
	StateAwaitingCredentials HandshakeState = iota
	// StateAwaitingSignature means a challenge has been issued.
	StateAwaitingSignature
	// StateAuthenticated means the exchange completed and tokens were issued.
	StateAuthenticated
	// StateFailed means the exchange cannot proceed.
	StateFailed
)

// Handshake is one in-flight challenge-response exchange. It is not safe
// for concurrent use; each connection gets its own.
type Handshake struct {
	service *Service
	state   HandshakeState
	account identity.Account
}

// NewHandshake starts a fresh exchange.
func (s *Service) NewHandshake() *Handshake {
	return &Handshake{service: s}
}

// State reports where the exchange currently stands.
func (h *Handshake) State() HandshakeState {
	return h.state
}

// Begin validates the presented credentials against the account registry and
// issues a challenge. Unknown usernames and mismatched keys fail alike.
func (h *Handshake) Begin(ctx context.Context, creds Credentials) (string, error) {
	if h.state != StateAwaitingCredentials {
		h.state = StateFailed
		return "", fmt.Errorf("%w: credentials out of order", fault.ErrInvalid)
	}

	account, err := h.service.accounts.LookupWithCredentials(ctx, creds.Username, creds.PublicKey)
	if err != nil {
		h.state = StateFailed
		return "", err
	}

	nonce, err := h.service.challenges.Issue(account.Username)
	if err != nil {
		h.state = StateFailed
		return "", err
	}

	h.account = account
	h.state = StateAwaitingSignature
	return nonce, nil
}

// Complete verifies the signature over the issued challenge and, on success,
// mints a token pair. The challenge is consumed whether or not the signature
// verifies.
func (h *Handshake) Complete(ctx context.Context, nonce, signature string) (TokenResponse, error) {
	if h.state != StateAwaitingSignature {
		h.state = StateFailed
		return TokenResponse{}, fmt.Errorf("%w: signature out of order", fault.ErrInvalid)
	}

	if err := h.service.challenges.Redeem(nonce, h.account.Username); err != nil {
		h.state = StateFailed
		return TokenResponse{}, err
	}

	key, err := keys.DecodePublicKey(h.account.PublicKey)
	if err != nil {
		h.state = StateFailed
		return TokenResponse{}, fmt.Errorf("%w: stored key unreadable", fault.ErrUnauthenticated)
	}
	if err := key.Verify([]byte(nonce), signature); err != nil {
		h.state = StateFailed
		return TokenResponse{}, fmt.Errorf("%w: signature rejected", fault.ErrUnauthenticated)
	}

	pair, err := h.service.IssuePair(ctx, h.account)
	if err != nil {
		h.state = StateFailed
		return TokenResponse{}, err
	}

	h.state = StateAuthenticated
	return pair, nil
}
