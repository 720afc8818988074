// Package auth implements the trust primitives of the hub: EdDSA token
// issuance and validation, single-use challenge nonces, and the
// challenge-response handshake that proves key possession.
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"masond/pkg/keys"
	"masond/services/hub/fault"
	"masond/services/hub/identity"
)

// Purpose distinguishes the two credential tiers.
type Purpose string

const (
	// PurposeAccount is the longer-lived refresh credential.
	PurposeAccount Purpose = "account"
	// PurposeAPI is the short-lived per-request credential.
	PurposeAPI Purpose = "api"
)

// Duration returns the validity window for tokens of this purpose.
func (p Purpose) Duration() time.Duration {
	switch p {
	case PurposeAccount:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Claims is the token payload. Purpose, account id, and account kind ride
// alongside the registered claims.
type Claims struct {
	jwt.RegisteredClaims
	Purpose     Purpose       `json:"pur"`
	AccountID   uuid.UUID     `json:"uid"`
	AccountKind identity.Kind `json:"act"`
}

// TokenResponse is the credential pair returned by authentication, refresh,
// and enrollment acceptance.
type TokenResponse struct {
	AccountToken string `json:"accountToken"`
	APIToken     string `json:"apiToken"`
}

// Issuer signs and validates tokens with the service's own key pair.
type Issuer struct {
	keyPair     keys.KeyPair
	serviceName string
	now         func() time.Time
}

// NewIssuer creates an Issuer. serviceName becomes the iss claim.
func NewIssuer(keyPair keys.KeyPair, serviceName string) (*Issuer, error) {
	if serviceName == "" {
		return nil, errors.New("service name is required")
	}
	return &Issuer{keyPair: keyPair, serviceName: serviceName, now: time.Now}, nil
}

// Issue signs a token of the given purpose bound to the account, returning
// the encoded token and its absolute expiration.
func (i *Issuer) Issue(purpose Purpose, subject string, audience string, account identity.Account) (string, time.Time, error) {
	now := i.now().UTC()
	expires := now.Add(purpose.Duration())

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    i.serviceName,
			Subject:   subject,
		},
		Purpose:     purpose,
		AccountID:   account.ID,
		AccountKind: account.Kind,
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.keyPair.Private())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return encoded, expires, nil
}

// IssuePair mints an account/api token pair for the account. The account
// token expiration is returned so callers can persist it.
func (i *Issuer) IssuePair(subject, audience string, account identity.Account) (TokenResponse, time.Time, error) {
	accountToken, expires, err := i.Issue(PurposeAccount, subject, audience, account)
	if err != nil {
		return TokenResponse{}, time.Time{}, err
	}
	apiToken, _, err := i.Issue(PurposeAPI, subject, audience, account)
	if err != nil {
		return TokenResponse{}, time.Time{}, err
	}
	return TokenResponse{AccountToken: accountToken, APIToken: apiToken}, expires, nil
}

// Validate checks the token signature against the issuer's public key and
// confirms purpose and expiry. Expiration is observed here, at validation
// time; nothing evicts tokens in the background.
func (i *Issuer) Validate(encoded string, purpose Purpose) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(encoded, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ed25519.PublicKey(i.keyPair.PublicKey()), nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: token expired", fault.ErrUnauthenticated)
		}
		return Claims{}, fmt.Errorf("%w: %v", fault.ErrUnauthenticated, err)
	}

	if claims.Purpose != purpose {
		return Claims{}, fmt.Errorf("%w: token purpose %q, want %q", fault.ErrUnauthenticated, claims.Purpose, purpose)
	}
	if claims.AccountID == uuid.Nil {
		return Claims{}, fmt.Errorf("%w: token missing account", fault.ErrUnauthenticated)
	}

	return claims, nil
}
