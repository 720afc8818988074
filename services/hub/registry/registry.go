package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"masond/pkg/bus"
	"masond/pkg/db"
	"masond/services/hub/auth"
	"masond/services/hub/fault"
	"masond/services/hub/identity"
)

// PeerClient makes the registry's outbound calls to remote services.
type PeerClient interface {
	Enroll(ctx context.Context, hostAddress string, req EnrollmentRequest) error
	Accept(ctx context.Context, hostAddress, bearer string, req EnrollmentRequest) error
	Decline(ctx context.Context, hostAddress, bearer string) error
	RefreshToken(ctx context.Context, hostAddress, accountToken string) (auth.TokenResponse, error)
}

// TaskReleaser returns a lost builder's in-flight tasks to the queue. The
// scheduler provides this; the indirection keeps the registry from
// depending on scheduling internals.
type TaskReleaser interface {
	ReleaseBuilder(ctx context.Context, q identity.Querier, builderID uuid.UUID) (int64, error)
}

// Registry owns the endpoint state machine and the bidirectional enrollment
// handshake.
type Registry struct {
	pool      *pgxpool.Pool
	accounts  *identity.Store
	endpoints *Store
	auth      *auth.Service
	peers     PeerClient
	events    *bus.Bus
	self      Issuer
	log       zerolog.Logger

	releaser TaskReleaser
}

// Params collects the registry's collaborators.
type Params struct {
	Pool      *pgxpool.Pool
	Accounts  *identity.Store
	Endpoints *Store
	Auth      *auth.Service
	Peers     PeerClient
	Events    *bus.Bus
	Self      Issuer
	Log       zerolog.Logger
}

// New creates a Registry.
func New(p Params) (*Registry, error) {
	if p.Pool == nil || p.Accounts == nil || p.Endpoints == nil || p.Auth == nil || p.Peers == nil {
		return nil, fmt.Errorf("registry: missing collaborator")
	}
	if err := p.Self.Validate(); err != nil {
		return nil, fmt.Errorf("registry: self descriptor: %w", err)
	}
	return &Registry{
		pool:      p.Pool,
		accounts:  p.Accounts,
		endpoints: p.Endpoints,
		auth:      p.Auth,
		peers:     p.Peers,
		events:    p.Events,
		self:      p.Self,
		log:       p.Log,
	}, nil
}

// SetTaskReleaser wires the scheduler in after construction. Construction
// order forces this: the scheduler needs the endpoint store first.
func (r *Registry) SetTaskReleaser(tr TaskReleaser) {
	r.releaser = tr
}

// Enroll records an inbound enrollment request as an awaiting-acceptance
// endpoint with a freshly created service account. A peer whose public key
// is already enrolled fails with fault.ErrConflict.
func (r *Registry) Enroll(ctx context.Context, req EnrollmentRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	if _, err := r.endpoints.FindByPublicKey(ctx, nil, req.Issuer.PublicKey); err == nil {
		return fmt.Errorf("%w: peer is already enrolled", fault.ErrConflict)
	}

	accountID := uuid.New()
	issueToken := req.IssueToken
	err := db.Tx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		account, err := r.accounts.CreateAccount(ctx, tx, identity.CreateParams{
			ID:        accountID,
			Kind:      identity.KindService,
			Username:  "@" + accountID.String(),
			Name:      req.Issuer.AdminName,
			Email:     req.Issuer.AdminEmail,
			PublicKey: req.Issuer.PublicKey,
		})
		if err != nil {
			return err
		}

		_, err = r.endpoints.Create(ctx, tx, Endpoint{
			HostAddress:  req.Issuer.URL,
			Status:       StatusAwaitingAcceptance,
			AccountID:    account.ID,
			Role:         req.Issuer.Role,
			Arch:         archOf(req.Issuer.Arch),
			Description:  req.Issuer.Description,
			AccountToken: &issueToken,
		})
		return err
	})
	if err != nil {
		return err
	}

	r.audit(ctx, &accountID, AuditEnrollRequested, map[string]any{
		"host": req.Issuer.URL,
		"role": string(req.Issuer.Role),
	})
	r.log.Info().
		Str("url", req.Issuer.URL).
		Str("role", string(req.Issuer.Role)).
		Msg("enrollment received, awaiting acceptance")
	return nil
}

// Visible returns every known endpoint.
func (r *Registry) Visible(ctx context.Context) ([]Endpoint, error) {
	return r.endpoints.List(ctx, nil, nil)
}

// Pending returns endpoints awaiting admin acceptance.
func (r *Registry) Pending(ctx context.Context) ([]Endpoint, error) {
	status := StatusAwaitingAcceptance
	return r.endpoints.List(ctx, nil, &status)
}

// AcceptPending approves an awaiting-acceptance endpoint: a token pair is
// minted for the peer's account and delivered via the peer's own Accept
// call, and the endpoint becomes operational. The minted token is persisted
// in the same transaction that flips the status, so an endpoint that never
// went operational holds no live credential. A delivery failure marks the
// endpoint failed with the error recorded.
func (r *Registry) AcceptPending(ctx context.Context, id uuid.UUID) error {
	endpoint, err := r.endpoints.Get(ctx, nil, id)
	if err != nil {
		return err
	}
	if endpoint.Status != StatusAwaitingAcceptance {
		return fmt.Errorf("%w: endpoint %s is %s, not awaiting acceptance", fault.ErrConflict, id, endpoint.Status)
	}
	if endpoint.AccountToken == nil {
		return fmt.Errorf("endpoint %s has no issue token on record", id)
	}

	account, err := r.accounts.GetAccount(ctx, nil, endpoint.AccountID)
	if err != nil {
		return err
	}
	pair, expires, err := r.auth.Mint(account)
	if err != nil {
		return err
	}

	err = r.peers.Accept(ctx, endpoint.HostAddress, *endpoint.AccountToken, EnrollmentRequest{
		Issuer:     r.self,
		IssueToken: pair.AccountToken,
	})
	if err != nil {
		detail := err.Error()
		if _, stErr := r.endpoints.SetStatus(ctx, nil, id, StatusFailed, &detail); stErr != nil {
			r.log.Error().Err(stErr).Str("endpoint", id.String()).Msg("failed to record accept failure")
		}
		return fmt.Errorf("%w: accept delivery to %s: %v", fault.ErrUnreachable, endpoint.HostAddress, err)
	}

	err = db.Tx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := r.auth.PersistAccountToken(ctx, tx, account.ID, pair.AccountToken, expires); err != nil {
			return err
		}
		_, err := r.endpoints.SetStatus(ctx, tx, id, StatusOperational, nil)
		return err
	})
	if err != nil {
		return err
	}

	r.audit(ctx, &endpoint.AccountID, AuditEnrollAccepted, map[string]any{"host": endpoint.HostAddress})
	r.log.Info().
		Str("endpoint", id.String()).
		Str("url", endpoint.HostAddress).
		Msg("endpoint accepted and operational")
	return nil
}

// DeclinePending refuses an awaiting-acceptance endpoint. The account and
// endpoint are removed and no credentials are ever issued. The peer is told
// best-effort.
func (r *Registry) DeclinePending(ctx context.Context, id uuid.UUID) error {
	endpoint, err := r.endpoints.Get(ctx, nil, id)
	if err != nil {
		return err
	}
	if endpoint.Status != StatusAwaitingAcceptance {
		return fmt.Errorf("%w: endpoint %s is %s, not awaiting acceptance", fault.ErrConflict, id, endpoint.Status)
	}

	if endpoint.AccountToken != nil {
		if err := r.peers.Decline(ctx, endpoint.HostAddress, *endpoint.AccountToken); err != nil {
			r.log.Warn().Err(err).Str("url", endpoint.HostAddress).Msg("peer unreachable for decline notice")
		}
	}

	if err := r.accounts.DeleteAccount(ctx, nil, endpoint.AccountID); err != nil {
		return err
	}
	r.audit(ctx, &endpoint.AccountID, AuditEnrollDeclined, map[string]any{"host": endpoint.HostAddress})
	return nil
}

// SendEnrollment enrolls the hub with a configured peer. The peer's service
// account and a pending-outbound endpoint row are created in one
// transaction before delivery, so the handshake survives a restart. A
// target that already has an endpoint in any other status is skipped; a
// pending-outbound target is re-delivered without creating anything.
func (r *Registry) SendEnrollment(ctx context.Context, target Target) error {
	issuer := Issuer{
		PublicKey: target.PublicKey,
		URL:       target.Host,
		Role:      target.Role,
	}
	if err := issuer.Validate(); err != nil {
		return err
	}

	if existing, err := r.endpoints.FindByPublicKey(ctx, nil, target.PublicKey); err == nil {
		if existing.Status != StatusPendingOutbound {
			r.log.Debug().
				Str("url", target.Host).
				Str("status", string(existing.Status)).
				Msg("target already enrolled, skipping")
			return nil
		}
		return r.redeliverEnrollment(ctx, existing)
	}

	accountID := uuid.New()
	var account identity.Account
	err := db.Tx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		account, err = r.accounts.CreateAccount(ctx, tx, identity.CreateParams{
			ID:        accountID,
			Kind:      identity.KindService,
			Username:  "@" + accountID.String(),
			PublicKey: target.PublicKey,
		})
		if err != nil {
			return err
		}
		_, err = r.endpoints.Create(ctx, tx, Endpoint{
			HostAddress: target.Host,
			Status:      StatusPendingOutbound,
			AccountID:   account.ID,
			Role:        target.Role,
			Arch:        archOf(target.Arch),
			Description: target.Description,
		})
		return err
	})
	if err != nil {
		return err
	}
	pair, err := r.auth.IssuePair(ctx, account)
	if err != nil {
		return err
	}

	err = r.peers.Enroll(ctx, target.Host, EnrollmentRequest{
		Issuer:     r.self,
		IssueToken: pair.AccountToken,
	})
	if err != nil {
		if delErr := r.accounts.DeleteAccount(ctx, nil, account.ID); delErr != nil {
			r.log.Error().Err(delErr).Str("url", target.Host).Msg("failed to clean up account after send failure")
		}
		return fmt.Errorf("%w: enroll delivery to %s: %v", fault.ErrUnreachable, target.Host, err)
	}

	r.audit(ctx, &account.ID, AuditEnrollSent, map[string]any{
		"host": target.Host,
		"role": string(target.Role),
	})
	r.log.Info().Str("url", target.Host).Str("role", string(target.Role)).Msg("enrollment sent")
	return nil
}

// redeliverEnrollment retries delivery for an enrollment whose row already
// exists. A fresh issue token is minted; the peer may already hold the
// earlier one, so a refused delivery is logged and the row kept.
func (r *Registry) redeliverEnrollment(ctx context.Context, endpoint Endpoint) error {
	account, err := r.accounts.GetAccount(ctx, nil, endpoint.AccountID)
	if err != nil {
		return err
	}
	pair, err := r.auth.IssuePair(ctx, account)
	if err != nil {
		return err
	}
	err = r.peers.Enroll(ctx, endpoint.HostAddress, EnrollmentRequest{
		Issuer:     r.self,
		IssueToken: pair.AccountToken,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("url", endpoint.HostAddress).Msg("enrollment redelivery refused, keeping pending row")
		return nil
	}
	r.log.Info().Str("url", endpoint.HostAddress).Msg("enrollment redelivered")
	return nil
}

// Accept handles the remote side accepting an enrollment we sent. The
// presented issuer must match the pending-outbound endpoint we created when
// sending; a key we never contacted is refused outright.
func (r *Registry) Accept(ctx context.Context, req EnrollmentRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	pending, err := r.endpoints.FindByPublicKey(ctx, nil, req.Issuer.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: no enrollment pending for this key", fault.ErrForbidden)
	}
	if pending.Status != StatusPendingOutbound {
		return fmt.Errorf("%w: no enrollment pending for this key", fault.ErrForbidden)
	}
	if pending.HostAddress != req.Issuer.URL || pending.Role != req.Issuer.Role {
		return fmt.Errorf("%w: issuer does not match the enrolled target", fault.ErrForbidden)
	}

	issueToken := req.IssueToken
	if err := r.endpoints.ActivateOutbound(ctx, nil, pending.ID, issueToken, archOf(req.Issuer.Arch), req.Issuer.Description); err != nil {
		return err
	}

	// Trade the handed-over account token for a full pair. Outbound calls
	// prefer the api token and fall back to the account token.
	if pair, err := r.peers.RefreshToken(ctx, req.Issuer.URL, issueToken); err != nil {
		r.log.Warn().Err(err).Str("url", req.Issuer.URL).Msg("could not refresh tokens with peer")
	} else if err := r.endpoints.SetTokens(ctx, nil, pending.ID, pair.AccountToken, pair.APIToken); err != nil {
		r.log.Error().Err(err).Str("endpoint", pending.ID.String()).Msg("failed to store peer tokens")
	}

	r.audit(ctx, &pending.AccountID, AuditPeerAccepted, map[string]any{"host": req.Issuer.URL})
	r.log.Info().Str("url", req.Issuer.URL).Msg("peer accepted our enrollment")
	return nil
}

// Decline handles the remote side refusing an enrollment we sent. The
// provisional account and its pending-outbound endpoint are removed; an
// endpoint past the handshake cannot be declined away.
func (r *Registry) Decline(ctx context.Context, accountID uuid.UUID) error {
	endpoint, err := r.endpoints.GetByAccount(ctx, nil, accountID)
	if err != nil {
		return err
	}
	if endpoint.Status != StatusPendingOutbound {
		return fmt.Errorf("%w: endpoint %s is %s, not pending outbound", fault.ErrConflict, endpoint.ID, endpoint.Status)
	}
	return r.accounts.DeleteAccount(ctx, nil, accountID)
}

// Leave removes the peer bound to accountID from the farm. Any tasks it
// holds return to the queue; the account and all its credentials go with it.
func (r *Registry) Leave(ctx context.Context, accountID uuid.UUID) error {
	endpoint, err := r.endpoints.GetByAccount(ctx, nil, accountID)
	if err != nil {
		return err
	}

	var released int64
	err = db.Tx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if endpoint.Status == StatusOperational && r.releaser != nil {
			released, err = r.releaser.ReleaseBuilder(ctx, tx, endpoint.ID)
			if err != nil {
				return err
			}
		}
		return r.accounts.DeleteAccount(ctx, tx, accountID)
	})
	if err != nil {
		return err
	}

	r.notifyLost(ctx, endpoint.ID, released)
	r.audit(ctx, &accountID, AuditEndpointLeft, map[string]any{
		"host":     endpoint.HostAddress,
		"released": released,
	})
	r.log.Info().
		Str("endpoint", endpoint.ID.String()).
		Int64("released", released).
		Msg("endpoint left the farm")
	return nil
}

// Demote moves an endpoint out of operational service, releasing any tasks
// it holds in the same transaction. Allowed targets are unreachable, failed,
// and forbidden; forbidding also revokes the account's refresh token.
func (r *Registry) Demote(ctx context.Context, id uuid.UUID, to Status, detail string) error {
	if to != StatusUnreachable && to != StatusFailed && to != StatusForbidden {
		return fmt.Errorf("%w: %s is not a demotion target", fault.ErrInvalid, to)
	}

	endpoint, err := r.endpoints.Get(ctx, nil, id)
	if err != nil {
		return err
	}

	var released int64
	err = db.Tx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		var d *string
		if detail != "" {
			d = &detail
		}
		if _, err := r.endpoints.SetStatus(ctx, tx, id, to, d); err != nil {
			return err
		}
		if to == StatusForbidden {
			if err := r.accounts.RevokeToken(ctx, tx, endpoint.AccountID); err != nil {
				return err
			}
		}
		if endpoint.Status == StatusOperational && r.releaser != nil {
			released, err = r.releaser.ReleaseBuilder(ctx, tx, id)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if endpoint.Status == StatusOperational {
		r.notifyLost(ctx, id, released)
	}
	r.audit(ctx, &endpoint.AccountID, AuditEndpointDemoted, map[string]any{
		"status": string(to),
		"detail": detail,
	})
	r.log.Warn().
		Str("endpoint", id.String()).
		Str("status", string(to)).
		Str("detail", detail).
		Int64("released", released).
		Msg("endpoint demoted")
	return nil
}

// Restore returns a previously unreachable or failed endpoint to service.
func (r *Registry) Restore(ctx context.Context, id uuid.UUID) error {
	endpoint, err := r.endpoints.SetStatus(ctx, nil, id, StatusOperational, nil)
	if err != nil {
		return err
	}
	r.audit(ctx, &endpoint.AccountID, AuditEndpointRestored, nil)
	r.log.Info().Str("endpoint", id.String()).Msg("endpoint restored to operational")
	return nil
}

// Audit returns the most recent trust decisions, newest first.
func (r *Registry) Audit(ctx context.Context, limit int) ([]AuditEntry, error) {
	return r.endpoints.AuditTrail(ctx, nil, limit)
}

// audit appends to the trail without ever failing the decision it records.
func (r *Registry) audit(ctx context.Context, actor *uuid.UUID, action string, metadata map[string]any) {
	if err := r.endpoints.RecordAudit(ctx, nil, actor, action, metadata); err != nil {
		r.log.Error().Err(err).Str("action", action).Msg("failed to record audit entry")
	}
}

// SetWorkStatus records a builder's reported busy state.
func (r *Registry) SetWorkStatus(ctx context.Context, accountID uuid.UUID, ws WorkStatus) error {
	endpoint, err := r.endpoints.GetByAccount(ctx, nil, accountID)
	if err != nil {
		return err
	}
	return r.endpoints.SetWorkStatus(ctx, nil, endpoint.ID, ws)
}

func archOf(arch string) *string {
	if arch == "" {
		return nil
	}
	return &arch
}

// notifyLost wakes the scheduler after a builder leaves operational service
// so released tasks reallocate promptly.
func (r *Registry) notifyLost(ctx context.Context, id uuid.UUID, released int64) {
	if r.events == nil || released == 0 {
		return
	}
	if err := r.events.Publish(ctx, bus.SubjectEndpointLost, id.String()); err != nil {
		r.log.Error().Err(err).Msg("failed to publish endpoint-lost event")
	}
}
