package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"masond/pkg/keys"
	"masond/services/hub/fault"
	"masond/services/hub/identity"
)

type fakeAccounts struct {
	accounts map[uuid.UUID]identity.Account
	tokens   map[uuid.UUID]identity.Token
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		accounts: make(map[uuid.UUID]identity.Account),
		tokens:   make(map[uuid.UUID]identity.Token),
	}
}

func (f *fakeAccounts) LookupWithCredentials(_ context.Context, username, publicKey string) (identity.Account, error) {
	for _, a := range f.accounts {
		if a.Username == username && a.PublicKey == publicKey {
			return a, nil
		}
	}
	return identity.Account{}, fault.ErrUnauthenticated
}

func (f *fakeAccounts) GetAccount(_ context.Context, _ identity.Querier, id uuid.UUID) (identity.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return identity.Account{}, fault.ErrNotFound
	}
	return a, nil
}

func (f *fakeAccounts) GetToken(_ context.Context, _ identity.Querier, accountID uuid.UUID) (identity.Token, error) {
	t, ok := f.tokens[accountID]
	if !ok {
		return identity.Token{}, fault.ErrNotFound
	}
	return t, nil
}

func (f *fakeAccounts) SetToken(_ context.Context, _ identity.Querier, accountID uuid.UUID, encoded string, expiration time.Time) error {
	f.tokens[accountID] = identity.Token{AccountID: accountID, Encoded: encoded, Expiration: expiration}
	return nil
}

func testService(t *testing.T) (*Service, *fakeAccounts, keys.KeyPair) {
	t.Helper()

	serviceKeys, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate service keys: %v", err)
	}
	issuer, err := NewIssuer(serviceKeys, "hub-test")
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	accounts := newFakeAccounts()
	return NewService(issuer, NewChallengeStore(), accounts, "example.com"), accounts, serviceKeys
}

func addAccount(t *testing.T, accounts *fakeAccounts, username string) (identity.Account, keys.KeyPair) {
	t.Helper()

	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate account keys: %v", err)
	}
	account := identity.Account{
		ID:        uuid.New(),
		Kind:      identity.KindService,
		Username:  username,
		PublicKey: kp.PublicKey().Encode(),
	}
	accounts.accounts[account.ID] = account
	return account, kp
}

func TestIssueAndValidate(t *testing.T) {
	service, accounts, _ := testService(t)
	account, _ := addAccount(t, accounts, "builder-1")

	for _, purpose := range []Purpose{PurposeAccount, PurposeAPI} {
		encoded, expires, err := service.Issuer().Issue(purpose, account.ID.String(), "example.com", account)
		if err != nil {
			t.Fatalf("issue %s token: %v", purpose, err)
		}
		if !expires.After(time.Now()) {
			t.Fatalf("%s token already expired at %v", purpose, expires)
		}

		claims, err := service.Issuer().Validate(encoded, purpose)
		if err != nil {
			t.Fatalf("validate %s token: %v", purpose, err)
		}
		if claims.AccountID != account.ID {
			t.Fatalf("claims account = %v, want %v", claims.AccountID, account.ID)
		}
		if claims.AccountKind != identity.KindService {
			t.Fatalf("claims kind = %v, want %v", claims.AccountKind, identity.KindService)
		}
	}
}

func TestValidateRejectsWrongPurpose(t *testing.T) {
	service, accounts, _ := testService(t)
	account, _ := addAccount(t, accounts, "builder-1")

	encoded, _, err := service.Issuer().Issue(PurposeAPI, account.ID.String(), "example.com", account)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := service.Issuer().Validate(encoded, PurposeAccount); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	service, accounts, _ := testService(t)
	account, _ := addAccount(t, accounts, "builder-1")

	service.issuer.now = func() time.Time { return time.Now().Add(-8 * 24 * time.Hour) }
	encoded, _, err := service.Issuer().Issue(PurposeAccount, account.ID.String(), "example.com", account)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	service.issuer.now = time.Now

	if _, err := service.Issuer().Validate(encoded, PurposeAccount); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestValidateRejectsForeignSigner(t *testing.T) {
	service, accounts, _ := testService(t)
	account, _ := addAccount(t, accounts, "builder-1")

	foreignKeys, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	foreign, err := NewIssuer(foreignKeys, "hub-test")
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	encoded, _, err := foreign.Issue(PurposeAPI, account.ID.String(), "example.com", account)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := service.Issuer().Validate(encoded, PurposeAPI); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestChallengeIsSingleUse(t *testing.T) {
	store := NewChallengeStore()

	nonce, err := store.Issue("builder-1")
	if err != nil {
		t.Fatalf("issue challenge: %v", err)
	}
	if err := store.Redeem(nonce, "builder-1"); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if err := store.Redeem(nonce, "builder-1"); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("second redeem got %v, want ErrUnauthenticated", err)
	}
}

func TestChallengeBoundToUsername(t *testing.T) {
	store := NewChallengeStore()

	nonce, err := store.Issue("builder-1")
	if err != nil {
		t.Fatalf("issue challenge: %v", err)
	}
	if err := store.Redeem(nonce, "builder-2"); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestChallengeExpires(t *testing.T) {
	store := NewChallengeStore()

	nonce, err := store.Issue("builder-1")
	if err != nil {
		t.Fatalf("issue challenge: %v", err)
	}
	store.now = func() time.Time { return time.Now().Add(challengeTTL + time.Second) }
	if err := store.Redeem(nonce, "builder-1"); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}

func TestHandshakeSucceeds(t *testing.T) {
	service, accounts, _ := testService(t)
	account, kp := addAccount(t, accounts, "builder-1")

	ctx := context.Background()
	hs := service.NewHandshake()

	nonce, err := hs.Begin(ctx, Credentials{Username: account.Username, PublicKey: account.PublicKey})
	if err != nil {
		t.Fatalf("begin handshake: %v", err)
	}
	if hs.State() != StateAwaitingSignature {
		t.Fatalf("state = %v, want StateAwaitingSignature", hs.State())
	}

	signature, err := kp.Sign([]byte(nonce))
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}
	pair, err := hs.Complete(ctx, nonce, signature)
	if err != nil {
		t.Fatalf("complete handshake: %v", err)
	}
	if hs.State() != StateAuthenticated {
		t.Fatalf("state = %v, want StateAuthenticated", hs.State())
	}

	claims, err := service.Issuer().Validate(pair.APIToken, PurposeAPI)
	if err != nil {
		t.Fatalf("validate api token: %v", err)
	}
	if claims.AccountID != account.ID {
		t.Fatalf("api token account = %v, want %v", claims.AccountID, account.ID)
	}
	stored, err := accounts.GetToken(ctx, nil, account.ID)
	if err != nil {
		t.Fatalf("stored token: %v", err)
	}
	if stored.Encoded != pair.AccountToken {
		t.Fatal("stored account token does not match issued token")
	}
}

func TestHandshakeRejectsUnknownCredentials(t *testing.T) {
	service, _, _ := testService(t)

	hs := service.NewHandshake()
	_, err := hs.Begin(context.Background(), Credentials{Username: "ghost", PublicKey: "bogus"})
	if !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
	if hs.State() != StateFailed {
		t.Fatalf("state = %v, want StateFailed", hs.State())
	}
}

func TestHandshakeRejectsForeignSignature(t *testing.T) {
	service, accounts, _ := testService(t)
	account, _ := addAccount(t, accounts, "builder-1")

	ctx := context.Background()
	hs := service.NewHandshake()

	nonce, err := hs.Begin(ctx, Credentials{Username: account.Username, PublicKey: account.PublicKey})
	if err != nil {
		t.Fatalf("begin handshake: %v", err)
	}

	foreign, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	signature, err := foreign.Sign([]byte(nonce))
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}
	if _, err := hs.Complete(ctx, nonce, signature); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
	if hs.State() != StateFailed {
		t.Fatalf("state = %v, want StateFailed", hs.State())
	}
}

func TestHandshakeEnforcesMessageOrder(t *testing.T) {
	service, _, _ := testService(t)

	hs := service.NewHandshake()
	if _, err := hs.Complete(context.Background(), "whatever", "sig"); !errors.Is(err, fault.ErrInvalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	service, accounts, _ := testService(t)
	account, _ := addAccount(t, accounts, "builder-1")

	ctx := context.Background()
	first, err := service.IssuePair(ctx, account)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	// Sign times have second resolution; make sure the rotated token differs.
	service.issuer.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	second, err := service.Refresh(ctx, first.AccountToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.AccountToken == first.AccountToken {
		t.Fatal("refresh returned the same account token")
	}

	if _, err := service.Refresh(ctx, first.AccountToken); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("refresh with superseded token got %v, want ErrUnauthenticated", err)
	}
	if _, err := service.Refresh(ctx, second.AccountToken); err != nil {
		t.Fatalf("refresh with current token: %v", err)
	}
}

func TestMintDoesNotPersist(t *testing.T) {
	service, accounts, _ := testService(t)
	account, _ := addAccount(t, accounts, "builder-1")

	ctx := context.Background()
	pair, expires, err := service.Mint(account)
	if err != nil {
		t.Fatalf("mint pair: %v", err)
	}
	if _, err := accounts.GetToken(ctx, nil, account.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("stored token after mint got %v, want ErrNotFound", err)
	}
	if _, err := service.Refresh(ctx, pair.AccountToken); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("refresh of unpersisted token got %v, want ErrUnauthenticated", err)
	}

	if err := service.PersistAccountToken(ctx, nil, account.ID, pair.AccountToken, expires); err != nil {
		t.Fatalf("persist account token: %v", err)
	}
	if _, err := service.Refresh(ctx, pair.AccountToken); err != nil {
		t.Fatalf("refresh after persist: %v", err)
	}
}

func TestRefreshRejectsAPIToken(t *testing.T) {
	service, accounts, _ := testService(t)
	account, _ := addAccount(t, accounts, "builder-1")

	ctx := context.Background()
	pair, err := service.IssuePair(ctx, account)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	if _, err := service.Refresh(ctx, pair.APIToken); !errors.Is(err, fault.ErrUnauthenticated) {
		t.Fatalf("got %v, want ErrUnauthenticated", err)
	}
}
