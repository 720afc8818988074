package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"masond/pkg/keys"
	"masond/services/hub/auth"
	"masond/services/hub/fault"
	"masond/services/hub/identity"
	"masond/services/hub/registry"
	"masond/services/hub/scheduler"
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

type fakeRegistry struct {
	enrolled   []registry.EnrollmentRequest
	workStatus map[uuid.UUID]registry.WorkStatus
	pending    []registry.Endpoint
	accepted   []uuid.UUID
	audit      []registry.AuditEntry
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{workStatus: make(map[uuid.UUID]registry.WorkStatus)}
}

func (f *fakeRegistry) Enroll(_ context.Context, req registry.EnrollmentRequest) error {
	f.enrolled = append(f.enrolled, req)
	return nil
}
func (f *fakeRegistry) Accept(context.Context, registry.EnrollmentRequest) error { return nil }
func (f *fakeRegistry) Decline(context.Context, uuid.UUID) error                 { return nil }
func (f *fakeRegistry) Leave(context.Context, uuid.UUID) error                   { return nil }
func (f *fakeRegistry) Visible(context.Context) ([]registry.Endpoint, error)     { return nil, nil }
func (f *fakeRegistry) Pending(context.Context) ([]registry.Endpoint, error) {
	return f.pending, nil
}
func (f *fakeRegistry) AcceptPending(_ context.Context, id uuid.UUID) error {
	f.accepted = append(f.accepted, id)
	return nil
}
func (f *fakeRegistry) DeclinePending(context.Context, uuid.UUID) error { return nil }
func (f *fakeRegistry) Restore(context.Context, uuid.UUID) error        { return nil }
func (f *fakeRegistry) SetWorkStatus(_ context.Context, accountID uuid.UUID, ws registry.WorkStatus) error {
	f.workStatus[accountID] = ws
	return nil
}
func (f *fakeRegistry) Audit(context.Context, int) ([]registry.AuditEntry, error) {
	return f.audit, nil
}

type fakeScheduler struct {
	reports []scheduler.ReportParams
}

func (f *fakeScheduler) Enqueue(_ context.Context, p scheduler.EnqueueParams) (scheduler.Task, error) {
	return scheduler.Task{ID: 1, BuildID: uuid.New(), PackageID: p.PackageID, Status: scheduler.StatusQueued}, nil
}
func (f *fakeScheduler) Report(_ context.Context, r scheduler.ReportParams) error {
	f.reports = append(f.reports, r)
	return nil
}
func (f *fakeScheduler) Tasks(context.Context, *scheduler.Status) ([]scheduler.Task, error) {
	return nil, nil
}

type fakeResolver struct {
	endpoints map[uuid.UUID]registry.Endpoint
}

func (f *fakeResolver) GetByAccount(_ context.Context, _ identity.Querier, accountID uuid.UUID) (registry.Endpoint, error) {
	e, ok := f.endpoints[accountID]
	if !ok {
		return registry.Endpoint{}, fault.ErrNotFound
	}
	return e, nil
}

type fixture struct {
	gateway   *Gateway
	server    *httptest.Server
	accounts  *fakeAccounts
	registry  *fakeRegistry
	scheduler *fakeScheduler
	resolver  *fakeResolver
	service   *auth.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	serviceKeys, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	issuer, err := auth.NewIssuer(serviceKeys, "hub-test")
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}

	accounts := newFakeAccounts()
	service := auth.NewService(issuer, auth.NewChallengeStore(), accounts, "example.com")
	reg := newFakeRegistry()
	sched := &fakeScheduler{}
	resolver := &fakeResolver{endpoints: make(map[uuid.UUID]registry.Endpoint)}

	gw, err := New(service, reg, sched, resolver, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	routes, err := gw.Routes()
	if err != nil {
		t.Fatalf("routes: %v", err)
	}

	server := httptest.NewServer(routes)
	t.Cleanup(server.Close)

	return &fixture{
		gateway:   gw,
		server:    server,
		accounts:  accounts,
		registry:  reg,
		scheduler: sched,
		resolver:  resolver,
		service:   service,
	}
}

func (f *fixture) addAccount(t *testing.T, kind identity.Kind, username string) (identity.Account, keys.KeyPair) {
	t.Helper()

	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	account := identity.Account{
		ID:        uuid.New(),
		Kind:      kind,
		Username:  username,
		PublicKey: kp.PublicKey().Encode(),
	}
	f.accounts.accounts[account.ID] = account
	return account, kp
}

func (f *fixture) apiToken(t *testing.T, account identity.Account) string {
	t.Helper()

	pair, err := f.service.IssuePair(context.Background(), account)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	return pair.APIToken
}

func (f *fixture) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthenticateWebsocketRoundtrip(t *testing.T) {
	f := newFixture(t)
	account, kp := f.addAccount(t, identity.KindService, "builder-1")

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/services/authenticate"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	err = conn.WriteJSON(map[string]any{
		"credentials": map[string]string{
			"username":  account.Username,
			"publicKey": account.PublicKey,
		},
	})
	if err != nil {
		t.Fatalf("send credentials: %v", err)
	}

	var challenge struct {
		Challenge string `json:"challenge"`
	}
	if err := conn.ReadJSON(&challenge); err != nil {
		t.Fatalf("read challenge: %v", err)
	}
	if challenge.Challenge == "" {
		t.Fatal("empty challenge")
	}

	signature, err := kp.Sign([]byte(challenge.Challenge))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"signature": signature}); err != nil {
		t.Fatalf("send signature: %v", err)
	}

	var tokens struct {
		Tokens auth.TokenResponse `json:"tokens"`
	}
	if err := conn.ReadJSON(&tokens); err != nil {
		t.Fatalf("read tokens: %v", err)
	}
	if tokens.Tokens.AccountToken == "" || tokens.Tokens.APIToken == "" {
		t.Fatal("incomplete token pair")
	}
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	account, _ := f.addAccount(t, identity.KindService, "builder-1")

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/services/authenticate"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	err = conn.WriteJSON(map[string]any{
		"credentials": map[string]string{
			"username":  account.Username,
			"publicKey": account.PublicKey,
		},
	})
	if err != nil {
		t.Fatalf("send credentials: %v", err)
	}

	var challenge struct {
		Challenge string `json:"challenge"`
	}
	if err := conn.ReadJSON(&challenge); err != nil {
		t.Fatalf("read challenge: %v", err)
	}

	foreign, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	signature, err := foreign.Sign([]byte(challenge.Challenge))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"signature": signature}); err != nil {
		t.Fatalf("send signature: %v", err)
	}

	var failure struct {
		Kind string `json:"kind"`
	}
	if err := conn.ReadJSON(&failure); err != nil {
		t.Fatalf("read failure: %v", err)
	}
	if failure.Kind != "unauthenticated" {
		t.Fatalf("kind = %q, want unauthenticated", failure.Kind)
	}
}

func TestRefreshToken(t *testing.T) {
	f := newFixture(t)
	account, _ := f.addAccount(t, identity.KindService, "builder-1")

	pair, err := f.service.IssuePair(context.Background(), account)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	resp := f.request(t, http.MethodPost, "/services/refresh_token", pair.AccountToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var rotated auth.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&rotated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rotated.AccountToken == "" || rotated.APIToken == "" {
		t.Fatal("incomplete rotated pair")
	}
}

func TestRefreshTokenRejectsAPIToken(t *testing.T) {
	f := newFixture(t)
	account, _ := f.addAccount(t, identity.KindService, "builder-1")
	token := f.apiToken(t, account)

	resp := f.request(t, http.MethodPost, "/services/refresh_token", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGatedRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/services/endpoints", "/services/pending"} {
		resp := f.request(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("GET %s status = %d, want 401", path, resp.StatusCode)
		}
	}
	resp := f.request(t, http.MethodPost, "/services/leave", "garbage-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAdminRoutesForbidServiceAccounts(t *testing.T) {
	f := newFixture(t)
	account, _ := f.addAccount(t, identity.KindService, "builder-1")
	token := f.apiToken(t, account)

	resp := f.request(t, http.MethodGet, "/services/pending", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAcceptPendingAsAdmin(t *testing.T) {
	f := newFixture(t)
	admin, _ := f.addAccount(t, identity.KindHuman, "alice")
	token := f.apiToken(t, admin)

	id := uuid.New()
	resp := f.request(t, http.MethodPost, "/services/pending/"+id.String()+"/accept", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(f.registry.accepted) != 1 || f.registry.accepted[0] != id {
		t.Fatalf("registry accepted = %v, want [%s]", f.registry.accepted, id)
	}
}

func TestAuditTrailAsAdmin(t *testing.T) {
	f := newFixture(t)
	admin, _ := f.addAccount(t, identity.KindHuman, "alice")
	token := f.apiToken(t, admin)

	actor := uuid.New()
	f.registry.audit = []registry.AuditEntry{
		{ID: 2, ActorID: &actor, Action: registry.AuditEnrollAccepted, Metadata: json.RawMessage(`{"host":"https://b1.example.com"}`)},
		{ID: 1, ActorID: &actor, Action: registry.AuditEnrollRequested, Metadata: json.RawMessage(`{}`)},
	}

	resp := f.request(t, http.MethodGet, "/services/audit", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var entries []registry.AuditEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 2 || entries[0].Action != registry.AuditEnrollAccepted {
		t.Fatalf("entries = %+v, want accepted entry first", entries)
	}

	resp = f.request(t, http.MethodGet, "/services/audit?limit=bogus", token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed limit", resp.StatusCode)
	}
}

func TestBuildStatusRequiresOperationalEndpoint(t *testing.T) {
	f := newFixture(t)
	account, _ := f.addAccount(t, identity.KindService, "builder-1")
	token := f.apiToken(t, account)

	body := map[string]any{"buildId": uuid.New(), "status": "building"}

	// No endpoint at all.
	resp := f.request(t, http.MethodPost, "/services/build/status", token, body)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	// Endpoint exists but is not operational.
	f.resolver.endpoints[account.ID] = registry.Endpoint{
		ID:        uuid.New(),
		AccountID: account.ID,
		Status:    registry.StatusUnreachable,
		Role:      registry.RoleBuilder,
	}
	resp = f.request(t, http.MethodPost, "/services/build/status", token, body)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if len(f.scheduler.reports) != 0 {
		t.Fatal("report reached the scheduler")
	}
}

func TestBuildStatusReportsWithEndpointIdentity(t *testing.T) {
	f := newFixture(t)
	account, _ := f.addAccount(t, identity.KindService, "builder-1")
	token := f.apiToken(t, account)

	endpointID := uuid.New()
	f.resolver.endpoints[account.ID] = registry.Endpoint{
		ID:        endpointID,
		AccountID: account.ID,
		Status:    registry.StatusOperational,
		Role:      registry.RoleBuilder,
	}

	buildID := uuid.New()
	resp := f.request(t, http.MethodPost, "/services/build/status", token, map[string]any{
		"buildId": buildID,
		"status":  "building",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(f.scheduler.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(f.scheduler.reports))
	}
	report := f.scheduler.reports[0]
	if report.BuildID != buildID || report.Reporter != endpointID {
		t.Fatalf("report = %+v, want build %s from %s", report, buildID, endpointID)
	}
}

func TestBuildStatusCarriesFailureDetail(t *testing.T) {
	f := newFixture(t)
	account, _ := f.addAccount(t, identity.KindService, "builder-1")
	token := f.apiToken(t, account)

	f.resolver.endpoints[account.ID] = registry.Endpoint{
		ID:        uuid.New(),
		AccountID: account.ID,
		Status:    registry.StatusOperational,
		Role:      registry.RoleBuilder,
	}

	resp := f.request(t, http.MethodPost, "/services/build/status", token, map[string]any{
		"buildId": uuid.New(),
		"status":  "failed",
		"detail":  "compiler exited 1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(f.scheduler.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(f.scheduler.reports))
	}
	if got := f.scheduler.reports[0].Detail; got != "compiler exited 1" {
		t.Fatalf("report detail = %q, want the reported failure detail", got)
	}
}

func TestEnrollValidation(t *testing.T) {
	f := newFixture(t)

	resp := f.request(t, http.MethodPost, "/services/enroll", "", map[string]any{
		"issuer":     map[string]string{"url": "", "publicKey": "", "role": "builder"},
		"issueToken": "tok",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if len(f.registry.enrolled) != 0 {
		t.Fatal("invalid enrollment reached the registry")
	}
}

func TestFaultStatusMapping(t *testing.T) {
	tests := []struct {
		kind string
		want int
	}{
		{"unauthenticated", http.StatusUnauthorized},
		{"not-found", http.StatusNotFound},
		{"conflict", http.StatusConflict},
		{"forbidden", http.StatusForbidden},
		{"unreachable", http.StatusBadGateway},
		{"invalid", http.StatusBadRequest},
		{"internal", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := faultStatus(tt.kind); got != tt.want {
			t.Fatalf("faultStatus(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
