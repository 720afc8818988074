package registry

import (
	"errors"
	"testing"

	"masond/pkg/keys"
	"masond/services/hub/fault"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusAwaitingAcceptance, StatusOperational, true},
		{StatusAwaitingAcceptance, StatusFailed, true},
		{StatusAwaitingAcceptance, StatusForbidden, true},
		{StatusAwaitingAcceptance, StatusUnreachable, false},
		{StatusPendingOutbound, StatusOperational, true},
		{StatusPendingOutbound, StatusFailed, true},
		{StatusPendingOutbound, StatusForbidden, true},
		{StatusPendingOutbound, StatusUnreachable, false},
		{StatusOperational, StatusUnreachable, true},
		{StatusOperational, StatusFailed, true},
		{StatusOperational, StatusForbidden, true},
		{StatusOperational, StatusAwaitingAcceptance, false},
		{StatusUnreachable, StatusOperational, true},
		{StatusFailed, StatusOperational, true},
		{StatusForbidden, StatusOperational, false},
		{StatusForbidden, StatusUnreachable, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"awaiting-acceptance", "pending-outbound", "operational", "failed", "forbidden", "unreachable"} {
		if _, err := ParseStatus(raw); err != nil {
			t.Fatalf("ParseStatus(%q): %v", raw, err)
		}
	}
	if _, err := ParseStatus("pending"); !errors.Is(err, fault.ErrInvalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}

func TestParseRole(t *testing.T) {
	for _, raw := range []string{"builder", "repositoryManager", "hub"} {
		if _, err := ParseRole(raw); err != nil {
			t.Fatalf("ParseRole(%q): %v", raw, err)
		}
	}
	if _, err := ParseRole("worker"); !errors.Is(err, fault.ErrInvalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}

func TestIssuerValidate(t *testing.T) {
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	valid := Issuer{
		PublicKey: kp.PublicKey().Encode(),
		URL:       "https://builder.example.com",
		Role:      RoleBuilder,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid issuer rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Issuer)
	}{
		{"missing url", func(i *Issuer) { i.URL = "" }},
		{"bad role", func(i *Issuer) { i.Role = "janitor" }},
		{"bad key", func(i *Issuer) { i.PublicKey = "not-a-key" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := valid
			tt.mutate(&issuer)
			if err := issuer.Validate(); !errors.Is(err, fault.ErrInvalid) {
				t.Fatalf("got %v, want ErrInvalid", err)
			}
		})
	}
}

func TestEnrollmentRequestValidate(t *testing.T) {
	kp, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	req := EnrollmentRequest{
		Issuer: Issuer{
			PublicKey: kp.PublicKey().Encode(),
			URL:       "https://builder.example.com",
			Role:      RoleBuilder,
		},
		IssueToken: "token",
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	req.IssueToken = ""
	if err := req.Validate(); !errors.Is(err, fault.ErrInvalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}
