package keys

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	message := []byte("challenge-nonce")
	sig, err := kp.Sign(message)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if err := kp.PublicKey().Verify(message, sig); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	message := []byte("challenge-nonce")
	sig, err := kp.Sign(message)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	tests := []struct {
		name    string
		message []byte
		mutate  func([]byte) []byte
	}{
		{
			name:    "flipped signature bit",
			message: message,
			mutate: func(b []byte) []byte {
				out := append([]byte(nil), b...)
				out[0] ^= 0x01
				return out
			},
		},
		{
			name:    "flipped message bit",
			message: []byte("challenge-nonc f"),
			mutate:  func(b []byte) []byte { return b },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := base64.RawURLEncoding.EncodeToString(tt.mutate(raw))
			err := kp.PublicKey().Verify(tt.message, mutated)
			if !errors.Is(err, ErrVerify) {
				t.Fatalf("Verify() error = %v, want ErrVerify", err)
			}
		})
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	other, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	message := []byte("challenge-nonce")
	sig, err := kp.Sign(message)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if err := other.PublicKey().Verify(message, sig); !errors.Is(err, ErrVerify) {
		t.Fatalf("Verify() with foreign key error = %v, want ErrVerify", err)
	}
}

func TestSecretKeyRoundtrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	encoded, err := kp.EncodeSecretKey()
	if err != nil {
		t.Fatalf("EncodeSecretKey() error = %v", err)
	}

	restored, err := ParseSecretKey(encoded)
	if err != nil {
		t.Fatalf("ParseSecretKey() error = %v", err)
	}

	if got, want := restored.PublicKey().Encode(), kp.PublicKey().Encode(); got != want {
		t.Fatalf("restored public key = %q, want %q", got, want)
	}
}

func TestRecipientIsStable(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	first, err := kp.Recipient()
	if err != nil {
		t.Fatalf("Recipient() error = %v", err)
	}
	if !strings.HasPrefix(first, "age1") {
		t.Fatalf("Recipient() = %q, want age1 prefix", first)
	}

	again, err := kp.Recipient()
	if err != nil {
		t.Fatalf("Recipient() error = %v", err)
	}
	if first != again {
		t.Fatalf("Recipient() not stable: %q vs %q", first, again)
	}
}

func TestDecodePublicKeyRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not base64", input: "%%%"},
		{name: "wrong length", input: base64.RawURLEncoding.EncodeToString([]byte("short"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodePublicKey(tt.input); err == nil {
				t.Fatal("DecodePublicKey() expected error, got nil")
			}
		})
	}
}
