// Package keys provides the ed25519 identity material every node in the
// farm holds. Private keys are carried as age-style bech32 secret keys so
// they can live in the same secret stores as other deployment keys; public
// keys and signatures travel base64 URL-safe without padding.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const secretKeyHRP = "age-secret-key-"

// ErrVerify is returned when a signature does not match the message and key.
var ErrVerify = errors.New("signature verification failed")

// KeyPair holds an ed25519 private key and its public half.
type KeyPair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// Generate creates a new random key pair.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{private: priv, public: pub}, nil
}

// ParseSecretKey reconstructs a KeyPair from a bech32 age secret key whose
// payload is the ed25519 seed.
func ParseSecretKey(raw string) (KeyPair, error) {
	seed, err := decodeSecretKey(strings.TrimSpace(raw))
	if err != nil {
		return KeyPair{}, fmt.Errorf("parse secret key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{
		private: priv,
		public:  ed25519.PublicKey(priv[ed25519.SeedSize:]),
	}, nil
}

// EncodeSecretKey renders the key pair's seed in the bech32 secret key format
// accepted by ParseSecretKey.
func (kp KeyPair) EncodeSecretKey() (string, error) {
	if len(kp.private) == 0 {
		return "", errors.New("key pair has no private key")
	}
	converted, err := bech32.ConvertBits(kp.private.Seed(), 8, 5, true)
	if err != nil {
		return "", err
	}
	encoded, err := bech32.Encode(secretKeyHRP, converted)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(encoded), nil
}

// PublicKey returns the public half of the key pair.
func (kp KeyPair) PublicKey() PublicKey {
	return PublicKey(kp.public)
}

// Sign produces an encoded ed25519 signature over message.
func (kp KeyPair) Sign(message []byte) (string, error) {
	if len(kp.private) == 0 {
		return "", errors.New("key pair has no private key")
	}
	sig := ed25519.Sign(kp.private, message)
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// Private exposes the raw private key for token signing.
func (kp KeyPair) Private() ed25519.PrivateKey {
	return kp.private
}

// Recipient derives the age recipient for this key's seed, so deployment
// secrets can be encrypted to the key holder with stock age tooling.
func (kp KeyPair) Recipient() (string, error) {
	encoded, err := kp.EncodeSecretKey()
	if err != nil {
		return "", err
	}
	identity, err := age.ParseX25519Identity(encoded)
	if err != nil {
		return "", fmt.Errorf("derive recipient: %w", err)
	}
	return identity.Recipient().String(), nil
}

// PublicKey is the verification half of a KeyPair.
type PublicKey ed25519.PublicKey

// DecodePublicKey parses an encoded public key.
func DecodePublicKey(encoded string) (PublicKey, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return PublicKey(decoded), nil
}

// Encode renders the public key in its transport form.
func (pk PublicKey) Encode() string {
	return base64.RawURLEncoding.EncodeToString(pk)
}

// Verify checks the encoded signature against message.
func (pk PublicKey) Verify(message []byte, signature string) error {
	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(pk), message, sig) {
		return ErrVerify
	}
	return nil
}

func decodeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, secretKeyHRP) {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
