package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var ErrInvalidKeyFormat = errors.New("ledger: invalid private key format; expected base64 JSON array, base64 or base58 of 64 bytes")

// Signer signs transaction messages for the account it controls.
type Signer interface {
	PublicKey() PublicKey
	Sign(message []byte) (solana.Signature, error)
}

// Keypair is an ed25519 signer in the ledger's 64-byte secret layout (seed || public key).
type Keypair struct {
	key    solana.PrivateKey
	public PublicKey
}

func GenerateKeypair() (*Keypair, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, err
	}
	return KeypairFromSecret(key)
}

func KeypairFromSecret(secret []byte) (*Keypair, error) {
	if _, err := solana.ValidatePrivateKey(secret); err != nil {
		return nil, ErrInvalidKeyFormat
	}
	derived := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], secret[ed25519.SeedSize:]) {
		return nil, errors.New("ledger: secret key public half does not match its seed")
	}
	key := solana.PrivateKey(append([]byte(nil), secret...))
	return &Keypair{key: key, public: key.PublicKey()}, nil
}

// ParseKeypair accepts the CLI keyfile contents base64-encoded, raw base64
// of the 64-byte secret, or base58 of the same bytes.
func ParseKeypair(s string) (*Keypair, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKeyFormat
	}

	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		if key, err := solana.PrivateKeyFromSolanaKeygenFileBytes(decoded); err == nil {
			return KeypairFromSecret(key)
		}
		if len(decoded) == ed25519.PrivateKeySize {
			return KeypairFromSecret(decoded)
		}
	}

	if key, err := solana.PrivateKeyFromBase58(s); err == nil {
		return KeypairFromSecret(key)
	}
	return nil, ErrInvalidKeyFormat
}

func (k *Keypair) PublicKey() PublicKey {
	return k.public
}

func (k *Keypair) Sign(message []byte) (solana.Signature, error) {
	return k.key.Sign(message)
}

// Base58 renders the 64-byte secret as base58.
func (k *Keypair) Base58() string {
	return k.key.String()
}
