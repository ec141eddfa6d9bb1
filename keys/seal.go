package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"
)

// ErrBadSeal is returned when a seal does not verify.
var ErrBadSeal = errors.New("seal verification failed")

// Seal is a parsed seal line.
type Seal struct {
	Alg       string
	HashAlg   string
	PublicKey []byte
	Signature []byte
}

func (s Seal) String() string {
	return strings.Join([]string{
		s.Alg,
		s.HashAlg,
		base64.StdEncoding.EncodeToString(s.PublicKey),
		base64.StdEncoding.EncodeToString(s.Signature),
	}, " ")
}

// ParseSeal is the inverse of Seal.String.
func ParseSeal(line string) (Seal, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 4 {
		return Seal{}, fmt.Errorf("seal must have 4 fields, got %d", len(parts))
	}
	pub, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return Seal{}, fmt.Errorf("invalid public key base64: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return Seal{}, fmt.Errorf("invalid signature base64: %w", err)
	}
	return Seal{Alg: parts[0], HashAlg: parts[1], PublicKey: pub, Signature: sig}, nil
}

// Ed25519Sealer seals payloads with an Ed25519 key.
type Ed25519Sealer struct {
	Key     ed25519.PrivateKey
	HashAlg string
}

func (s Ed25519Sealer) Seal(payload []byte) (string, error) {
	sig, err := SignEd25519(payload, s.HashAlg, s.Key)
	if err != nil {
		return "", err
	}
	raw, _ := base64.StdEncoding.DecodeString(sig)
	return Seal{
		Alg:       AlgEd25519,
		HashAlg:   s.HashAlg,
		PublicKey: s.Key.Public().(ed25519.PublicKey),
		Signature: raw,
	}.String(), nil
}

// Dilithium3Sealer seals payloads with a Dilithium3 key.
type Dilithium3Sealer struct {
	Key     *mode3.PrivateKey
	HashAlg string
}

func (s Dilithium3Sealer) Seal(payload []byte) (string, error) {
	sig, err := SignDilithium3(payload, s.HashAlg, s.Key)
	if err != nil {
		return "", err
	}
	raw, _ := base64.StdEncoding.DecodeString(sig)
	pub, err := s.Key.Public().(*mode3.PublicKey).MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode dilithium3 public key: %w", err)
	}
	return Seal{Alg: AlgDilithium3, HashAlg: s.HashAlg, PublicKey: pub, Signature: raw}.String(), nil
}

// VerifySeal checks seal against payload. It returns ErrBadSeal when the
// signature does not match and a descriptive error for malformed seals.
func VerifySeal(payload []byte, seal string) error {
	s, err := ParseSeal(seal)
	if err != nil {
		return err
	}
	digest, err := digestFor(s.HashAlg, payload)
	if err != nil {
		return err
	}
	switch s.Alg {
	case AlgEd25519:
		if len(s.PublicKey) != ed25519.PublicKeySize {
			return fmt.Errorf("invalid ed25519 public key length %d", len(s.PublicKey))
		}
		if !ed25519.Verify(ed25519.PublicKey(s.PublicKey), digest, s.Signature) {
			return ErrBadSeal
		}
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(s.PublicKey); err != nil {
			return fmt.Errorf("invalid dilithium3 public key: %w", err)
		}
		if len(s.Signature) != mode3.SignatureSize || !mode3.Verify(&pk, digest, s.Signature) {
			return ErrBadSeal
		}
	default:
		return fmt.Errorf("unsupported seal algorithm %q", s.Alg)
	}
	return nil
}

// Sealer produces a seal line for a payload.
type Sealer interface {
	Seal(payload []byte) (string, error)
}

// NewSealer builds a sealer for alg from a 32-byte seed.
func NewSealer(alg, hashAlg string, seed []byte) (Sealer, error) {
	if _, err := digestFor(hashAlg, nil); err != nil {
		return nil, err
	}
	switch alg {
	case AlgEd25519:
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		return Ed25519Sealer{Key: ed25519.NewKeyFromSeed(seed), HashAlg: hashAlg}, nil
	case AlgDilithium3:
		_, sk, err := Dilithium3FromSeed(seed)
		if err != nil {
			return nil, err
		}
		return Dilithium3Sealer{Key: sk, HashAlg: hashAlg}, nil
	default:
		return nil, fmt.Errorf("unsupported seal algorithm %q", alg)
	}
}
