package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SeedSize is the size of every seed handled by this package.
const SeedSize = ed25519.SeedSize

// ParseSeedHex decodes a hex seed, ignoring surrounding whitespace.
func ParseSeedHex(s string) ([]byte, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid seed hex: %w", err)
	}
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	return seed, nil
}

// LoadSeedFile reads a hex seed file.
func LoadSeedFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(string(data))
}

// WriteSeedFile writes seed as hex with owner-only permissions. Existing
// files are never overwritten.
func WriteSeedFile(path string, seed []byte) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// DeriveSeed deterministically derives a purpose-specific seed from a root
// seed, so one root can seal with several algorithms without key reuse.
func DeriveSeed(rootSeed []byte, purpose string) ([]byte, error) {
	if len(rootSeed) != SeedSize {
		return nil, fmt.Errorf("root seed must be %d bytes", SeedSize)
	}
	if purpose == "" {
		return nil, errors.New("purpose cannot be empty")
	}
	h := sha256.New()
	_, _ = h.Write(rootSeed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("xdao-glyph-seal-v1"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(purpose))
	return h.Sum(nil)[:SeedSize], nil
}
