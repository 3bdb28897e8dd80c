// Package cryptox holds the one-way hashing used for stored secrets
// (password hashes and MFA backup codes) and the generator for backup codes.
package cryptox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor used for every stored secret.
const DefaultCost = 12

// BackupCodeCount is how many recovery codes are issued on MFA enrollment.
const BackupCodeCount = 10

// BcryptHasher hashes secrets with a fixed bcrypt cost.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a hasher using cost, falling back to DefaultCost
// when cost is outside the range bcrypt accepts.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash returns the salted bcrypt hash of plain.
func (h *BcryptHasher) Hash(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(b), nil
}

// Compare reports whether plain matches hash. A malformed hash is a mismatch.
func (h *BcryptHasher) Compare(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// NormalizeBackupCode strips separators and whitespace and lower-cases the
// code, so "ABCD-1234" and "abcd 1234" hash to the same value.
func NormalizeBackupCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(code) {
		if r == '-' || r == ' ' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// GenerateBackupCodes returns n plaintext recovery codes formatted as
// "xxxxx-xxxxx" (hex).
func GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	buf := make([]byte, 5)
	for range n {
		first, err := randHex(buf)
		if err != nil {
			return nil, err
		}
		second, err := randHex(buf)
		if err != nil {
			return nil, err
		}
		codes = append(codes, first+"-"+second)
	}
	return codes, nil
}

func randHex(buf []byte) (string, error) {
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:5], nil
}
