package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLen is the length of an identifier in bytes, matching the 20-byte
// account addresses the frontend passes around.
const AddressLen = 20

// Address is an opaque identifier for markets, tokens, holders, and oracles.
// The engine assumes nothing about its structure beyond equality and use as
// a map key.
type Address [AddressLen]byte

// ZeroAddress is the unset identifier.
var ZeroAddress Address

// ParseAddress decodes a 0x-prefixed (or bare) 40-character hex string.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("model: invalid address %q: %w", s, err)
	}
	if len(raw) != AddressLen {
		return a, fmt.Errorf("model: invalid address length %d, want %d", len(raw), AddressLen)
	}
	copy(a[:], raw)
	return a, nil
}

// DeriveAddress produces a deterministic address from a creation nonce and
// arbitrary seed material. Addresses for markets and their outcome tokens are
// derived this way so identifiers are stable and never collide.
func DeriveAddress(nonce uint64, seed ...string) Address {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	for _, s := range seed {
		h.Write([]byte(s))
	}
	var a Address
	copy(a[:], h.Sum(nil)[:AddressLen])
	return a
}

// Hex renders the address as a 0x-prefixed hex string.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string { return a.Hex() }

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == ZeroAddress }

// MarshalText implements encoding.TextMarshaler so Address works as a JSON
// value and as a JSON object key.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
