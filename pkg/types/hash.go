// Package types defines the core data structures shared by the shielded pool.
// Hashes are 32-byte big-endian encodings of BN254 scalar field elements.
package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	// HashSize is the size of a field element hash in bytes
	HashSize = 32

	// AddressSize is the size of a token address in bytes
	AddressSize = 20
)

// Hash errors
var (
	ErrInvalidHashLength    = errors.New("invalid hash length")
	ErrInvalidAddressLength = errors.New("invalid address length")
)

// Hash represents a 32-byte field element
type Hash [HashSize]byte

// Address represents a 20-byte on-chain address
type Address [AddressSize]byte

// TokenID identifies the token a note is denominated in
type TokenID = Address

// EmptyHash is the zero hash
var EmptyHash = Hash{}

// EmptyAddress is the zero address
var EmptyAddress = Address{}

// IsEmpty returns true if the hash is empty (all zeros)
func (h Hash) IsEmpty() bool {
	return h == EmptyHash
}

// Bytes returns the hash as a byte slice
func (h Hash) Bytes() []byte {
	return h[:]
}

// String returns the 0x-prefixed hex representation of the hash
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// Cmp compares two hashes as big-endian unsigned integers.
func (h Hash) Cmp(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// Less reports whether h sorts strictly before other
func (h Hash) Less(other Hash) bool {
	return h.Cmp(other) < 0
}

// HashFromBytes creates a Hash from a byte slice
func HashFromBytes(b []byte) Hash {
	var h Hash
	if len(b) >= HashSize {
		copy(h[:], b[:HashSize])
	}
	return h
}

// HashFromUint64 left-pads v into a Hash
func HashFromUint64(v uint64) Hash {
	var h Hash
	for i := HashSize - 1; i >= HashSize-8; i-- {
		h[i] = byte(v)
		v >>= 8
	}
	return h
}

// ParseHash parses a hex string, with or without 0x prefix
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return h, err
	}
	if len(b) > HashSize {
		return h, ErrInvalidHashLength
	}
	copy(h[HashSize-len(b):], b)
	return h, nil
}

// Bytes returns the address as a byte slice
func (a Address) Bytes() []byte {
	return a[:]
}

// String returns the 0x-prefixed hex representation of the address
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Hash left-pads the address into a field element
func (a Address) Hash() Hash {
	var h Hash
	copy(h[HashSize-AddressSize:], a[:])
	return h
}

// ParseAddress parses a 20-byte hex address
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return a, err
	}
	if len(b) != AddressSize {
		return a, ErrInvalidAddressLength
	}
	copy(a[:], b)
	return a, nil
}
