package zkp

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Key errors
var (
	ErrNotOwner       = errors.New("note is not owned by this key")
	ErrInvalidAddress = errors.New("invalid complete address")
	ErrInvalidSecret  = errors.New("invalid secret key")
)

// CompleteAddressSize is the length of an encoded CompleteAddress
const CompleteAddressSize = 3 * types.HashSize

// CompleteAddress is what a sender needs to pay someone: the address that
// owns notes plus the public keys it was derived from.
type CompleteAddress struct {
	SpendingPublicKey types.Hash
	ViewingPublicKey  [curve25519.PointSize]byte
	Address           types.Hash
}

// Bytes encodes the address as spending | viewing | address
func (a CompleteAddress) Bytes() []byte {
	buf := make([]byte, 0, CompleteAddressSize)
	buf = append(buf, a.SpendingPublicKey[:]...)
	buf = append(buf, a.ViewingPublicKey[:]...)
	return append(buf, a.Address[:]...)
}

// String returns the hex encoding of Bytes
func (a CompleteAddress) String() string {
	return "0x" + hex.EncodeToString(a.Bytes())
}

// Validate recomputes the address from the public keys
func (a CompleteAddress) Validate() error {
	if deriveAddressHash(a.SpendingPublicKey, a.ViewingPublicKey) != a.Address {
		return fmt.Errorf("%w: address does not match its keys", ErrInvalidAddress)
	}
	return nil
}

// ParseCompleteAddress decodes and validates a hex complete address
func ParseCompleteAddress(s string) (CompleteAddress, error) {
	var a CompleteAddress
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(b) != CompleteAddressSize {
		return a, fmt.Errorf("%w: %d bytes", ErrInvalidAddress, len(b))
	}
	copy(a.SpendingPublicKey[:], b[:32])
	copy(a.ViewingPublicKey[:], b[32:64])
	copy(a.Address[:], b[64:])
	return a, a.Validate()
}

// Keys holds everything derived from a secret key
type Keys struct {
	Secret        types.Hash
	NullifierTag  types.Hash
	ViewingSecret [curve25519.ScalarSize]byte
	Complete      CompleteAddress
}

// DeriveKeys derives the full key set of a secret key
func DeriveKeys(secret types.Hash) (*Keys, error) {
	if secret.IsEmpty() {
		return nil, ErrInvalidSecret
	}

	spendingPub := Hash(DomainSpendingKey, secret)
	viewingSecret := Hash(DomainViewingKey, secret)

	viewingPub, err := curve25519.X25519(viewingSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive viewing key: %w", err)
	}

	k := &Keys{
		Secret:        secret,
		NullifierTag:  Hash(DomainNullifierKey, secret),
		ViewingSecret: viewingSecret,
	}
	k.Complete.SpendingPublicKey = spendingPub
	copy(k.Complete.ViewingPublicKey[:], viewingPub)
	k.Complete.Address = deriveAddressHash(spendingPub, k.Complete.ViewingPublicKey)

	return k, nil
}

// Address returns the owner hash notes are committed to
func (k *Keys) Address() types.Hash {
	return k.Complete.Address
}

// Owns reports whether note belongs to these keys
func (k *Keys) Owns(note *Note) bool {
	return note.Owner == k.Complete.Address
}

// Nullifier returns H(Nullifier, commitment, tag) for a note owned by k
func (k *Keys) Nullifier(note *Note) (types.Hash, error) {
	if !k.Owns(note) {
		return types.EmptyHash, ErrNotOwner
	}
	return note.Nullifier(k.NullifierTag), nil
}

// NullifierOf computes the nullifier of a commitment under a nullifier tag
func NullifierOf(commitment, tag types.Hash) types.Hash {
	return Hash(DomainNullifier, commitment, tag)
}

// DeriveAddress returns the complete address of a secret key
func DeriveAddress(secret types.Hash) (CompleteAddress, error) {
	k, err := DeriveKeys(secret)
	if err != nil {
		return CompleteAddress{}, err
	}
	return k.Complete, nil
}

// ComputeNullifier returns the nullifier of note, failing with ErrNotOwner
// when secret does not own it
func ComputeNullifier(note *Note, secret types.Hash) (types.Hash, error) {
	k, err := DeriveKeys(secret)
	if err != nil {
		return types.EmptyHash, err
	}
	return k.Nullifier(note)
}

// GenerateSecret samples a new secret key
func GenerateSecret() (types.Hash, error) {
	return RandomField()
}

func deriveAddressHash(spendingPub types.Hash, viewingPub [curve25519.PointSize]byte) types.Hash {
	return Hash(DomainAddress, spendingPub, types.Hash(viewingPub))
}
