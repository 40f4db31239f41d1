package zkp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Note errors
var (
	ErrInvalidNote       = errors.New("invalid note")
	ErrAmountTooLarge    = errors.New("note amount exceeds 128 bits")
	ErrNoteEncoding      = errors.New("malformed note encoding")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// MaxAmountBits is the range the circuits enforce on note amounts
const MaxAmountBits = 128

// NoteSize is the length of an encoded note
const NoteSize = types.HashSize + types.AddressSize + types.HashSize + types.HashSize

// Note is a shielded value owned by an address. Its commitment is the only
// thing published in the commitment tree.
type Note struct {
	// Owner is the recipient's address hash
	Owner types.Hash

	// Token is the asset the note is denominated in
	Token types.TokenID

	// Amount is bounded by MaxAmountBits
	Amount *uint256.Int

	// Randomness blinds the commitment
	Randomness types.Hash

	memo *noteMemo
}

type noteMemo struct {
	once       sync.Once
	commitment types.Hash
}

// NewNote creates a note with fresh randomness
func NewNote(owner types.Hash, token types.TokenID, amount *uint256.Int) (*Note, error) {
	randomness, err := RandomField()
	if err != nil {
		return nil, fmt.Errorf("failed to sample note randomness: %w", err)
	}
	return NewNoteWithRandomness(owner, token, amount, randomness)
}

// NewNoteWithRandomness creates a note with caller-chosen randomness
func NewNoteWithRandomness(owner types.Hash, token types.TokenID, amount *uint256.Int, randomness types.Hash) (*Note, error) {
	if amount == nil {
		amount = new(uint256.Int)
	}
	n := &Note{
		Owner:      owner,
		Token:      token,
		Amount:     new(uint256.Int).Set(amount),
		Randomness: randomness,
		memo:       &noteMemo{},
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// Validate checks the amount range
func (n *Note) Validate() error {
	if n.Amount == nil {
		return fmt.Errorf("%w: missing amount", ErrInvalidNote)
	}
	if n.Amount.BitLen() > MaxAmountBits {
		return ErrAmountTooLarge
	}
	return nil
}

// Commitment returns H(NoteCommitment, owner, token, amount, randomness)
func (n *Note) Commitment() types.Hash {
	if n.memo == nil {
		return n.computeCommitment()
	}
	n.memo.once.Do(func() {
		n.memo.commitment = n.computeCommitment()
	})
	return n.memo.commitment
}

func (n *Note) computeCommitment() types.Hash {
	return Hash(DomainNoteCommitment,
		n.Owner,
		n.Token.Hash(),
		types.Hash(n.Amount.Bytes32()),
		n.Randomness,
	)
}

// Nullifier returns the nullifier of the note under a nullifier tag
func (n *Note) Nullifier(tag types.Hash) types.Hash {
	return NullifierOf(n.Commitment(), tag)
}

// Encode serializes the note as owner | token | amount | randomness
func (n *Note) Encode() []byte {
	buf := make([]byte, 0, NoteSize)
	buf = append(buf, n.Owner[:]...)
	buf = append(buf, n.Token[:]...)
	amount := n.Amount.Bytes32()
	buf = append(buf, amount[:]...)
	buf = append(buf, n.Randomness[:]...)
	return buf
}

// DecodeNote parses an encoded note
func DecodeNote(data []byte) (*Note, error) {
	if len(data) != NoteSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrNoteEncoding, len(data))
	}

	var owner, randomness types.Hash
	var token types.TokenID
	off := 0
	copy(owner[:], data[off:off+types.HashSize])
	off += types.HashSize
	copy(token[:], data[off:off+types.AddressSize])
	off += types.AddressSize
	amount := new(uint256.Int).SetBytes(data[off : off+types.HashSize])
	off += types.HashSize
	copy(randomness[:], data[off:off+types.HashSize])

	return NewNoteWithRandomness(owner, token, amount, randomness)
}

// SumAmounts adds the amounts of notes
func SumAmounts(notes []*Note) *uint256.Int {
	total := new(uint256.Int)
	for _, n := range notes {
		total.Add(total, n.Amount)
	}
	return total
}
