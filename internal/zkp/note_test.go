package zkp

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shieldpool/pkg/types"
)

func TestNoteCommitment(t *testing.T) {
	owner := types.HashFromUint64(7)
	randomness := types.HashFromUint64(99)

	note, err := NewNoteWithRandomness(owner, testToken, uint256.NewInt(500), randomness)
	require.NoError(t, err)

	want := Hash(DomainNoteCommitment, owner, testToken.Hash(), types.HashFromUint64(500), randomness)
	assert.Equal(t, want, note.Commitment())
	assert.Equal(t, want, note.Commitment())

	// a literal note without memo computes the same value
	literal := &Note{Owner: owner, Token: testToken, Amount: uint256.NewInt(500), Randomness: randomness}
	assert.Equal(t, want, literal.Commitment())
}

func TestNoteCommitmentHidesAmount(t *testing.T) {
	owner := types.HashFromUint64(7)
	a, err := NewNote(owner, testToken, uint256.NewInt(1))
	require.NoError(t, err)
	b, err := NewNote(owner, testToken, uint256.NewInt(1))
	require.NoError(t, err)

	assert.NotEqual(t, a.Commitment(), b.Commitment())
}

func TestNoteAmountRange(t *testing.T) {
	limit := new(uint256.Int).Lsh(uint256.NewInt(1), MaxAmountBits)
	limit.SubUint64(limit, 1)

	_, err := NewNote(types.HashFromUint64(1), testToken, limit)
	require.NoError(t, err)

	tooLarge := new(uint256.Int).Lsh(uint256.NewInt(1), MaxAmountBits)
	_, err = NewNote(types.HashFromUint64(1), testToken, tooLarge)
	assert.ErrorIs(t, err, ErrAmountTooLarge)
}

func TestNoteZeroAmountIsValid(t *testing.T) {
	note, err := NewNote(types.HashFromUint64(1), testToken, uint256.NewInt(0))
	require.NoError(t, err)
	assert.True(t, note.Amount.IsZero())
	assert.False(t, note.Commitment().IsEmpty())
}

func TestNoteEncoding(t *testing.T) {
	note, err := NewNote(types.HashFromUint64(3), testToken, uint256.NewInt(377))
	require.NoError(t, err)

	encoded := note.Encode()
	require.Len(t, encoded, NoteSize)

	decoded, err := DecodeNote(encoded)
	require.NoError(t, err)
	assert.Equal(t, note.Commitment(), decoded.Commitment())
	assert.Equal(t, note.Amount, decoded.Amount)

	_, err = DecodeNote(encoded[1:])
	assert.ErrorIs(t, err, ErrNoteEncoding)
}

func TestSumAmounts(t *testing.T) {
	owner := types.HashFromUint64(3)
	a, _ := NewNote(owner, testToken, uint256.NewInt(100))
	b, _ := NewNote(owner, testToken, uint256.NewInt(200))

	assert.Equal(t, uint256.NewInt(300), SumAmounts([]*Note{a, b}))
	assert.True(t, SumAmounts(nil).IsZero())
}
