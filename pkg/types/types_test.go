package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashOrdering(t *testing.T) {
	a, b := HashFromUint64(1), HashFromUint64(256)
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Zero(t, a.Cmp(a))
	assert.True(t, EmptyHash.IsEmpty())
	assert.False(t, a.IsEmpty())
}

func TestParseHash(t *testing.T) {
	h := HashFromUint64(0xbeef)
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	// short input is left-padded
	short, err := ParseHash("0xbeef")
	require.NoError(t, err)
	assert.Equal(t, h, short)

	_, err = ParseHash("0x" + h.String()[2:] + "00")
	assert.ErrorIs(t, err, ErrInvalidHashLength)
	_, err = ParseHash("zz")
	assert.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("0x00000000000000000000000000000000000000ff")
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), a[AddressSize-1])
	assert.Equal(t, HashFromUint64(0xff), a.Hash())

	_, err = ParseAddress("0xff")
	assert.ErrorIs(t, err, ErrInvalidAddressLength)
}

func TestPendingTransactionCloneAndHash(t *testing.T) {
	tx := &PendingTransaction{
		Index:             3,
		OutputCommitments: []Hash{HashFromUint64(1)},
		InputNullifiers:   []Hash{HashFromUint64(2)},
		EncryptedNotes:    [][]byte{{9, 9}},
	}
	clone := tx.Clone()
	assert.Equal(t, tx, clone)

	clone.EncryptedNotes[0][0] = 0
	clone.OutputCommitments[0] = HashFromUint64(5)
	assert.Equal(t, byte(9), tx.EncryptedNotes[0][0])
	assert.Equal(t, HashFromUint64(1), tx.OutputCommitments[0])

	// outputs and nullifiers are not interchangeable
	swapped := &PendingTransaction{
		OutputCommitments: tx.InputNullifiers,
		InputNullifiers:   tx.OutputCommitments,
	}
	assert.NotEqual(t, tx.ComputeHash(), swapped.ComputeHash())
	assert.Equal(t, tx.ComputeHash(), (&PendingTransaction{
		Index:             99,
		OutputCommitments: tx.OutputCommitments,
		InputNullifiers:   tx.InputNullifiers,
	}).ComputeHash())
}
