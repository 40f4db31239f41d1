package zkp

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoteEncryptionRoundTrip(t *testing.T) {
	enc := NewNoteEncryptor()
	bob := testKeys(t)

	note, err := NewNote(bob.Address(), testToken, uint256.NewInt(123))
	require.NoError(t, err)

	ciphertext, err := enc.Encrypt(note, bob.Complete)
	require.NoError(t, err)
	assert.Len(t, ciphertext, NoteSize+CiphertextOverhead)

	got, err := enc.TryDecrypt(ciphertext, bob)
	require.NoError(t, err)
	assert.Equal(t, note.Commitment(), got.Commitment())
}

func TestNoteEncryptionWrongKey(t *testing.T) {
	enc := NewNoteEncryptor()
	bob := testKeys(t)
	eve := testKeys(t)

	note, err := NewNote(bob.Address(), testToken, uint256.NewInt(1))
	require.NoError(t, err)
	ciphertext, err := enc.Encrypt(note, bob.Complete)
	require.NoError(t, err)

	_, err = enc.TryDecrypt(ciphertext, eve)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNoteEncryptionTampered(t *testing.T) {
	enc := NewNoteEncryptor()
	bob := testKeys(t)

	note, err := NewNote(bob.Address(), testToken, uint256.NewInt(1))
	require.NoError(t, err)
	ciphertext, err := enc.Encrypt(note, bob.Complete)
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = enc.TryDecrypt(ciphertext, bob)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = enc.TryDecrypt(ciphertext[:10], bob)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNoteEncryptionOwnerMismatch(t *testing.T) {
	enc := NewNoteEncryptor()
	bob := testKeys(t)
	carol := testKeys(t)

	// refuses to seal a note to someone who does not own it
	note, err := NewNote(carol.Address(), testToken, uint256.NewInt(1))
	require.NoError(t, err)
	_, err = enc.Encrypt(note, bob.Complete)
	assert.ErrorIs(t, err, ErrInvalidNote)

	// a note sealed to bob's viewing key but owned by carol is not bob's
	forged := *bob
	forged.Complete.Address = carol.Address()
	ciphertext, err := enc.Encrypt(note, forged.Complete)
	require.NoError(t, err)

	_, err = enc.TryDecrypt(ciphertext, bob)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
