package zkp

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrDecryptionFailed covers every way a ciphertext can fail to yield a note
// for the given key, including notes addressed to someone else.
var ErrDecryptionFailed = errors.New("note decryption failed")

const noteKeyInfo = "shieldpool/note-encryption/v1"

// CiphertextOverhead is the size an encrypted note adds to NoteSize
const CiphertextOverhead = curve25519.PointSize + chacha20poly1305.NonceSize + chacha20poly1305.Overhead

// EncryptionService seals notes to a recipient's viewing key
type EncryptionService interface {
	Encrypt(note *Note, recipient CompleteAddress) ([]byte, error)
	TryDecrypt(ciphertext []byte, keys *Keys) (*Note, error)
}

// NoteEncryptor implements EncryptionService with X25519, HKDF-SHA256 and
// ChaCha20-Poly1305. A ciphertext is ephemeralPub | nonce | sealed note.
type NoteEncryptor struct {
	rand io.Reader
}

// NewNoteEncryptor returns an encryptor using crypto/rand
func NewNoteEncryptor() *NoteEncryptor {
	return &NoteEncryptor{rand: rand.Reader}
}

// Encrypt seals note to recipient's viewing key
func (e *NoteEncryptor) Encrypt(note *Note, recipient CompleteAddress) ([]byte, error) {
	if note.Owner != recipient.Address {
		return nil, fmt.Errorf("%w: note owner differs from recipient", ErrInvalidNote)
	}

	ephemeral := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(e.rand, ephemeral); err != nil {
		return nil, fmt.Errorf("failed to sample ephemeral key: %w", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeral, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephemeral, recipient.ViewingPublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to agree on note key: %w", err)
	}

	aead, err := noteCipher(shared, ephemeralPub, recipient.ViewingPublicKey[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, NoteSize+CiphertextOverhead)
	out = append(out, ephemeralPub...)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, fmt.Errorf("failed to sample nonce: %w", err)
	}
	out = append(out, nonce...)

	return aead.Seal(out, nonce, note.Encode(), ephemeralPub), nil
}

// TryDecrypt opens ciphertext with keys. Any failure, including a note whose
// owner is not keys' address, yields ErrDecryptionFailed.
func (e *NoteEncryptor) TryDecrypt(ciphertext []byte, keys *Keys) (*Note, error) {
	if len(ciphertext) < CiphertextOverhead {
		return nil, ErrDecryptionFailed
	}

	ephemeralPub := ciphertext[:curve25519.PointSize]
	nonce := ciphertext[curve25519.PointSize : curve25519.PointSize+chacha20poly1305.NonceSize]
	sealed := ciphertext[curve25519.PointSize+chacha20poly1305.NonceSize:]

	shared, err := curve25519.X25519(keys.ViewingSecret[:], ephemeralPub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	aead, err := noteCipher(shared, ephemeralPub, keys.Complete.ViewingPublicKey[:])
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := aead.Open(nil, nonce, sealed, ephemeralPub)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	note, err := DecodeNote(plaintext)
	if err != nil || !keys.Owns(note) {
		return nil, ErrDecryptionFailed
	}
	return note, nil
}

func noteCipher(shared, ephemeralPub, recipientPub []byte) (cipher.AEAD, error) {
	salt := make([]byte, 0, 2*curve25519.PointSize)
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(noteKeyInfo)), key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}
