package p2p

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Message types
const (
	MsgTypePending uint8 = 0x01
	MsgTypeRoots   uint8 = 0x02
)

// Message errors
var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooLarge    = errors.New("message too large")
	ErrMalformedMessage   = errors.New("malformed message")
)

// MaxMessageSize is the maximum size of a network message
const MaxMessageSize = 4 * 1024 * 1024 // 4 MB

// nilCiphertext marks an output published without a ciphertext
const nilCiphertext = ^uint32(0)

// Message represents a network message
type Message struct {
	Type    uint8
	Payload []byte
}

// PendingMessage gossips a transaction submitted to some node's ledger
type PendingMessage struct {
	Outputs        []types.Hash
	Nullifiers     []types.Hash
	EncryptedNotes [][]byte

	// Proof is optional
	Proof *zkp.Proof
}

// RootsMessage announces the roots a node persisted after a rollup
type RootsMessage struct {
	Roots types.Roots

	CommitmentCount uint64
	NullifierCount  uint64
}

// Transaction returns the ledger form of the message
func (m *PendingMessage) Transaction() *types.PendingTransaction {
	return &types.PendingTransaction{
		OutputCommitments: m.Outputs,
		InputNullifiers:   m.Nullifiers,
		EncryptedNotes:    m.EncryptedNotes,
	}
}

// Encode serializes a message for network transmission
func (m *Message) Encode(w io.Writer) error {
	if len(m.Payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	// Write message type
	if err := binary.Write(w, binary.BigEndian, m.Type); err != nil {
		return err
	}

	// Write payload length
	if err := binary.Write(w, binary.BigEndian, uint32(len(m.Payload))); err != nil {
		return err
	}

	_, err := w.Write(m.Payload)
	return err
}

// Decode deserializes a message from network data
func (m *Message) Decode(r io.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &m.Type); err != nil {
		return err
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return err
	}
	if payloadLen > MaxMessageSize {
		return ErrMessageTooLarge
	}

	m.Payload = make([]byte, payloadLen)
	_, err := io.ReadFull(r, m.Payload)
	return err
}

// EncodePending serializes a pending transaction message
func EncodePending(msg *PendingMessage) ([]byte, error) {
	if msg.EncryptedNotes != nil && len(msg.EncryptedNotes) != len(msg.Outputs) {
		return nil, ErrMalformedMessage
	}

	buf := make([]byte, 0, 512)
	buf = appendHashes(buf, msg.Outputs)
	buf = appendHashes(buf, msg.Nullifiers)

	// Ciphertexts, one per output when present
	if msg.EncryptedNotes == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		for _, ct := range msg.EncryptedNotes {
			if ct == nil {
				buf = binary.BigEndian.AppendUint32(buf, nilCiphertext)
				continue
			}
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(ct)))
			buf = append(buf, ct...)
		}
	}

	// Proof
	if msg.Proof == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Proof.Circuit)))
		buf = append(buf, msg.Proof.Circuit...)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Proof.Data)))
		buf = append(buf, msg.Proof.Data...)
		buf = appendHashes(buf, msg.Proof.PublicInputs)
	}

	return frame(MsgTypePending, buf)
}

// DecodePending deserializes a pending transaction message
func DecodePending(data []byte) (*PendingMessage, error) {
	payload, err := unframe(data, MsgTypePending)
	if err != nil {
		return nil, err
	}
	d := &decoder{buf: payload}
	msg := &PendingMessage{
		Outputs:    d.hashes(),
		Nullifiers: d.hashes(),
	}

	if d.u8() == 1 {
		msg.EncryptedNotes = make([][]byte, len(msg.Outputs))
		for i := range msg.EncryptedNotes {
			n := d.u32()
			if n == nilCiphertext {
				continue
			}
			msg.EncryptedNotes[i] = d.bytes(int(n))
		}
	}

	if d.u8() == 1 {
		msg.Proof = &zkp.Proof{
			Circuit: zkp.CircuitID(d.bytes(int(d.u16()))),
		}
		msg.Proof.Data = d.bytes(int(d.u32()))
		msg.Proof.PublicInputs = d.hashes()
	}

	if err := d.done(); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncodeRoots serializes a roots announcement
func EncodeRoots(msg *RootsMessage) []byte {
	buf := make([]byte, 0, 2*types.HashSize+16)
	buf = append(buf, msg.Roots.CommitmentRoot[:]...)
	buf = append(buf, msg.Roots.NullifierRoot[:]...)
	buf = binary.BigEndian.AppendUint64(buf, msg.CommitmentCount)
	buf = binary.BigEndian.AppendUint64(buf, msg.NullifierCount)

	// fixed size, cannot exceed MaxMessageSize
	data, _ := frame(MsgTypeRoots, buf)
	return data
}

// DecodeRoots deserializes a roots announcement
func DecodeRoots(data []byte) (*RootsMessage, error) {
	payload, err := unframe(data, MsgTypeRoots)
	if err != nil {
		return nil, err
	}
	d := &decoder{buf: payload}
	msg := &RootsMessage{}
	msg.Roots.CommitmentRoot = d.hash()
	msg.Roots.NullifierRoot = d.hash()
	msg.CommitmentCount = d.u64()
	msg.NullifierCount = d.u64()
	if err := d.done(); err != nil {
		return nil, err
	}
	return msg, nil
}

func frame(typ uint8, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	msg := &Message{Type: typ, Payload: payload}
	if err := msg.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unframe(data []byte, want uint8) ([]byte, error) {
	r := bytes.NewReader(data)
	var msg Message
	if err := msg.Decode(r); err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			return nil, err
		}
		return nil, ErrMalformedMessage
	}
	if r.Len() != 0 {
		return nil, ErrMalformedMessage
	}
	if msg.Type != want {
		return nil, ErrInvalidMessageType
	}
	return msg.Payload, nil
}

func appendHashes(buf []byte, hashes []types.Hash) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(hashes)))
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	return buf
}

// decoder reads fields off a buffer and remembers the first short read
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.buf) {
		d.err = ErrMalformedMessage
		return nil
	}
	out := append([]byte(nil), d.buf[:n]...)
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) u8() byte {
	b := d.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u16() uint16 {
	b := d.bytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) hash() types.Hash {
	var h types.Hash
	copy(h[:], d.bytes(types.HashSize))
	return h
}

func (d *decoder) hashes() []types.Hash {
	n := int(d.u16())
	if d.err != nil || n*types.HashSize > len(d.buf) {
		d.err = ErrMalformedMessage
		return nil
	}
	out := make([]types.Hash, n)
	for i := range out {
		out[i] = d.hash()
	}
	return out
}

func (d *decoder) done() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return ErrMalformedMessage
	}
	return nil
}
