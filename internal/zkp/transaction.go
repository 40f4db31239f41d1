package zkp

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark/frontend"
	"github.com/holiman/uint256"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Builder errors
var (
	ErrJoinArity     = errors.New("join takes exactly two notes")
	ErrTokenMismatch = errors.New("notes are in different tokens")
	ErrSameNote      = errors.New("cannot join a note with itself")
	ErrNoMembership  = errors.New("membership source required for proving spends")
)

// Operation is a built shielded operation ready to submit to the ledger
type Operation struct {
	Kind CircuitID

	// Nullifiers of the spent notes
	Nullifiers []types.Hash

	// Notes are the created notes, in the order of Commitments
	Notes       []*Note
	Commitments []types.Hash

	// EncryptedNotes holds one ciphertext per created note
	EncryptedNotes [][]byte

	Token types.TokenID

	// PublicAmount is the deposit of a shield or the withdrawal of an unshield
	PublicAmount *uint256.Int

	// Proof is nil when the builder has no prover
	Proof *Proof
}

// PendingTransaction converts the operation into its ledger form
func (op *Operation) PendingTransaction() *types.PendingTransaction {
	return &types.PendingTransaction{
		OutputCommitments: append([]types.Hash(nil), op.Commitments...),
		InputNullifiers:   append([]types.Hash(nil), op.Nullifiers...),
		EncryptedNotes:    op.EncryptedNotes,
	}
}

// MembershipSource yields committed-tree paths for notes being spent
type MembershipSource interface {
	Membership(leaves ...types.Hash) ([]*MerklePath, types.Hash, error)
}

// TransactionBuilder builds shield, transfer, join and unshield operations
type TransactionBuilder struct {
	prover    Prover
	tree      MembershipSource
	encryptor EncryptionService
}

// NewTransactionBuilder creates a builder. prover may be nil to skip proving;
// tree is only needed when proving spends.
func NewTransactionBuilder(prover Prover, tree MembershipSource, encryptor EncryptionService) *TransactionBuilder {
	if encryptor == nil {
		encryptor = NewNoteEncryptor()
	}
	return &TransactionBuilder{
		prover:    prover,
		tree:      tree,
		encryptor: encryptor,
	}
}

// Shield deposits amount of token into a note owned by to
func (tb *TransactionBuilder) Shield(ctx context.Context, to CompleteAddress, token types.TokenID, amount *uint256.Int) (*Operation, error) {
	note, err := NewNote(to.Address, token, amount)
	if err != nil {
		return nil, err
	}
	enc, err := tb.encryptor.Encrypt(note, to)
	if err != nil {
		return nil, err
	}

	op := &Operation{
		Kind:           CircuitShield,
		Notes:          []*Note{note},
		Commitments:    []types.Hash{note.Commitment()},
		EncryptedNotes: [][]byte{enc},
		Token:          token,
		PublicAmount:   new(uint256.Int).Set(note.Amount),
	}

	if tb.prover != nil {
		assignment := &ShieldCircuit{
			Commitment: fieldVar(note.Commitment()),
			Token:      fieldVar(token.Hash()),
			Amount:     note.Amount.ToBig(),
			Owner:      fieldVar(note.Owner),
			Randomness: fieldVar(note.Randomness),
		}
		if op.Proof, err = tb.prover.GenerateProof(ctx, CircuitShield, assignment); err != nil {
			return nil, err
		}
	}

	return op, nil
}

// Transfer pays amount from a note to someone else and returns the rest to
// the sender as a change note, which exists even when it is zero.
func (tb *TransactionBuilder) Transfer(ctx context.Context, keys *Keys, from *Note, to CompleteAddress, amount *uint256.Int) (*Operation, error) {
	amount, err := spendAmount(from, amount)
	if err != nil {
		return nil, err
	}
	nullifier, err := keys.Nullifier(from)
	if err != nil {
		return nil, err
	}
	if amount.Gt(from.Amount) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, from.Amount, amount)
	}

	change, err := NewNote(keys.Address(), from.Token, new(uint256.Int).Sub(from.Amount, amount))
	if err != nil {
		return nil, err
	}
	out, err := NewNote(to.Address, from.Token, amount)
	if err != nil {
		return nil, err
	}

	op, err := tb.outputs(CircuitTransfer, from.Token, []*Note{change, out}, []CompleteAddress{keys.Complete, to})
	if err != nil {
		return nil, err
	}
	op.Nullifiers = []types.Hash{nullifier}

	if tb.prover != nil {
		paths, root, err := tb.membership(from)
		if err != nil {
			return nil, err
		}
		assignment := &TransferCircuit{
			Root:             fieldVar(root),
			Nullifier:        fieldVar(nullifier),
			ChangeCommitment: fieldVar(change.Commitment()),
			OutCommitment:    fieldVar(out.Commitment()),
			Secret:           fieldVar(keys.Secret),
			ViewingPublicKey: fieldVar(types.Hash(keys.Complete.ViewingPublicKey)),
			Token:            fieldVar(from.Token.Hash()),
			In:               spentWitness(from, paths[0]),
			OutOwner:         fieldVar(out.Owner),
			OutAmount:        out.Amount.ToBig(),
			OutRandomness:    fieldVar(out.Randomness),
			ChangeRandomness: fieldVar(change.Randomness),
		}
		if op.Proof, err = tb.prover.GenerateProof(ctx, CircuitTransfer, assignment); err != nil {
			return nil, err
		}
	}

	return op, nil
}

// Join merges two notes of the same token into one note for their owner
func (tb *TransactionBuilder) Join(ctx context.Context, keys *Keys, notes []*Note) (*Operation, error) {
	if len(notes) != 2 {
		return nil, ErrJoinArity
	}
	if notes[0].Token != notes[1].Token {
		return nil, ErrTokenMismatch
	}
	if notes[0].Commitment() == notes[1].Commitment() {
		return nil, ErrSameNote
	}

	nullifiers := make([]types.Hash, len(notes))
	for i, n := range notes {
		nf, err := keys.Nullifier(n)
		if err != nil {
			return nil, err
		}
		nullifiers[i] = nf
	}

	joined, err := NewNote(keys.Address(), notes[0].Token, SumAmounts(notes))
	if err != nil {
		return nil, err
	}

	op, err := tb.outputs(CircuitJoin, joined.Token, []*Note{joined}, []CompleteAddress{keys.Complete})
	if err != nil {
		return nil, err
	}
	op.Nullifiers = nullifiers

	if tb.prover != nil {
		paths, root, err := tb.membership(notes...)
		if err != nil {
			return nil, err
		}
		assignment := &JoinCircuit{
			Root:             fieldVar(root),
			Nullifiers:       [2]frontend.Variable{fieldVar(nullifiers[0]), fieldVar(nullifiers[1])},
			OutCommitment:    fieldVar(joined.Commitment()),
			Secret:           fieldVar(keys.Secret),
			ViewingPublicKey: fieldVar(types.Hash(keys.Complete.ViewingPublicKey)),
			Token:            fieldVar(joined.Token.Hash()),
			In:               [2]spentNote{spentWitness(notes[0], paths[0]), spentWitness(notes[1], paths[1])},
			OutRandomness:    fieldVar(joined.Randomness),
		}
		if op.Proof, err = tb.prover.GenerateProof(ctx, CircuitJoin, assignment); err != nil {
			return nil, err
		}
	}

	return op, nil
}

// Unshield withdraws amount from a note to the public side and keeps the
// rest as a change note
func (tb *TransactionBuilder) Unshield(ctx context.Context, keys *Keys, from *Note, amount *uint256.Int) (*Operation, error) {
	amount, err := spendAmount(from, amount)
	if err != nil {
		return nil, err
	}
	nullifier, err := keys.Nullifier(from)
	if err != nil {
		return nil, err
	}
	if amount.Gt(from.Amount) {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, from.Amount, amount)
	}

	change, err := NewNote(keys.Address(), from.Token, new(uint256.Int).Sub(from.Amount, amount))
	if err != nil {
		return nil, err
	}

	op, err := tb.outputs(CircuitUnshield, from.Token, []*Note{change}, []CompleteAddress{keys.Complete})
	if err != nil {
		return nil, err
	}
	op.Nullifiers = []types.Hash{nullifier}
	op.PublicAmount = new(uint256.Int).Set(amount)

	if tb.prover != nil {
		paths, root, err := tb.membership(from)
		if err != nil {
			return nil, err
		}
		assignment := &UnshieldCircuit{
			Root:             fieldVar(root),
			Nullifier:        fieldVar(nullifier),
			ChangeCommitment: fieldVar(change.Commitment()),
			Token:            fieldVar(from.Token.Hash()),
			Amount:           amount.ToBig(),
			Secret:           fieldVar(keys.Secret),
			ViewingPublicKey: fieldVar(types.Hash(keys.Complete.ViewingPublicKey)),
			In:               spentWitness(from, paths[0]),
			ChangeRandomness: fieldVar(change.Randomness),
		}
		if op.Proof, err = tb.prover.GenerateProof(ctx, CircuitUnshield, assignment); err != nil {
			return nil, err
		}
	}

	return op, nil
}

func (tb *TransactionBuilder) outputs(kind CircuitID, token types.TokenID, notes []*Note, recipients []CompleteAddress) (*Operation, error) {
	op := &Operation{
		Kind:           kind,
		Notes:          notes,
		Commitments:    make([]types.Hash, len(notes)),
		EncryptedNotes: make([][]byte, len(notes)),
		Token:          token,
	}
	for i, n := range notes {
		enc, err := tb.encryptor.Encrypt(n, recipients[i])
		if err != nil {
			return nil, err
		}
		op.Commitments[i] = n.Commitment()
		op.EncryptedNotes[i] = enc
	}
	return op, nil
}

func (tb *TransactionBuilder) membership(notes ...*Note) ([]*MerklePath, types.Hash, error) {
	if tb.tree == nil {
		return nil, types.EmptyHash, ErrNoMembership
	}
	leaves := make([]types.Hash, len(notes))
	for i, n := range notes {
		leaves[i] = n.Commitment()
	}
	return tb.tree.Membership(leaves...)
}

// spendAmount checks the note being spent. A nil amount spends zero.
func spendAmount(from *Note, amount *uint256.Int) (*uint256.Int, error) {
	if from == nil {
		return nil, fmt.Errorf("%w: missing note", ErrInvalidNote)
	}
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if amount == nil {
		return new(uint256.Int), nil
	}
	return amount, nil
}

func spentWitness(n *Note, path *MerklePath) spentNote {
	w := newSpentNote(len(path.Siblings))
	w.Amount = n.Amount.ToBig()
	w.Randomness = fieldVar(n.Randomness)
	for i, sibling := range path.Siblings {
		w.Path[i] = fieldVar(sibling)
		bit := big.NewInt(0)
		if path.PathBits[i] {
			bit = big.NewInt(1)
		}
		w.PathBits[i] = bit
	}
	return w
}
