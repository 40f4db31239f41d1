package zkp

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shieldpool/pkg/types"
)

const testCircuitDepth = 4

func compiledManager(t *testing.T) *CircuitManager {
	t.Helper()
	if testing.Short() {
		t.Skip("circuit setup is slow")
	}
	cm := NewCircuitManager(testCircuitDepth)
	require.NoError(t, cm.CompileAll())
	return cm
}

// commitNotes appends notes to tree and commits them
func commitNotes(t *testing.T, tree *CommitmentTree, notes ...*Note) {
	t.Helper()
	for _, n := range notes {
		_, err := tree.AppendPending(n.Commitment())
		require.NoError(t, err)
	}
	require.NoError(t, tree.Commit(context.Background()))
}

func TestCircuitsProveAndVerify(t *testing.T) {
	ctx := context.Background()
	cm := compiledManager(t)

	tree, err := NewCommitmentTree(nil, testCircuitDepth)
	require.NoError(t, err)
	tb := NewTransactionBuilder(cm, tree, nil)

	alice := testKeys(t)
	bob := testKeys(t)

	shield, err := tb.Shield(ctx, alice.Complete, testToken, uint256.NewInt(500))
	require.NoError(t, err)
	require.NotNil(t, shield.Proof)
	require.NoError(t, cm.VerifyProof(ctx, shield.Proof))

	stmt, err := shield.Proof.Statement()
	require.NoError(t, err)
	assert.Equal(t, shield.Commitments, stmt.Commitments)
	assert.Equal(t, testToken.Hash(), *stmt.Token)
	assert.Equal(t, types.HashFromUint64(500), *stmt.Amount)

	second, err := tb.Shield(ctx, alice.Complete, testToken, uint256.NewInt(20))
	require.NoError(t, err)
	commitNotes(t, tree, shield.Notes[0], second.Notes[0])

	t.Run("transfer", func(t *testing.T) {
		op, err := tb.Transfer(ctx, alice, shield.Notes[0], bob.Complete, uint256.NewInt(123))
		require.NoError(t, err)
		require.NoError(t, cm.VerifyProof(ctx, op.Proof))

		stmt, err := op.Proof.Statement()
		require.NoError(t, err)
		assert.Equal(t, tree.GetRoot(false), *stmt.Root)
		assert.Equal(t, op.Nullifiers, stmt.Nullifiers)
		assert.Equal(t, op.Commitments, stmt.Commitments)
	})

	t.Run("join", func(t *testing.T) {
		op, err := tb.Join(ctx, alice, []*Note{shield.Notes[0], second.Notes[0]})
		require.NoError(t, err)
		require.NoError(t, cm.VerifyProof(ctx, op.Proof))

		stmt, err := op.Proof.Statement()
		require.NoError(t, err)
		assert.Equal(t, op.Nullifiers, stmt.Nullifiers)
		assert.Equal(t, op.Commitments, stmt.Commitments)
	})

	t.Run("unshield", func(t *testing.T) {
		op, err := tb.Unshield(ctx, alice, second.Notes[0], uint256.NewInt(5))
		require.NoError(t, err)
		require.NoError(t, cm.VerifyProof(ctx, op.Proof))

		stmt, err := op.Proof.Statement()
		require.NoError(t, err)
		assert.Equal(t, types.HashFromUint64(5), *stmt.Amount)
	})

	t.Run("tampered public input", func(t *testing.T) {
		op, err := tb.Transfer(ctx, alice, shield.Notes[0], bob.Complete, uint256.NewInt(1))
		require.NoError(t, err)

		op.Proof.PublicInputs[3] = types.HashFromUint64(1)
		assert.ErrorIs(t, cm.VerifyProof(ctx, op.Proof), ErrProofVerificationFailed)
	})
}

func TestCircuitRejectsOverspend(t *testing.T) {
	ctx := context.Background()
	cm := compiledManager(t)
	alice := testKeys(t)
	bob := testKeys(t)

	tree, err := NewCommitmentTree(nil, testCircuitDepth)
	require.NoError(t, err)
	note, err := NewNote(alice.Address(), testToken, uint256.NewInt(10))
	require.NoError(t, err)
	commitNotes(t, tree, note)

	paths, root, err := tree.Membership(note.Commitment())
	require.NoError(t, err)
	out, err := NewNote(bob.Address(), testToken, uint256.NewInt(11))
	require.NoError(t, err)
	nf, err := alice.Nullifier(note)
	require.NoError(t, err)

	// change wraps around the field and fails the range check
	assignment := &TransferCircuit{
		Root:             fieldVar(root),
		Nullifier:        fieldVar(nf),
		ChangeCommitment: fieldVar(types.HashFromUint64(0)),
		OutCommitment:    fieldVar(out.Commitment()),
		Secret:           fieldVar(alice.Secret),
		ViewingPublicKey: fieldVar(types.Hash(alice.Complete.ViewingPublicKey)),
		Token:            fieldVar(testToken.Hash()),
		In:               spentWitness(note, paths[0]),
		OutOwner:         fieldVar(out.Owner),
		OutAmount:        out.Amount.ToBig(),
		OutRandomness:    fieldVar(out.Randomness),
		ChangeRandomness: fieldVar(types.HashFromUint64(1)),
	}
	_, err = cm.GenerateProof(ctx, CircuitTransfer, assignment)
	assert.ErrorIs(t, err, ErrProofGenerationFailed)
}

func TestCircuitManagerNotCompiled(t *testing.T) {
	cm := NewCircuitManager(testCircuitDepth)

	_, err := cm.GenerateProof(context.Background(), CircuitShield, &ShieldCircuit{})
	assert.ErrorIs(t, err, ErrCircuitNotCompiled)
	assert.ErrorIs(t, cm.VerifyProof(context.Background(), &Proof{Circuit: CircuitShield}), ErrCircuitNotCompiled)

	_, err = NewCircuit("mint", testCircuitDepth)
	assert.ErrorIs(t, err, ErrUnknownCircuit)
}

func TestProofStatementLayout(t *testing.T) {
	p := &Proof{Circuit: CircuitJoin, PublicInputs: []types.Hash{
		types.HashFromUint64(1), types.HashFromUint64(2), types.HashFromUint64(3), types.HashFromUint64(4),
	}}
	stmt, err := p.Statement()
	require.NoError(t, err)
	assert.Equal(t, types.HashFromUint64(1), *stmt.Root)
	assert.Equal(t, []types.Hash{types.HashFromUint64(2), types.HashFromUint64(3)}, stmt.Nullifiers)
	assert.Equal(t, []types.Hash{types.HashFromUint64(4)}, stmt.Commitments)

	p.PublicInputs = p.PublicInputs[:3]
	_, err = p.Statement()
	assert.ErrorIs(t, err, ErrInvalidPublicInputs)
}
