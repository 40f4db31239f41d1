package balance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shieldpool/internal/ledger"
	"github.com/ccoin/shieldpool/internal/rollup"
	"github.com/ccoin/shieldpool/internal/state"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

var (
	tokenT = types.TokenID{0x7e}
	tokenU = types.TokenID{0x55}
)

type pool struct {
	trees    *state.Trees
	ledger   *ledger.MemoryLedger
	rollups  *rollup.Service
	balances *Service
	builder  *zkp.TransactionBuilder
}

func newPool(t *testing.T) *pool {
	t.Helper()
	trees, err := state.Open(context.Background(), &state.Config{CommitmentDepth: 10, NullifierDepth: 10}, state.Stores{})
	require.NoError(t, err)
	l := ledger.NewMemoryLedger(nil)
	return &pool{
		trees:    trees,
		ledger:   l,
		rollups:  rollup.NewService(trees, l, nil),
		balances: NewService(trees, l, nil),
		builder:  zkp.NewTransactionBuilder(nil, trees, nil),
	}
}

func newKeys(t *testing.T) *zkp.Keys {
	t.Helper()
	secret, err := zkp.GenerateSecret()
	require.NoError(t, err)
	keys, err := zkp.DeriveKeys(secret)
	require.NoError(t, err)
	return keys
}

func (p *pool) submit(t *testing.T, op *zkp.Operation) {
	t.Helper()
	_, err := p.ledger.SubmitPendingTransaction(context.Background(), op.Commitments, op.Nullifiers, op.EncryptedNotes)
	require.NoError(t, err)
}

func (p *pool) shield(t *testing.T, to *zkp.Keys, token types.TokenID, amount uint64) {
	t.Helper()
	op, err := p.builder.Shield(context.Background(), to.Complete, token, uint256.NewInt(amount))
	require.NoError(t, err)
	p.submit(t, op)
}

func (p *pool) rollup(t *testing.T) {
	t.Helper()
	_, err := p.rollups.RunCycle(context.Background())
	require.NoError(t, err)
}

func (p *pool) notes(t *testing.T, keys *zkp.Keys, token types.TokenID) []*DiscoveredNote {
	t.Helper()
	notes, err := p.balances.GetNotesOwnedBy(context.Background(), keys, token)
	require.NoError(t, err)
	return notes
}

func (p *pool) balance(t *testing.T, keys *zkp.Keys, token types.TokenID) uint64 {
	t.Helper()
	b, err := p.balances.BalanceOf(context.Background(), token, keys)
	require.NoError(t, err)
	return b.Uint64()
}

func TestShieldVisibleOnlyAfterRollup(t *testing.T) {
	p := newPool(t)
	alice := newKeys(t)

	p.shield(t, alice, tokenT, 100)
	assert.Empty(t, p.notes(t, alice, tokenT))

	p.rollup(t)
	notes := p.notes(t, alice, tokenT)
	require.Len(t, notes, 1)
	assert.Equal(t, uint64(100), notes[0].Note.Amount.Uint64())
	assert.Equal(t, uint64(0), notes[0].Position)
	assert.Equal(t, uint64(100), p.balance(t, alice, tokenT))

	// other tokens and other keys see nothing
	assert.Empty(t, p.notes(t, alice, tokenU))
	assert.Empty(t, p.notes(t, newKeys(t), tokenT))
}

func TestTransferWithChange(t *testing.T) {
	ctx := context.Background()
	p := newPool(t)
	alice, bob := newKeys(t), newKeys(t)

	p.shield(t, alice, tokenT, 500)
	p.rollup(t)
	source := p.notes(t, alice, tokenT)[0]

	op, err := p.builder.Transfer(ctx, alice, source.Note, bob.Complete, uint256.NewInt(123))
	require.NoError(t, err)
	p.submit(t, op)
	p.rollup(t)

	assert.Equal(t, uint64(377), p.balance(t, alice, tokenT))
	assert.Equal(t, uint64(123), p.balance(t, bob, tokenT))

	remaining := p.notes(t, alice, tokenT)
	require.Len(t, remaining, 1)
	assert.Equal(t, op.Commitments[0], remaining[0].Commitment)
	assert.True(t, p.trees.IsSpent(source.Nullifier))
}

func TestTransferWholeNoteLeavesZeroChange(t *testing.T) {
	ctx := context.Background()
	p := newPool(t)
	alice, bob := newKeys(t), newKeys(t)

	p.shield(t, alice, tokenT, 50)
	p.rollup(t)

	op, err := p.builder.Transfer(ctx, alice, p.notes(t, alice, tokenT)[0].Note, bob.Complete, uint256.NewInt(50))
	require.NoError(t, err)
	p.submit(t, op)
	p.rollup(t)

	notes := p.notes(t, alice, tokenT)
	require.Len(t, notes, 1)
	assert.True(t, notes[0].Note.Amount.IsZero())
	assert.Equal(t, uint64(0), p.balance(t, alice, tokenT))
	assert.Equal(t, uint64(50), p.balance(t, bob, tokenT))
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	p := newPool(t)
	alice := newKeys(t)

	p.shield(t, alice, tokenT, 100)
	p.shield(t, alice, tokenT, 200)
	p.rollup(t)

	found := p.notes(t, alice, tokenT)
	require.Len(t, found, 2)

	op, err := p.builder.Join(ctx, alice, []*zkp.Note{found[0].Note, found[1].Note})
	require.NoError(t, err)
	p.submit(t, op)
	p.rollup(t)

	notes := p.notes(t, alice, tokenT)
	require.Len(t, notes, 1)
	assert.Equal(t, uint64(300), notes[0].Note.Amount.Uint64())
}

func TestUnshield(t *testing.T) {
	ctx := context.Background()
	p := newPool(t)
	alice := newKeys(t)

	p.shield(t, alice, tokenT, 80)
	p.rollup(t)

	op, err := p.builder.Unshield(ctx, alice, p.notes(t, alice, tokenT)[0].Note, uint256.NewInt(30))
	require.NoError(t, err)
	assert.Equal(t, uint64(30), op.PublicAmount.Uint64())
	p.submit(t, op)
	p.rollup(t)

	assert.Equal(t, uint64(50), p.balance(t, alice, tokenT))
}

func TestBalanceConservation(t *testing.T) {
	p := newPool(t)
	alice := newKeys(t)

	var total uint64
	for _, amount := range []uint64{5, 17, 0, 250, 1} {
		p.shield(t, alice, tokenT, amount)
		total += amount
	}
	p.shield(t, alice, tokenU, 999)
	p.rollup(t)

	assert.Equal(t, total, p.balance(t, alice, tokenT))
	assert.Equal(t, uint64(999), p.balance(t, alice, tokenU))
}

func TestDiscoveryIsIdempotent(t *testing.T) {
	p := newPool(t)
	alice, bob := newKeys(t), newKeys(t)

	for i := uint64(1); i <= 4; i++ {
		p.shield(t, alice, tokenT, i)
		p.shield(t, bob, tokenT, i*10)
	}
	p.rollup(t)

	first := p.notes(t, alice, tokenT)
	second := p.notes(t, alice, tokenT)
	require.Len(t, first, 4)
	require.Len(t, second, 4)
	for i := range first {
		assert.Equal(t, first[i].Commitment, second[i].Commitment)
		assert.Equal(t, first[i].Position, second[i].Position)
		assert.Equal(t, first[i].Nullifier, second[i].Nullifier)
		assert.Equal(t, uint64(i+1), first[i].Note.Amount.Uint64())
	}
}

func TestDoubleSpendInSameBatch(t *testing.T) {
	ctx := context.Background()
	p := newPool(t)
	alice, bob, carol := newKeys(t), newKeys(t), newKeys(t)

	p.shield(t, alice, tokenT, 100)
	p.rollup(t)
	source := p.notes(t, alice, tokenT)[0].Note

	toBob, err := p.builder.Transfer(ctx, alice, source, bob.Complete, uint256.NewInt(60))
	require.NoError(t, err)
	toCarol, err := p.builder.Transfer(ctx, alice, source, carol.Complete, uint256.NewInt(70))
	require.NoError(t, err)
	p.submit(t, toBob)
	p.submit(t, toCarol)

	_, err = p.rollups.RunCycle(ctx)
	assert.True(t, rollup.IsDoubleSpend(err))

	assert.Equal(t, uint64(100), p.balance(t, alice, tokenT))
	assert.Zero(t, p.balance(t, bob, tokenT))
	assert.Zero(t, p.balance(t, carol, tokenT))
}

func TestDoubleSpendInSequentialBatches(t *testing.T) {
	ctx := context.Background()
	p := newPool(t)
	alice, bob, carol := newKeys(t), newKeys(t), newKeys(t)

	p.shield(t, alice, tokenT, 100)
	p.rollup(t)
	source := p.notes(t, alice, tokenT)[0].Note

	toBob, err := p.builder.Transfer(ctx, alice, source, bob.Complete, uint256.NewInt(60))
	require.NoError(t, err)
	toCarol, err := p.builder.Transfer(ctx, alice, source, carol.Complete, uint256.NewInt(70))
	require.NoError(t, err)

	p.submit(t, toBob)
	p.rollup(t)

	p.submit(t, toCarol)
	_, err = p.rollups.RunCycle(ctx)
	assert.True(t, rollup.IsDoubleSpend(err))

	assert.Equal(t, uint64(60), p.balance(t, bob, tokenT))
	assert.Zero(t, p.balance(t, carol, tokenT))
	assert.Equal(t, uint64(40), p.balance(t, alice, tokenT))

	err = p.trees.View(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
		for _, cm := range toCarol.Commitments {
			_, err := ct.FindLeaf(cm)
			assert.ErrorIs(t, err, zkp.ErrLeafNotFound)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSpendingSomeoneElsesNote(t *testing.T) {
	ctx := context.Background()
	p := newPool(t)
	alice, bob := newKeys(t), newKeys(t)

	p.shield(t, alice, tokenT, 100)
	p.rollup(t)
	source := p.notes(t, alice, tokenT)[0].Note

	_, err := p.builder.Transfer(ctx, bob, source, bob.Complete, uint256.NewInt(1))
	assert.ErrorIs(t, err, zkp.ErrNotOwner)
	assert.Equal(t, uint64(100), p.balance(t, alice, tokenT))
}

func TestReplayedCommitmentCountedOnce(t *testing.T) {
	ctx := context.Background()
	p := newPool(t)
	alice := newKeys(t)

	op, err := p.builder.Shield(ctx, alice.Complete, tokenT, uint256.NewInt(100))
	require.NoError(t, err)

	// the same outputs and ciphertexts resubmitted, in the batch and after it
	p.submit(t, op)
	p.submit(t, op)
	p.rollup(t)
	p.submit(t, op)
	p.rollup(t)

	err = p.trees.View(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
		require.Equal(t, uint64(3), ct.Size(false))
		return nil
	})
	require.NoError(t, err)

	notes := p.notes(t, alice, tokenT)
	require.Len(t, notes, 1)
	assert.Equal(t, uint64(0), notes[0].Position)
	assert.Equal(t, uint64(100), p.balance(t, alice, tokenT))
}

// contendedSource tries to take the trees' write lock on every fetch
type contendedSource struct {
	*ledger.MemoryLedger
	trees *state.Trees

	// onFetch runs once, before the first fetch returns
	onFetch func()
	once    sync.Once

	blocked bool
}

func (c *contendedSource) Ciphertext(ctx context.Context, commitment types.Hash) ([]byte, error) {
	done := make(chan struct{})
	go func() {
		_ = c.trees.Update(func(*zkp.CommitmentTree, *zkp.NullifierTree) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		c.blocked = true
	}

	if c.onFetch != nil {
		c.once.Do(c.onFetch)
	}
	return c.MemoryLedger.Ciphertext(ctx, commitment)
}

func TestDiscoveryDoesNotHoldTreeLock(t *testing.T) {
	ctx := context.Background()
	p := newPool(t)
	alice := newKeys(t)

	p.shield(t, alice, tokenT, 10)
	p.shield(t, alice, tokenT, 20)
	p.rollup(t)

	source := &contendedSource{MemoryLedger: p.ledger, trees: p.trees}
	notes, err := NewService(p.trees, source, nil).GetNotesOwnedBy(ctx, alice, tokenT)
	require.NoError(t, err)
	assert.Len(t, notes, 2)
	assert.False(t, source.blocked)

	sc := NewScanner(alice, p.trees, source, nil)
	n, err := sc.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, source.blocked)
}

func TestDiscoveryPicksUpRollupDuringScan(t *testing.T) {
	ctx := context.Background()
	p := newPool(t)
	alice := newKeys(t)

	p.shield(t, alice, tokenT, 10)
	p.rollup(t)
	first := p.notes(t, alice, tokenT)[0]

	// spend the first note and shield a second while the scan is running
	op, err := p.builder.Transfer(ctx, alice, first.Note, alice.Complete, uint256.NewInt(4))
	require.NoError(t, err)
	source := &contendedSource{MemoryLedger: p.ledger, trees: p.trees}
	source.onFetch = func() {
		p.submit(t, op)
		p.rollup(t)
	}

	notes, err := NewService(p.trees, source, nil).GetNotesOwnedBy(ctx, alice, tokenT)
	require.NoError(t, err)
	var total uint64
	for _, n := range notes {
		assert.NotEqual(t, first.Commitment, n.Commitment)
		total += n.Note.Amount.Uint64()
	}
	assert.Len(t, notes, 2)
	assert.Equal(t, uint64(10), total)
	assert.False(t, source.blocked)
}
