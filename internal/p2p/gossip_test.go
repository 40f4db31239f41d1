package p2p

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccoin/shieldpool/internal/ledger"
	"github.com/ccoin/shieldpool/internal/rollup"
	"github.com/ccoin/shieldpool/internal/state"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

const remote = peer.ID("remote-peer")

type published struct {
	topic string
	data  []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{topic: topic, data: data})
	return nil
}

// provenLedger records proofs handed to SubmitProven
type provenLedger struct {
	*ledger.MemoryLedger
	proofs []*zkp.Proof
}

func (l *provenLedger) SubmitProven(ctx context.Context, tx *types.PendingTransaction, proof *zkp.Proof) (uint64, error) {
	l.proofs = append(l.proofs, proof)
	return l.SubmitPendingTransaction(ctx, tx.OutputCommitments, tx.InputNullifiers, tx.EncryptedNotes)
}

func newTrees(t *testing.T) *state.Trees {
	t.Helper()
	trees, err := state.Open(context.Background(), &state.Config{CommitmentDepth: 8, NullifierDepth: 8}, state.Stores{})
	require.NoError(t, err)
	return trees
}

func pendingMessage(seed uint64) *PendingMessage {
	return &PendingMessage{
		Outputs:        []types.Hash{types.HashFromUint64(seed)},
		Nullifiers:     []types.Hash{types.HashFromUint64(seed + 1000)},
		EncryptedNotes: [][]byte{[]byte("note")},
	}
}

func TestRelaySubmitPublishes(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	pub := &recordingPublisher{}
	relay := NewRelay(l, pub, nil)

	index, err := relay.Submit(ctx, pendingMessage(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), index)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, PendingTopic, pub.msgs[0].topic)

	// our own message echoed back is not submitted twice
	require.NoError(t, relay.HandlePending(ctx, remote, pub.msgs[0].data))
	assert.Equal(t, 1, l.Size())
}

func TestRelaySubmitGossipFailure(t *testing.T) {
	l := ledger.NewMemoryLedger(nil)
	relay := NewRelay(l, &recordingPublisher{err: errors.New("no peers")}, nil)

	_, err := relay.Submit(context.Background(), pendingMessage(1))
	assert.Error(t, err)
	assert.Equal(t, 1, l.Size())
}

func TestRelayHandlesInbound(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(nil)
	relay := NewRelay(l, nil, nil)

	for seed := uint64(1); seed <= 3; seed++ {
		data, err := EncodePending(pendingMessage(seed))
		require.NoError(t, err)
		require.NoError(t, relay.HandlePending(ctx, remote, data))
		// duplicate delivery
		require.NoError(t, relay.HandlePending(ctx, remote, data))
	}

	txs, err := l.GetPendingTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, types.HashFromUint64(2), txs[1].OutputCommitments[0])

	ct, err := l.Ciphertext(ctx, types.HashFromUint64(3))
	require.NoError(t, err)
	assert.Equal(t, []byte("note"), ct)

	assert.ErrorIs(t, relay.HandlePending(ctx, remote, []byte{1}), ErrMalformedMessage)
}

func TestRelayRetriesAfterLedgerError(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger(&ledger.Config{MaxPending: 1})
	relay := NewRelay(l, nil, nil)

	first, err := EncodePending(pendingMessage(1))
	require.NoError(t, err)
	second, err := EncodePending(pendingMessage(2))
	require.NoError(t, err)

	require.NoError(t, relay.HandlePending(ctx, remote, first))
	assert.ErrorIs(t, relay.HandlePending(ctx, remote, second), ledger.ErrPoolFull)

	// the pool drains, the same message arrives again
	require.NoError(t, l.CommitRollup(ctx, types.Roots{}, []uint64{0}))
	require.NoError(t, relay.HandlePending(ctx, remote, second))
	assert.Equal(t, 2, l.Size())
}

func TestRelayProofs(t *testing.T) {
	ctx := context.Background()
	l := &provenLedger{MemoryLedger: ledger.NewMemoryLedger(nil)}
	relay := NewRelay(l, nil, &RelayConfig{RequireProof: true, SeenCacheSize: 16})

	bare, err := EncodePending(pendingMessage(1))
	require.NoError(t, err)
	assert.ErrorIs(t, relay.HandlePending(ctx, remote, bare), ErrProofRequired)

	msg := pendingMessage(2)
	msg.Proof = &zkp.Proof{Circuit: zkp.CircuitID("transfer"), Data: []byte{9}}
	proven, err := EncodePending(msg)
	require.NoError(t, err)
	require.NoError(t, relay.HandlePending(ctx, remote, proven))

	require.Len(t, l.proofs, 1)
	assert.Equal(t, msg.Proof.Circuit, l.proofs[0].Circuit)
	assert.Equal(t, 1, l.Size())
}

func TestRootsAnnouncedAfterRollup(t *testing.T) {
	ctx := context.Background()
	trees := newTrees(t)
	l := ledger.NewMemoryLedger(nil)
	pub := &recordingPublisher{}

	svc := rollup.NewService(trees, l, nil)
	svc.AddObserver(NewRootsAnnouncer(trees, pub, nil))

	// empty cycles announce nothing
	_, err := svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, pub.msgs)

	_, err = NewRelay(l, nil, nil).Submit(ctx, pendingMessage(1))
	require.NoError(t, err)
	_, err = svc.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, RootsTopic, pub.msgs[0].topic)
	msg, err := DecodeRoots(pub.msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, trees.Roots(), msg.Roots)
	assert.Equal(t, uint64(1), msg.CommitmentCount)
	assert.Equal(t, uint64(2), msg.NullifierCount)
}

func TestRootsWatcher(t *testing.T) {
	ctx := context.Background()
	trees := newTrees(t)
	w := NewRootsWatcher(trees, nil)

	matching := &RootsMessage{Roots: trees.Roots(), CommitmentCount: 0, NullifierCount: 1}
	require.NoError(t, w.HandleRoots(ctx, remote, EncodeRoots(matching)))

	latest, ok := w.Latest(remote)
	require.True(t, ok)
	assert.Equal(t, matching, latest)

	// a peer further ahead is not comparable
	ahead := &RootsMessage{Roots: types.Roots{CommitmentRoot: types.HashFromUint64(1)}, CommitmentCount: 5, NullifierCount: 3}
	require.NoError(t, w.HandleRoots(ctx, remote, EncodeRoots(ahead)))

	forked := &RootsMessage{Roots: types.Roots{CommitmentRoot: types.HashFromUint64(1)}, CommitmentCount: 0, NullifierCount: 1}
	assert.ErrorIs(t, w.HandleRoots(ctx, remote, EncodeRoots(forked)), ErrRootsDiverged)

	_, ok = w.Latest(peer.ID("unknown"))
	assert.False(t, ok)
}
