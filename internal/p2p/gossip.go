package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/ledger"
	"github.com/ccoin/shieldpool/internal/rollup"
	"github.com/ccoin/shieldpool/internal/state"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Gossip errors
var (
	ErrProofRequired = errors.New("pending transaction carries no proof")
	ErrRootsDiverged = errors.New("peer roots differ at the same tree size")
)

// Publisher sends a payload to a gossip topic
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// ProvenSubmitter is implemented by ledgers that verify proofs on submit
type ProvenSubmitter interface {
	SubmitProven(ctx context.Context, tx *types.PendingTransaction, proof *zkp.Proof) (uint64, error)
}

// RelayConfig configures the pending-transaction relay
type RelayConfig struct {
	// RequireProof drops gossiped transactions without a proof
	RequireProof bool

	// SeenCacheSize bounds the duplicate filter
	SeenCacheSize int
}

// DefaultRelayConfig returns the default relay configuration
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		SeenCacheSize: 8192,
	}
}

// Relay submits gossiped pending transactions to the local ledger and
// publishes locally submitted ones
type Relay struct {
	ledger ledger.Ledger
	pub    Publisher
	config *RelayConfig
	logger *zap.Logger

	mu   sync.Mutex
	seen map[types.Hash]struct{}
}

// NewRelay creates a relay in front of l. pub may be nil for a receive-only relay.
func NewRelay(l ledger.Ledger, pub Publisher, cfg *RelayConfig) *Relay {
	if cfg == nil {
		cfg = DefaultRelayConfig()
	}
	return &Relay{
		ledger: l,
		pub:    pub,
		config: cfg,
		logger: zap.NewNop(),
		seen:   make(map[types.Hash]struct{}),
	}
}

// SetLogger sets the relay's logger
func (r *Relay) SetLogger(logger *zap.Logger) {
	r.logger = logger
}

// Submit submits msg to the local ledger and gossips it
func (r *Relay) Submit(ctx context.Context, msg *PendingMessage) (uint64, error) {
	data, err := EncodePending(msg)
	if err != nil {
		return 0, err
	}

	index, err := r.submit(ctx, msg)
	if err != nil {
		return 0, err
	}
	r.markSeen(msg.Transaction().ComputeHash())

	if r.pub != nil {
		if err := r.pub.Publish(ctx, PendingTopic, data); err != nil {
			return index, fmt.Errorf("gossip pending transaction %d: %w", index, err)
		}
	}
	return index, nil
}

// HandlePending is the MessageHandler for PendingTopic
func (r *Relay) HandlePending(ctx context.Context, from peer.ID, data []byte) error {
	msg, err := DecodePending(data)
	if err != nil {
		return err
	}

	id := msg.Transaction().ComputeHash()
	if !r.markSeen(id) {
		return nil
	}

	index, err := r.submit(ctx, msg)
	if err != nil {
		r.forget(id)
		return fmt.Errorf("pending transaction %s from %s: %w", id, from, err)
	}

	r.logger.Debug("gossiped transaction submitted",
		zap.Uint64("index", index),
		zap.String("id", id.String()),
		zap.String("from", from.String()),
	)
	return nil
}

func (r *Relay) submit(ctx context.Context, msg *PendingMessage) (uint64, error) {
	tx := msg.Transaction()
	if msg.Proof != nil {
		if ps, ok := r.ledger.(ProvenSubmitter); ok {
			return ps.SubmitProven(ctx, tx, msg.Proof)
		}
	} else if r.config.RequireProof {
		return 0, ErrProofRequired
	}
	return r.ledger.SubmitPendingTransaction(ctx, tx.OutputCommitments, tx.InputNullifiers, tx.EncryptedNotes)
}

// markSeen records id and reports whether it was new
func (r *Relay) markSeen(id types.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[id]; ok {
		return false
	}
	if len(r.seen) >= r.config.SeenCacheSize {
		r.seen = make(map[types.Hash]struct{})
	}
	r.seen[id] = struct{}{}
	return true
}

func (r *Relay) forget(id types.Hash) {
	r.mu.Lock()
	delete(r.seen, id)
	r.mu.Unlock()
}

// RootsAnnouncer publishes the roots of every persisted rollup
type RootsAnnouncer struct {
	trees  *state.Trees
	pub    Publisher
	logger *zap.Logger
}

var _ rollup.Observer = (*RootsAnnouncer)(nil)

// NewRootsAnnouncer creates an announcer for trees
func NewRootsAnnouncer(trees *state.Trees, pub Publisher, logger *zap.Logger) *RootsAnnouncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RootsAnnouncer{trees: trees, pub: pub, logger: logger}
}

// OnRollup implements rollup.Observer
func (a *RootsAnnouncer) OnRollup(ctx context.Context, result *rollup.Result) {
	msg := &RootsMessage{Roots: result.Roots}
	msg.CommitmentCount, msg.NullifierCount = treeSizes(a.trees)

	if err := a.pub.Publish(ctx, RootsTopic, EncodeRoots(msg)); err != nil {
		a.logger.Warn("roots announcement failed", zap.Error(err))
	}
}

// RootsWatcher compares peers' announced roots with the local trees
type RootsWatcher struct {
	trees  *state.Trees
	logger *zap.Logger

	mu     sync.Mutex
	latest map[peer.ID]*RootsMessage
}

// NewRootsWatcher creates a watcher over the local trees
func NewRootsWatcher(trees *state.Trees, logger *zap.Logger) *RootsWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RootsWatcher{
		trees:  trees,
		logger: logger,
		latest: make(map[peer.ID]*RootsMessage),
	}
}

// HandleRoots is the MessageHandler for RootsTopic
func (w *RootsWatcher) HandleRoots(ctx context.Context, from peer.ID, data []byte) error {
	msg, err := DecodeRoots(data)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.latest[from] = msg
	w.mu.Unlock()

	// Only equal-sized trees are comparable
	var local types.Roots
	var cms, nls uint64
	w.trees.View(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
		local = types.Roots{CommitmentRoot: ct.GetRoot(false), NullifierRoot: nt.GetRoot()}
		cms, nls = ct.Size(false), nt.Size()
		return nil
	})
	if cms != msg.CommitmentCount || nls != msg.NullifierCount {
		return nil
	}
	if local != msg.Roots {
		w.logger.Warn("peer roots diverge from local trees",
			zap.String("from", from.String()),
			zap.Uint64("commitments", cms),
			zap.Uint64("nullifiers", nls),
			zap.String("local_commitment_root", local.CommitmentRoot.String()),
			zap.String("peer_commitment_root", msg.Roots.CommitmentRoot.String()),
		)
		return ErrRootsDiverged
	}
	return nil
}

// Latest returns the last roots announced by p
func (w *RootsWatcher) Latest(p peer.ID) (*RootsMessage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg, ok := w.latest[p]
	return msg, ok
}

func treeSizes(trees *state.Trees) (commitments, nullifiers uint64) {
	trees.View(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
		commitments, nullifiers = ct.Size(false), nt.Size()
		return nil
	})
	return commitments, nullifiers
}
