package zkp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Merkle tree errors
var (
	ErrTreeFull        = errors.New("merkle tree is full")
	ErrLeafNotFound    = errors.New("leaf not found in tree")
	ErrInvalidPath     = errors.New("invalid merkle path")
	ErrInvalidPosition = errors.New("invalid position")
	ErrInvalidDepth    = errors.New("invalid tree depth")
)

const (
	// TreeDepth is the default depth of both trees
	TreeDepth = 32

	// MaxTreeDepth bounds the depth so capacity fits in a uint64
	MaxTreeDepth = 62
)

// LeafStore persists committed commitment-tree leaves
type LeafStore interface {
	// AppendLeaves stores leaves at positions start, start+1, ...
	AppendLeaves(ctx context.Context, start uint64, leaves []types.Hash) error

	// LoadLeaves returns all stored leaves in position order
	LoadLeaves(ctx context.Context) ([]types.Hash, error)
}

// MerklePath represents a path from a leaf to the root
type MerklePath struct {
	// Siblings are the sibling hashes along the path
	Siblings []types.Hash

	// PathBits indicates left (0) or right (1) at each level
	PathBits []bool

	// LeafPosition is the position of the leaf
	LeafPosition uint64
}

// ComputeRoot folds leaf up the path
func (p *MerklePath) ComputeRoot(leaf types.Hash) types.Hash {
	current := leaf
	for i, sibling := range p.Siblings {
		if p.PathBits[i] {
			current = hashPair(sibling, current)
		} else {
			current = hashPair(current, sibling)
		}
	}
	return current
}

// CommitmentTree is an append-only Merkle tree of note commitments.
// Appends are staged as pending until Commit, so the tree exposes both a
// committed root and one that includes the staged leaves.
type CommitmentTree struct {
	mu sync.RWMutex

	depth int
	zeros []types.Hash

	committed []types.Hash
	pending   []types.Hash

	// committedRoot is cached; the uncommitted root is computed on demand
	committedRoot types.Hash

	// positions maps a commitment to its first committed position
	positions map[types.Hash]uint64

	// store is optional
	store LeafStore
}

// NewCommitmentTree creates an empty commitment tree. A zero depth selects
// TreeDepth; store may be nil.
func NewCommitmentTree(store LeafStore, depth int) (*CommitmentTree, error) {
	if depth == 0 {
		depth = TreeDepth
	}
	if depth < 1 || depth > MaxTreeDepth {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}

	zeros := zeroHashes(depth)
	return &CommitmentTree{
		depth:         depth,
		zeros:         zeros,
		committedRoot: zeros[depth],
		positions:     make(map[types.Hash]uint64),
		store:         store,
	}, nil
}

// Restore reloads committed leaves from the store
func (ct *CommitmentTree) Restore(ctx context.Context) error {
	if ct.store == nil {
		return nil
	}

	leaves, err := ct.store.LoadLeaves(ctx)
	if err != nil {
		return fmt.Errorf("failed to load commitment leaves: %w", err)
	}

	return ct.RestoreLeaves(leaves)
}

// RestoreLeaves replaces the tree contents with leaves, discarding pending appends
func (ct *CommitmentTree) RestoreLeaves(leaves []types.Hash) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if uint64(len(leaves)) > ct.capacity() {
		return ErrTreeFull
	}

	ct.committed = append([]types.Hash(nil), leaves...)
	ct.pending = nil
	ct.positions = make(map[types.Hash]uint64, len(leaves))
	for i, leaf := range ct.committed {
		if _, ok := ct.positions[leaf]; !ok {
			ct.positions[leaf] = uint64(i)
		}
	}
	ct.committedRoot = merkleRoot(ct.committed, ct.depth, ct.zeros)

	return nil
}

// AppendPending stages a leaf and returns its position
func (ct *CommitmentTree) AppendPending(leaf types.Hash) (uint64, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	position := uint64(len(ct.committed) + len(ct.pending))
	if position >= ct.capacity() {
		return 0, ErrTreeFull
	}

	ct.pending = append(ct.pending, leaf)
	return position, nil
}

// Commit makes all staged leaves permanent. Leaves are written to the store
// first; on a store error nothing changes and the leaves stay staged.
func (ct *CommitmentTree) Commit(ctx context.Context) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if len(ct.pending) == 0 {
		return nil
	}

	if ct.store != nil {
		if err := ct.store.AppendLeaves(ctx, uint64(len(ct.committed)), ct.pending); err != nil {
			return fmt.Errorf("failed to persist commitment leaves: %w", err)
		}
	}

	start := uint64(len(ct.committed))
	for i, leaf := range ct.pending {
		if _, ok := ct.positions[leaf]; !ok {
			ct.positions[leaf] = start + uint64(i)
		}
	}
	ct.committed = append(ct.committed, ct.pending...)
	ct.pending = nil
	ct.committedRoot = merkleRoot(ct.committed, ct.depth, ct.zeros)

	return nil
}

// Rollback discards staged leaves and returns how many were dropped
func (ct *CommitmentTree) Rollback() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	n := len(ct.pending)
	ct.pending = nil
	return n
}

// GetRoot returns the committed root, or the root over committed and
// staged leaves when includeUncommitted is set
func (ct *CommitmentTree) GetRoot(includeUncommitted bool) types.Hash {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	if !includeUncommitted || len(ct.pending) == 0 {
		return ct.committedRoot
	}
	return merkleRoot(ct.allLeaves(), ct.depth, ct.zeros)
}

// GetSiblingPath returns the authentication path of the leaf at position.
// Staged leaves are addressable; their path is against the uncommitted root.
func (ct *CommitmentTree) GetSiblingPath(position uint64) (*MerklePath, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	leaves := ct.allLeaves()
	if position >= uint64(len(leaves)) {
		return nil, ErrInvalidPosition
	}

	return merklePath(leaves, position, ct.depth, ct.zeros), nil
}

// VerifyPath checks that leaf with path hashes to root
func (ct *CommitmentTree) VerifyPath(leaf types.Hash, path *MerklePath, root types.Hash) bool {
	if path == nil || len(path.Siblings) != ct.depth || len(path.PathBits) != ct.depth {
		return false
	}
	for i, bit := range path.PathBits {
		if bit != ((path.LeafPosition>>uint(i))&1 == 1) {
			return false
		}
	}
	return path.ComputeRoot(leaf) == root
}

// Membership returns committed-tree paths for leaves together with the
// committed root they all verify against
func (ct *CommitmentTree) Membership(leaves ...types.Hash) ([]*MerklePath, types.Hash, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	paths := make([]*MerklePath, len(leaves))
	for i, leaf := range leaves {
		position, ok := ct.positions[leaf]
		if !ok {
			return nil, types.EmptyHash, fmt.Errorf("%w: %s", ErrLeafNotFound, leaf)
		}
		paths[i] = merklePath(ct.committed, position, ct.depth, ct.zeros)
	}
	return paths, ct.committedRoot, nil
}

// Leaf returns the committed leaf at position
func (ct *CommitmentTree) Leaf(position uint64) (types.Hash, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	if position >= uint64(len(ct.committed)) {
		return types.EmptyHash, ErrInvalidPosition
	}
	return ct.committed[position], nil
}

// Leaves returns a copy of the committed leaves starting at from
func (ct *CommitmentTree) Leaves(from uint64) []types.Hash {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	if from >= uint64(len(ct.committed)) {
		return nil
	}
	return append([]types.Hash(nil), ct.committed[from:]...)
}

// FindLeaf returns the first committed position holding leaf
func (ct *CommitmentTree) FindLeaf(leaf types.Hash) (uint64, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	position, ok := ct.positions[leaf]
	if !ok {
		return 0, ErrLeafNotFound
	}
	return position, nil
}

// Size returns the number of leaves, optionally including staged ones
func (ct *CommitmentTree) Size(includeUncommitted bool) uint64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	if includeUncommitted {
		return uint64(len(ct.committed) + len(ct.pending))
	}
	return uint64(len(ct.committed))
}

// Remaining returns how many more leaves fit, counting staged leaves as used
func (ct *CommitmentTree) Remaining() uint64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	return ct.capacity() - uint64(len(ct.committed)+len(ct.pending))
}

// Depth returns the tree depth
func (ct *CommitmentTree) Depth() int {
	return ct.depth
}

func (ct *CommitmentTree) capacity() uint64 {
	return uint64(1) << ct.depth
}

func (ct *CommitmentTree) allLeaves() []types.Hash {
	if len(ct.pending) == 0 {
		return ct.committed
	}
	leaves := make([]types.Hash, 0, len(ct.committed)+len(ct.pending))
	leaves = append(leaves, ct.committed...)
	return append(leaves, ct.pending...)
}

// InMemoryLeafStore is a LeafStore backed by a slice
type InMemoryLeafStore struct {
	mu     sync.Mutex
	leaves []types.Hash
}

// NewInMemoryLeafStore creates an empty leaf store
func NewInMemoryLeafStore() *InMemoryLeafStore {
	return &InMemoryLeafStore{}
}

func (s *InMemoryLeafStore) AppendLeaves(ctx context.Context, start uint64, leaves []types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if start != uint64(len(s.leaves)) {
		return fmt.Errorf("%w: append at %d, store has %d leaves", ErrInvalidPosition, start, len(s.leaves))
	}
	s.leaves = append(s.leaves, leaves...)
	return nil
}

func (s *InMemoryLeafStore) LoadLeaves(ctx context.Context) ([]types.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]types.Hash(nil), s.leaves...), nil
}
