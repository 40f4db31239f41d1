package zkp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Nullifier tree errors
var (
	ErrNullifierExists    = errors.New("nullifier already in tree")
	ErrCorruptTree        = errors.New("indexed leaves do not form a sorted list")
	ErrDuplicateNullifier = errors.New("cannot insert duplicated keys")
	ErrInvalidNullifier   = errors.New("nullifier is not a canonical field element")
)

// DuplicateNullifierError reports the first nullifier of a batch that was
// already present, either in the tree or earlier in the same batch.
type DuplicateNullifierError struct {
	Nullifier types.Hash

	// Position is the offset of the nullifier inside the batch
	Position int

	// InBatch is set when the earlier occurrence is in the same batch
	InBatch bool
}

func (e *DuplicateNullifierError) Error() string {
	where := "tree"
	if e.InBatch {
		where = "batch"
	}
	return fmt.Sprintf("%s: nullifier %s at batch position %d already in %s",
		ErrDuplicateNullifier, e.Nullifier, e.Position, where)
}

func (e *DuplicateNullifierError) Unwrap() error {
	return ErrDuplicateNullifier
}

// InvalidNullifierError reports a batch entry at or above the field modulus
type InvalidNullifierError struct {
	Nullifier types.Hash
	Position  int
}

func (e *InvalidNullifierError) Error() string {
	return fmt.Sprintf("%s: %s at batch position %d", ErrInvalidNullifier, e.Nullifier, e.Position)
}

func (e *InvalidNullifierError) Unwrap() error {
	return ErrInvalidNullifier
}

// IndexedLeaf is a node of the sorted linked list threaded through the
// nullifier tree. The leaf with the largest value points at index 0 with a
// zero next value.
type IndexedLeaf struct {
	Value     types.Hash
	NextValue types.Hash
	NextIndex uint64
}

// Hash returns the leaf hash stored in the tree
func (l IndexedLeaf) Hash() types.Hash {
	return Hash(DomainIndexedLeaf, l.Value, types.HashFromUint64(l.NextIndex), l.NextValue)
}

// IndexedLeafStore persists nullifier-tree leaves. A batch both appends new
// leaves and rewrites the low leaves they were linked behind.
type IndexedLeafStore interface {
	// PutIndexedLeaves upserts leaves by index in a single atomic write
	PutIndexedLeaves(ctx context.Context, leaves map[uint64]IndexedLeaf) error

	// LoadIndexedLeaves returns all stored leaves in index order
	LoadIndexedLeaves(ctx context.Context) ([]IndexedLeaf, error)
}

// LowLeafWitness proves that a value is absent from the tree: the low leaf
// sorts before the value and links past it.
type LowLeafWitness struct {
	Index uint64
	Leaf  IndexedLeaf
	Path  *MerklePath
}

type sortedEntry struct {
	value types.Hash
	index uint64
}

// NullifierTree is an indexed Merkle tree of spent nullifiers. Leaf 0 is a
// zero sentinel, so the zero value can never be inserted.
type NullifierTree struct {
	mu sync.RWMutex

	depth int
	zeros []types.Hash

	leaves []IndexedLeaf
	hashes []types.Hash

	// sorted orders leaves by value for low-leaf search
	sorted []sortedEntry

	root types.Hash

	// store is optional
	store IndexedLeafStore
}

// NewNullifierTree creates a tree holding only the sentinel leaf. A zero
// depth selects TreeDepth; store may be nil.
func NewNullifierTree(store IndexedLeafStore, depth int) (*NullifierTree, error) {
	if depth == 0 {
		depth = TreeDepth
	}
	if depth < 1 || depth > MaxTreeDepth {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}

	nt := &NullifierTree{
		depth: depth,
		zeros: zeroHashes(depth),
		store: store,
	}
	nt.reset()
	return nt, nil
}

func (nt *NullifierTree) reset() {
	sentinel := IndexedLeaf{}
	nt.leaves = []IndexedLeaf{sentinel}
	nt.hashes = []types.Hash{sentinel.Hash()}
	nt.sorted = []sortedEntry{{value: types.EmptyHash, index: 0}}
	nt.root = merkleRoot(nt.hashes, nt.depth, nt.zeros)
}

// Restore reloads the leaves from the store. An empty store leaves the tree
// at its initial state.
func (nt *NullifierTree) Restore(ctx context.Context) error {
	if nt.store == nil {
		return nil
	}

	leaves, err := nt.store.LoadIndexedLeaves(ctx)
	if err != nil {
		return fmt.Errorf("failed to load nullifier leaves: %w", err)
	}

	return nt.RestoreLeaves(leaves)
}

// RestoreLeaves rebuilds the tree from its leaves in index order and checks
// that they link into a single sorted list starting at the sentinel.
func (nt *NullifierTree) RestoreLeaves(leaves []IndexedLeaf) error {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if len(leaves) == 0 {
		nt.reset()
		return nil
	}
	if uint64(len(leaves)) > uint64(1)<<nt.depth {
		return ErrTreeFull
	}
	if !leaves[0].Value.IsEmpty() {
		return fmt.Errorf("%w: leaf 0 is not the sentinel", ErrCorruptTree)
	}

	sorted := make([]sortedEntry, len(leaves))
	for i, leaf := range leaves {
		sorted[i] = sortedEntry{value: leaf.Value, index: uint64(i)}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].value.Less(sorted[j].value) })

	for i, entry := range sorted {
		if i > 0 && entry.value == sorted[i-1].value {
			return fmt.Errorf("%w: value %s appears twice", ErrCorruptTree, entry.value)
		}
		leaf := leaves[entry.index]
		var wantValue types.Hash
		var wantIndex uint64
		if i+1 < len(sorted) {
			wantValue = sorted[i+1].value
			wantIndex = sorted[i+1].index
		}
		if leaf.NextValue != wantValue || leaf.NextIndex != wantIndex {
			return fmt.Errorf("%w: leaf %d links to %d", ErrCorruptTree, entry.index, leaf.NextIndex)
		}
	}

	nt.leaves = append([]IndexedLeaf(nil), leaves...)
	nt.hashes = make([]types.Hash, len(leaves))
	for i, leaf := range nt.leaves {
		nt.hashes[i] = leaf.Hash()
	}
	nt.sorted = sorted
	nt.root = merkleRoot(nt.hashes, nt.depth, nt.zeros)

	return nil
}

// insertPlan is the full set of changes of a batch, computed without
// touching the tree
type insertPlan struct {
	updated  map[uint64]IndexedLeaf
	appended []IndexedLeaf
	sorted   []sortedEntry
}

func (nt *NullifierTree) plan(nullifiers []types.Hash) (*insertPlan, error) {
	size := uint64(len(nt.leaves))
	if size+uint64(len(nullifiers)) > uint64(1)<<nt.depth {
		return nil, ErrTreeFull
	}

	p := &insertPlan{
		updated: make(map[uint64]IndexedLeaf),
		sorted:  append(make([]sortedEntry, 0, len(nt.sorted)+len(nullifiers)), nt.sorted...),
	}
	batch := make(map[types.Hash]struct{}, len(nullifiers))

	leafAt := func(index uint64) IndexedLeaf {
		if index >= size {
			return p.appended[index-size]
		}
		if leaf, ok := p.updated[index]; ok {
			return leaf
		}
		return nt.leaves[index]
	}
	setLeaf := func(index uint64, leaf IndexedLeaf) {
		if index >= size {
			p.appended[index-size] = leaf
			return
		}
		p.updated[index] = leaf
	}

	for pos, nf := range nullifiers {
		// x and x+p would hash to the same leaf
		if Reduce(nf) != nf {
			return nil, &InvalidNullifierError{Nullifier: nf, Position: pos}
		}

		i := sort.Search(len(p.sorted), func(i int) bool { return !p.sorted[i].value.Less(nf) })
		if i < len(p.sorted) && p.sorted[i].value == nf {
			_, inBatch := batch[nf]
			return nil, &DuplicateNullifierError{Nullifier: nf, Position: pos, InBatch: inBatch}
		}

		lowIndex := p.sorted[i-1].index
		low := leafAt(lowIndex)
		newIndex := size + uint64(len(p.appended))

		p.appended = append(p.appended, IndexedLeaf{
			Value:     nf,
			NextValue: low.NextValue,
			NextIndex: low.NextIndex,
		})
		low.NextValue = nf
		low.NextIndex = newIndex
		setLeaf(lowIndex, low)

		p.sorted = append(p.sorted, sortedEntry{})
		copy(p.sorted[i+1:], p.sorted[i:])
		p.sorted[i] = sortedEntry{value: nf, index: newIndex}
		batch[nf] = struct{}{}
	}

	return p, nil
}

// BatchInsert inserts nullifiers in order. The batch is all-or-nothing: on a
// duplicate, capacity or store error the tree is unchanged. It returns the
// new root.
func (nt *NullifierTree) BatchInsert(ctx context.Context, nullifiers []types.Hash) (types.Hash, error) {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if len(nullifiers) == 0 {
		return nt.root, nil
	}

	p, err := nt.plan(nullifiers)
	if err != nil {
		return nt.root, err
	}

	size := uint64(len(nt.leaves))
	if nt.store != nil {
		writes := make(map[uint64]IndexedLeaf, len(p.updated)+len(p.appended))
		for index, leaf := range p.updated {
			writes[index] = leaf
		}
		for i, leaf := range p.appended {
			writes[size+uint64(i)] = leaf
		}
		if err := nt.store.PutIndexedLeaves(ctx, writes); err != nil {
			return nt.root, fmt.Errorf("failed to persist nullifier leaves: %w", err)
		}
	}

	for index, leaf := range p.updated {
		nt.leaves[index] = leaf
		nt.hashes[index] = leaf.Hash()
	}
	for _, leaf := range p.appended {
		nt.leaves = append(nt.leaves, leaf)
		nt.hashes = append(nt.hashes, leaf.Hash())
	}
	nt.sorted = p.sorted
	nt.root = merkleRoot(nt.hashes, nt.depth, nt.zeros)

	return nt.root, nil
}

// CheckBatch reports the first duplicate a BatchInsert of nullifiers would hit
func (nt *NullifierTree) CheckBatch(nullifiers []types.Hash) error {
	nt.mu.RLock()
	defer nt.mu.RUnlock()

	_, err := nt.plan(nullifiers)
	return err
}

// Contains reports whether value is a leaf of the tree
func (nt *NullifierTree) Contains(value types.Hash) bool {
	nt.mu.RLock()
	defer nt.mu.RUnlock()

	_, found := nt.search(value)
	return found
}

// GetLowLeaf returns the witness that value is absent
func (nt *NullifierTree) GetLowLeaf(value types.Hash) (*LowLeafWitness, error) {
	nt.mu.RLock()
	defer nt.mu.RUnlock()

	i, found := nt.search(value)
	if found {
		return nil, ErrNullifierExists
	}

	index := nt.sorted[i-1].index
	return &LowLeafWitness{
		Index: index,
		Leaf:  nt.leaves[index],
		Path:  merklePath(nt.hashes, index, nt.depth, nt.zeros),
	}, nil
}

// GetSiblingPath returns the authentication path of the leaf at index
func (nt *NullifierTree) GetSiblingPath(index uint64) (*MerklePath, error) {
	nt.mu.RLock()
	defer nt.mu.RUnlock()

	if index >= uint64(len(nt.leaves)) {
		return nil, ErrInvalidPosition
	}
	return merklePath(nt.hashes, index, nt.depth, nt.zeros), nil
}

// Leaf returns the leaf at index
func (nt *NullifierTree) Leaf(index uint64) (IndexedLeaf, error) {
	nt.mu.RLock()
	defer nt.mu.RUnlock()

	if index >= uint64(len(nt.leaves)) {
		return IndexedLeaf{}, ErrInvalidPosition
	}
	return nt.leaves[index], nil
}

// GetRoot returns the current root
func (nt *NullifierTree) GetRoot() types.Hash {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	return nt.root
}

// Size returns the number of leaves, sentinel included
func (nt *NullifierTree) Size() uint64 {
	nt.mu.RLock()
	defer nt.mu.RUnlock()
	return uint64(len(nt.leaves))
}

// Depth returns the tree depth
func (nt *NullifierTree) Depth() int {
	return nt.depth
}

// search returns the sorted position of the first value >= v
func (nt *NullifierTree) search(v types.Hash) (int, bool) {
	i := sort.Search(len(nt.sorted), func(i int) bool { return !nt.sorted[i].value.Less(v) })
	return i, i < len(nt.sorted) && nt.sorted[i].value == v
}

// InMemoryIndexedLeafStore is an IndexedLeafStore backed by a map
type InMemoryIndexedLeafStore struct {
	mu     sync.Mutex
	leaves map[uint64]IndexedLeaf
}

// NewInMemoryIndexedLeafStore creates an empty store
func NewInMemoryIndexedLeafStore() *InMemoryIndexedLeafStore {
	return &InMemoryIndexedLeafStore{
		leaves: make(map[uint64]IndexedLeaf),
	}
}

func (s *InMemoryIndexedLeafStore) PutIndexedLeaves(ctx context.Context, leaves map[uint64]IndexedLeaf) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for index, leaf := range leaves {
		s.leaves[index] = leaf
	}
	return nil
}

func (s *InMemoryIndexedLeafStore) LoadIndexedLeaves(ctx context.Context) ([]IndexedLeaf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]IndexedLeaf, len(s.leaves))
	for index, leaf := range s.leaves {
		if index >= uint64(len(out)) {
			return nil, fmt.Errorf("%w: gap before index %d", ErrCorruptTree, index)
		}
		out[index] = leaf
	}
	return out, nil
}
