package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

const (
	commitmentPrefix = "cm_"
	nullifierPrefix  = "nl_"

	indexedLeafSize = types.HashSize*2 + 8
)

var commitmentSizeKey = []byte("meta_cm_size")

// LevelStore persists both trees' leaves in an embedded goleveldb database
type LevelStore struct {
	db *leveldb.DB
}

// OpenLevelStore opens or creates the store at path
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open tree store: %w", err)
	}
	return &LevelStore{db: db}, nil
}

// Close closes the underlying database
func (s *LevelStore) Close() error {
	return s.db.Close()
}

// AppendLeaves writes commitment leaves and the new leaf count in one batch
func (s *LevelStore) AppendLeaves(ctx context.Context, start uint64, leaves []types.Hash) error {
	size, err := s.commitmentSize()
	if err != nil {
		return err
	}
	if start != size {
		return fmt.Errorf("%w: append at %d, store has %d leaves", ErrInvalidData, start, size)
	}

	batch := new(leveldb.Batch)
	for i, leaf := range leaves {
		batch.Put(commitmentKey(start+uint64(i)), leaf.Bytes())
	}
	var count [8]byte
	binary.BigEndian.PutUint64(count[:], start+uint64(len(leaves)))
	batch.Put(commitmentSizeKey, count[:])

	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

// LoadLeaves returns commitment leaves in position order
func (s *LevelStore) LoadLeaves(ctx context.Context) ([]types.Hash, error) {
	size, err := s.commitmentSize()
	if err != nil {
		return nil, err
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(commitmentPrefix)), nil)
	defer iter.Release()

	leaves := make([]types.Hash, 0, size)
	for iter.Next() {
		pos, err := parsePosition(string(iter.Key()), commitmentPrefix)
		if err != nil {
			return nil, err
		}
		if pos != uint64(len(leaves)) {
			return nil, fmt.Errorf("%w: commitment leaf %d missing", ErrInvalidData, len(leaves))
		}
		if len(iter.Value()) != types.HashSize {
			return nil, fmt.Errorf("%w: commitment leaf %d", ErrInvalidData, pos)
		}
		leaves = append(leaves, types.HashFromBytes(iter.Value()))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if uint64(len(leaves)) != size {
		return nil, fmt.Errorf("%w: %d commitment leaves, expected %d", ErrInvalidData, len(leaves), size)
	}
	return leaves, nil
}

// PutIndexedLeaves writes nullifier-tree leaves in one batch
func (s *LevelStore) PutIndexedLeaves(ctx context.Context, leaves map[uint64]zkp.IndexedLeaf) error {
	batch := new(leveldb.Batch)
	for index, leaf := range leaves {
		batch.Put(nullifierKey(index), encodeIndexedLeaf(leaf))
	}
	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

// LoadIndexedLeaves returns nullifier-tree leaves in index order
func (s *LevelStore) LoadIndexedLeaves(ctx context.Context) ([]zkp.IndexedLeaf, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(nullifierPrefix)), nil)
	defer iter.Release()

	var leaves []zkp.IndexedLeaf
	for iter.Next() {
		index, err := parsePosition(string(iter.Key()), nullifierPrefix)
		if err != nil {
			return nil, err
		}
		if index != uint64(len(leaves)) {
			return nil, fmt.Errorf("%w: nullifier leaf %d missing", ErrInvalidData, len(leaves))
		}
		leaf, err := decodeIndexedLeaf(iter.Value())
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return leaves, nil
}

func (s *LevelStore) commitmentSize() (uint64, error) {
	raw, err := s.db.Get(commitmentSizeKey, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: commitment count", ErrInvalidData)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func commitmentKey(position uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", commitmentPrefix, position))
}

func nullifierKey(index uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", nullifierPrefix, index))
}

func parsePosition(key, prefix string) (uint64, error) {
	if !strings.HasPrefix(key, prefix) {
		return 0, fmt.Errorf("%w: key %q", ErrInvalidData, key)
	}
	pos, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q", ErrInvalidData, key)
	}
	return pos, nil
}

func encodeIndexedLeaf(leaf zkp.IndexedLeaf) []byte {
	buf := make([]byte, 0, indexedLeafSize)
	buf = append(buf, leaf.Value[:]...)
	buf = append(buf, leaf.NextValue[:]...)
	return binary.BigEndian.AppendUint64(buf, leaf.NextIndex)
}

func decodeIndexedLeaf(b []byte) (zkp.IndexedLeaf, error) {
	if len(b) != indexedLeafSize {
		return zkp.IndexedLeaf{}, fmt.Errorf("%w: indexed leaf of %d bytes", ErrInvalidData, len(b))
	}
	return zkp.IndexedLeaf{
		Value:     types.HashFromBytes(b[:types.HashSize]),
		NextValue: types.HashFromBytes(b[types.HashSize : 2*types.HashSize]),
		NextIndex: binary.BigEndian.Uint64(b[2*types.HashSize:]),
	}, nil
}
