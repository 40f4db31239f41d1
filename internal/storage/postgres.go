// Package storage implements the PostgreSQL ledger and the persistent leaf
// stores of both trees.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/ledger"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidData  = errors.New("invalid data")
	ErrDBConnection = errors.New("database connection error")
)

// PostgresStore implements the ledger and both leaf stores using PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Config holds database configuration
type Config struct {
	// ConnString overrides the individual fields when set
	ConnString string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "shieldpool",
		Password: "",
		Database: "shieldpool",
		SSLMode:  "disable",
		MaxConns: 20,
	}
}

// NewPostgresStore connects to PostgreSQL
func NewPostgresStore(ctx context.Context, cfg *Config) (*PostgresStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	connString := cfg.ConnString
	if connString == "" {
		connString = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode, cfg.MaxConns,
		)
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}

	return &PostgresStore{pool: pool, logger: zap.NewNop()}, nil
}

// SetLogger replaces the no-op logger
func (s *PostgresStore) SetLogger(logger *zap.Logger) {
	s.logger = logger
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_transactions (
	idx                BIGINT PRIMARY KEY,
	rolled_up          BOOLEAN NOT NULL DEFAULT FALSE,
	rejected           BOOLEAN NOT NULL DEFAULT FALSE,
	output_commitments BYTEA[] NOT NULL,
	input_nullifiers   BYTEA[] NOT NULL
);

CREATE TABLE IF NOT EXISTS encrypted_notes (
	commitment BYTEA PRIMARY KEY,
	ciphertext BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS roots (
	seq             BIGSERIAL PRIMARY KEY,
	commitment_root BYTEA NOT NULL,
	nullifier_root  BYTEA NOT NULL
);

CREATE INDEX IF NOT EXISTS roots_commitment_root_idx ON roots (commitment_root);

CREATE TABLE IF NOT EXISTS commitment_leaves (
	idx  BIGINT PRIMARY KEY,
	leaf BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS nullifier_leaves (
	idx        BIGINT PRIMARY KEY,
	value      BYTEA NOT NULL,
	next_value BYTEA NOT NULL,
	next_index BIGINT NOT NULL
);
`

// Migrate creates the schema if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// ============================================
// Ledger
// ============================================

// GetPendingTransactions returns every non-rejected transaction in index
// order. Ciphertexts are served by Ciphertext and are not loaded here.
func (s *PostgresStore) GetPendingTransactions(ctx context.Context) ([]*types.PendingTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT idx, rolled_up, output_commitments, input_nullifiers
		FROM pending_transactions
		WHERE NOT rejected
		ORDER BY idx
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	var txs []*types.PendingTransaction
	for rows.Next() {
		var (
			idx         int64
			rolledUp    bool
			commitments [][]byte
			nullifiers  [][]byte
		)
		if err := rows.Scan(&idx, &rolledUp, &commitments, &nullifiers); err != nil {
			return nil, err
		}

		tx := &types.PendingTransaction{
			Index:    uint64(idx),
			RolledUp: rolledUp,
		}
		if tx.OutputCommitments, err = toHashes(commitments); err != nil {
			return nil, err
		}
		if tx.InputNullifiers, err = toHashes(nullifiers); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SubmitPendingTransaction appends a transaction and its ciphertexts
func (s *PostgresStore) SubmitPendingTransaction(ctx context.Context, outputs, nullifiers []types.Hash, encryptedNotes [][]byte) (uint64, error) {
	if encryptedNotes != nil && len(encryptedNotes) != len(outputs) {
		return 0, fmt.Errorf("%w: %d outputs, %d ciphertexts", ledger.ErrMismatchedCiphertexts, len(outputs), len(encryptedNotes))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(ctx)

	// indices are dense and follow commit order
	if _, err := tx.Exec(ctx, `LOCK TABLE pending_transactions IN EXCLUSIVE MODE`); err != nil {
		return 0, err
	}

	var idx int64
	err = tx.QueryRow(ctx, `
		INSERT INTO pending_transactions (idx, output_commitments, input_nullifiers)
		VALUES ((SELECT COALESCE(MAX(idx) + 1, 0) FROM pending_transactions), $1, $2)
		RETURNING idx
	`, fromHashes(outputs), fromHashes(nullifiers)).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending transaction: %w", err)
	}

	for i, enc := range encryptedNotes {
		if enc == nil {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO encrypted_notes (commitment, ciphertext) VALUES ($1, $2)
			ON CONFLICT (commitment) DO NOTHING
		`, outputs[i][:], enc)
		if err != nil {
			return 0, fmt.Errorf("failed to insert encrypted note: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrLedgerWriteFailed, err)
	}

	s.logger.Debug("pending transaction stored", zap.Int64("index", idx))
	return uint64(idx), nil
}

// PersistRoots appends roots to the history
func (s *PostgresStore) PersistRoots(ctx context.Context, roots types.Roots) error {
	return persistRoots(ctx, s.pool, roots)
}

// MarkRolledUp flags transactions as applied
func (s *PostgresStore) MarkRolledUp(ctx context.Context, indices []uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if err := markRolledUp(ctx, tx, indices); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CommitRollup writes roots and rolled-up flags in one database transaction
func (s *PostgresStore) CommitRollup(ctx context.Context, roots types.Roots, indices []uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if err := persistRoots(ctx, tx, roots); err != nil {
		return err
	}
	if err := markRolledUp(ctx, tx, indices); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RejectPendingTransactions hides unrolled transactions from future rollups
func (s *PostgresStore) RejectPendingTransactions(ctx context.Context, indices []uint64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_transactions SET rejected = TRUE
		WHERE idx = ANY($1) AND NOT rolled_up AND NOT rejected
	`, toInt64s(indices))
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(indices)) {
		return fmt.Errorf("%w: %v", ledger.ErrUnknownTransaction, indices)
	}
	return nil
}

// Ciphertext returns the encrypted note published with commitment
func (s *PostgresStore) Ciphertext(ctx context.Context, commitment types.Hash) ([]byte, error) {
	var ct []byte
	err := s.pool.QueryRow(ctx, `SELECT ciphertext FROM encrypted_notes WHERE commitment = $1`, commitment[:]).Scan(&ct)
	if err == pgx.ErrNoRows {
		return nil, ledger.ErrCiphertextNotFound
	}
	if err != nil {
		return nil, err
	}
	return ct, nil
}

// Roots returns the latest persisted roots
func (s *PostgresStore) Roots(ctx context.Context) (types.Roots, error) {
	var cm, nf []byte
	err := s.pool.QueryRow(ctx, `
		SELECT commitment_root, nullifier_root FROM roots ORDER BY seq DESC LIMIT 1
	`).Scan(&cm, &nf)
	if err == pgx.ErrNoRows {
		return types.Roots{}, nil
	}
	if err != nil {
		return types.Roots{}, err
	}
	return types.Roots{CommitmentRoot: types.HashFromBytes(cm), NullifierRoot: types.HashFromBytes(nf)}, nil
}

// IsKnownRoot reports whether root was ever persisted as a commitment root
func (s *PostgresStore) IsKnownRoot(ctx context.Context, root types.Hash) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roots WHERE commitment_root = $1)`, root[:]).Scan(&exists)
	return exists, err
}

// ============================================
// Tree leaves
// ============================================

// AppendLeaves copies commitment leaves in one transaction
func (s *PostgresStore) AppendLeaves(ctx context.Context, start uint64, leaves []types.Hash) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDBConnection, err)
	}
	defer tx.Rollback(ctx)

	var size int64
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM commitment_leaves`).Scan(&size); err != nil {
		return err
	}
	if uint64(size) != start {
		return fmt.Errorf("%w: append at %d, store has %d leaves", ErrInvalidData, start, size)
	}

	rows := make([][]any, len(leaves))
	for i, leaf := range leaves {
		rows[i] = []any{int64(start) + int64(i), leaf.Bytes()}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"commitment_leaves"}, []string{"idx", "leaf"}, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("failed to copy commitment leaves: %w", err)
	}

	return tx.Commit(ctx)
}

// LoadLeaves returns commitment leaves in position order
func (s *PostgresStore) LoadLeaves(ctx context.Context) ([]types.Hash, error) {
	rows, err := s.pool.Query(ctx, `SELECT idx, leaf FROM commitment_leaves ORDER BY idx`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leaves []types.Hash
	for rows.Next() {
		var (
			idx  int64
			leaf []byte
		)
		if err := rows.Scan(&idx, &leaf); err != nil {
			return nil, err
		}
		if idx != int64(len(leaves)) || len(leaf) != types.HashSize {
			return nil, fmt.Errorf("%w: commitment leaf %d", ErrInvalidData, idx)
		}
		leaves = append(leaves, types.HashFromBytes(leaf))
	}
	return leaves, rows.Err()
}

// PutIndexedLeaves upserts nullifier-tree leaves in one batch
func (s *PostgresStore) PutIndexedLeaves(ctx context.Context, leaves map[uint64]zkp.IndexedLeaf) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDBConnection, err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for index, leaf := range leaves {
		batch.Queue(`
			INSERT INTO nullifier_leaves (idx, value, next_value, next_index) VALUES ($1, $2, $3, $4)
			ON CONFLICT (idx) DO UPDATE SET value = $2, next_value = $3, next_index = $4
		`, int64(index), leaf.Value.Bytes(), leaf.NextValue.Bytes(), int64(leaf.NextIndex))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write nullifier leaves: %w", err)
	}

	return tx.Commit(ctx)
}

// LoadIndexedLeaves returns nullifier-tree leaves in index order
func (s *PostgresStore) LoadIndexedLeaves(ctx context.Context) ([]zkp.IndexedLeaf, error) {
	rows, err := s.pool.Query(ctx, `SELECT idx, value, next_value, next_index FROM nullifier_leaves ORDER BY idx`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leaves []zkp.IndexedLeaf
	for rows.Next() {
		var (
			idx, nextIndex   int64
			value, nextValue []byte
		)
		if err := rows.Scan(&idx, &value, &nextValue, &nextIndex); err != nil {
			return nil, err
		}
		if idx != int64(len(leaves)) || len(value) != types.HashSize || len(nextValue) != types.HashSize {
			return nil, fmt.Errorf("%w: nullifier leaf %d", ErrInvalidData, idx)
		}
		leaves = append(leaves, zkp.IndexedLeaf{
			Value:     types.HashFromBytes(value),
			NextValue: types.HashFromBytes(nextValue),
			NextIndex: uint64(nextIndex),
		})
	}
	return leaves, rows.Err()
}

// ============================================
// Helper Functions
// ============================================

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func persistRoots(ctx context.Context, db execer, roots types.Roots) error {
	_, err := db.Exec(ctx, `
		INSERT INTO roots (commitment_root, nullifier_root) VALUES ($1, $2)
	`, roots.CommitmentRoot.Bytes(), roots.NullifierRoot.Bytes())
	if err != nil {
		return fmt.Errorf("failed to persist roots: %w", err)
	}
	return nil
}

func markRolledUp(ctx context.Context, db execer, indices []uint64) error {
	tag, err := db.Exec(ctx, `
		UPDATE pending_transactions SET rolled_up = TRUE
		WHERE idx = ANY($1) AND NOT rejected
	`, toInt64s(indices))
	if err != nil {
		return fmt.Errorf("failed to mark rolled up: %w", err)
	}
	if tag.RowsAffected() != int64(len(indices)) {
		return fmt.Errorf("%w: %v", ledger.ErrUnknownTransaction, indices)
	}
	return nil
}

func toHashes(raw [][]byte) ([]types.Hash, error) {
	out := make([]types.Hash, len(raw))
	for i, b := range raw {
		if len(b) != types.HashSize {
			return nil, fmt.Errorf("%w: hash of %d bytes", ErrInvalidData, len(b))
		}
		out[i] = types.HashFromBytes(b)
	}
	return out, nil
}

func fromHashes(hashes []types.Hash) [][]byte {
	out := make([][]byte, len(hashes))
	for i := range hashes {
		out[i] = hashes[i].Bytes()
	}
	return out
}

func toInt64s(indices []uint64) []int64 {
	out := make([]int64, len(indices))
	for i, idx := range indices {
		out[i] = int64(idx)
	}
	return out
}
