// Package rollup moves pending ledger transactions into the trees in atomic
// batches and writes the resulting roots back to the ledger.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/internal/ledger"
	"github.com/ccoin/shieldpool/internal/state"
	"github.com/ccoin/shieldpool/internal/zkp"
	"github.com/ccoin/shieldpool/pkg/types"
)

// Policy decides what a cycle does after a double-spend abort
type Policy int

const (
	// PolicyAbort surfaces the abort and leaves the ledger untouched
	PolicyAbort Policy = iota

	// PolicyExclude rejects the offending transaction and retries the rest
	PolicyExclude
)

func (p Policy) String() string {
	if p == PolicyExclude {
		return "exclude"
	}
	return "abort"
}

// ParsePolicy maps "abort" or "exclude" to a Policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "abort", "":
		return PolicyAbort, nil
	case "exclude":
		return PolicyExclude, nil
	default:
		return PolicyAbort, fmt.Errorf("unknown rollup policy %q", s)
	}
}

// State is the position of the service in its cycle
type State int

const (
	StateIdle State = iota
	StateFetchingPending
	StateValidating
	StateCommitting
	StatePersisted
	StateReconcileRequired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetchingPending:
		return "fetching-pending"
	case StateValidating:
		return "validating"
	case StateCommitting:
		return "committing"
	case StatePersisted:
		return "persisted"
	case StateReconcileRequired:
		return "reconcile-required"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds rollup configuration
type Config struct {
	Policy Policy

	// MaxExclusions bounds how many transactions one cycle may reject
	MaxExclusions int

	// Interval between cycles when driven by Run
	Interval time.Duration
}

// DefaultConfig returns default rollup configuration
func DefaultConfig() *Config {
	return &Config{
		Policy:        PolicyAbort,
		MaxExclusions: 16,
		Interval:      10 * time.Second,
	}
}

// Result describes a persisted cycle
type Result struct {
	Roots types.Roots

	// Transactions are the ledger indices applied by the cycle
	Transactions []uint64

	// Excluded are the ledger indices rejected by PolicyExclude
	Excluded []uint64

	Commitments int
	Nullifiers  int
}

// Empty reports whether the cycle applied nothing
func (r *Result) Empty() bool {
	return len(r.Transactions) == 0
}

// Observer is notified after roots reach the ledger
type Observer interface {
	OnRollup(ctx context.Context, result *Result)
}

// divergence is a cycle whose trees changed but whose ledger write did not land
type divergence struct {
	result *Result

	// commitPending is set when the commitment leaves are still staged
	commitPending bool

	// rootsWritten is set when PersistRoots succeeded but MarkRolledUp did not
	rootsWritten bool

	// restored is set when trees restored at startup are ahead of the ledger
	// and the transactions they hold are not identified yet
	restored bool
}

// Service runs rollup cycles. At most one cycle runs at a time.
type Service struct {
	// mu serializes cycles and reconciliation
	mu sync.Mutex

	trees  *state.Trees
	ledger ledger.Ledger
	cfg    Config

	stateMu   sync.RWMutex
	state     State
	diverged  *divergence
	observers []Observer

	logger *zap.Logger
	tracer trace.Tracer
}

// NewService creates a rollup service over trees and l
func NewService(trees *state.Trees, l ledger.Ledger, cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Service{
		trees:  trees,
		ledger: l,
		cfg:    *cfg,
		state:  StateIdle,
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/ccoin/shieldpool/internal/rollup"),
	}
}

// SetLogger replaces the no-op logger
func (s *Service) SetLogger(logger *zap.Logger) {
	s.logger = logger
}

// AddObserver registers o for persisted cycles
func (s *Service) AddObserver(o Observer) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.observers = append(s.observers, o)
}

// State returns the current cycle state
func (s *Service) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// RunCycle applies every unrolled transaction in one atomic batch. A double
// spend or invalid nullifier anywhere in the batch aborts the whole cycle
// unless PolicyExclude is set. While the trees are ahead of the ledger every cycle fails with
// ErrReconcileRequired until Reconcile succeeds.
func (s *Service) RunCycle(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "rollup.cycle")
	defer span.End()

	if s.diverged != nil {
		err := &RollupError{Kind: KindReconcileRequired, Stage: StagePersist, Err: ErrReconcileRequired}
		failSpan(span, err)
		return nil, err
	}

	var excluded []uint64
	for {
		result, err := s.cycle(ctx)
		if err == nil {
			result.Excluded = excluded
			span.SetAttributes(
				attribute.Int("rollup.transactions", len(result.Transactions)),
				attribute.Int("rollup.excluded", len(excluded)),
			)
			if !result.Empty() {
				s.notify(ctx, result)
			}
			return result, nil
		}

		var rerr *RollupError
		if !errors.As(err, &rerr) || !rerr.offending() || s.cfg.Policy != PolicyExclude {
			failSpan(span, err)
			return nil, err
		}
		if len(excluded) >= s.cfg.MaxExclusions {
			s.logger.Warn("exclusion limit reached", zap.Int("excluded", len(excluded)))
			failSpan(span, err)
			return nil, err
		}

		rejecter, ok := s.ledger.(ledger.Rejecter)
		if !ok {
			failSpan(span, err)
			return nil, err
		}
		if rejErr := rejecter.RejectPendingTransactions(ctx, []uint64{rerr.TxIndex}); rejErr != nil {
			err := &RollupError{
				Kind:  KindInfrastructure,
				Stage: StageExclude,
				Err:   fmt.Errorf("%w: %w", ledger.ErrLedgerWriteFailed, rejErr),
			}
			failSpan(span, err)
			return nil, err
		}

		s.logger.Warn("excluded transaction",
			zap.Uint64("tx", rerr.TxIndex),
			zap.Stringer("kind", rerr.Kind),
			zap.Stringer("nullifier", rerr.Nullifier),
		)
		excluded = append(excluded, rerr.TxIndex)
	}
}

func (s *Service) cycle(ctx context.Context) (*Result, error) {
	s.setState(StateFetchingPending)

	pending, err := s.fetch(ctx)
	if err != nil {
		s.setState(StateIdle)
		return nil, err
	}
	if len(pending) == 0 {
		s.setState(StateIdle)
		return &Result{Roots: s.trees.Roots()}, nil
	}

	result := &Result{Transactions: make([]uint64, len(pending))}
	var (
		nullifiers  []types.Hash
		commitments []types.Hash
		owners      []int
	)
	for i, tx := range pending {
		result.Transactions[i] = tx.Index
		for _, nf := range tx.InputNullifiers {
			nullifiers = append(nullifiers, nf)
			owners = append(owners, i)
		}
		commitments = append(commitments, tx.OutputCommitments...)
	}
	result.Nullifiers = len(nullifiers)
	result.Commitments = len(commitments)

	s.setState(StateValidating)
	if err := s.apply(ctx, result, pending, nullifiers, commitments, owners); err != nil {
		if KindOf(err) == KindReconcileRequired {
			s.setState(StateReconcileRequired)
		} else {
			s.setState(StateIdle)
		}
		return nil, err
	}

	if err := s.persist(ctx, result, false); err != nil {
		s.diverge(&divergence{result: result, rootsWritten: errors.Is(err, errRootsWritten)})
		return nil, &RollupError{
			Kind:  KindReconcileRequired,
			Stage: StagePersist,
			Err:   fmt.Errorf("%w: %w", ErrReconcileRequired, err),
		}
	}

	s.setState(StatePersisted)
	s.logger.Info("rollup persisted",
		zap.Int("transactions", len(result.Transactions)),
		zap.Int("commitments", result.Commitments),
		zap.Int("nullifiers", result.Nullifiers),
		zap.Stringer("commitment_root", result.Roots.CommitmentRoot),
		zap.Stringer("nullifier_root", result.Roots.NullifierRoot),
	)
	return result, nil
}

func (s *Service) fetch(ctx context.Context) ([]*types.PendingTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "rollup.fetch")
	defer span.End()

	txs, err := s.ledger.GetPendingTransactions(ctx)
	if err != nil {
		rerr := &RollupError{
			Kind:  KindInfrastructure,
			Stage: StageFetch,
			Err:   fmt.Errorf("%w: %w", ledger.ErrLedgerUnavailable, err),
		}
		failSpan(span, rerr)
		return nil, rerr
	}

	pending := ledger.Unrolled(txs)
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Index < pending[j].Index
	})
	span.SetAttributes(attribute.Int("rollup.pending", len(pending)))
	return pending, nil
}

// apply stages the commitments, inserts the nullifiers and commits, all under
// the trees' write lock. Any failure before the nullifier insert leaves both
// trees as they were.
func (s *Service) apply(ctx context.Context, result *Result, pending []*types.PendingTransaction, nullifiers, commitments []types.Hash, owners []int) error {
	ctx, span := s.tracer.Start(ctx, "rollup.insert")
	defer span.End()

	err := s.trees.Update(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
		if uint64(len(commitments)) > ct.Remaining() {
			return &RollupError{
				Kind:  KindCapacity,
				Stage: StageInsert,
				Err:   fmt.Errorf("%w: %d commitments, %d free", zkp.ErrTreeFull, len(commitments), ct.Remaining()),
			}
		}
		for _, cm := range commitments {
			if _, err := ct.AppendPending(cm); err != nil {
				ct.Rollback()
				return &RollupError{Kind: KindCapacity, Stage: StageInsert, Err: err}
			}
		}

		if _, err := nt.BatchInsert(ctx, nullifiers); err != nil {
			ct.Rollback()
			return insertError(err, pending, owners)
		}

		s.setState(StateCommitting)
		if err := ct.Commit(ctx); err != nil {
			result.Roots = types.Roots{CommitmentRoot: ct.GetRoot(true), NullifierRoot: nt.GetRoot()}
			s.diverge(&divergence{result: result, commitPending: true})
			return &RollupError{
				Kind:  KindReconcileRequired,
				Stage: StageCommit,
				Err:   fmt.Errorf("%w: %w", ErrReconcileRequired, err),
			}
		}

		result.Roots = types.Roots{CommitmentRoot: ct.GetRoot(false), NullifierRoot: nt.GetRoot()}
		return nil
	})
	if err != nil {
		failSpan(span, err)
	}
	return err
}

func insertError(err error, pending []*types.PendingTransaction, owners []int) error {
	var (
		dup     *zkp.DuplicateNullifierError
		invalid *zkp.InvalidNullifierError
	)
	switch {
	case errors.As(err, &invalid):
		return &RollupError{
			Kind:      KindInvalidNullifier,
			Stage:     StageInsert,
			TxIndex:   pending[owners[invalid.Position]].Index,
			Nullifier: invalid.Nullifier,
			Err:       err,
		}
	case errors.As(err, &dup):
		tx := pending[owners[dup.Position]]
		return &RollupError{
			Kind:      KindDoubleSpend,
			Stage:     StageInsert,
			TxIndex:   tx.Index,
			Nullifier: dup.Nullifier,
			Err:       err,
		}
	case errors.Is(err, zkp.ErrTreeFull):
		return &RollupError{Kind: KindCapacity, Stage: StageInsert, Err: err}
	default:
		return &RollupError{Kind: KindInfrastructure, Stage: StageInsert, Err: err}
	}
}

var errRootsWritten = errors.New("roots written, rolled-up flags not")

// persist writes roots and rolled-up flags, in one call when the ledger
// supports it
func (s *Service) persist(ctx context.Context, result *Result, rootsWritten bool) error {
	ctx, span := s.tracer.Start(ctx, "rollup.persist")
	defer span.End()

	if committer, ok := s.ledger.(ledger.RollupCommitter); ok {
		if err := committer.CommitRollup(ctx, result.Roots, result.Transactions); err != nil {
			err = fmt.Errorf("%w: %w", ledger.ErrLedgerWriteFailed, err)
			failSpan(span, err)
			return err
		}
		return nil
	}

	if !rootsWritten {
		if err := s.ledger.PersistRoots(ctx, result.Roots); err != nil {
			err = fmt.Errorf("%w: %w", ledger.ErrLedgerWriteFailed, err)
			failSpan(span, err)
			return err
		}
	}
	if err := s.ledger.MarkRolledUp(ctx, result.Transactions); err != nil {
		err = fmt.Errorf("%w: %w: %w", ledger.ErrLedgerWriteFailed, errRootsWritten, err)
		failSpan(span, err)
		return err
	}
	return nil
}

func (s *Service) diverge(d *divergence) {
	s.stateMu.Lock()
	s.diverged = d
	s.state = StateReconcileRequired
	s.stateMu.Unlock()

	s.logger.Error("trees ahead of ledger, reconcile required",
		zap.Uint64s("transactions", d.result.Transactions),
		zap.Bool("commit_pending", d.commitPending),
		zap.Bool("roots_written", d.rootsWritten),
		zap.Bool("restored", d.restored),
		zap.Stringer("commitment_root", d.result.Roots.CommitmentRoot),
		zap.Stringer("nullifier_root", d.result.Roots.NullifierRoot),
	)
}

// Reconcile finishes a diverged cycle: it commits still-staged leaves and
// retries the ledger write. After Resume found restored trees ahead of the
// ledger it first identifies the transactions the trees already hold. It is a
// no-op when nothing diverged.
func (s *Service) Reconcile(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "rollup.reconcile")
	defer span.End()

	s.stateMu.RLock()
	d := s.diverged
	s.stateMu.RUnlock()
	if d == nil {
		return nil, nil
	}

	if d.restored {
		ok, err := s.recoverRestored(ctx, d)
		if err != nil {
			rerr := &RollupError{Kind: KindReconcileRequired, Stage: StageRestore, Err: fmt.Errorf("%w: %w", ErrReconcileRequired, err)}
			failSpan(span, rerr)
			return nil, rerr
		}
		if !ok {
			s.stateMu.Lock()
			s.diverged = nil
			s.state = StateIdle
			s.stateMu.Unlock()
			s.logger.Info("ledger caught up with restored trees")
			return nil, nil
		}
	}

	if d.commitPending {
		err := s.trees.Update(func(ct *zkp.CommitmentTree, nt *zkp.NullifierTree) error {
			if err := ct.Commit(ctx); err != nil {
				return err
			}
			d.result.Roots = types.Roots{CommitmentRoot: ct.GetRoot(false), NullifierRoot: nt.GetRoot()}
			return nil
		})
		if err != nil {
			rerr := &RollupError{Kind: KindReconcileRequired, Stage: StageCommit, Err: fmt.Errorf("%w: %w", ErrReconcileRequired, err)}
			failSpan(span, rerr)
			return nil, rerr
		}
		d.commitPending = false
	}

	if err := s.persist(ctx, d.result, d.rootsWritten); err != nil {
		if errors.Is(err, errRootsWritten) {
			d.rootsWritten = true
		}
		rerr := &RollupError{Kind: KindReconcileRequired, Stage: StageReconcile, Err: fmt.Errorf("%w: %w", ErrReconcileRequired, err)}
		failSpan(span, rerr)
		return nil, rerr
	}

	s.stateMu.Lock()
	s.diverged = nil
	s.state = StatePersisted
	s.stateMu.Unlock()

	s.logger.Info("rollup reconciled",
		zap.Uint64s("transactions", d.result.Transactions),
		zap.Stringer("commitment_root", d.result.Roots.CommitmentRoot),
	)
	if !d.result.Empty() {
		s.notify(ctx, d.result)
	}
	return d.result, nil
}

// Run drives a cycle every Interval until ctx is done. A diverged service
// tries Reconcile instead of a new cycle.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if s.State() == StateReconcileRequired {
			if _, err := s.Reconcile(ctx); err != nil {
				s.logger.Error("reconcile failed", zap.Error(err))
			}
			continue
		}

		if _, err := s.RunCycle(ctx); err != nil {
			switch KindOf(err) {
			case KindDoubleSpend, KindInvalidNullifier:
				s.logger.Warn("rollup aborted on offending transaction", zap.Error(err))
			case KindReconcileRequired:
				// already logged by diverge
			default:
				s.logger.Error("rollup failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) notify(ctx context.Context, result *Result) {
	s.stateMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.stateMu.RUnlock()

	for _, o := range observers {
		o.OnRollup(ctx, result)
	}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
