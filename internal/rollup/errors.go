package rollup

import (
	"errors"
	"fmt"

	"github.com/ccoin/shieldpool/pkg/types"
)

// ErrReconcileRequired is returned while the trees are ahead of the ledger
var ErrReconcileRequired = errors.New("trees and ledger diverged, reconcile required")

// Kind classifies why a cycle failed
type Kind int

const (
	// KindDoubleSpend means a nullifier was already spent or spent twice in the batch
	KindDoubleSpend Kind = iota + 1

	// KindInfrastructure means the ledger or a store failed before any tree changed
	KindInfrastructure

	// KindCapacity means a tree has no room for the batch
	KindCapacity

	// KindReconcileRequired means the trees changed but the ledger did not
	KindReconcileRequired

	// KindInvalidNullifier means a transaction carries a nullifier outside
	// the field
	KindInvalidNullifier
)

func (k Kind) String() string {
	switch k {
	case KindDoubleSpend:
		return "double-spend"
	case KindInfrastructure:
		return "infrastructure"
	case KindCapacity:
		return "capacity"
	case KindReconcileRequired:
		return "reconcile-required"
	case KindInvalidNullifier:
		return "invalid-nullifier"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Stage names the cycle step that failed
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageInsert    Stage = "insert"
	StageCommit    Stage = "commit"
	StagePersist   Stage = "persist"
	StageExclude   Stage = "exclude"
	StageReconcile Stage = "reconcile"
	StageRestore   Stage = "restore"
)

// RollupError is the typed result of an aborted or diverged cycle
type RollupError struct {
	Kind  Kind
	Stage Stage

	// TxIndex and Nullifier identify the offending transaction of a
	// KindDoubleSpend or KindInvalidNullifier error
	TxIndex   uint64
	Nullifier types.Hash

	Err error
}

func (e *RollupError) Error() string {
	if e.offending() {
		return fmt.Sprintf("rollup %s at %s: tx %d nullifier %s: %v", e.Kind, e.Stage, e.TxIndex, e.Nullifier, e.Err)
	}
	return fmt.Sprintf("rollup %s at %s: %v", e.Kind, e.Stage, e.Err)
}

// offending reports whether a single transaction caused the error
func (e *RollupError) offending() bool {
	return e.Kind == KindDoubleSpend || e.Kind == KindInvalidNullifier
}

func (e *RollupError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or zero when err is not a RollupError
func KindOf(err error) Kind {
	var rerr *RollupError
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return 0
}

// IsDoubleSpend reports whether err aborted a cycle over a duplicate nullifier
func IsDoubleSpend(err error) bool {
	return KindOf(err) == KindDoubleSpend
}
