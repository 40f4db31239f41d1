package zkp

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/pkg/types"
)

// fakeProver writes two public inputs (1 and 2) followed by a 16-byte proof
// and counts its invocations in a file next to the script.
const fakeProver = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift ;;
  esac
  shift
done
echo run >> "$(dirname "$0")/calls"
{
  head -c 31 /dev/zero; printf '\001'
  head -c 31 /dev/zero; printf '\002'
  printf 'PROOFPROOFPROOF!'
} > "$out"
`

func writeFakeProver(t *testing.T) (bin, artifact string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell prover stub needs a POSIX shell")
	}
	dir := t.TempDir()
	bin = filepath.Join(dir, "prover")
	require.NoError(t, os.WriteFile(bin, []byte(fakeProver), 0o755))
	artifact = filepath.Join(dir, "shield.json")
	require.NoError(t, os.WriteFile(artifact, []byte(`{"bytecode":"00"}`), 0o644))
	return bin, artifact
}

func countCalls(t *testing.T, bin string) int {
	data, err := os.ReadFile(filepath.Join(filepath.Dir(bin), "calls"))
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func shieldAssignment() *ShieldCircuit {
	return &ShieldCircuit{
		Commitment: fieldVar(types.HashFromUint64(1)),
		Token:      fieldVar(types.HashFromUint64(2)),
		Amount:     fieldVar(types.HashFromUint64(3)),
		Owner:      fieldVar(types.HashFromUint64(4)),
		Randomness: fieldVar(types.HashFromUint64(5)),
	}
}

func TestNativeProverSplitsOutput(t *testing.T) {
	bin, artifact := writeFakeProver(t)
	cache := &DirCache{Dir: t.TempDir()}

	p := NewNativeProver(NativeProverConfig{
		BinaryPath: bin,
		Artifacts:  map[CircuitID]string{CircuitShield: artifact},
		ProofSize:  16,
	}, cache, zap.NewNop())

	proof, err := p.GenerateProof(context.Background(), CircuitShield, shieldAssignment())
	require.NoError(t, err)

	assert.Equal(t, CircuitShield, proof.Circuit)
	assert.Equal(t, []byte("PROOFPROOFPROOF!"), proof.Data)
	assert.Equal(t, []types.Hash{types.HashFromUint64(1), types.HashFromUint64(2)}, proof.PublicInputs)

	// the same circuit and witness hit the content-addressed cache
	_, err = p.GenerateProof(context.Background(), CircuitShield, shieldAssignment())
	require.NoError(t, err)
	assert.Equal(t, 1, countCalls(t, bin))
}

func TestNativeProverTempCacheIsReleased(t *testing.T) {
	bin, artifact := writeFakeProver(t)
	parent := t.TempDir()

	p := NewNativeProver(NativeProverConfig{
		BinaryPath: bin,
		Artifacts:  map[CircuitID]string{CircuitShield: artifact},
		ProofSize:  16,
	}, &TempCache{Parent: parent}, nil)

	_, err := p.GenerateProof(context.Background(), CircuitShield, shieldAssignment())
	require.NoError(t, err)

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNativeProverErrors(t *testing.T) {
	bin, artifact := writeFakeProver(t)
	ctx := context.Background()

	p := NewNativeProver(NativeProverConfig{BinaryPath: bin, ProofSize: 16}, nil, nil)
	_, err := p.GenerateProof(ctx, CircuitShield, shieldAssignment())
	assert.ErrorIs(t, err, ErrMissingArtifact)

	p = NewNativeProver(NativeProverConfig{
		BinaryPath: bin,
		Artifacts:  map[CircuitID]string{CircuitShield: artifact},
		ProofSize:  24,
	}, nil, nil)
	_, err = p.GenerateProof(ctx, CircuitShield, shieldAssignment())
	assert.ErrorIs(t, err, ErrMalformedProof)

	p = NewNativeProver(NativeProverConfig{
		BinaryPath: filepath.Join(t.TempDir(), "missing"),
		Artifacts:  map[CircuitID]string{CircuitShield: artifact},
		ProofSize:  16,
	}, nil, nil)
	_, err = p.GenerateProof(ctx, CircuitShield, shieldAssignment())
	assert.ErrorIs(t, err, ErrProofGenerationFailed)
}

func TestNewProverSelectsBackend(t *testing.T) {
	cm := NewCircuitManager(testCircuitDepth)

	p, err := NewProver(nil, cm, nil)
	require.NoError(t, err)
	assert.Same(t, cm, p)

	p, err = NewProver(&ProverConfig{Backend: BackendNative, CacheDir: t.TempDir()}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &NativeProver{}, p)

	_, err = NewProver(&ProverConfig{Backend: BackendInProcess}, nil, nil)
	assert.ErrorIs(t, err, ErrCircuitNotCompiled)

	_, err = NewProver(&ProverConfig{Backend: "gpu"}, cm, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}
