package zkp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/frontend"
	"go.uber.org/zap"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Prover backend errors
var (
	ErrUnknownBackend  = errors.New("unknown prover backend")
	ErrMissingArtifact = errors.New("no circuit artifact configured")
	ErrMalformedProof  = errors.New("malformed native proof output")
)

const (
	// BackendInProcess proves with the in-process Groth16 CircuitManager
	BackendInProcess = "inprocess"

	// BackendNative shells out to an external prover binary
	BackendNative = "native"
)

// ProofCache hands out a working directory for one proving invocation
type ProofCache interface {
	// Acquire returns a directory and a release func the caller must call
	Acquire(ctx context.Context) (dir string, release func(), err error)
}

// DirCache is a persistent cache directory owned by the caller. Files are
// content-addressed, so concurrent invocations can share it.
type DirCache struct {
	Dir string
}

func (c *DirCache) Acquire(ctx context.Context) (string, func(), error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create proof cache: %w", err)
	}
	return c.Dir, func() {}, nil
}

// TempCache creates a fresh directory per invocation and removes it on release
type TempCache struct {
	// Parent may be empty for the system temp dir
	Parent string
}

func (c *TempCache) Acquire(ctx context.Context) (string, func(), error) {
	dir, err := os.MkdirTemp(c.Parent, "shieldpool-prove-")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create proof cache: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// NativeProverConfig configures the external prover
type NativeProverConfig struct {
	// BinaryPath is the prover executable
	BinaryPath string

	// Artifacts maps each circuit to its compiled artifact file
	Artifacts map[CircuitID]string

	// ProofSize is the fixed length of the proof that trails the public inputs
	ProofSize int
}

// NativeProver runs an external prover binary. The binary is invoked as
//
//	<bin> prove -b <circuit> -w <witness> -o <proof>
//
// and writes the public inputs as 32-byte chunks followed by the proof.
type NativeProver struct {
	cfg    NativeProverConfig
	cache  ProofCache
	logger *zap.Logger
}

// NewNativeProver creates a native prover using cache for its files
func NewNativeProver(cfg NativeProverConfig, cache ProofCache, logger *zap.Logger) *NativeProver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = &TempCache{}
	}
	return &NativeProver{cfg: cfg, cache: cache, logger: logger}
}

// GenerateProof serializes assignment, runs the binary and splits its output
func (p *NativeProver) GenerateProof(ctx context.Context, id CircuitID, assignment frontend.Circuit) (*Proof, error) {
	artifactPath, ok := p.cfg.Artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingArtifact, id)
	}
	artifact, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s artifact: %w", id, err)
	}

	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("failed to build %s witness: %w", id, err)
	}
	witnessBytes, err := w.MarshalBinary()
	if err != nil {
		return nil, err
	}

	dir, release, err := p.cache.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	circuitFile, err := writeAddressed(dir, artifact, ".circuit")
	if err != nil {
		return nil, err
	}
	witnessFile, err := writeAddressed(dir, witnessBytes, ".witness")
	if err != nil {
		return nil, err
	}
	proofFile := filepath.Join(dir, contentName(bytes.Join([][]byte{artifact, witnessBytes}, nil), ".proof"))

	output, err := os.ReadFile(proofFile)
	if errors.Is(err, os.ErrNotExist) {
		output, err = p.run(ctx, circuitFile, witnessFile, proofFile)
	}
	if err != nil {
		return nil, err
	}

	return p.split(id, output)
}

func (p *NativeProver) run(ctx context.Context, circuitFile, witnessFile, proofFile string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.cfg.BinaryPath, "prove", "-b", circuitFile, "-w", witnessFile, "-o", proofFile)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	p.logger.Debug("running native prover",
		zap.String("binary", p.cfg.BinaryPath),
		zap.String("circuit", circuitFile),
	)

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrProofGenerationFailed, err, bytes.TrimSpace(stderr.Bytes()))
	}

	output, err := os.ReadFile(proofFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofGenerationFailed, err)
	}
	return output, nil
}

func (p *NativeProver) split(id CircuitID, output []byte) (*Proof, error) {
	if p.cfg.ProofSize <= 0 || len(output) < p.cfg.ProofSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedProof, len(output))
	}
	prefix := output[:len(output)-p.cfg.ProofSize]
	if len(prefix)%types.HashSize != 0 {
		return nil, fmt.Errorf("%w: public inputs not 32-byte aligned", ErrMalformedProof)
	}

	inputs := make([]types.Hash, len(prefix)/types.HashSize)
	for i := range inputs {
		copy(inputs[i][:], prefix[i*types.HashSize:])
	}

	return &Proof{
		Circuit:      id,
		Data:         append([]byte(nil), output[len(prefix):]...),
		PublicInputs: inputs,
	}, nil
}

func contentName(data []byte, ext string) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) + ext
}

func writeAddressed(dir string, data []byte, ext string) (string, error) {
	path := filepath.Join(dir, contentName(data, ext))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp, err := os.CreateTemp(dir, "partial-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

// ProverConfig selects and configures a proving backend
type ProverConfig struct {
	Backend  string
	Native   NativeProverConfig
	CacheDir string
}

// DefaultProverConfig returns the in-process backend
func DefaultProverConfig() *ProverConfig {
	return &ProverConfig{
		Backend: BackendInProcess,
	}
}

// NewProver builds the backend named by cfg. manager serves the in-process backend.
func NewProver(cfg *ProverConfig, manager *CircuitManager, logger *zap.Logger) (Prover, error) {
	if cfg == nil {
		cfg = DefaultProverConfig()
	}

	switch cfg.Backend {
	case BackendInProcess, "":
		if manager == nil {
			return nil, ErrCircuitNotCompiled
		}
		return manager, nil
	case BackendNative:
		var cache ProofCache = &TempCache{}
		if cfg.CacheDir != "" {
			cache = &DirCache{Dir: cfg.CacheDir}
		}
		return NewNativeProver(cfg.Native, cache, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
