package zkp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/std/hash/mimc"

	"github.com/ccoin/shieldpool/pkg/types"
)

// Circuit errors
var (
	ErrCircuitNotCompiled      = errors.New("circuit not compiled")
	ErrUnknownCircuit          = errors.New("unknown circuit")
	ErrProofGenerationFailed   = errors.New("proof generation failed")
	ErrProofVerificationFailed = errors.New("proof verification failed")
	ErrInvalidPublicInputs     = errors.New("invalid public inputs")
)

// CircuitID names a statement the pool can prove
type CircuitID string

const (
	CircuitShield   CircuitID = "shield"
	CircuitTransfer CircuitID = "transfer"
	CircuitJoin     CircuitID = "join"
	CircuitUnshield CircuitID = "unshield"
)

// Circuits lists every circuit in compile order
var Circuits = []CircuitID{CircuitShield, CircuitTransfer, CircuitJoin, CircuitUnshield}

// gadgets bundles the in-circuit counterparts of the native hash helpers
type gadgets struct {
	api frontend.API
	h   *mimc.MiMC
}

func newGadgets(api frontend.API) (*gadgets, error) {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return nil, err
	}
	return &gadgets{api: api, h: &h}, nil
}

func (g *gadgets) hash(domain Domain, vars ...frontend.Variable) frontend.Variable {
	g.h.Reset()
	g.h.Write(uint64(domain))
	g.h.Write(vars...)
	return g.h.Sum()
}

func (g *gadgets) owner(secret, viewingPub frontend.Variable) frontend.Variable {
	return g.hash(DomainAddress, g.hash(DomainSpendingKey, secret), viewingPub)
}

func (g *gadgets) commitment(owner, token, amount, randomness frontend.Variable) frontend.Variable {
	return g.hash(DomainNoteCommitment, owner, token, amount, randomness)
}

func (g *gadgets) nullifier(commitment, secret frontend.Variable) frontend.Variable {
	return g.hash(DomainNullifier, commitment, g.hash(DomainNullifierKey, secret))
}

func (g *gadgets) amount(v frontend.Variable) {
	g.api.ToBinary(v, MaxAmountBits)
}

func (g *gadgets) root(leaf frontend.Variable, path, bits []frontend.Variable) frontend.Variable {
	current := leaf
	for i := range path {
		g.api.AssertIsBoolean(bits[i])
		left := g.api.Select(bits[i], path[i], current)
		right := g.api.Select(bits[i], current, path[i])
		current = g.hash(DomainMerkleNode, left, right)
	}
	return current
}

// ShieldCircuit proves a public deposit opens a commitment
type ShieldCircuit struct {
	Commitment frontend.Variable `gnark:",public"`
	Token      frontend.Variable `gnark:",public"`
	Amount     frontend.Variable `gnark:",public"`

	Owner      frontend.Variable
	Randomness frontend.Variable
}

func (c *ShieldCircuit) Define(api frontend.API) error {
	g, err := newGadgets(api)
	if err != nil {
		return err
	}
	g.amount(c.Amount)
	api.AssertIsEqual(c.Commitment, g.commitment(c.Owner, c.Token, c.Amount, c.Randomness))
	return nil
}

// spentNote is the private opening of a note being spent
type spentNote struct {
	Amount     frontend.Variable
	Randomness frontend.Variable
	Path       []frontend.Variable
	PathBits   []frontend.Variable
}

func newSpentNote(depth int) spentNote {
	return spentNote{
		Path:     make([]frontend.Variable, depth),
		PathBits: make([]frontend.Variable, depth),
	}
}

// spend checks membership of the note under root and returns its nullifier
func (g *gadgets) spend(n *spentNote, owner, token, secret, root frontend.Variable) frontend.Variable {
	g.amount(n.Amount)
	cm := g.commitment(owner, token, n.Amount, n.Randomness)
	g.api.AssertIsEqual(root, g.root(cm, n.Path, n.PathBits))
	return g.nullifier(cm, secret)
}

// TransferCircuit spends one note into a payment and a change note
type TransferCircuit struct {
	Root             frontend.Variable `gnark:",public"`
	Nullifier        frontend.Variable `gnark:",public"`
	ChangeCommitment frontend.Variable `gnark:",public"`
	OutCommitment    frontend.Variable `gnark:",public"`

	Secret           frontend.Variable
	ViewingPublicKey frontend.Variable
	Token            frontend.Variable
	In               spentNote
	OutOwner         frontend.Variable
	OutAmount        frontend.Variable
	OutRandomness    frontend.Variable
	ChangeRandomness frontend.Variable
}

func (c *TransferCircuit) Define(api frontend.API) error {
	g, err := newGadgets(api)
	if err != nil {
		return err
	}

	owner := g.owner(c.Secret, c.ViewingPublicKey)
	api.AssertIsEqual(c.Nullifier, g.spend(&c.In, owner, c.Token, c.Secret, c.Root))

	g.amount(c.OutAmount)
	change := api.Sub(c.In.Amount, c.OutAmount)
	g.amount(change)

	api.AssertIsEqual(c.ChangeCommitment, g.commitment(owner, c.Token, change, c.ChangeRandomness))
	api.AssertIsEqual(c.OutCommitment, g.commitment(c.OutOwner, c.Token, c.OutAmount, c.OutRandomness))
	return nil
}

// JoinCircuit merges two notes of the same owner and token into one
type JoinCircuit struct {
	Root          frontend.Variable    `gnark:",public"`
	Nullifiers    [2]frontend.Variable `gnark:",public"`
	OutCommitment frontend.Variable    `gnark:",public"`

	Secret           frontend.Variable
	ViewingPublicKey frontend.Variable
	Token            frontend.Variable
	In               [2]spentNote
	OutRandomness    frontend.Variable
}

func (c *JoinCircuit) Define(api frontend.API) error {
	g, err := newGadgets(api)
	if err != nil {
		return err
	}

	owner := g.owner(c.Secret, c.ViewingPublicKey)
	for i := range c.In {
		api.AssertIsEqual(c.Nullifiers[i], g.spend(&c.In[i], owner, c.Token, c.Secret, c.Root))
	}
	api.AssertIsDifferent(c.Nullifiers[0], c.Nullifiers[1])

	total := api.Add(c.In[0].Amount, c.In[1].Amount)
	g.amount(total)
	api.AssertIsEqual(c.OutCommitment, g.commitment(owner, c.Token, total, c.OutRandomness))
	return nil
}

// UnshieldCircuit spends one note into a public withdrawal and a change note
type UnshieldCircuit struct {
	Root             frontend.Variable `gnark:",public"`
	Nullifier        frontend.Variable `gnark:",public"`
	ChangeCommitment frontend.Variable `gnark:",public"`
	Token            frontend.Variable `gnark:",public"`
	Amount           frontend.Variable `gnark:",public"`

	Secret           frontend.Variable
	ViewingPublicKey frontend.Variable
	In               spentNote
	ChangeRandomness frontend.Variable
}

func (c *UnshieldCircuit) Define(api frontend.API) error {
	g, err := newGadgets(api)
	if err != nil {
		return err
	}

	owner := g.owner(c.Secret, c.ViewingPublicKey)
	api.AssertIsEqual(c.Nullifier, g.spend(&c.In, owner, c.Token, c.Secret, c.Root))

	g.amount(c.Amount)
	change := api.Sub(c.In.Amount, c.Amount)
	g.amount(change)
	api.AssertIsEqual(c.ChangeCommitment, g.commitment(owner, c.Token, change, c.ChangeRandomness))
	return nil
}

// NewCircuit returns an empty circuit of the given kind, sized for a tree of depth
func NewCircuit(id CircuitID, depth int) (frontend.Circuit, error) {
	switch id {
	case CircuitShield:
		return &ShieldCircuit{}, nil
	case CircuitTransfer:
		return &TransferCircuit{In: newSpentNote(depth)}, nil
	case CircuitJoin:
		return &JoinCircuit{In: [2]spentNote{newSpentNote(depth), newSpentNote(depth)}}, nil
	case CircuitUnshield:
		return &UnshieldCircuit{In: newSpentNote(depth)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCircuit, id)
	}
}

// Proof is a proof together with its flattened public inputs
type Proof struct {
	Circuit      CircuitID
	Data         []byte
	PublicInputs []types.Hash
}

// Statement is the meaning of a proof's public inputs
type Statement struct {
	Root        *types.Hash
	Nullifiers  []types.Hash
	Commitments []types.Hash
	Token       *types.Hash
	Amount      *types.Hash
}

// Statement decodes the public inputs according to the circuit layout.
// Commitments are in the order the pending transaction lists its outputs.
func (p *Proof) Statement() (*Statement, error) {
	in := p.PublicInputs
	want := map[CircuitID]int{
		CircuitShield:   3,
		CircuitTransfer: 4,
		CircuitJoin:     4,
		CircuitUnshield: 5,
	}
	n, ok := want[p.Circuit]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCircuit, p.Circuit)
	}
	if len(in) != n {
		return nil, fmt.Errorf("%w: %s expects %d, got %d", ErrInvalidPublicInputs, p.Circuit, n, len(in))
	}

	s := &Statement{}
	switch p.Circuit {
	case CircuitShield:
		s.Commitments = []types.Hash{in[0]}
		s.Token, s.Amount = &in[1], &in[2]
	case CircuitTransfer:
		s.Root = &in[0]
		s.Nullifiers = []types.Hash{in[1]}
		s.Commitments = []types.Hash{in[2], in[3]}
	case CircuitJoin:
		s.Root = &in[0]
		s.Nullifiers = []types.Hash{in[1], in[2]}
		s.Commitments = []types.Hash{in[3]}
	case CircuitUnshield:
		s.Root = &in[0]
		s.Nullifiers = []types.Hash{in[1]}
		s.Commitments = []types.Hash{in[2]}
		s.Token, s.Amount = &in[3], &in[4]
	}
	return s, nil
}

// Prover generates proofs for circuit assignments
type Prover interface {
	GenerateProof(ctx context.Context, id CircuitID, assignment frontend.Circuit) (*Proof, error)
}

// Verifier checks proofs
type Verifier interface {
	VerifyProof(ctx context.Context, proof *Proof) error
}

type compiledCircuit struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// CircuitManager compiles the pool circuits and proves them in-process with Groth16
type CircuitManager struct {
	mu sync.RWMutex

	// depth sizes the membership paths
	depth int

	circuits map[CircuitID]*compiledCircuit
}

// NewCircuitManager creates a manager for trees of the given depth
func NewCircuitManager(depth int) *CircuitManager {
	if depth == 0 {
		depth = TreeDepth
	}
	return &CircuitManager{
		depth:    depth,
		circuits: make(map[CircuitID]*compiledCircuit),
	}
}

// Depth returns the tree depth the circuits are sized for
func (cm *CircuitManager) Depth() int {
	return cm.depth
}

// Compile compiles a circuit and runs its Groth16 setup
func (cm *CircuitManager) Compile(id CircuitID) error {
	circuit, err := NewCircuit(id, cm.depth)
	if err != nil {
		return err
	}

	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, circuit)
	if err != nil {
		return fmt.Errorf("failed to compile %s circuit: %w", id, err)
	}

	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return fmt.Errorf("failed to set up %s circuit: %w", id, err)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.circuits[id] = &compiledCircuit{ccs: ccs, pk: pk, vk: vk}

	return nil
}

// CompileAll compiles every circuit
func (cm *CircuitManager) CompileAll() error {
	for _, id := range Circuits {
		if err := cm.Compile(id); err != nil {
			return err
		}
	}
	return nil
}

// ConstraintSystem returns the compiled constraint system of id
func (cm *CircuitManager) ConstraintSystem(id CircuitID) (constraint.ConstraintSystem, error) {
	c, err := cm.get(id)
	if err != nil {
		return nil, err
	}
	return c.ccs, nil
}

func (cm *CircuitManager) get(id CircuitID) (*compiledCircuit, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	c, ok := cm.circuits[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCircuitNotCompiled, id)
	}
	return c, nil
}

// GenerateProof proves assignment against the compiled circuit id
func (cm *CircuitManager) GenerateProof(ctx context.Context, id CircuitID, assignment frontend.Circuit) (*Proof, error) {
	c, err := cm.get(id)
	if err != nil {
		return nil, err
	}

	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("failed to build %s witness: %w", id, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	proof, err := groth16.Prove(c.ccs, c.pk, w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProofGenerationFailed, err)
	}

	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, err
	}

	public, err := w.Public()
	if err != nil {
		return nil, err
	}
	inputs, err := publicInputs(public)
	if err != nil {
		return nil, err
	}

	return &Proof{
		Circuit:      id,
		Data:         buf.Bytes(),
		PublicInputs: inputs,
	}, nil
}

// VerifyProof checks proof against the verifying key of its circuit
func (cm *CircuitManager) VerifyProof(ctx context.Context, p *Proof) error {
	c, err := cm.get(p.Circuit)
	if err != nil {
		return err
	}

	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(p.Data)); err != nil {
		return fmt.Errorf("%w: %v", ErrProofVerificationFailed, err)
	}

	public, err := publicWitness(p.PublicInputs)
	if err != nil {
		return err
	}

	if err := groth16.Verify(proof, c.vk, public); err != nil {
		return fmt.Errorf("%w: %v", ErrProofVerificationFailed, err)
	}
	return nil
}

func publicInputs(w witness.Witness) ([]types.Hash, error) {
	vec, ok := w.Vector().(fr.Vector)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected witness field", ErrInvalidPublicInputs)
	}
	out := make([]types.Hash, len(vec))
	for i := range vec {
		out[i] = FromElement(&vec[i])
	}
	return out, nil
}

func publicWitness(inputs []types.Hash) (witness.Witness, error) {
	w, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return nil, err
	}

	values := make(chan any, len(inputs))
	for _, in := range inputs {
		values <- new(big.Int).SetBytes(in[:])
	}
	close(values)

	if err := w.Fill(len(inputs), 0, values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicInputs, err)
	}
	return w, nil
}

// fieldVar reduces a hash into a witness value
func fieldVar(h types.Hash) *big.Int {
	e := ToElement(h)
	return e.BigInt(new(big.Int))
}
