package fuzz

import (
	"fmt"

	"github.com/anhed0nic/vmslayer/pkg/reporting"
)

// symbolicMaxInputSize bounds every buffer the constraint solver
// allocates. It is intentionally independent from the fuzzing config's
// max input size: synthesized inputs stay small and dense.
const symbolicMaxInputSize = 64

// Relation is the kind of byte-level constraint.
type Relation string

const (
	RelationEq    Relation = "eq"
	RelationMask  Relation = "mask"
	RelationRange Relation = "range"
)

// Constraint describes a requirement on a single input byte.
type Constraint struct {
	Expression   string
	Variables    []string
	Relation     Relation
	Offset       int
	Value        byte
	Mask         byte
	Low          byte
	High         byte
	SourceBranch uint64
	// Solvable is cleared by the solver once the constraint is proven
	// infeasible; paths containing such a constraint must never emit
	// an input.
	Solvable bool
}

// Path is a synthetic symbolic path assembled from heuristic constraints.
type Path struct {
	TargetBranch uint64
	Constraints  []*Constraint
	Blocks       []uint64
	InputBytes   map[int]byte
	Priority     float64
}

func (p *Path) addConstraint(c *Constraint) {
	p.Constraints = append(p.Constraints, c)
	if c.Relation == RelationEq || c.Relation == RelationMask {
		if _, ok := p.InputBytes[c.Offset]; !ok {
			p.InputBytes[c.Offset] = c.Value
		}
	}
}

func (p *Path) addBlock(block uint64) {
	for _, b := range p.Blocks {
		if b == block {
			return
		}
	}
	p.Blocks = append(p.Blocks, block)
}

func (p *Path) hasBlock(block uint64) bool {
	for _, b := range p.Blocks {
		if b == block {
			return true
		}
	}
	return false
}

// Feasible reports whether every constraint on the path is still solvable.
func (p *Path) Feasible() bool {
	for _, c := range p.Constraints {
		if !c.Solvable {
			return false
		}
	}
	return true
}

// SymbolicBridge turns branch identifiers into byte-level constraint
// paths and solves them into concrete inputs. It caches exactly one path
// per branch address; the second analysis of a branch returns the cached
// path.
type SymbolicBridge struct {
	explored    []*Path
	pending     []*Constraint
	branchCache map[uint64]*Path
	logger      *reporting.Logger
}

// NewSymbolicBridge creates an empty bridge.
func NewSymbolicBridge(logger *reporting.Logger) *SymbolicBridge {
	if logger == nil {
		logger = reporting.NopLogger()
	}
	return &SymbolicBridge{
		branchCache: make(map[uint64]*Path),
		logger:      logger,
	}
}

// AnalyzeBranch derives a constraint path for the branch from its
// address fingerprint, or returns the cached path for a known branch.
func (b *SymbolicBridge) AnalyzeBranch(branch uint64, input []byte) *Path {
	if path, ok := b.branchCache[branch]; ok {
		return path
	}

	path := &Path{
		TargetBranch: branch,
		InputBytes:   make(map[int]byte),
	}
	if branch >= 4 {
		path.addBlock(branch - 4)
	} else {
		path.addBlock(0)
	}
	if branch >= 2 {
		path.addBlock(branch - 2)
	} else {
		path.addBlock(0)
	}
	path.addBlock(branch)

	for _, c := range b.deriveConstraints(branch) {
		path.addConstraint(c)
		b.registerConstraint(c)
	}
	path.Priority = 1.0 + 0.25*float64(len(path.Constraints))

	b.branchCache[branch] = path
	b.explored = append(b.explored, path)
	b.logger.Debug("Analyzed branch", "branch", fmt.Sprintf("%#x", branch),
		"constraints", len(path.Constraints))
	return path
}

// SolveConstraints applies the constraints in order to a filler model and
// returns the concrete bytes, or nil when the list is empty or proves
// infeasible. The model is filled with 0x41; an eq constraint hitting a
// byte that already holds a different non-filler value marks itself
// infeasible. Offsets at or beyond the symbolic size bound are skipped.
func (b *SymbolicBridge) SolveConstraints(constraints []*Constraint) []byte {
	if len(constraints) == 0 {
		return nil
	}

	maxOffset := 0
	for _, c := range constraints {
		if c.Offset > maxOffset {
			maxOffset = c.Offset
		}
	}
	size := maxOffset + 1
	if size > symbolicMaxInputSize {
		size = symbolicMaxInputSize
	}
	if size < 1 {
		size = 1
	}

	model := make([]byte, size)
	for i := range model {
		model[i] = 0x41
	}

	for _, c := range constraints {
		if !c.Solvable {
			return nil
		}
		if c.Offset < 0 || c.Offset >= symbolicMaxInputSize || c.Offset >= len(model) {
			continue
		}
		current := model[c.Offset]

		switch c.Relation {
		case RelationEq:
			if current != 0x41 && current != c.Value {
				c.Solvable = false
				return nil
			}
			model[c.Offset] = c.Value
		case RelationMask:
			model[c.Offset] = (current &^ c.Mask) | (c.Value & c.Mask)
		case RelationRange:
			low, high := c.Low, c.High
			if high < low {
				high = low
			}
			if current < low || current > high {
				model[c.Offset] = low
			}
		}
	}
	return model
}

// GenerateInputForPath synthesizes an input that reaches every block in
// targetBlocks, or returns nil when no feasible path covers them.
func (b *SymbolicBridge) GenerateInputForPath(targetBlocks []uint64) []byte {
	path := b.findPathToBlocks(targetBlocks)
	if path == nil && len(targetBlocks) > 0 {
		for _, block := range targetBlocks {
			candidate := b.AnalyzeBranch(block, nil)
			if candidate != nil && coversAll(candidate, targetBlocks) {
				path = candidate
				break
			}
		}
	}
	if path == nil || !path.Feasible() {
		return nil
	}

	input := b.SolveConstraints(path.Constraints)
	if input != nil {
		for _, c := range path.Constraints {
			if c.Offset >= 0 && c.Offset < len(input) {
				path.InputBytes[c.Offset] = input[c.Offset]
			}
		}
	}
	return input
}

// GetInterestingBranches returns the explored branches not yet covered,
// sorted ascending and deduplicated. When no explored path qualifies, the
// pending constraint list serves as a fallback source.
func (b *SymbolicBridge) GetInterestingBranches(coverage CoverageSet) []uint64 {
	set := make(CoverageSet)
	for _, path := range b.explored {
		if !coverage.Contains(path.TargetBranch) {
			set.Add(path.TargetBranch)
		}
	}
	if len(set) == 0 {
		for _, c := range b.pending {
			if !coverage.Contains(c.SourceBranch) {
				set.Add(c.SourceBranch)
			}
		}
	}
	return set.Sorted()
}

// MutateForBranch mutates input toward the given branch: it prefers a
// synthesized input (overlaid at the head when shorter than the
// original), and falls back to XOR-flipping the first constrained offset.
func (b *SymbolicBridge) MutateForBranch(input []byte, branch uint64) []byte {
	path := b.AnalyzeBranch(branch, input)
	if path == nil {
		return input
	}

	if result := b.GenerateInputForPath([]uint64{branch}); result != nil {
		if len(result) < len(input) {
			padded := make([]byte, len(input))
			copy(padded, input)
			copy(padded, result)
			return padded
		}
		return result
	}

	mutated := make([]byte, len(input))
	copy(mutated, input)
	for _, c := range path.Constraints {
		if c.Offset < 0 {
			continue
		}
		if c.Offset >= len(mutated) {
			pad := make([]byte, c.Offset-len(mutated)+1)
			for i := range pad {
				pad[i] = 0x41
			}
			mutated = append(mutated, pad...)
		}
		mutated[c.Offset] ^= 0xFF
		break
	}
	return mutated
}

// ExploredPaths returns the paths analyzed so far, in discovery order.
func (b *SymbolicBridge) ExploredPaths() []*Path {
	return b.explored
}

// deriveConstraints builds the deterministic constraint set from the
// branch fingerprint: an eq and a mask constraint on the primary offset
// and a range constraint on a secondary offset.
func (b *SymbolicBridge) deriveConstraints(branch uint64) []*Constraint {
	window := uint64(symbolicMaxInputSize)
	if window > 32 {
		window = 32
	}

	baseOffset := int(branch % window)
	eqValue := byte(branch >> 8)

	constraints := []*Constraint{
		{
			Expression:   fmt.Sprintf("byte[%d] == 0x%02x", baseOffset, eqValue),
			Variables:    []string{fmt.Sprintf("input[%d]", baseOffset)},
			Relation:     RelationEq,
			Offset:       baseOffset,
			Value:        eqValue,
			SourceBranch: branch,
			Solvable:     true,
		},
	}

	const mask = byte(0xF0)
	maskedValue := eqValue & mask
	constraints = append(constraints, &Constraint{
		Expression:   fmt.Sprintf("byte[%d] & 0x%02x == 0x%02x", baseOffset, mask, maskedValue),
		Variables:    []string{fmt.Sprintf("input[%d]", baseOffset)},
		Relation:     RelationMask,
		Offset:       baseOffset,
		Value:        maskedValue,
		Mask:         mask,
		SourceBranch: branch,
		Solvable:     true,
	})

	secondaryOffset := int((branch >> 4) % window)
	low := byte((branch >> 12) & 0x7F)
	high := low + 0x20
	constraints = append(constraints, &Constraint{
		Expression:   fmt.Sprintf("0x%02x <= byte[%d] <= 0x%02x", low, secondaryOffset, high),
		Variables:    []string{fmt.Sprintf("input[%d]", secondaryOffset)},
		Relation:     RelationRange,
		Offset:       secondaryOffset,
		Low:          low,
		High:         high,
		SourceBranch: branch,
		Solvable:     true,
	})

	return constraints
}

// registerConstraint tracks pending constraints without duplicating
// entries, keyed by (expression, source branch).
func (b *SymbolicBridge) registerConstraint(c *Constraint) {
	for _, existing := range b.pending {
		if existing.Expression == c.Expression && existing.SourceBranch == c.SourceBranch {
			return
		}
	}
	b.pending = append(b.pending, c)
}

// findPathToBlocks returns the first explored path covering every target
// block, or nil.
func (b *SymbolicBridge) findPathToBlocks(targetBlocks []uint64) *Path {
	for _, path := range b.explored {
		if coversAll(path, targetBlocks) {
			return path
		}
	}
	return nil
}

func coversAll(path *Path, blocks []uint64) bool {
	for _, block := range blocks {
		if !path.hasBlock(block) {
			return false
		}
	}
	return true
}
