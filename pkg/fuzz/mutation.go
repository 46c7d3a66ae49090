package fuzz

import (
	"encoding/binary"
	"math/rand"
)

// MutationStrategy selects one of the classic byte-level mutators.
type MutationStrategy int

const (
	MutateBitFlip MutationStrategy = iota
	MutateByteFlip
	MutateArithmetic
	MutateInterestingValues
	MutateBlockDelete
	MutateBlockDuplicate
	MutateBlockOverwrite
	MutateSplice
	MutateHavoc
)

// interesting8 and interesting32 are boundary values known to shake out
// off-by-one and sign bugs.
var (
	interesting8  = []byte{0x00, 0x01, 0x7F, 0x80, 0xFF}
	interesting32 = []uint32{0, 1, 0x7FFFFFFF, 0x80000000, 0xFFFFFFFF, 64, 100, 1024}
)

// MutationEngine applies randomized byte-level mutations bounded by a
// maximum input size. Splice folds in the previously mutated input.
type MutationEngine struct {
	rng          *rand.Rand
	maxInputSize int
	last         []byte
}

// NewMutationEngine creates an engine seeded for reproducibility.
func NewMutationEngine(rng *rand.Rand, maxInputSize int) *MutationEngine {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	if maxInputSize < 1 {
		maxInputSize = 4096
	}
	return &MutationEngine{rng: rng, maxInputSize: maxInputSize}
}

// Mutate applies the given strategy to a copy of input.
func (e *MutationEngine) Mutate(input []byte, strategy MutationStrategy) []byte {
	out := make([]byte, len(input))
	copy(out, input)

	switch strategy {
	case MutateBitFlip:
		out = e.bitFlip(out)
	case MutateByteFlip:
		out = e.byteFlip(out)
	case MutateArithmetic:
		out = e.arithmetic(out)
	case MutateInterestingValues:
		out = e.interesting(out)
	case MutateBlockDelete:
		out = e.blockDelete(out)
	case MutateBlockDuplicate:
		out = e.blockDuplicate(out)
	case MutateBlockOverwrite:
		out = e.blockOverwrite(out)
	case MutateSplice:
		out = e.splice(out)
	case MutateHavoc:
		out = e.havoc(out)
	}

	if len(out) > e.maxInputSize {
		out = out[:e.maxInputSize]
	}
	e.last = append([]byte(nil), out...)
	return out
}

// MutateRandom applies a randomly chosen strategy.
func (e *MutationEngine) MutateRandom(input []byte) []byte {
	return e.Mutate(input, MutationStrategy(e.rng.Intn(int(MutateHavoc)+1)))
}

func (e *MutationEngine) bitFlip(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	pos := e.rng.Intn(len(data))
	data[pos] ^= 1 << uint(e.rng.Intn(8))
	return data
}

func (e *MutationEngine) byteFlip(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	data[e.rng.Intn(len(data))] ^= 0xFF
	return data
}

func (e *MutationEngine) arithmetic(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	pos := e.rng.Intn(len(data))
	delta := byte(e.rng.Intn(35) + 1)
	if e.rng.Intn(2) == 0 {
		data[pos] += delta
	} else {
		data[pos] -= delta
	}
	return data
}

func (e *MutationEngine) interesting(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	if len(data) >= 4 && e.rng.Intn(2) == 0 {
		pos := e.rng.Intn(len(data) - 3)
		binary.LittleEndian.PutUint32(data[pos:], interesting32[e.rng.Intn(len(interesting32))])
	} else {
		data[e.rng.Intn(len(data))] = interesting8[e.rng.Intn(len(interesting8))]
	}
	return data
}

func (e *MutationEngine) blockDelete(data []byte) []byte {
	if len(data) < 2 {
		return data
	}
	start := e.rng.Intn(len(data) - 1)
	size := e.rng.Intn(len(data)-start) + 1
	if size >= len(data) {
		size = len(data) - 1
	}
	return append(data[:start], data[start+size:]...)
}

func (e *MutationEngine) blockDuplicate(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	start := e.rng.Intn(len(data))
	size := e.rng.Intn(len(data)-start) + 1
	block := append([]byte(nil), data[start:start+size]...)
	out := append([]byte(nil), data[:start+size]...)
	out = append(out, block...)
	return append(out, data[start+size:]...)
}

func (e *MutationEngine) blockOverwrite(data []byte) []byte {
	if len(data) < 2 {
		return data
	}
	src := e.rng.Intn(len(data))
	dst := e.rng.Intn(len(data))
	size := e.rng.Intn(len(data)-max(src, dst)) + 1
	copy(data[dst:dst+size], data[src:src+size])
	return data
}

func (e *MutationEngine) splice(data []byte) []byte {
	if len(e.last) == 0 || len(data) == 0 {
		return data
	}
	cut := e.rng.Intn(len(data))
	other := e.last
	otherCut := e.rng.Intn(len(other) + 1)
	out := append([]byte(nil), data[:cut]...)
	return append(out, other[otherCut:]...)
}

func (e *MutationEngine) havoc(data []byte) []byte {
	rounds := e.rng.Intn(8) + 1
	for i := 0; i < rounds; i++ {
		switch e.rng.Intn(5) {
		case 0:
			data = e.bitFlip(data)
		case 1:
			data = e.byteFlip(data)
		case 2:
			data = e.arithmetic(data)
		case 3:
			data = e.interesting(data)
		case 4:
			data = e.blockDuplicate(data)
		}
		if len(data) > e.maxInputSize {
			data = data[:e.maxInputSize]
		}
	}
	return data
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
