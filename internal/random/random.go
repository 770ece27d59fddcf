// Package random provides the seeded pseudo-random source shared by the match
// processor and every client that replays a match.
//
// The generator is PCG-DXSM (as implemented by math/rand/v2) seeded from the
// SHA-256 digest of a string seed. Every scalar draw consumes exactly one
// 64-bit output, so the draw count in a Cursor fully describes the stream
// position.
package random

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
)

// Source is the draw surface handed to domain code.
type Source interface {
	// Next returns a float in [0, 1).
	Next() float64
	// Intn returns an int in [0, n). It panics when n <= 0.
	Intn(n int) int
	// Die returns an int in [1, sides].
	Die(sides int) int
	// Range returns an int in [lo, hi].
	Range(lo, hi int) int
}

// Cursor is the persisted position of a Seeded source.
type Cursor struct {
	Seed  string `json:"seed"`
	Draws uint64 `json:"draws"`
	// State is the binary generator state after Draws outputs. It lets Resume
	// skip re-drawing from the seed; it is optional.
	State []byte `json:"state,omitempty"`
}

// Seeded is the deterministic Source used by the kernel.
type Seeded struct {
	seed  string
	draws uint64
	pcg   *rand.PCG
}

// New creates a source positioned at the start of the stream for seed.
func New(seed string) *Seeded {
	return &Seeded{seed: seed, pcg: newPCG(seed)}
}

// Resume recreates the source at the position recorded in c.
func Resume(c Cursor) (*Seeded, error) {
	s := New(c.Seed)
	if len(c.State) > 0 {
		if err := s.pcg.UnmarshalBinary(c.State); err != nil {
			return nil, fmt.Errorf("restore generator state: %w", err)
		}
		s.draws = c.Draws
		return s, nil
	}
	for i := uint64(0); i < c.Draws; i++ {
		s.pcg.Uint64()
	}
	s.draws = c.Draws
	return s, nil
}

func newPCG(seed string) *rand.PCG {
	sum := sha256.Sum256([]byte(seed))
	return rand.NewPCG(binary.BigEndian.Uint64(sum[0:8]), binary.BigEndian.Uint64(sum[8:16]))
}

// Cursor reports the current stream position.
func (s *Seeded) Cursor() Cursor {
	state, err := s.pcg.MarshalBinary()
	if err != nil {
		state = nil
	}
	return Cursor{Seed: s.seed, Draws: s.draws, State: state}
}

// Draws reports how many values have been drawn since the seed.
func (s *Seeded) Draws() uint64 { return s.draws }

func (s *Seeded) raw() uint64 {
	s.draws++
	return s.pcg.Uint64()
}

func (s *Seeded) Next() float64 {
	return float64(s.raw()>>11) / (1 << 53)
}

func (s *Seeded) Intn(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("random: Intn called with non-positive bound %d", n))
	}
	return int(s.Next() * float64(n))
}

func (s *Seeded) Die(sides int) int {
	if sides <= 0 {
		panic(fmt.Sprintf("random: Die called with %d sides", sides))
	}
	return 1 + s.Intn(sides)
}

func (s *Seeded) Range(lo, hi int) int {
	if hi < lo {
		panic(fmt.Sprintf("random: empty range [%d, %d]", lo, hi))
	}
	return lo + s.Intn(hi-lo+1)
}

// Shuffle returns a shuffled copy of list. It consumes len(list)-1 draws.
func Shuffle[T any](src Source, list []T) []T {
	out := make([]T, len(list))
	copy(out, list)
	for i := len(out) - 1; i > 0; i-- {
		j := src.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Pick returns one element of list using a single draw.
func Pick[T any](src Source, list []T) T {
	return list[src.Intn(len(list))]
}

// Dice rolls count dice with the given number of sides.
func Dice(src Source, count, sides int) []int {
	values := make([]int, count)
	for i := range values {
		values[i] = src.Die(sides)
	}
	return values
}
