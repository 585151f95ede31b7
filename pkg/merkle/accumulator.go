package merkle

import (
	"fmt"
	"sort"
)

// Accumulator is the sparse incremental form of the tree. It keeps one peak
// per set bit of the leaf count: the peak at level L is the root of the most
// recent 2^L leaves not yet merged with a left sibling. Adding a leaf is
// binary-counter carry propagation.
//
// An Accumulator is not safe for concurrent use.
type Accumulator struct {
	levels map[int]Digest
	count  uint64
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{levels: make(map[int]Digest)}
}

// NewAccumulatorFromLevels restores an accumulator from persisted peaks.
// The leaf count is implied by the populated levels.
func NewAccumulatorFromLevels(levels map[int]Digest) (*Accumulator, error) {
	a := NewAccumulator()
	for level, d := range levels {
		if level < 0 || level > 62 {
			return nil, fmt.Errorf("accumulator level %d out of range", level)
		}
		a.levels[level] = d
		a.count |= 1 << uint(level)
	}
	return a, nil
}

// Add folds one leaf into the accumulator.
func (a *Accumulator) Add(leaf Digest) {
	curr := leaf
	level := 0
	for {
		existing, ok := a.levels[level]
		if !ok {
			a.levels[level] = curr
			break
		}
		curr = HashPair(existing, curr)
		delete(a.levels, level)
		level++
	}
	a.count++
}

// Len returns the number of leaves folded in so far.
func (a *Accumulator) Len() uint64 { return a.count }

// Levels returns a copy of the populated peaks keyed by level.
func (a *Accumulator) Levels() map[int]Digest {
	out := make(map[int]Digest, len(a.levels))
	for k, v := range a.levels {
		out[k] = v
	}
	return out
}

// Root returns the root of the duplicate-tail tree over every leaf added, the
// same value BuildRoot computes from the full leaf list. It walks the levels
// upward carrying the right edge of the layer: a layer of odd width pairs its
// last node with itself, and a peak always sits immediately left of the carry.
// Returns Zero when empty.
func (a *Accumulator) Root() Digest {
	n := a.count
	if n == 0 {
		return Zero
	}

	var carry Digest
	hasCarry := false
	for level := 0; ; level++ {
		width := (n + (uint64(1) << uint(level)) - 1) >> uint(level)
		peak, hasPeak := a.levels[level]
		if width == 1 {
			if hasCarry {
				return carry
			}
			return peak
		}
		switch {
		case hasPeak && hasCarry:
			carry = HashPair(peak, carry)
		case hasPeak:
			carry = HashPair(peak, peak)
			hasCarry = true
		case hasCarry:
			carry = HashPair(carry, carry)
		}
	}
}

// PeakFold folds the peaks in ascending level order:
// root = levels[lo], then root = SHA256(root ‖ levels[k]).
// It equals Root only when the leaf count is a power of two; for any other
// count the two disagree, which is why snapshots commit to Root.
func (a *Accumulator) PeakFold() Digest {
	if len(a.levels) == 0 {
		return Zero
	}
	keys := make([]int, 0, len(a.levels))
	for k := range a.levels {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	root := a.levels[keys[0]]
	for _, k := range keys[1:] {
		root = HashPair(root, a.levels[k])
	}
	return root
}
