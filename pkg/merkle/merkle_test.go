package merkle_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

func leaves(n int) []merkle.Digest {
	out := make([]merkle.Digest, n)
	for i := range out {
		out[i] = merkle.HashLeaf([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return out
}

func TestAccumulator_matchesFullBuild(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 7, 8, 10, 16, 17} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			ls := leaves(n)
			acc := merkle.NewAccumulator()
			for _, l := range ls {
				acc.Add(l)
			}
			if acc.Len() != uint64(n) {
				t.Fatalf("Len: got %d, want %d", acc.Len(), n)
			}
			if got, want := acc.Root(), merkle.BuildRoot(ls); got != want {
				t.Errorf("Root: got %s, want %s", got, want)
			}
		})
	}
}

func TestAccumulator_everyPrefixMatchesFullBuild(t *testing.T) {
	ls := leaves(64)
	acc := merkle.NewAccumulator()
	for i, l := range ls {
		acc.Add(l)
		if got, want := acc.Root(), merkle.BuildRoot(ls[:i+1]); got != want {
			t.Fatalf("prefix %d: got %s, want %s", i+1, got, want)
		}
	}
}

func TestAccumulator_levelsFollowBinaryCount(t *testing.T) {
	acc := merkle.NewAccumulator()
	for i, l := range leaves(13) {
		acc.Add(l)
		n := i + 1
		lv := acc.Levels()
		for bit := 0; bit < 8; bit++ {
			_, has := lv[bit]
			if want := n&(1<<bit) != 0; has != want {
				t.Fatalf("n=%d level %d: present=%v, want %v", n, bit, has, want)
			}
		}
	}
}

func TestAccumulator_peakIsRootOfRecentRun(t *testing.T) {
	ls := leaves(6) // 0b110: peaks at levels 1 and 2
	acc := merkle.NewAccumulator()
	for _, l := range ls {
		acc.Add(l)
	}
	lv := acc.Levels()
	if lv[2] != merkle.BuildRoot(ls[:4]) {
		t.Error("level 2 peak should be the root of leaves 0..3")
	}
	if lv[1] != merkle.BuildRoot(ls[4:6]) {
		t.Error("level 1 peak should be the root of leaves 4..5")
	}
}

func TestAccumulator_restoreFromLevels(t *testing.T) {
	ls := leaves(11)
	first := merkle.NewAccumulator()
	for _, l := range ls[:7] {
		first.Add(l)
	}

	restored, err := merkle.NewAccumulatorFromLevels(first.Levels())
	if err != nil {
		t.Fatal(err)
	}
	if restored.Len() != 7 {
		t.Fatalf("restored Len: got %d, want 7", restored.Len())
	}
	for _, l := range ls[7:] {
		restored.Add(l)
	}
	if restored.Root() != merkle.BuildRoot(ls) {
		t.Error("restored accumulator root diverged from full build")
	}
}

func TestNewAccumulatorFromLevels_rejectsBadLevel(t *testing.T) {
	if _, err := merkle.NewAccumulatorFromLevels(map[int]merkle.Digest{-1: {}}); err == nil {
		t.Error("expected error for negative level")
	}
}

func TestAccumulator_emptyRootIsZero(t *testing.T) {
	acc := merkle.NewAccumulator()
	if !acc.Root().IsZero() {
		t.Error("empty Root should be zero digest")
	}
	if !acc.PeakFold().IsZero() {
		t.Error("empty PeakFold should be zero digest")
	}
	if !merkle.BuildRoot(nil).IsZero() {
		t.Error("BuildRoot(nil) should be zero digest")
	}
}

func TestPeakFold_agreesOnlyAtPowersOfTwo(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 10, 16, 17} {
		ls := leaves(n)
		acc := merkle.NewAccumulator()
		for _, l := range ls {
			acc.Add(l)
		}
		pow2 := n&(n-1) == 0
		agree := acc.PeakFold() == merkle.BuildRoot(ls)
		if agree != pow2 {
			t.Errorf("n=%d: PeakFold agrees=%v, want %v", n, agree, pow2)
		}
	}
}

func TestBuildRoot_singleLeafIsLeaf(t *testing.T) {
	l := merkle.HashLeaf([]byte("only"))
	if merkle.BuildRoot([]merkle.Digest{l}) != l {
		t.Error("single-leaf root should equal the leaf")
	}
}

func TestBuildRoot_duplicatesOddTail(t *testing.T) {
	ls := leaves(3)
	want := merkle.HashPair(merkle.HashPair(ls[0], ls[1]), merkle.HashPair(ls[2], ls[2]))
	if got := merkle.BuildRoot(ls); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestProofPath_roundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 7, 8, 10, 16, 17} {
		ls := leaves(n)
		root := merkle.BuildRoot(ls)
		for i := range ls {
			p, err := merkle.ProofPath(ls, i)
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			if p.Root != root {
				t.Fatalf("n=%d i=%d: proof root differs from BuildRoot", n, i)
			}
			if !merkle.Verify(ls[i], p.Path, p.Position, p.Root) {
				t.Errorf("n=%d i=%d: proof did not verify", n, i)
			}
		}
	}
}

func TestVerify_rejectsTampering(t *testing.T) {
	ls := leaves(8)
	p, err := merkle.ProofPath(ls, 3)
	if err != nil {
		t.Fatal(err)
	}

	if merkle.Verify(ls[4], p.Path, p.Position, p.Root) {
		t.Error("wrong leaf verified")
	}
	if merkle.Verify(ls[3], p.Path, p.Position+1, p.Root) {
		t.Error("wrong position verified")
	}
	bad := append([]merkle.Digest(nil), p.Path...)
	bad[1][0] ^= 0xff
	if merkle.Verify(ls[3], bad, p.Position, p.Root) {
		t.Error("tampered path verified")
	}
}

func TestProofPath_outOfRange(t *testing.T) {
	if _, err := merkle.ProofPath(leaves(3), 3); !errors.Is(err, merkle.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	if _, err := merkle.ProofPath(nil, 0); !errors.Is(err, merkle.ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange on empty tree, got %v", err)
	}
}

func TestParseDigest(t *testing.T) {
	d := merkle.HashLeaf([]byte("x"))
	parsed, err := merkle.ParseDigest(d.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != d {
		t.Error("ParseDigest did not round-trip")
	}
	if _, err := merkle.ParseDigest("abcd"); err == nil {
		t.Error("expected error for short digest")
	}
	if _, err := merkle.ParseDigest("zz"); err == nil {
		t.Error("expected error for non-hex digest")
	}
}
