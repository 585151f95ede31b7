package merkle

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange is returned by ProofPath for a leaf index outside the tree.
var ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")

// Proof is an inclusion proof for one leaf.
type Proof struct {
	Root     Digest
	Path     []Digest // sibling hashes, leaf level first
	Position uint64   // leaf index; bit k set means the node is a right child at layer k
}

// BuildRoot computes the root over leaves from scratch. Returns Zero for no leaves.
func BuildRoot(leaves []Digest) Digest {
	if len(leaves) == 0 {
		return Zero
	}
	layer := append([]Digest(nil), leaves...)
	for len(layer) > 1 {
		layer = foldLayer(layer)
	}
	return layer[0]
}

// ProofPath builds the sibling path for leaves[index]. A node with no right
// sibling is paired with itself, matching BuildRoot.
func ProofPath(leaves []Digest, index int) (*Proof, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(leaves))
	}

	layer := append([]Digest(nil), leaves...)
	idx := index
	var path []Digest
	for len(layer) > 1 {
		var sibling Digest
		if idx%2 == 1 {
			sibling = layer[idx-1]
		} else if idx+1 < len(layer) {
			sibling = layer[idx+1]
		} else {
			sibling = layer[idx]
		}
		path = append(path, sibling)
		layer = foldLayer(layer)
		idx /= 2
	}

	return &Proof{Root: layer[0], Path: path, Position: uint64(index)}, nil
}

// Verify recomputes the root from leaf and path and compares it to root.
func Verify(leaf Digest, path []Digest, position uint64, root Digest) bool {
	curr := leaf
	pos := position
	for _, sibling := range path {
		if pos&1 == 1 {
			curr = HashPair(sibling, curr)
		} else {
			curr = HashPair(curr, sibling)
		}
		pos >>= 1
	}
	return curr == root
}

func foldLayer(layer []Digest) []Digest {
	next := make([]Digest, 0, (len(layer)+1)/2)
	for i := 0; i < len(layer); i += 2 {
		left := layer[i]
		right := left
		if i+1 < len(layer) {
			right = layer[i+1]
		}
		next = append(next, HashPair(left, right))
	}
	return next
}
