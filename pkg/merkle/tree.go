// Package merkle builds a binary hash tree over the integrity tags of an
// upload's parts. The root summarizes the exact part set that was finalized.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
)

// Tree is stored heap-style in a flattened array:
// - Index 0 is the root.
// - Left child of i: 2i + 1
// - Right child of i: 2i + 2
type Tree struct {
	mu         sync.RWMutex
	nodes      []string
	parts      int
	numLeaves  int
	leafOffset int
}

// New returns a tree for the given number of parts. Leaf capacity is rounded
// up to a power of two; unused leaves stay empty.
func New(parts int) (*Tree, error) {
	if parts < 1 {
		return nil, fmt.Errorf("parts must be >= 1, got %d", parts)
	}
	numLeaves := 2
	for numLeaves < parts {
		numLeaves <<= 1
	}
	return &Tree{
		nodes:      make([]string, 2*numLeaves-1),
		parts:      parts,
		numLeaves:  numLeaves,
		leafOffset: numLeaves - 1,
	}, nil
}

// SetPart stores the tag of a 1-based part and propagates the change to the root.
func (t *Tree) SetPart(index int, tag string) error {
	if index < 1 || index > t.parts {
		return fmt.Errorf("part index out of range: %d", index)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.leafOffset + index - 1
	t.nodes[idx] = leafHash(index, tag)

	for idx > 0 {
		parent := (idx - 1) / 2
		t.nodes[parent] = hashPair(t.nodes[2*parent+1], t.nodes[2*parent+2])
		idx = parent
	}
	return nil
}

// Root returns the current root, empty while no part is set.
func (t *Tree) Root() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[0]
}

// Children returns the hashes below the node at idx.
func (t *Tree) Children(idx int) (string, string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	left := 2*idx + 1
	if idx < 0 || left >= len(t.nodes) {
		return "", "", fmt.Errorf("node at %d is a leaf", idx)
	}
	return t.nodes[left], t.nodes[left+1], nil
}

// Root computes the root over tags, where tags[i] belongs to part i+1.
func Root(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	tree, _ := New(len(tags))
	for i, tag := range tags {
		_ = tree.SetPart(i+1, tag)
	}
	return tree.Root()
}

// leafHash binds the tag to its position so reordered parts change the root.
func leafHash(index int, tag string) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(index)))
	h.Write([]byte{0})
	h.Write([]byte(tag))
	return hex.EncodeToString(h.Sum(nil))
}

func hashPair(left, right string) string {
	if left == "" && right == "" {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}
