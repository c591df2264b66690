package rrcf

import (
	"fmt"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

// nilNode is the handle of an absent node.
const nilNode int32 = -1

// node is either a branch (cut dimension and value, two children) or a leaf
// (one point, possibly shared by several slots). For a leaf min and max both
// alias the point.
type node struct {
	parent int32
	left   int32
	right  int32
	leaf   bool
	cutDim int
	cutVal float64
	// n is the number of points below this node, counting duplicates.
	n   int
	min []float64
	max []float64
}

// Tree is a random cut tree whose nodes live in an arena and refer to each
// other by handle. It is not safe for concurrent use.
type Tree struct {
	nodes  []node
	free   []int32
	root   int32
	dims   int
	leaves map[int64]int32
	rng    *rand.Rand
}

// NewTree creates an empty tree drawing cuts from rng.
func NewTree(rng *rand.Rand) *Tree {
	return &Tree{
		root:   nilNode,
		leaves: make(map[int64]int32),
		rng:    rng,
	}
}

// Len returns the number of live slots.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// Contains reports whether slot is live in the tree.
func (t *Tree) Contains(slot int64) bool {
	_, ok := t.leaves[slot]
	return ok
}

// Slots returns the live slots in ascending order.
func (t *Tree) Slots() []int64 {
	out := make([]int64, 0, len(t.leaves))
	for s := range t.leaves {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InsertPoint adds point to the tree under slot.
func (t *Tree) InsertPoint(point []float64, slot int64) error {
	if _, ok := t.leaves[slot]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateSlot, slot)
	}
	if len(point) == 0 {
		return fmt.Errorf("%w: empty point", ErrDimension)
	}
	p := make([]float64, len(point))
	copy(p, point)

	if t.root == nilNode {
		t.root = t.newLeaf(p)
		t.dims = len(p)
		t.leaves[slot] = t.root
		return nil
	}
	if len(p) != t.dims {
		return fmt.Errorf("%w: got %d, tree has %d", ErrDimension, len(p), t.dims)
	}

	if dup := t.findLeaf(p); dup != nilNode && floats.Equal(t.nodes[dup].min, p) {
		t.addCountUpwards(dup, 1)
		t.leaves[slot] = dup
		return nil
	}

	cur := t.root
	parent := nilNode
	var (
		goLeft bool
		leaf   int32
		branch int32
	)
	for {
		dim, cut := t.drawCut(p, t.nodes[cur].min, t.nodes[cur].max)
		if cut <= t.nodes[cur].min[dim] {
			leaf = t.newLeaf(p)
			branch = t.newBranch(dim, cut, leaf, cur)
			break
		}
		if cut >= t.nodes[cur].max[dim] {
			leaf = t.newLeaf(p)
			branch = t.newBranch(dim, cut, cur, leaf)
			break
		}
		// Only branches reach here: a leaf box is a single point, so every
		// cut lies on one side of it.
		parent = cur
		nd := &t.nodes[cur]
		if p[nd.cutDim] <= nd.cutVal {
			cur, goLeft = nd.left, true
		} else {
			cur, goLeft = nd.right, false
		}
	}

	t.nodes[cur].parent = branch
	t.nodes[leaf].parent = branch
	t.nodes[branch].parent = parent
	switch {
	case parent == nilNode:
		t.root = branch
	case goLeft:
		t.nodes[parent].left = branch
	default:
		t.nodes[parent].right = branch
	}

	t.addCountUpwards(parent, 1)
	t.refreshBoxUpwards(branch)
	t.leaves[slot] = leaf
	return nil
}

// ForgetPoint removes the point held under slot. The removed leaf's sibling
// takes the place of their parent.
func (t *Tree) ForgetPoint(slot int64) error {
	h, ok := t.leaves[slot]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}
	delete(t.leaves, slot)

	if t.nodes[h].n > 1 {
		t.addCountUpwards(h, -1)
		return nil
	}

	if h == t.root {
		t.release(h)
		t.root = nilNode
		t.dims = 0
		return nil
	}

	parent := t.nodes[h].parent
	sibling := t.nodes[parent].left
	if sibling == h {
		sibling = t.nodes[parent].right
	}
	grand := t.nodes[parent].parent
	t.nodes[sibling].parent = grand

	if grand == nilNode {
		t.root = sibling
	} else {
		if t.nodes[grand].left == parent {
			t.nodes[grand].left = sibling
		} else {
			t.nodes[grand].right = sibling
		}
		t.addCountUpwards(grand, -1)
		t.refreshBoxUpwards(grand)
	}

	t.release(h)
	t.release(parent)
	return nil
}

// CoDisp returns the collusive displacement of the point held under slot:
// the largest ratio, over the ancestors of its leaf, of the sibling subtree
// size to the size of the subtree containing the leaf.
func (t *Tree) CoDisp(slot int64) (float64, error) {
	h, ok := t.leaves[slot]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}

	best := 0.0
	cur := h
	for parent := t.nodes[cur].parent; parent != nilNode; parent = t.nodes[cur].parent {
		sibling := t.nodes[parent].left
		if sibling == cur {
			sibling = t.nodes[parent].right
		}
		ratio := float64(t.nodes[sibling].n) / float64(t.nodes[cur].n)
		if ratio > best {
			best = ratio
		}
		cur = parent
	}
	return best, nil
}

// drawCut picks a dimension with probability proportional to its span in the
// box enlarged by p, and a cut value uniform over that span.
func (t *Tree) drawCut(p, lo, hi []float64) (int, float64) {
	minHat := make([]float64, len(p))
	maxHat := make([]float64, len(p))
	for i := range p {
		minHat[i] = min(lo[i], p[i])
		maxHat[i] = max(hi[i], p[i])
	}
	span := make([]float64, len(p))
	floats.SubTo(span, maxHat, minHat)

	r := t.rng.Float64() * floats.Sum(span)
	dim := -1
	cum := 0.0
	for j, sp := range span {
		if sp <= 0 {
			continue
		}
		dim = j
		cum += sp
		if cum >= r {
			break
		}
	}
	if dim < 0 {
		// Zero volume: p coincides with the box.
		return 0, p[0]
	}
	// Rounding can leave cum a hair below r on the last candidate.
	return dim, min(minHat[dim]+max(cum-r, 0), maxHat[dim])
}

// findLeaf descends to the leaf p would be routed to by the existing cuts.
func (t *Tree) findLeaf(p []float64) int32 {
	cur := t.root
	for cur != nilNode && !t.nodes[cur].leaf {
		nd := &t.nodes[cur]
		if p[nd.cutDim] <= nd.cutVal {
			cur = nd.left
		} else {
			cur = nd.right
		}
	}
	return cur
}

func (t *Tree) addCountUpwards(h int32, inc int) {
	for ; h != nilNode; h = t.nodes[h].parent {
		t.nodes[h].n += inc
	}
}

// refreshBoxUpwards recomputes the box of h from its children and walks
// towards the root until a box stops changing.
func (t *Tree) refreshBoxUpwards(h int32) {
	first := true
	for ; h != nilNode; h = t.nodes[h].parent {
		nd := &t.nodes[h]
		if nd.leaf {
			continue
		}
		l, r := &t.nodes[nd.left], &t.nodes[nd.right]
		changed := false
		for i := range nd.min {
			lo := min(l.min[i], r.min[i])
			hi := max(l.max[i], r.max[i])
			if lo != nd.min[i] || hi != nd.max[i] {
				nd.min[i], nd.max[i] = lo, hi
				changed = true
			}
		}
		if !changed && !first {
			return
		}
		first = false
	}
}

func (t *Tree) alloc() int32 {
	if k := len(t.free); k > 0 {
		h := t.free[k-1]
		t.free = t.free[:k-1]
		return h
	}
	t.nodes = append(t.nodes, node{})
	return int32(len(t.nodes) - 1)
}

func (t *Tree) release(h int32) {
	t.nodes[h] = node{parent: nilNode, left: nilNode, right: nilNode}
	t.free = append(t.free, h)
}

func (t *Tree) newLeaf(p []float64) int32 {
	h := t.alloc()
	t.nodes[h] = node{
		parent: nilNode,
		left:   nilNode,
		right:  nilNode,
		leaf:   true,
		n:      1,
		min:    p,
		max:    p,
	}
	return h
}

// newBranch links left and right under a new branch; parent pointers and
// the box are set by the caller.
func (t *Tree) newBranch(dim int, cut float64, left, right int32) int32 {
	h := t.alloc()
	t.nodes[h] = node{
		parent: nilNode,
		left:   left,
		right:  right,
		cutDim: dim,
		cutVal: cut,
		n:      t.nodes[left].n + t.nodes[right].n,
		min:    make([]float64, t.dims),
		max:    make([]float64, t.dims),
	}
	return h
}
