package rrcf

import (
	"fmt"

	"golang.org/x/exp/rand"
)

// NodeState is the exported form of one arena slot. Released slots have
// Free set and carry nothing else.
type NodeState struct {
	Free   bool
	Leaf   bool
	Parent int32
	Left   int32
	Right  int32
	CutDim int
	CutVal float64
	N      int
	// Min holds the point for a leaf.
	Min []float64
	Max []float64
}

// SlotRef maps a live slot to its leaf handle.
type SlotRef struct {
	Slot int64
	Node int32
}

// TreeState is a complete copy of a tree's arena.
type TreeState struct {
	Root  int32
	Dims  int
	Nodes []NodeState
	Free  []int32
	Slots []SlotRef
}

// State holds everything needed to resume a forest bit for bit.
type State struct {
	NumTrees   int
	LeavesSize int
	Sequences  int
	// RNG is the binary form of the forest's PCG source.
	RNG    []byte
	Window []int64
	Trees  []TreeState
}

// State returns a copy of the tree.
func (t *Tree) State() TreeState {
	st := TreeState{
		Root:  t.root,
		Dims:  t.dims,
		Nodes: make([]NodeState, len(t.nodes)),
		Free:  append([]int32(nil), t.free...),
	}
	freed := make(map[int32]bool, len(t.free))
	for _, h := range t.free {
		freed[h] = true
	}
	for i, nd := range t.nodes {
		if freed[int32(i)] {
			st.Nodes[i] = NodeState{Free: true}
			continue
		}
		ns := NodeState{
			Leaf:   nd.leaf,
			Parent: nd.parent,
			Left:   nd.left,
			Right:  nd.right,
			CutDim: nd.cutDim,
			CutVal: nd.cutVal,
			N:      nd.n,
			Min:    append([]float64(nil), nd.min...),
		}
		if !nd.leaf {
			ns.Max = append([]float64(nil), nd.max...)
		}
		st.Nodes[i] = ns
	}
	for _, slot := range t.Slots() {
		st.Slots = append(st.Slots, SlotRef{Slot: slot, Node: t.leaves[slot]})
	}
	return st
}

// restoreTree rebuilds a tree from st, checking handle bounds.
func restoreTree(st TreeState, rng *rand.Rand) (*Tree, error) {
	t := NewTree(rng)
	t.root = st.Root
	t.dims = st.Dims
	t.nodes = make([]node, len(st.Nodes))
	t.free = append([]int32(nil), st.Free...)

	valid := func(h int32) bool { return h == nilNode || (h >= 0 && int(h) < len(st.Nodes)) }
	if !valid(st.Root) {
		return nil, fmt.Errorf("%w: root handle %d", ErrInvalidState, st.Root)
	}
	for i, ns := range st.Nodes {
		if ns.Free {
			t.nodes[i] = node{parent: nilNode, left: nilNode, right: nilNode}
			continue
		}
		if !valid(ns.Parent) || !valid(ns.Left) || !valid(ns.Right) {
			return nil, fmt.Errorf("%w: node %d has out of range links", ErrInvalidState, i)
		}
		if len(ns.Min) != st.Dims {
			return nil, fmt.Errorf("%w: node %d has %d dims, want %d", ErrInvalidState, i, len(ns.Min), st.Dims)
		}
		nd := node{
			parent: ns.Parent,
			left:   ns.Left,
			right:  ns.Right,
			leaf:   ns.Leaf,
			cutDim: ns.CutDim,
			cutVal: ns.CutVal,
			n:      ns.N,
			min:    append([]float64(nil), ns.Min...),
		}
		if ns.Leaf {
			nd.max = nd.min
		} else {
			if len(ns.Max) != st.Dims || ns.Left == nilNode || ns.Right == nilNode {
				return nil, fmt.Errorf("%w: branch %d is malformed", ErrInvalidState, i)
			}
			nd.max = append([]float64(nil), ns.Max...)
		}
		t.nodes[i] = nd
	}
	for _, ref := range st.Slots {
		if ref.Node < 0 || int(ref.Node) >= len(t.nodes) || !t.nodes[ref.Node].leaf {
			return nil, fmt.Errorf("%w: slot %d points at non-leaf %d", ErrInvalidState, ref.Slot, ref.Node)
		}
		t.leaves[ref.Slot] = ref.Node
	}
	return t, nil
}
