package calltree

import (
	"github.com/getsentry/stacksampler/internal/frame"
)

// Record is one sample: a stack of frame infos, outermost first, and the
// time it stands for in seconds.
type Record struct {
	Stack []string `json:"stack"`
	Time  float64  `json:"time"`
}

// Builder grows a tree from a stream of samples. Consecutive samples that
// share a stack prefix share the nodes of that prefix; a frame that was
// left and entered again gets a new node, so the tree keeps the temporal
// order of calls until AggregateRepeatedCalls runs.
type Builder struct {
	tree  *Tree
	stack []NodeID
}

func NewBuilder() *Builder {
	t := New()
	root := t.NewRoot(frame.RootIdentifier)
	return &Builder{
		tree:  t,
		stack: []NodeID{root},
	}
}

// Update adds one sample to the tree.
func (b *Builder) Update(stack []string, time float64) {
	t := b.tree
	depth := 1
	for _, info := range stack {
		identifier := frame.IdentifierOnly(info)
		var id NodeID
		if depth < len(b.stack) && t.nodes[b.stack[depth]].Identifier == identifier {
			id = b.stack[depth]
		} else {
			b.stack = b.stack[:depth]
			id = t.AddChild(b.stack[depth-1], info)
			b.stack = append(b.stack, id)
		}
		t.recordAttributes(id, info, time)
		depth++
	}
	b.stack = b.stack[:depth]

	leaf := b.stack[depth-1]
	if depth > 1 && t.nodes[leaf].IsSynthetic() {
		t.nodes[leaf].SelfTime += time
		return
	}
	self := t.AddChild(leaf, frame.SelfTimeIdentifier)
	t.nodes[self].SelfTime = time
}

// Finalize returns the tree. When every sample starts with the same frame,
// that frame is the root; otherwise a synthetic root holds them all.
func (b *Builder) Finalize() *Tree {
	t := b.tree
	root := t.Root
	children := t.nodes[root].Children
	switch {
	case len(children) == 0:
		return New()
	case len(children) == 1 && !t.nodes[children[0]].IsSynthetic():
		t.Root = children[0]
		t.nodes[t.Root].Parent = NoNode
		t.nodes[root].Children = nil
		t.nodes[root].removed = true
	}
	return t
}

// Build returns the tree of records.
func Build(records []Record) *Tree {
	b := NewBuilder()
	for _, r := range records {
		b.Update(r.Stack, r.Time)
	}
	return b.Finalize()
}
