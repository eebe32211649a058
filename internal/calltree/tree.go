// Package calltree turns recorded stack samples into an aggregated call tree.
//
// Nodes live in an arena owned by the Tree and are addressed by NodeID, so
// structural edits (folding a node into its parent, merging siblings) never
// invalidate the ids held by a traversal. Removed nodes stay in the arena
// but are unreachable from the root.
package calltree

import (
	"github.com/getsentry/stacksampler/internal/frame"
)

type (
	NodeID  int32
	GroupID int32

	Node struct {
		// Identifier is the merge key: the frame info without attributes.
		Identifier string
		SelfTime   float64
		Parent     NodeID
		Children   []NodeID
		Group      GroupID
		// Attributes maps each attribute seen on the frame to the time
		// sampled with it.
		Attributes map[string]float64

		removed bool
	}

	// Group is a run of library frames displayed as one unit.
	Group struct {
		ID     GroupID
		Root   NodeID
		Frames []NodeID
		// ExitFrames are members that lead back out of the group or whose
		// own time is significant.
		ExitFrames []NodeID
	}

	Tree struct {
		Root   NodeID
		Groups []Group

		nodes []Node
	}
)

const (
	NoNode  NodeID  = -1
	NoGroup GroupID = -1
)

func New() *Tree {
	return &Tree{Root: NoNode}
}

func (t *Tree) Empty() bool {
	return t == nil || t.Root == NoNode
}

// Node returns the node with the given id. The pointer is only valid until
// the next node is added to the tree.
func (t *Tree) Node(id NodeID) *Node {
	return &t.nodes[id]
}

// Removed reports whether id was folded, merged or detached away.
func (t *Tree) Removed(id NodeID) bool {
	return t.nodes[id].removed
}

func (t *Tree) Children(id NodeID) []NodeID {
	return t.nodes[id].Children
}

func (t *Tree) newNode(info string, parent NodeID) NodeID {
	identifier, attributes := frame.Decode(info)
	n := Node{
		Identifier: identifier,
		Parent:     parent,
		Group:      NoGroup,
	}
	if len(attributes) > 0 {
		n.Attributes = make(map[string]float64, len(attributes))
	}
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

// NewRoot replaces the tree content with a single root node.
func (t *Tree) NewRoot(info string) NodeID {
	t.nodes = t.nodes[:0]
	t.Groups = nil
	t.Root = t.newNode(info, NoNode)
	return t.Root
}

// AddChild appends a new child to parent.
func (t *Tree) AddChild(parent NodeID, info string) NodeID {
	id := t.newNode(info, parent)
	t.nodes[parent].Children = append(t.nodes[parent].Children, id)
	return id
}

func (t *Tree) recordAttributes(id NodeID, info string, time float64) {
	_, attributes := frame.Decode(info)
	if len(attributes) == 0 {
		return
	}
	n := &t.nodes[id]
	if n.Attributes == nil {
		n.Attributes = make(map[string]float64, len(attributes))
	}
	for _, a := range attributes {
		n.Attributes[a] += time
	}
}

func (t *Tree) indexOf(parent, child NodeID) int {
	for i, c := range t.nodes[parent].Children {
		if c == child {
			return i
		}
	}
	return -1
}

// Detach removes id and its subtree from the tree.
func (t *Tree) Detach(id NodeID) {
	if parent := t.nodes[id].Parent; parent != NoNode {
		if i := t.indexOf(parent, id); i >= 0 {
			children := t.nodes[parent].Children
			t.nodes[parent].Children = append(children[:i:i], children[i+1:]...)
		}
	}
	t.nodes[id].Parent = NoNode
	t.remove(id)
}

func (t *Tree) remove(id NodeID) {
	for _, c := range t.nodes[id].Children {
		t.remove(c)
	}
	t.nodes[id].removed = true
	t.nodes[id].Children = nil
}

// FoldIntoParent removes id, adding its self time to its parent and putting
// its children in its place.
func (t *Tree) FoldIntoParent(id NodeID) {
	parent := t.nodes[id].Parent
	if parent == NoNode {
		return
	}
	t.nodes[parent].SelfTime += t.nodes[id].SelfTime

	promoted := t.nodes[id].Children
	for _, c := range promoted {
		t.nodes[c].Parent = parent
	}
	siblings := t.nodes[parent].Children
	i := t.indexOf(parent, id)
	children := make([]NodeID, 0, len(siblings)-1+len(promoted))
	children = append(children, siblings[:i]...)
	children = append(children, promoted...)
	children = append(children, siblings[i+1:]...)
	t.nodes[parent].Children = children

	t.nodes[id].Children = nil
	t.nodes[id].Parent = NoNode
	t.nodes[id].removed = true
}

// MergeSiblings merges src into dst: times and attributes are summed and
// the children of src are appended to those of dst. src is removed.
func (t *Tree) MergeSiblings(dst, src NodeID) {
	d, s := &t.nodes[dst], &t.nodes[src]
	d.SelfTime += s.SelfTime
	for a, v := range s.Attributes {
		if d.Attributes == nil {
			d.Attributes = make(map[string]float64, len(s.Attributes))
		}
		d.Attributes[a] += v
	}
	for _, c := range s.Children {
		t.nodes[c].Parent = dst
	}
	d.Children = append(d.Children, s.Children...)
	s.Children = nil
	t.Detach(src)
}

// Reroot makes id the root, dropping its ancestors and their other
// subtrees.
func (t *Tree) Reroot(id NodeID) {
	if id == t.Root {
		return
	}
	parent := t.nodes[id].Parent
	t.nodes[parent].Children = removeID(t.nodes[parent].Children, id)
	t.nodes[id].Parent = NoNode
	t.remove(t.Root)
	t.Root = id
}

// TotalTime returns the self time of id plus the total time of its children.
func (t *Tree) TotalTime(id NodeID) float64 {
	if id == NoNode {
		return 0
	}
	total := t.nodes[id].SelfTime
	for _, c := range t.nodes[id].Children {
		total += t.TotalTime(c)
	}
	return total
}

// totals returns the total time of every reachable node, indexed by id.
func (t *Tree) totals() []float64 {
	totals := make([]float64, len(t.nodes))
	var walk func(NodeID) float64
	walk = func(id NodeID) float64 {
		total := t.nodes[id].SelfTime
		for _, c := range t.nodes[id].Children {
			total += walk(c)
		}
		totals[id] = total
		return total
	}
	if !t.Empty() {
		walk(t.Root)
	}
	return totals
}

// Walk visits the reachable nodes depth first, parents before children.
func (t *Tree) Walk(fn func(id NodeID, depth int)) {
	if t.Empty() {
		return
	}
	var walk func(NodeID, int)
	walk = func(id NodeID, depth int) {
		fn(id, depth)
		for _, c := range t.nodes[id].Children {
			walk(c, depth+1)
		}
	}
	walk(t.Root, 0)
}

// Len returns the number of reachable nodes.
func (t *Tree) Len() int {
	n := 0
	t.Walk(func(NodeID, int) { n++ })
	return n
}

// Clone returns a deep copy of the tree.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		Root:  t.Root,
		nodes: make([]Node, len(t.nodes)),
	}
	for i, n := range t.nodes {
		n.Children = append([]NodeID(nil), n.Children...)
		if n.Attributes != nil {
			attributes := make(map[string]float64, len(n.Attributes))
			for k, v := range n.Attributes {
				attributes[k] = v
			}
			n.Attributes = attributes
		}
		c.nodes[i] = n
	}
	for _, g := range t.Groups {
		g.Frames = append([]NodeID(nil), g.Frames...)
		g.ExitFrames = append([]NodeID(nil), g.ExitFrames...)
		c.Groups = append(c.Groups, g)
	}
	return c
}

// Attribute returns the value of the attribute with the given marker that
// was sampled for the longest time.
func (n *Node) Attribute(marker byte) (string, bool) {
	var (
		best     string
		bestTime = -1.0
	)
	for a, v := range n.Attributes {
		if a == "" || a[0] != marker {
			continue
		}
		if v > bestTime || (v == bestTime && a < best) {
			best, bestTime = a, v
		}
	}
	if bestTime < 0 {
		return "", false
	}
	return best[1:], true
}

func (n *Node) HasAttribute(marker byte) bool {
	_, ok := n.Attribute(marker)
	return ok
}

func (n *Node) IsSynthetic() bool {
	return frame.IsSynthetic(n.Identifier)
}
