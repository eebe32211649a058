// Package nodetree exports an aggregated call tree in the shape renderers
// consume.
package nodetree

import (
	"hash"
	"hash/fnv"
	"io"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/getsentry/stacksampler/internal/calltree"
	"github.com/getsentry/stacksampler/internal/frame"
)

type (
	Node struct {
		ID            calltree.NodeID  `json:"id"`
		Fingerprint   uint64           `json:"fingerprint"`
		Function      string           `json:"function"`
		File          string           `json:"file,omitempty"`
		Line          int              `json:"line,omitempty"`
		CurrentLine   int              `json:"current_line,omitempty"`
		ClassName     string           `json:"class_name,omitempty"`
		SelfTime      float64          `json:"self_time"`
		TotalTime     float64          `json:"total_time"`
		IsApplication bool             `json:"is_application"`
		IsSynthetic   bool             `json:"is_synthetic,omitempty"`
		GroupID       calltree.GroupID `json:"group_id"`
		Children      []*Node          `json:"children,omitempty"`
	}

	Group struct {
		ID         calltree.GroupID  `json:"id"`
		Root       calltree.NodeID   `json:"root"`
		Frames     []calltree.NodeID `json:"frames"`
		ExitFrames []calltree.NodeID `json:"exit_frames"`
	}

	Output struct {
		Root      *Node   `json:"root,omitempty"`
		Groups    []Group `json:"groups"`
		TotalTime float64 `json:"total_time"`
		NoSamples bool    `json:"no_samples"`
	}
)

// Export converts t. An empty tree gives an output flagged with NoSamples.
func Export(t *calltree.Tree) *Output {
	if t.Empty() {
		return &Output{NoSamples: true, Groups: []Group{}}
	}
	o := Output{
		Root:   exportNode(t, t.Root),
		Groups: make([]Group, 0, len(t.Groups)),
	}
	o.TotalTime = o.Root.TotalTime
	for _, g := range t.Groups {
		o.Groups = append(o.Groups, Group{
			ID:         g.ID,
			Root:       g.Root,
			Frames:     nonNil(g.Frames),
			ExitFrames: nonNil(g.ExitFrames),
		})
	}
	return &o
}

func exportNode(t *calltree.Tree, id calltree.NodeID) *Node {
	n := t.Node(id)
	identifier := frame.ParseIdentifier(n.Identifier)
	out := Node{
		ID:            id,
		Function:      identifier.Function,
		File:          identifier.File,
		Line:          identifier.Line,
		SelfTime:      n.SelfTime,
		TotalTime:     n.SelfTime,
		IsApplication: identifier.IsApplicationFrame(),
		IsSynthetic:   identifier.IsSynthetic(),
		GroupID:       n.Group,
	}
	if class, ok := n.Attribute(frame.MarkerClassName); ok {
		out.ClassName = class
	}
	if line, ok := n.Attribute(frame.MarkerLine); ok {
		out.CurrentLine, _ = strconv.Atoi(line)
	}
	h := fnv.New64()
	out.WriteToHash(h)
	out.Fingerprint = h.Sum64()

	children := t.Children(id)
	if len(children) > 0 {
		out.Children = make([]*Node, 0, len(children))
	}
	for _, c := range children {
		child := exportNode(t, c)
		out.TotalTime += child.TotalTime
		out.Children = append(out.Children, child)
	}
	return &out
}

func nonNil(ids []calltree.NodeID) []calltree.NodeID {
	if ids == nil {
		return []calltree.NodeID{}
	}
	return ids
}

func (n *Node) WriteToHash(h hash.Hash) {
	if n.File == "" && n.Function == "" {
		h.Write([]byte("-"))
	} else {
		h.Write([]byte(n.File))
		h.Write([]byte(n.Function))
	}
}

// Write encodes o as JSON.
func Write(w io.Writer, o *Output) error {
	return json.NewEncoder(w).Encode(o)
}
