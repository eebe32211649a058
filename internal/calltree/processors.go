package calltree

import (
	"sort"

	"github.com/grafana/regexp"

	"github.com/getsentry/stacksampler/internal/frame"
)

type (
	// Processor is one stage of the aggregation pipeline. It may edit the
	// tree in place and returns the tree to pass on. Processors accept empty
	// trees and never drop sampled time: whatever they remove is added to an
	// ancestor.
	Processor func(t *Tree, opts Options) *Tree

	Options struct {
		// FilterThreshold is the fraction of the total time under which
		// RemoveIrrelevantNodes folds a node into its parent.
		FilterThreshold float64
		// ShowRegex and HideRegex match file paths and override the
		// application code detection of GroupLibraryFrames. Show wins.
		ShowRegex *regexp.Regexp
		HideRegex *regexp.Regexp
		// OuterFramePatterns match the files of the frames wrapping the
		// profiled program, stripped by RemoveOuterProfilerFrames.
		OuterFramePatterns []*regexp.Regexp
		// GroupSignificance is the fraction of the total time above which a
		// grouped frame is reported as an exit frame. Zero disables it.
		GroupSignificance float64
	}
)

var defaultOuterFramePatterns = []*regexp.Regexp{
	regexp.MustCompile(`[/\\]stacksampler[/\\]cmd[/\\]`),
	regexp.MustCompile(`stacksampler[/\\]__main__\.py$`),
	regexp.MustCompile(`[/\\]runpy\.py$`),
}

func DefaultOptions() Options {
	return Options{
		FilterThreshold:    0.01,
		OuterFramePatterns: defaultOuterFramePatterns,
		GroupSignificance:  0.1,
	}
}

// DefaultProcessors returns the pipeline in the order it must run.
func DefaultProcessors() []Processor {
	return []Processor{
		RemoveImportMachinery,
		RemoveHidden,
		MergeConsecutiveSelfTime,
		AggregateRepeatedCalls,
		RemoveIrrelevantNodes,
		RemoveUnnecessarySelfTimeNodes,
		RemoveOuterProfilerFrames,
		GroupLibraryFrames,
	}
}

// Apply runs processors over t, or the default pipeline when none is given.
func Apply(t *Tree, opts Options, processors ...Processor) *Tree {
	if len(processors) == 0 {
		processors = DefaultProcessors()
	}
	if t == nil {
		t = New()
	}
	for _, p := range processors {
		t = p(t, opts)
	}
	return t
}

// foldMatching folds every descendant of id matching match into its parent.
// Promoted children are checked too.
func (t *Tree) foldMatching(id NodeID, match func(*Node) bool) {
	for i := 0; i < len(t.nodes[id].Children); {
		child := t.nodes[id].Children[i]
		if match(&t.nodes[child]) {
			t.FoldIntoParent(child)
			continue
		}
		t.foldMatching(child, match)
		i++
	}
}

// RemoveImportMachinery folds the frames of the module loading machinery
// into their callers.
func RemoveImportMachinery(t *Tree, _ Options) *Tree {
	if t.Empty() {
		return t
	}
	t.foldMatching(t.Root, func(n *Node) bool {
		return frame.ParseIdentifier(n.Identifier).IsImportMachinery()
	})
	return t
}

// RemoveHidden folds the frames that asked to be hidden from tracebacks.
func RemoveHidden(t *Tree, _ Options) *Tree {
	if t.Empty() {
		return t
	}
	t.foldMatching(t.Root, func(n *Node) bool {
		return n.HasAttribute(frame.MarkerHide)
	})
	return t
}

// MergeConsecutiveSelfTime merges runs of adjacent synthetic siblings with
// the same identifier, left behind by consecutive samples of one stack.
func MergeConsecutiveSelfTime(t *Tree, _ Options) *Tree {
	if t.Empty() {
		return t
	}
	var merge func(NodeID)
	merge = func(id NodeID) {
		previous := NoNode
		for i := 0; i < len(t.nodes[id].Children); {
			child := t.nodes[id].Children[i]
			if !t.nodes[child].IsSynthetic() {
				previous = NoNode
				i++
				continue
			}
			if previous != NoNode && t.nodes[previous].Identifier == t.nodes[child].Identifier {
				t.MergeSiblings(previous, child)
				continue
			}
			previous = child
			i++
		}
		for _, c := range t.nodes[id].Children {
			merge(c)
		}
	}
	merge(t.Root)
	return t
}

// AggregateRepeatedCalls merges siblings sharing an identifier and sorts
// children by total time, largest first. Only siblings are merged, so
// recursion at different depths is kept.
func AggregateRepeatedCalls(t *Tree, _ Options) *Tree {
	if t.Empty() {
		return t
	}
	var aggregate func(NodeID)
	aggregate = func(id NodeID) {
		byIdentifier := make(map[string]NodeID, len(t.nodes[id].Children))
		for i := 0; i < len(t.nodes[id].Children); {
			child := t.nodes[id].Children[i]
			if first, ok := byIdentifier[t.nodes[child].Identifier]; ok {
				t.MergeSiblings(first, child)
				continue
			}
			byIdentifier[t.nodes[child].Identifier] = child
			i++
		}
		for _, c := range t.nodes[id].Children {
			aggregate(c)
		}
	}
	aggregate(t.Root)

	totals := t.totals()
	t.Walk(func(id NodeID, _ int) {
		children := t.nodes[id].Children
		sort.SliceStable(children, func(i, j int) bool {
			return totals[children[i]] > totals[children[j]]
		})
	})
	return t
}

// RemoveIrrelevantNodes folds subtrees taking less than the filter
// threshold of the total time into their parent's self time.
func RemoveIrrelevantNodes(t *Tree, opts Options) *Tree {
	if t.Empty() {
		return t
	}
	totals := t.totals()
	total := totals[t.Root]
	if total <= 0 {
		total = 1e-44
	}
	var prune func(NodeID)
	prune = func(id NodeID) {
		for i := 0; i < len(t.nodes[id].Children); {
			child := t.nodes[id].Children[i]
			if totals[child]/total < opts.FilterThreshold {
				t.nodes[id].SelfTime += totals[child]
				t.Detach(child)
				continue
			}
			prune(child)
			i++
		}
	}
	prune(t.Root)
	return t
}

// RemoveUnnecessarySelfTimeNodes folds a self time node into its parent
// when it is the only child.
func RemoveUnnecessarySelfTimeNodes(t *Tree, _ Options) *Tree {
	if t.Empty() {
		return t
	}
	var walk func(NodeID)
	walk = func(id NodeID) {
		if children := t.nodes[id].Children; len(children) == 1 && t.nodes[children[0]].Identifier == frame.SelfTimeIdentifier {
			t.FoldIntoParent(children[0])
		}
		for _, c := range t.nodes[id].Children {
			walk(c)
		}
	}
	walk(t.Root)
	return t
}

// RemoveOuterProfilerFrames strips the chain of frames the profiler wraps
// around the program, so the visible tree starts at the program's entry
// point. A leading thread frame is kept. Only a chain where each frame has
// exactly one real child is stripped; the time of the stripped frames goes
// to the thread frame, or to the new root.
func RemoveOuterProfilerFrames(t *Tree, opts Options) *Tree {
	if t.Empty() || len(opts.OuterFramePatterns) == 0 {
		return t
	}
	isOuter := func(id NodeID) bool {
		file := frame.ParseIdentifier(t.nodes[id].Identifier).File
		for _, p := range opts.OuterFramePatterns {
			if p.MatchString(file) {
				return true
			}
		}
		return false
	}
	// onlyChild returns the single real child of id, or NoNode.
	onlyChild := func(id NodeID) NodeID {
		only := NoNode
		for _, c := range t.nodes[id].Children {
			if t.nodes[c].IsSynthetic() {
				continue
			}
			if only != NoNode {
				return NoNode
			}
			only = c
		}
		return only
	}

	anchor := NoNode
	first := t.Root
	if frame.ParseIdentifier(t.nodes[t.Root].Identifier).IsThread() {
		anchor = t.Root
		if first = onlyChild(t.Root); first == NoNode {
			return t
		}
	}

	var stripped []NodeID
	current := first
	for isOuter(current) {
		next := onlyChild(current)
		if next == NoNode {
			break
		}
		stripped = append(stripped, current)
		current = next
	}
	if len(stripped) == 0 {
		return t
	}

	var removedTime float64
	for _, id := range stripped {
		removedTime += t.nodes[id].SelfTime
		for _, c := range t.nodes[id].Children {
			if t.nodes[c].IsSynthetic() {
				removedTime += t.TotalTime(c)
			}
		}
	}
	last := stripped[len(stripped)-1]
	t.nodes[last].Children = removeID(t.nodes[last].Children, current)

	if anchor == NoNode {
		t.Detach(first)
		t.Root = current
		t.nodes[current].Parent = NoNode
		t.nodes[current].SelfTime += removedTime
		return t
	}
	i := t.indexOf(anchor, first)
	t.nodes[anchor].Children[i] = current
	t.nodes[current].Parent = anchor
	t.nodes[anchor].SelfTime += removedTime
	t.nodes[first].Parent = NoNode
	t.remove(first)
	return t
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	out := make([]NodeID, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// GroupLibraryFrames clusters runs of library frames. A library frame with
// at least one library child starts a group, which then takes every
// library frame below it down to the first application frame.
func GroupLibraryFrames(t *Tree, opts Options) *Tree {
	if t.Empty() {
		return t
	}
	t.Groups = nil
	t.Walk(func(id NodeID, _ int) {
		t.nodes[id].Group = NoGroup
	})

	hidden := func(id NodeID) bool {
		identifier := frame.ParseIdentifier(t.nodes[id].Identifier)
		if identifier.IsSynthetic() || identifier.IsThread() {
			return false
		}
		if opts.ShowRegex != nil && opts.ShowRegex.MatchString(identifier.File) {
			return false
		}
		if opts.HideRegex != nil && opts.HideRegex.MatchString(identifier.File) {
			return true
		}
		return !identifier.IsApplicationFrame()
	}
	hasHiddenChild := func(id NodeID) bool {
		for _, c := range t.nodes[id].Children {
			if hidden(c) {
				return true
			}
		}
		return false
	}

	var add func(NodeID, GroupID)
	add = func(id NodeID, g GroupID) {
		t.nodes[id].Group = g
		t.Groups[g].Frames = append(t.Groups[g].Frames, id)
		for _, c := range t.nodes[id].Children {
			switch {
			case t.nodes[c].IsSynthetic():
				t.nodes[c].Group = g
			case hidden(c):
				add(c, g)
			}
		}
	}

	var walk func(NodeID)
	walk = func(id NodeID) {
		for _, c := range t.nodes[id].Children {
			if t.nodes[c].Group == NoGroup && hidden(c) && hasHiddenChild(c) {
				g := GroupID(len(t.Groups))
				t.Groups = append(t.Groups, Group{ID: g, Root: c})
				add(c, g)
			}
			walk(c)
		}
	}
	walk(t.Root)

	totals := t.totals()
	total := totals[t.Root]
	for gi := range t.Groups {
		g := &t.Groups[gi]
		for _, id := range g.Frames {
			own := totals[id]
			exits := false
			for _, c := range t.nodes[id].Children {
				if t.nodes[c].Group != g.ID {
					exits = true
				}
				if !t.nodes[c].IsSynthetic() {
					own -= totals[c]
				}
			}
			significant := opts.GroupSignificance > 0 && total > 0 && own/total >= opts.GroupSignificance
			if exits || significant {
				g.ExitFrames = append(g.ExitFrames, id)
			}
		}
	}
	return t
}
