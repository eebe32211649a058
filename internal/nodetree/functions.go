package nodetree

import (
	"github.com/getsentry/stacksampler/internal/frame"
)

// Function sums the self time of every occurrence of one function.
type Function struct {
	Fingerprint   uint64    `json:"fingerprint"`
	Function      string    `json:"function"`
	File          string    `json:"file,omitempty"`
	IsApplication bool      `json:"is_application"`
	SelfTimes     []float64 `json:"self_times"`
	SumSelfTime   float64   `json:"sum_self_time"`
}

// CollectFunctions adds the self time of n and its descendants to results,
// keyed by fingerprint. The time of [self] children counts as the time of
// their parent; other synthetic nodes are not functions and are skipped.
func (n *Node) CollectFunctions(results map[uint64]Function) {
	for _, c := range n.Children {
		c.CollectFunctions(results)
	}
	if n.IsSynthetic {
		return
	}
	selfTime := n.SelfTime
	for _, c := range n.Children {
		if c.Function == frame.SelfTimeIdentifier {
			selfTime += c.TotalTime
		}
	}
	if selfTime <= 0 {
		return
	}
	f, ok := results[n.Fingerprint]
	if !ok {
		f = Function{
			Fingerprint:   n.Fingerprint,
			Function:      n.Function,
			File:          n.File,
			IsApplication: n.IsApplication,
		}
	}
	f.SelfTimes = append(f.SelfTimes, selfTime)
	f.SumSelfTime += selfTime
	results[n.Fingerprint] = f
}
