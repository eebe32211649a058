package calltree

import (
	"math"
	"testing"

	"github.com/grafana/regexp"

	"github.com/getsentry/stacksampler/internal/frame"
	"github.com/getsentry/stacksampler/internal/testutil"
)

func self(time float64) node {
	return n(frame.SelfTimeIdentifier, time)
}

func TestProcessors(t *testing.T) {
	outerCmd := frame.NewIdentifier("main.main", "/go/src/github.com/getsentry/stacksampler/cmd/sessiontree/main.go", 20)
	runpy := frame.NewIdentifier("_run_module_as_main", "/usr/lib/python3.11/runpy.py", 190)
	thread := frame.ThreadIdentifier("MainThread", 1)

	tests := []struct {
		name      string
		processor Processor
		opts      Options
		input     node
		want      []string
	}{
		{
			name:      "import machinery is folded into its caller",
			processor: RemoveImportMachinery,
			input: n(app("main"), 0,
				n(frame.NewIdentifier("_find_and_load", "<frozen importlib._bootstrap>", 1007), 1,
					n(frame.NewIdentifier("_load_unlocked", "<frozen importlib._bootstrap>", 680), 0.5,
						n(app("module"), 2),
					),
				),
			),
			want: []string{
				"main 1.50",
				"  module 2.00",
			},
		},
		{
			name:      "hidden frames are folded into their caller",
			processor: RemoveHidden,
			input: n(app("main"), 0,
				n(frame.Encode(app("decorator"), []string{frame.HideAttribute()}), 1,
					n(app("handler"), 2),
				),
				n(app("visible"), 1),
			),
			want: []string{
				"main 1.00",
				"  handler 2.00",
				"  visible 1.00",
			},
		},
		{
			name:      "adjacent self time is merged",
			processor: MergeConsecutiveSelfTime,
			input: n(app("main"), 0,
				self(1),
				self(2),
				n(app("a"), 1, self(1), self(1)),
				self(3),
				n(frame.AwaitIdentifier, 1),
				n(frame.AwaitIdentifier, 1),
			),
			want: []string{
				"main 0.00",
				"  [self] 3.00",
				"  a 1.00",
				"    [self] 2.00",
				"  [self] 3.00",
				"  [await] 2.00",
			},
		},
		{
			name:      "repeated calls are merged and sorted",
			processor: AggregateRepeatedCalls,
			input: n(app("main"), 0,
				n(app("x"), 1, n(app("c"), 2)),
				n(app("y"), 5),
				n(app("x"), 3, n(app("d"), 1), n(app("c"), 1)),
			),
			want: []string{
				"main 0.00",
				"  x 4.00",
				"    c 3.00",
				"    d 1.00",
				"  y 5.00",
			},
		},
		{
			name:      "recursion at different depths is kept",
			processor: AggregateRepeatedCalls,
			input: n(app("main"), 0,
				n(app("walk"), 1, n(app("walk"), 1, n(app("walk"), 1))),
			),
			want: []string{
				"main 0.00",
				"  walk 1.00",
				"    walk 1.00",
				"      walk 1.00",
			},
		},
		{
			name:      "irrelevant nodes become self time",
			processor: RemoveIrrelevantNodes,
			opts:      Options{FilterThreshold: 0.01},
			input: n(app("main"), 1.5,
				n(app("a"), 97.1, n(app("c"), 0.9)),
				n(app("b"), 0.5),
			),
			want: []string{
				"main 2.00",
				"  a 98.00",
			},
		},
		{
			name:      "a lone self time node is folded",
			processor: RemoveUnnecessarySelfTimeNodes,
			input: n(app("main"), 0,
				n(app("a"), 0, self(2)),
				self(1),
			),
			want: []string{
				"main 0.00",
				"  a 2.00",
				"  [self] 1.00",
			},
		},
		{
			name:      "outer frames below a thread frame",
			processor: RemoveOuterProfilerFrames,
			opts:      DefaultOptions(),
			input: n(thread, 0,
				n(outerCmd, 0.5,
					self(0.25),
					n(runpy, 0.25, n(app("main"), 3)),
				),
			),
			want: []string{
				"MainThread 1.00",
				"  main 3.00",
			},
		},
		{
			name:      "outer frames at the root",
			processor: RemoveOuterProfilerFrames,
			opts:      DefaultOptions(),
			input: n(outerCmd, 0.5,
				self(0.25),
				n(app("main"), 3, self(1)),
			),
			want: []string{
				"main 3.75",
				"  [self] 1.00",
			},
		},
		{
			name:      "outer frame calling several functions is kept",
			processor: RemoveOuterProfilerFrames,
			opts:      DefaultOptions(),
			input: n(outerCmd, 0,
				n(app("a"), 1),
				n(app("b"), 1),
			),
			want: []string{
				"main.main 0.00",
				"  a 1.00",
				"  b 1.00",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := grow(tt.input)
			before := tree.TotalTime(tree.Root)
			tree = tt.processor(tree, tt.opts)
			if diff := testutil.Diff(render(tree), tt.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
			if after := tree.TotalTime(tree.Root); math.Abs(after-before) > 1e-9 {
				t.Fatalf("total time went from %v to %v", before, after)
			}
		})
	}
}

func TestGroupLibraryFrames(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		input      node
		wantGroups []Group
		wantNodes  []GroupID
	}{
		{
			name: "library run between application frames",
			input: n(app("app"), 0,
				n(lib("lib1"), 0,
					n(lib("lib2"), 0,
						n(lib("lib3"), 0,
							n(app("app2"), 1),
						),
					),
				),
			),
			wantGroups: []Group{
				{ID: 0, Root: 1, Frames: []NodeID{1, 2, 3}, ExitFrames: []NodeID{3}},
			},
			wantNodes: []GroupID{NoGroup, 0, 0, 0, NoGroup},
		},
		{
			name: "a single library frame is not grouped",
			input: n(app("app"), 0,
				n(lib("lib1"), 0,
					n(app("app2"), 1),
				),
			),
			wantNodes: []GroupID{NoGroup, NoGroup, NoGroup},
		},
		{
			name: "significant time makes an exit frame",
			opts: Options{GroupSignificance: 0.1},
			input: n(app("app"), 0,
				n(lib("lib1"), 0,
					n(lib("lib2"), 0, self(5)),
					n(lib("lib3"), 0.1),
				),
			),
			wantGroups: []Group{
				{ID: 0, Root: 1, Frames: []NodeID{1, 2, 4}, ExitFrames: []NodeID{2}},
			},
			wantNodes: []GroupID{NoGroup, 0, 0, 0, 0},
		},
		{
			name: "show regex keeps library code visible",
			opts: Options{ShowRegex: regexp.MustCompile(`/vendor/`)},
			input: n(app("app"), 0,
				n(lib("lib1"), 0,
					n(lib("lib2"), 1),
				),
			),
			wantNodes: []GroupID{NoGroup, NoGroup, NoGroup},
		},
		{
			name: "hide regex groups application code",
			opts: Options{HideRegex: regexp.MustCompile(`^/srv/app/generated/`)},
			input: n(app("app"), 0,
				n(frame.NewIdentifier("gen1", "/srv/app/generated/a.py", 1), 0,
					n(frame.NewIdentifier("gen2", "/srv/app/generated/b.py", 1), 1),
				),
			),
			wantGroups: []Group{
				{ID: 0, Root: 1, Frames: []NodeID{1, 2}},
			},
			wantNodes: []GroupID{NoGroup, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := GroupLibraryFrames(grow(tt.input), tt.opts)
			if diff := testutil.Diff(tree.Groups, tt.wantGroups); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
			var nodes []GroupID
			tree.Walk(func(id NodeID, _ int) {
				nodes = append(nodes, tree.Node(id).Group)
			})
			if diff := testutil.Diff(nodes, tt.wantNodes); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestPipeline(t *testing.T) {
	thread := frame.ThreadIdentifier("MainThread", 1)
	hidden := frame.Encode(app("wrapper"), []string{frame.HideAttribute()})
	records := []Record{
		{Stack: []string{thread, app("main"), app("handle"), lib("orm"), lib("driver"), app("callback")}, Time: 0.2},
		{Stack: []string{thread, app("main"), app("handle"), lib("orm"), lib("driver")}, Time: 0.3},
		{Stack: []string{thread, app("main"), hidden, app("render")}, Time: 0.25},
		{Stack: []string{thread, app("main"), app("handle"), lib("orm"), lib("driver"), app("callback")}, Time: 0.2},
		{Stack: []string{thread, app("main"), app("tiny")}, Time: 0.001},
		{Stack: []string{thread, app("main")}, Time: 0.05},
	}

	t.Run("conserves time at every stage", func(t *testing.T) {
		tree := Build(records)
		want := tree.TotalTime(tree.Root)
		for i, p := range DefaultProcessors() {
			tree = p(tree, DefaultOptions())
			if got := tree.TotalTime(tree.Root); math.Abs(got-want) > 1e-9 {
				t.Fatalf("stage %d: total time %v, want %v", i, got, want)
			}
		}
	})

	t.Run("result", func(t *testing.T) {
		tree := Apply(Build(records), DefaultOptions())
		want := []string{
			"MainThread 0.00",
			"  main 0.00",
			"    handle 0.00",
			"      orm 0.00",
			"        driver 0.00",
			"          callback 0.40",
			"          [self] 0.30",
			"    render 0.25",
			"    [self] 0.05",
		}
		if diff := testutil.Diff(render(tree), want); diff != "" {
			t.Fatalf("Result mismatch: got - want +\n%s", diff)
		}
		wantGroups := []Group{
			{ID: 0, Root: 4, Frames: []NodeID{4, 5}, ExitFrames: []NodeID{5}},
		}
		if diff := testutil.Diff(tree.Groups, wantGroups); diff != "" {
			t.Fatalf("Result mismatch: got - want +\n%s", diff)
		}
	})

	t.Run("empty", func(t *testing.T) {
		tree := Apply(Build(nil), DefaultOptions())
		if !tree.Empty() {
			t.Fatal("expected an empty tree")
		}
		if tree := Apply(nil, DefaultOptions()); !tree.Empty() {
			t.Fatal("expected an empty tree")
		}
	})
}
