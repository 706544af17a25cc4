package demo

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/nodegraph-go/graph"
	"github.com/dshills/nodegraph-go/plugin"
)

func newRouter(t *testing.T, res plugin.Resolver, opts ...graph.Option) *graph.Executor {
	t.Helper()
	reg := plugin.NewRegistry(plugin.DefaultConfig())
	if err := RegisterPlugins(reg); err != nil {
		t.Fatalf("RegisterPlugins: %v", err)
	}
	e, err := RouterGraph(reg, res, append([]graph.Option{graph.WithLogging(false)}, opts...)...)
	if err != nil {
		t.Fatalf("RouterGraph: %v", err)
	}
	return e
}

func TestRouterGraph(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]any
		want    []string
		summary string
	}{
		{"semantic", map[string]any{"input": "This is a semantic request"}, []string{"start", "semantic", "summary"}, "semantic analysis complete"},
		{"hybrid", map[string]any{"input": "hybrid please"}, []string{"start", "hybrid", "summary"}, "hybrid analysis complete"},
		{"error wins", map[string]any{"input": "error semantic", "error": true}, []string{"start", "error", "summary"}, "error analysis complete"},
	}
	for _, parallel := range []bool{false, true} {
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				opt := graph.WithSequential()
				if parallel {
					opt = graph.WithParallel(4)
				}
				res, err := newRouter(t, nil, opt).Execute(context.Background(), graph.NewStateFrom(tt.vars))
				if err != nil {
					t.Fatalf("Execute: %v", err)
				}
				if diff := cmp.Diff(tt.want, res.Executed); diff != "" {
					t.Errorf("executed mismatch (-want +got):\n%s", diff)
				}
				if got := graph.GetOr(res.State, "summary", ""); got != tt.summary {
					t.Errorf("summary = %q, want %q", got, tt.summary)
				}
			})
		}
	}
}

func TestRouterGraphResolvesSummaryFormat(t *testing.T) {
	e := newRouter(t, plugin.MapResolver{SummaryFormatDep: "done: %s"})
	res, err := e.Execute(context.Background(), graph.NewStateFrom(map[string]any{"input": "statistical"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != "done: statistical" {
		t.Errorf("result = %v", res.Result)
	}
}

func TestRefineGraph(t *testing.T) {
	e, err := RefineGraph(graph.WithLogging(false))
	if err != nil {
		t.Fatalf("RefineGraph: %v", err)
	}
	res, err := e.Execute(context.Background(), graph.NewStateFrom(map[string]any{"input": "x"}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if want := "draft: x +refined +refined +refined"; res.Result != want {
		t.Errorf("result = %v, want %q", res.Result, want)
	}
	if n := graph.GetOr(res.State, graph.DefaultCounterKey, 0); n != 3 {
		t.Errorf("iterations = %d", n)
	}
}
