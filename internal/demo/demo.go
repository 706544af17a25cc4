// Package demo builds the sample graphs served by graphd. Node types are
// registered as plugins so graphs are assembled from the plugin registry.
package demo

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/nodegraph-go/graph"
	"github.com/dshills/nodegraph-go/plugin"
)

// Plugin categories.
const (
	CategoryAnalysis = "analysis"
	CategoryReport   = "report"
)

// Branches are the analysis kinds the router chooses between.
var Branches = []string{"semantic", "statistical", "hybrid", "error"}

// SummaryFormatDep is an optional resolver entry overriding the summary text.
// It is a fmt format with one %s verb for the analysis kind.
const SummaryFormatDep = "summary_format"

// RegisterPlugins adds the demo node types to reg.
func RegisterPlugins(reg *plugin.Registry) error {
	for _, kind := range Branches {
		meta := plugin.Metadata{
			ID:          "analysis." + kind,
			Name:        kind + " analysis",
			Description: "Records a " + kind + " analysis of the input",
			Version:     "1.0.0",
			Category:    CategoryAnalysis,
			Tags:        []string{"demo"},
		}
		if err := reg.Register(meta, analysisFactory(kind)); err != nil {
			return err
		}
	}
	return reg.Register(plugin.Metadata{
		ID:          "report.summary",
		Name:        "summary",
		Description: "Summarises whichever analysis ran",
		Version:     "1.0.0",
		Category:    CategoryReport,
		Tags:        []string{"demo"},
	}, summaryFactory)
}

func analysisFactory(kind string) plugin.Factory {
	return func(plugin.Resolver) (graph.Node, error) {
		return graph.NewFunctionNode(kind, func(_ context.Context, s *graph.State) (any, error) {
			input := graph.GetOr(s, "input", "")
			s.Set("analysis", kind)
			s.Set(kind+"_analysis", fmt.Sprintf("%s analysis of %q", kind, input))
			return kind, nil
		}, graph.WithID(kind), graph.WithOutputs("analysis", kind+"_analysis")), nil
	}
}

func summaryFactory(res plugin.Resolver) (graph.Node, error) {
	format := "%s analysis complete"
	if _, ok := res.Resolve(SummaryFormatDep); ok {
		f, err := plugin.Lookup[string](res, SummaryFormatDep)
		if err != nil {
			return nil, err
		}
		format = f
	}
	return graph.NewFunctionNode("summary", func(_ context.Context, s *graph.State) (any, error) {
		return fmt.Sprintf(format, graph.GetOr(s, "analysis", "no")), nil
	}, graph.WithID("summary"), graph.WithInputs("analysis"), graph.WithResultKey("summary")), nil
}

// RouterGraph builds "analysis-router": start routes by substring match on
// the "input" variable, or to the error branch when "error" is true, and
// every branch leads to summary.
func RouterGraph(reg *plugin.Registry, res plugin.Resolver, opts ...graph.Option) (*graph.Executor, error) {
	e, err := graph.NewExecutor("analysis-router", opts...)
	if err != nil {
		return nil, err
	}
	e.SetDescription("Routes an input to semantic, statistical, hybrid or error analysis")

	start := graph.NewFunctionNode("start", func(_ context.Context, s *graph.State) (any, error) {
		input := strings.TrimSpace(graph.GetOr(s, "input", ""))
		s.Set("input", input)
		return input, nil
	}, graph.WithID("start"), graph.WithRequired("input"))
	if err := e.AddNode(start); err != nil {
		return nil, err
	}

	ids := append([]string{}, Branches...)
	for _, id := range append(ids, "summary") {
		pluginID := "analysis." + id
		if id == "summary" {
			pluginID = "report.summary"
		}
		n, err := reg.CreateInstance(pluginID, res)
		if err != nil {
			return nil, err
		}
		if err := e.AddNode(n); err != nil {
			return nil, err
		}
	}

	for _, kind := range Branches {
		cond := graph.ContainsCondition("input", kind)
		if kind == "error" {
			cond = graph.EqualsCondition("error", true)
		} else {
			cond = andNot(cond, graph.EqualsCondition("error", true))
		}
		if err := e.ConnectWhen("start", kind, cond); err != nil {
			return nil, err
		}
		if err := e.Connect(kind, "summary"); err != nil {
			return nil, err
		}
	}
	if err := e.SetStartNode("start"); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func andNot(a, b graph.StateCondition) graph.StateCondition {
	not := graph.Not(b)
	return func(s *graph.State) bool { return a(s) && not(s) }
}

// RefineGraph builds "refine-loop": a draft is refined while
// iteration_count < max_iterations, then published.
func RefineGraph(opts ...graph.Option) (*graph.Executor, error) {
	e, err := graph.NewExecutor("refine-loop", opts...)
	if err != nil {
		return nil, err
	}
	e.SetDescription("Refines a draft until the iteration limit is reached")

	err = e.AddNodes(
		graph.NewFunctionNode("draft", func(_ context.Context, s *graph.State) (any, error) {
			s.Set("draft", "draft: "+graph.GetOr(s, "input", ""))
			return nil, nil
		}, graph.WithID("draft")),
		graph.NewLoopNode("gate", 3, []string{"refine"}, []string{"publish"}, nil, graph.WithID("gate")),
		graph.NewFunctionNode("refine", func(_ context.Context, s *graph.State) (any, error) {
			s.Update("draft", func(old any, _ bool) any { return fmt.Sprint(old) + " +refined" })
			return nil, nil
		}, graph.WithID("refine")),
		graph.NewFunctionNode("publish", func(_ context.Context, s *graph.State) (any, error) {
			return graph.GetOr(s, "draft", ""), nil
		}, graph.WithID("publish"), graph.WithResultKey("published")),
	)
	if err != nil {
		return nil, err
	}
	if err := e.Connect("draft", "gate"); err != nil {
		return nil, err
	}
	if err := e.Connect("refine", "gate"); err != nil {
		return nil, err
	}
	if err := e.SetStartNode("draft"); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
