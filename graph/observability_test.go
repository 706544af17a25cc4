package graph

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/nodegraph-go/graph/emit"
)

func TestEmitterReceivesRunLifecycle(t *testing.T) {
	buf := emit.NewBufferedEmitter()
	e := newTestExecutor(t, "events", WithEmitter(buf))
	chain(t, e, "a", "b")

	if _, err := e.Execute(context.Background(), nil, WithRunID("ev")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var got []string
	for _, ev := range buf.GetHistory("ev") {
		got = append(got, ev.Msg+":"+ev.NodeID)
	}
	want := []string{
		emit.MsgRunStart + ":",
		emit.MsgNodeStart + ":a", emit.MsgNodeEnd + ":a",
		emit.MsgNodeStart + ":b", emit.MsgNodeEnd + ":b",
		emit.MsgRunEnd + ":",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	end := buf.GetHistoryWithFilter("ev", emit.HistoryFilter{Msg: emit.MsgRunEnd})
	if len(end) != 1 || end[0].Meta["status"] != string(StatusCompleted) || end[0].Step != 2 {
		t.Errorf("run_end = %+v", end)
	}
}

func TestEmitterReportsRetriesAndErrors(t *testing.T) {
	buf := emit.NewBufferedEmitter()
	e := newTestExecutor(t, "failing", WithEmitter(buf),
		WithErrorPolicy(NodePolicy{OnFailure: FailRetry, MaxAttempts: 2, BaseDelay: time.Millisecond}))
	mustAdd(t, e, NewFunctionNode("bad", func(context.Context, *State) (any, error) {
		return nil, errors.New("nope")
	}, WithID("bad")))
	mustStart(t, e, "bad")

	_, _ = e.Execute(context.Background(), nil, WithRunID("f"))

	if n := len(buf.GetHistoryWithFilter("f", emit.HistoryFilter{Msg: emit.MsgNodeRetry})); n != 1 {
		t.Errorf("retry events = %d, want 1", n)
	}
	errs := buf.GetHistoryWithFilter("f", emit.HistoryFilter{Msg: emit.MsgNodeError, NodeID: "bad"})
	if len(errs) != 1 || !strings.Contains(errs[0].Meta["error"].(string), "nope") {
		t.Errorf("node_error events = %+v", errs)
	}
	end := buf.GetHistoryWithFilter("f", emit.HistoryFilter{Msg: emit.MsgRunEnd})
	if len(end) != 1 || end[0].Meta["status"] != string(StatusFailed) {
		t.Errorf("run_end = %+v", end)
	}
}

func TestEmitterReportsSkipsAndDeadJoins(t *testing.T) {
	buf := emit.NewBufferedEmitter()
	e := newTestExecutor(t, "dead", WithEmitter(buf))
	mustAdd(t, e, writer("start"),
		writer("A", WithCondition(func(*State) bool { return false })),
		writer("B", WithCondition(func(*State) bool { return false })),
		writer("join"))
	mustConnect(t, e, [2]string{"start", "A"}, [2]string{"start", "B"}, [2]string{"A", "join"}, [2]string{"B", "join"})
	mustStart(t, e, "start")

	if _, err := e.Execute(context.Background(), nil, WithRunID("d")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := len(buf.GetHistoryWithFilter("d", emit.HistoryFilter{Msg: emit.MsgNodeSkipped})); n != 2 {
		t.Errorf("skip events = %d, want 2", n)
	}
	dead := buf.GetHistoryWithFilter("d", emit.HistoryFilter{Msg: emit.MsgJoinDead})
	if len(dead) != 1 || dead[0].NodeID != "join" {
		t.Errorf("join_dead events = %+v", dead)
	}
}

func TestLoggerReceivesRunDiagnostics(t *testing.T) {
	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e, err := NewExecutor("logged", WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}
	chain(t, e, "a")
	if _, err := e.Execute(context.Background(), nil, WithRunID("log-run")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	text := out.String()
	for _, want := range []string{"graph=logged", "run_id=log-run", `msg="run ended"`} {
		if !strings.Contains(text, want) {
			t.Errorf("log output missing %q:\n%s", want, text)
		}
	}
}

// metricValue returns the value of the counter or gauge name with labels, or
// the sample count for histograms.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metrics:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)
	e := newTestExecutor(t, "metered", WithMetrics(metrics),
		WithErrorPolicy(NodePolicy{OnFailure: FailRetry, MaxAttempts: 3, BaseDelay: time.Millisecond}))

	var failed bool
	mustAdd(t, e, writer("a"), NewFunctionNode("b", func(context.Context, *State) (any, error) {
		if !failed {
			failed = true
			return nil, errors.New("once")
		}
		return nil, nil
	}, WithID("b")))
	mustConnect(t, e, [2]string{"a", "b"})
	mustStart(t, e, "a")

	if _, err := e.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"nodegraph_runs_total", map[string]string{"graph": "metered", "status": "completed"}, 1},
		{"nodegraph_retries_total", map[string]string{"graph": "metered", "node_id": "b"}, 1},
		{"nodegraph_step_latency_ms", map[string]string{"node_id": "a", "status": "success"}, 1},
		{"nodegraph_step_latency_ms", map[string]string{"node_id": "b", "status": "success"}, 1},
		{"nodegraph_inflight_nodes", nil, 0},
	}
	for _, c := range checks {
		if got := metricValue(t, reg, c.name, c.labels); got != c.want {
			t.Errorf("%s%v = %v, want %v", c.name, c.labels, got, c.want)
		}
	}

	metrics.Disable()
	if _, err := e.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := metricValue(t, reg, "nodegraph_runs_total", map[string]string{"status": "completed"}); got != 1 {
		t.Errorf("disabled metrics still recorded: runs = %v", got)
	}
}
