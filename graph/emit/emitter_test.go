package emit

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func intPtr(i int) *int { return &i }

func TestBufferedEmitterHistory(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{RunID: "r1", Step: 1, NodeID: "a", Msg: MsgNodeStart})
	b.Emit(Event{RunID: "r1", Step: 1, NodeID: "a", Msg: MsgNodeEnd})
	b.Emit(Event{RunID: "r1", Step: 2, NodeID: "b", Msg: MsgNodeStart})
	b.Emit(Event{RunID: "r2", Step: 1, NodeID: "a", Msg: MsgNodeStart})

	if got := len(b.GetHistory("r1")); got != 3 {
		t.Fatalf("expected 3 events for r1, got %d", got)
	}
	if got := b.GetHistory("missing"); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", got)
	}

	tests := []struct {
		name   string
		filter HistoryFilter
		want   int
	}{
		{"by node", HistoryFilter{NodeID: "a"}, 2},
		{"by msg", HistoryFilter{Msg: MsgNodeStart}, 2},
		{"min step", HistoryFilter{MinStep: intPtr(2)}, 1},
		{"max step", HistoryFilter{MaxStep: intPtr(1)}, 2},
		{"combined", HistoryFilter{NodeID: "a", Msg: MsgNodeEnd}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(b.GetHistoryWithFilter("r1", tt.filter)); got != tt.want {
				t.Fatalf("got %d events, want %d", got, tt.want)
			}
		})
	}

	b.Clear("r1")
	if len(b.GetHistory("r1")) != 0 || len(b.GetHistory("r2")) != 1 {
		t.Fatal("Clear(r1) should only drop r1")
	}
	b.Clear("")
	if len(b.Runs()) != 0 {
		t.Fatal("Clear(\"\") should drop every run")
	}
}

func TestLogEmitterWritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	NewLogEmitter(logger).Emit(Event{
		RunID:  "run-9",
		Step:   3,
		NodeID: "summary",
		Msg:    MsgNodeError,
		Meta:   map[string]any{"error": "boom"},
	})

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != MsgNodeError || rec["level"] != "WARN" {
		t.Fatalf("unexpected record %v", rec)
	}
	if rec["run_id"] != "run-9" || rec["node_id"] != "summary" || rec["error"] != "boom" {
		t.Fatalf("missing attributes in %v", rec)
	}
}

func TestLogEmitterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	e := NewLogEmitter(logger)

	e.Emit(Event{RunID: "r", NodeID: "a", Msg: MsgNodeStart})
	if buf.Len() != 0 {
		t.Fatalf("debug event should be filtered, got %q", buf.String())
	}
	e.Emit(Event{RunID: "r", Msg: MsgRunEnd})
	if !strings.Contains(buf.String(), MsgRunEnd) {
		t.Fatalf("expected run_end record, got %q", buf.String())
	}
}

func TestMultiEmitterFansOut(t *testing.T) {
	a, b := NewBufferedEmitter(), NewBufferedEmitter()
	m := NewMultiEmitter(a, nil, b, NewNullEmitter())
	if len(m) != 3 {
		t.Fatalf("expected nil emitter dropped, got %d", len(m))
	}
	m.Emit(Event{RunID: "r", Msg: MsgRunStart})
	if len(a.GetHistory("r")) != 1 || len(b.GetHistory("r")) != 1 {
		t.Fatal("expected event delivered to both buffers")
	}
}
