package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshills/nodegraph-go/config"
	"github.com/dshills/nodegraph-go/gateway"
)

func TestRunHelp(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-h"}, &out); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("run(-h) = %v", err)
	}
	if !strings.Contains(out.String(), "-config") {
		t.Errorf("usage missing flags:\n%s", out.String())
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.hcl")
	if err := run([]string{"-config", path, "-env-file", ""}, io.Discard); err == nil {
		t.Fatal("missing config file should fail")
	}
}

func TestAppServesDemoGraphs(t *testing.T) {
	cfg := config.Default()
	cfg.EnableLogging = false
	cfg.CheckpointBackend = config.BackendSQLite
	cfg.CheckpointDSN = filepath.Join(t.TempDir(), "graphd.db")
	cfg.CheckpointInterval = 1

	a, err := newApp(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	ts := httptest.NewServer(a.server.Handler())
	t.Cleanup(ts.Close)

	post := func(body string) gateway.ExecuteResponse {
		t.Helper()
		resp, err := http.Post(ts.URL+"/v1/execute", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out gateway.ExecuteResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out
	}

	routed := post(`{"graphName":"analysis-router","variables":{"input":"run an error check","error":true}}`)
	if !routed.Success || routed.Result != "error analysis complete" {
		t.Errorf("router response = %+v", routed)
	}
	refined := post(`{"graphName":"refine-loop","variables":{"input":"essay","max_iterations":1}}`)
	if !refined.Success || refined.Result != "draft: essay +refined" {
		t.Errorf("refine response = %+v", refined)
	}

	// Periodic checkpoints reached the durable store.
	if _, err := a.checkpoints.Load(context.Background(), routed.ExecutionID); err != nil {
		t.Errorf("checkpoint for %s: %v", routed.ExecutionID, err)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	for _, want := range []string{"nodegraph_runs_total", "go_goroutines"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("metrics missing %s", want)
		}
	}

	if ids := a.plugins.List("analysis"); len(ids) != 4 {
		t.Errorf("analysis plugins = %d", len(ids))
	}
}
