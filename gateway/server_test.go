package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/nodegraph-go/graph"
	"github.com/dshills/nodegraph-go/internal/demo"
	"github.com/dshills/nodegraph-go/plugin"
)

func routerGraph(t *testing.T) *graph.Executor {
	t.Helper()
	reg := plugin.NewRegistry(plugin.DefaultConfig())
	if err := demo.RegisterPlugins(reg); err != nil {
		t.Fatal(err)
	}
	e, err := demo.RouterGraph(reg, nil, graph.WithLogging(false))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func newTestServer(t *testing.T, cfg Config, graphs ...*graph.Executor) *httptest.Server {
	t.Helper()
	reg := NewRegistry()
	for _, g := range graphs {
		if !reg.Register(g) {
			t.Fatalf("Register(%s) failed", g.Name())
		}
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv, err := NewServer(cfg, reg, WithGatherer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body any, header http.Header) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, buf.Bytes()
}

func TestExecuteRoutesRequest(t *testing.T) {
	ts := newTestServer(t, Config{}, routerGraph(t))

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/execute", ExecuteRequest{
		GraphName: "analysis-router",
		Variables: map[string]any{"input": "This is a semantic request"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}

	var got struct {
		ExecutionID string         `json:"executionId"`
		Success     bool           `json:"success"`
		Status      string         `json:"status"`
		Result      any            `json:"result"`
		State       map[string]any `json:"state"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if !got.Success || got.Status != "completed" || got.ExecutionID == "" {
		t.Errorf("response = %s", body)
	}
	if got.Result != "semantic analysis complete" || got.State["analysis"] != "semantic" {
		t.Errorf("result=%v state=%v", got.Result, got.State)
	}
	if _, ok := got.State["statistical_analysis"]; ok {
		t.Error("untaken branch ran")
	}
}

func TestExecuteReportsRunFailure(t *testing.T) {
	ts := newTestServer(t, Config{}, routerGraph(t))

	// start requires "input".
	resp, body := do(t, http.MethodPost, ts.URL+"/v1/execute", ExecuteRequest{GraphName: "analysis-router"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got ExecuteResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Success || got.Status != string(graph.StatusFailed) || !strings.Contains(got.Error, "input") {
		t.Errorf("response = %s", body)
	}
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t, Config{}, routerGraph(t))
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"graphName":`, http.StatusBadRequest},
		{"missing name", `{"variables":{}}`, http.StatusBadRequest},
		{"unknown graph", `{"graphName":"nope"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/execute", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestGraphManagement(t *testing.T) {
	router := routerGraph(t)
	ts := newTestServer(t, Config{}, router)

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/graphs", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list []GraphInfo
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatal(err)
	}
	want := []GraphInfo{{Name: "analysis-router", ID: router.ID(), Description: router.Description(), NodeCount: 6}}
	if diff := cmp.Diff(want, list); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/graphs/analysis-router", nil, nil)
	var info GraphInfo
	if err := json.Unmarshal(body, &info); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %v", resp.StatusCode, err)
	}
	if diff := cmp.Diff(want[0], info); diff != "" {
		t.Errorf("info mismatch (-want +got):\n%s", diff)
	}

	if resp, _ := do(t, http.MethodDelete, ts.URL+"/v1/graphs/analysis-router", nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodDelete, ts.URL+"/v1/graphs/analysis-router", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/v1/graphs/analysis-router", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d", resp.StatusCode)
	}
}

func TestAPIKey(t *testing.T) {
	ts := newTestServer(t, Config{APIKey: "s3cret"}, routerGraph(t))

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "guess", http.StatusUnauthorized},
		{"prefix", "s3cre", http.StatusUnauthorized},
		{"valid", "s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.key != "" {
				h.Set(APIKeyHeader, tt.key)
			}
			if resp, _ := do(t, http.MethodGet, ts.URL+"/v1/graphs", nil, h); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	// Health and metrics stay open.
	for _, path := range []string{"/healthz", "/metrics"} {
		if resp, _ := do(t, http.MethodGet, ts.URL+path, nil, nil); resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{RateLimit: 0.001, RateBurst: 2}, routerGraph(t))

	var codes []int
	for range 3 {
		resp, _ := do(t, http.MethodGet, ts.URL+"/v1/graphs", nil, nil)
		codes = append(codes, resp.StatusCode)
	}
	if diff := cmp.Diff([]int{200, 200, 429}, codes); diff != "" {
		t.Errorf("status codes (-want +got):\n%s", diff)
	}
}

// blockingGraph returns a graph whose only node signals started and then
// waits for release.
func blockingGraph(t *testing.T, started chan<- struct{}, release <-chan struct{}) *graph.Executor {
	t.Helper()
	slow, err := graph.NewExecutor("slow", graph.WithLogging(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := slow.AddNode(graph.NewFunctionNode("wait", func(ctx context.Context, _ *graph.State) (any, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}, graph.WithID("wait"))); err != nil {
		t.Fatal(err)
	}
	if err := slow.SetStartNode("wait"); err != nil {
		t.Fatal(err)
	}
	return slow
}

func postSlow(url string, codes chan<- int) {
	resp, err := http.Post(url+"/v1/execute", "application/json", strings.NewReader(`{"graphName":"slow"}`))
	if err != nil {
		codes <- 0
		return
	}
	resp.Body.Close()
	codes <- resp.StatusCode
}

func TestConcurrencyCapRejectsWithoutQueue(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	ts := newTestServer(t, Config{MaxConcurrent: 1}, blockingGraph(t, started, release))

	first := make(chan int, 1)
	go postSlow(ts.URL, first)
	<-started

	second := make(chan int, 1)
	postSlow(ts.URL, second)
	if code := <-second; code != http.StatusServiceUnavailable {
		t.Errorf("second request status = %d, want 503", code)
	}

	close(release)
	if code := <-first; code != http.StatusOK {
		t.Errorf("first request status = %d", code)
	}
}

func TestQueuedRequestWaitsForSlot(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	ts := newTestServer(t, Config{MaxConcurrent: 1, QueueSize: 1}, blockingGraph(t, started, release))

	codes := make(chan int, 3)
	go postSlow(ts.URL, codes)
	<-started

	// One of these waits in the queue, the other finds it full.
	go postSlow(ts.URL, codes)
	go postSlow(ts.URL, codes)
	select {
	case code := <-codes:
		if code != http.StatusServiceUnavailable {
			t.Fatalf("overflow request status = %d, want 503", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no request was rejected while the queue was full")
	}

	close(release)
	got := []int{<-codes, <-codes}
	if diff := cmp.Diff([]int{http.StatusOK, http.StatusOK}, got); diff != "" {
		t.Errorf("running and queued statuses (-want +got):\n%s", diff)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	promReg := prometheus.NewRegistry()
	metrics := graph.NewPrometheusMetrics(promReg)
	e, err := graph.NewExecutor("metered", graph.WithLogging(false), graph.WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.AddNode(graph.NewFunctionNode("a", func(context.Context, *graph.State) (any, error) { return nil, nil }, graph.WithID("a"))); err != nil {
		t.Fatal(err)
	}
	if err := e.SetStartNode("a"); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	reg.Register(e)
	srv, err := NewServer(Config{Addr: "127.0.0.1:0"}, reg, WithGatherer(promReg))
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if resp, _ := do(t, http.MethodPost, ts.URL+"/v1/execute", ExecuteRequest{GraphName: "metered"}, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d", resp.StatusCode)
	}
	_, body := do(t, http.MethodGet, ts.URL+"/metrics", nil, nil)
	if !strings.Contains(string(body), `nodegraph_runs_total{graph="metered",status="completed"} 1`) {
		t.Errorf("metrics missing run counter:\n%s", body)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	e := routerGraph(t)
	if !reg.Register(e) || reg.Register(e) {
		t.Fatal("Register should succeed exactly once per name")
	}
	if reg.Register(nil) {
		t.Error("nil executor registered")
	}
	if got, ok := reg.Get("analysis-router"); !ok || got != e {
		t.Error("Get did not return the executor")
	}
	if !reg.Unregister("analysis-router") || reg.Unregister("analysis-router") {
		t.Error("Unregister should succeed exactly once")
	}
	if len(reg.List()) != 0 {
		t.Error("registry not empty")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv, err := NewServer(Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"no addr", Config{}, true},
		{"negative queue", Config{Addr: ":1", QueueSize: -1}, true},
		{"negative concurrency", Config{Addr: ":1", MaxConcurrent: -1}, true},
		{"queue without concurrency cap", Config{Addr: ":1", QueueSize: 2}, true},
		{"queue with concurrency cap", Config{Addr: ":1", MaxConcurrent: 1, QueueSize: 2}, false},
		{"rate without burst", Config{Addr: ":1", RateLimit: 5}, true},
		{"rate with burst", Config{Addr: ":1", RateLimit: 5, RateBurst: 5}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
