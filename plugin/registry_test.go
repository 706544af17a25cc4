package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/nodegraph-go/graph"
)

func greeter(r Resolver) (graph.Node, error) {
	greeting, err := Lookup[string](r, "greeting")
	if err != nil {
		return nil, err
	}
	return graph.NewFunctionNode("greet", func(_ context.Context, s *graph.State) (any, error) {
		s.Set("greeting", greeting)
		return greeting, nil
	}), nil
}

func meta(id, version, category string) Metadata {
	return Metadata{ID: id, Name: id, Version: version, Category: category}
}

func TestRegisterAndCreate(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	if err := r.Register(meta("greeter", "1.0.0", "text"), greeter); err != nil {
		t.Fatalf("Register: %v", err)
	}

	node, err := r.CreateInstance("greeter", MapResolver{"greeting": "hello"})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	state := graph.NewState()
	res, err := node.Execute(context.Background(), state)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "hello" || graph.GetOr(state, "greeting", "") != "hello" {
		t.Errorf("result=%v state=%s", res.Value, state)
	}

	other, err := r.CreateInstance("greeter", MapResolver{"greeting": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if other.ID() == node.ID() {
		t.Error("each instance should be a fresh node")
	}
	if st, _ := r.Stats("greeter"); st.Instances != 2 || st.Failures != 0 || st.LastCreated.IsZero() {
		t.Errorf("stats = %+v", st)
	}
}

func TestFactoryRunsLazily(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	calls := 0
	err := r.Register(meta("lazy", "v0.1.0", ""), func(Resolver) (graph.Node, error) {
		calls++
		return graph.NewFunctionNode("lazy", func(context.Context, *graph.State) (any, error) { return nil, nil }), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatal("factory ran at registration")
	}
	if _, err := r.CreateInstance("lazy", nil); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("factory calls = %d", calls)
	}
}

func TestRegisterRejections(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		setup   []Metadata
		meta    Metadata
		factory Factory
		want    error
	}{
		{"duplicate", DefaultConfig(), []Metadata{meta("a", "1.0.0", "")}, meta("a", "1.1.0", ""), greeter, ErrDuplicateID},
		{"capacity", Config{MaxPlugins: 2}, []Metadata{meta("a", "1.0.0", ""), meta("b", "1.0.0", "")}, meta("c", "1.0.0", ""), greeter, ErrCapacityExceeded},
		{"bad version", DefaultConfig(), nil, meta("a", "one", ""), greeter, ErrInvalidVersion},
		{"empty version", DefaultConfig(), nil, meta("a", "", ""), greeter, ErrInvalidVersion},
		{"empty id", DefaultConfig(), nil, meta("", "1.0.0", ""), greeter, ErrInvalidPlugin},
		{"nil factory", DefaultConfig(), nil, meta("a", "1.0.0", ""), nil, ErrInvalidPlugin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(tt.cfg)
			for _, m := range tt.setup {
				if err := r.Register(m, greeter); err != nil {
					t.Fatalf("setup Register(%s): %v", m.ID, err)
				}
			}
			before := r.List("")
			if err := r.Register(tt.meta, tt.factory); !errors.Is(err, tt.want) {
				t.Fatalf("Register() = %v, want %v", err, tt.want)
			}
			if diff := cmp.Diff(before, r.List("")); diff != "" {
				t.Errorf("rejected registration mutated registry (-before +after):\n%s", diff)
			}
		})
	}
}

func TestOverwrite(t *testing.T) {
	r := NewRegistry(Config{MaxPlugins: 1, AllowOverwrite: true})
	if err := r.Register(meta("a", "1.0.0", "x"), greeter); err != nil {
		t.Fatal(err)
	}
	// Replacing an entry does not count against capacity.
	if err := r.Register(meta("a", "2.0.0", "y"), greeter); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, ok := r.Get("a")
	if !ok || got.Version != "2.0.0" || got.Category != "y" {
		t.Errorf("Get = %+v, %v", got, ok)
	}
	if err := r.Register(meta("b", "1.0.0", ""), greeter); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("new id at capacity: %v", err)
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry(Config{MaxPlugins: 1})
	if err := r.Register(meta("a", "1.0.0", ""), greeter); err != nil {
		t.Fatal(err)
	}
	if !r.Unregister("a") || r.Unregister("a") {
		t.Fatal("Unregister should succeed exactly once")
	}
	if _, err := r.CreateInstance("a", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateInstance after unregister: %v", err)
	}
	if err := r.Register(meta("b", "1.0.0", ""), greeter); err != nil {
		t.Errorf("capacity not released: %v", err)
	}
}

func TestFactoryFailure(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	if err := r.Register(meta("greeter", "1.0.0", ""), greeter); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateInstance("greeter", MapResolver{}); err == nil {
		t.Fatal("missing dependency should fail")
	}
	if _, err := r.CreateInstance("greeter", MapResolver{"greeting": 42}); err == nil {
		t.Fatal("mistyped dependency should fail")
	}
	if st, _ := r.Stats("greeter"); st.Failures != 2 || st.Instances != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestListAndLatest(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	for _, m := range []Metadata{
		meta("summarize-v1", "1.2.0", "summary"),
		meta("route", "0.3.0", "routing"),
		meta("summarize-v2", "v1.10.0", "summary"),
	} {
		if err := r.Register(m, greeter); err != nil {
			t.Fatal(err)
		}
	}

	var ids []string
	for _, m := range r.List("summary") {
		ids = append(ids, m.ID)
	}
	if diff := cmp.Diff([]string{"summarize-v1", "summarize-v2"}, ids); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
	if n := len(r.List("")); n != 3 || r.Len() != 3 {
		t.Errorf("List all = %d, Len = %d", n, r.Len())
	}
	if latest, ok := r.Latest("summary"); !ok || latest.ID != "summarize-v2" {
		t.Errorf("Latest = %+v", latest)
	}
	if _, ok := r.Latest("missing"); ok {
		t.Error("Latest of empty category")
	}
}

func TestConcurrentRegistration(t *testing.T) {
	r := NewRegistry(Config{MaxPlugins: 10})
	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := meta(string(rune('a'+i%26))+string(rune('a'+i/26)), "1.0.0", "")
			errs <- r.Register(m, greeter)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, ErrCapacityExceeded):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 10 || r.Len() != 10 {
		t.Errorf("accepted=%d len=%d", ok, r.Len())
	}
}

func TestChainResolver(t *testing.T) {
	c := ChainResolver{nil, MapResolver{"a": 1}, MapResolver{"a": 2, "b": 3}}
	if v, _ := Lookup[int](c, "a"); v != 1 {
		t.Errorf("a = %d", v)
	}
	if v, _ := Lookup[int](c, "b"); v != 3 {
		t.Errorf("b = %d", v)
	}
	if _, ok := c.Resolve("c"); ok {
		t.Error("c resolved")
	}
}
