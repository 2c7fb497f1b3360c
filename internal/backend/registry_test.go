package backend

import (
	"context"
	"errors"
	"testing"

	"atlas/internal/atlas"
)

type fakeBackend struct {
	name    string
	caps    []Capability
	ready   error
	closed  bool
	readyN  int
}

func (f *fakeBackend) Name() string              { return f.name }
func (f *fakeBackend) Capabilities() []Capability { return f.caps }
func (f *fakeBackend) Close() error               { f.closed = true; return nil }
func (f *fakeBackend) Ready(context.Context) error {
	f.readyN++
	return f.ready
}

func TestResolve_ReturnsFirstReadyBackend(t *testing.T) {
	primary := &fakeBackend{name: "primary", caps: []Capability{CapTextEmbedding}, ready: errors.New("down")}
	fallback := &fakeBackend{name: "fallback", caps: []Capability{CapTextEmbedding}}

	reg := NewRegistry(Config{
		Capabilities: map[Capability][]Spec{
			CapTextEmbedding: {{ID: "primary", Kind: "primary"}, {ID: "fallback", Kind: "fallback"}},
		},
	}, map[string]Constructor{
		"primary":  func(Spec) (Backend, error) { return primary, nil },
		"fallback": func(Spec) (Backend, error) { return fallback, nil },
	}, nil)

	b, err := reg.Resolve(context.Background(), CapTextEmbedding)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if b.Name() != "fallback" {
		t.Fatalf("expected fallback, got %s", b.Name())
	}
}

func TestResolve_AllUnavailableReturnsCapabilityError(t *testing.T) {
	down := &fakeBackend{name: "down", caps: []Capability{CapJSONCompletion}, ready: errors.New("down")}
	reg := NewRegistry(Config{
		Capabilities: map[Capability][]Spec{
			CapJSONCompletion: {{ID: "down", Kind: "down"}},
		},
	}, map[string]Constructor{
		"down": func(Spec) (Backend, error) { return down, nil },
	}, nil)

	_, err := reg.Resolve(context.Background(), CapJSONCompletion)
	if !atlas.IsCapabilityUnavailable(err) {
		t.Fatalf("expected capability unavailable, got %v", err)
	}
}

func TestResolve_UnboundCapabilityFails(t *testing.T) {
	reg := NewRegistry(Config{}, nil, nil)
	_, err := reg.Resolve(context.Background(), CapTextReranking)
	if !atlas.IsCapabilityUnavailable(err) {
		t.Fatalf("expected capability unavailable, got %v", err)
	}
}

func TestResolve_WrongCapabilitySkipsBackend(t *testing.T) {
	wrong := &fakeBackend{name: "wrong", caps: []Capability{CapTextReranking}}
	reg := NewRegistry(Config{
		Capabilities: map[Capability][]Spec{
			CapJSONCompletion: {{ID: "wrong", Kind: "wrong"}},
		},
	}, map[string]Constructor{
		"wrong": func(Spec) (Backend, error) { return wrong, nil },
	}, nil)

	_, err := reg.Resolve(context.Background(), CapJSONCompletion)
	if !atlas.IsCapabilityUnavailable(err) {
		t.Fatalf("expected capability unavailable, got %v", err)
	}
}

func TestShutdown_ClosesInReverseInitOrder(t *testing.T) {
	var order []string
	mk := func(name string) Constructor {
		return func(Spec) (Backend, error) {
			return &closeTrackingBackend{name: name, order: &order}, nil
		}
	}
	reg := NewRegistry(Config{
		Capabilities: map[Capability][]Spec{
			CapTextEmbedding: {{ID: "a", Kind: "a"}},
			CapJSONCompletion: {{ID: "b", Kind: "b"}},
		},
	}, map[string]Constructor{"a": mk("a"), "b": mk("b")}, nil)

	if _, err := reg.Resolve(context.Background(), CapTextEmbedding); err != nil {
		t.Fatalf("resolve a: %v", err)
	}
	if _, err := reg.Resolve(context.Background(), CapJSONCompletion); err != nil {
		t.Fatalf("resolve b: %v", err)
	}
	reg.Shutdown()

	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("expected reverse close order [b a], got %v", order)
	}
}

type closeTrackingBackend struct {
	name  string
	order *[]string
}

func (c *closeTrackingBackend) Name() string              { return c.name }
func (c *closeTrackingBackend) Capabilities() []Capability { return []Capability{CapTextEmbedding, CapJSONCompletion} }
func (c *closeTrackingBackend) Ready(context.Context) error { return nil }
func (c *closeTrackingBackend) Close() error {
	*c.order = append(*c.order, c.name)
	return nil
}
