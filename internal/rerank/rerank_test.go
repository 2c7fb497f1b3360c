package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"atlas/internal/retrieve"
)

func TestHTTPReranker_ReordersByScore(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		resp := Response{Results: []Result{
			{Index: 1, RelevanceScore: 0.9},
			{Index: 0, RelevanceScore: 0.1},
		}}
		b, _ := json.Marshal(resp)
		w.Write(b)
	}))
	defer ts.Close()

	r := New(ts.URL, "", nil)
	items := []retrieve.RetrievedItem{
		{ID: "a", Text: "alpha"},
		{ID: "b", Text: "beta"},
	}
	out, err := r.Rerank(context.Background(), "q", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].ID != "b" || out[1].ID != "a" {
		t.Fatalf("expected [b a], got %#v", out)
	}
}

func TestHTTPReranker_NoEndpointIsNoop(t *testing.T) {
	r := New("", "", nil)
	items := []retrieve.RetrievedItem{{ID: "a"}, {ID: "b"}}
	out, err := r.Rerank(context.Background(), "q", items)
	if err != nil || len(out) != 2 {
		t.Fatalf("expected passthrough, got %#v, err=%v", out, err)
	}
}

func TestHTTPReranker_TransportErrorFallsBack(t *testing.T) {
	r := New("http://127.0.0.1:0", "", nil)
	items := []retrieve.RetrievedItem{{ID: "a"}, {ID: "b"}}
	out, err := r.Rerank(context.Background(), "q", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].ID != "a" || out[1].ID != "b" {
		t.Fatalf("expected original order preserved, got %#v", out)
	}
}
