package arenasdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSubmitTargetsCurrentTask(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Submission{ID: 7, TeamID: "red", Verdict: "CORRECT"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	sub, err := c.Submit(context.Background(), "run-1", "", "red", Answer{Text: "42"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if gotPath != "/v1/runs/run-1/tasks/current/submissions" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotAuth != "k" || gotBody["team_id"] != "red" {
		t.Fatalf("unexpected request auth=%q body=%v", gotAuth, gotBody)
	}
	if sub.ID != 7 || sub.Verdict != "CORRECT" {
		t.Fatalf("unexpected submission %+v", sub)
	}
}

func TestClaimNextEmptyAndErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_, _ = w.Write([]byte(`{"available":false}`))
			return
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"forbidden"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, ok, err := c.ClaimNext(context.Background()); err != nil || ok {
		t.Fatalf("expected empty queue, got ok=%v err=%v", ok, err)
	}
	_, _, err := c.ClaimNext(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 api error, got %v", err)
	}
}
