package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func doJSON(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var decoded map[string]any
	if len(w.Body.Bytes()) > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, decoded
}

func TestResolveEndpointMergesDuplicates(t *testing.T) {
	srv := testServer(t)

	w, first := doJSON(t, srv, "POST", "/api/loops/resolve",
		`{"user_id":"u1","loop_type":"pending_event","topic":"meeting tomorrow","salience":0.6}`)
	if w.Code != http.StatusOK {
		t.Fatalf("first resolve: status = %d, body = %s", w.Code, w.Body.String())
	}

	w, second := doJSON(t, srv, "POST", "/api/loops/resolve",
		`{"user_id":"u1","loop_type":"pending_event","topic":"the meeting","salience":0.7}`)
	if w.Code != http.StatusOK {
		t.Fatalf("second resolve: status = %d", w.Code)
	}

	if first["id"] != second["id"] {
		t.Errorf("ids differ: %v vs %v, want merge", first["id"], second["id"])
	}
	if second["salience"] != 0.7 {
		t.Errorf("salience = %v, want 0.7", second["salience"])
	}

	_, listing := doJSON(t, srv, "GET", "/api/loops?user_id=u1", "")
	if loops := listing["loops"].([]any); len(loops) != 1 {
		t.Errorf("stored loops = %d, want 1", len(loops))
	}
}

func TestResolveEndpointValidation(t *testing.T) {
	srv := testServer(t)

	w, body := doJSON(t, srv, "POST", "/api/loops/resolve",
		`{"user_id":"u1","loop_type":"pending_event","topic":"x","salience":2.0}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if body["error"] == "" {
		t.Error("expected error message")
	}

	w, _ = doJSON(t, srv, "POST", "/api/loops/resolve", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid json: status = %d, want 400", w.Code)
	}
}

func TestDismissTopicEndpoint(t *testing.T) {
	srv := testServer(t)

	doJSON(t, srv, "POST", "/api/loops/resolve",
		`{"user_id":"u1","loop_type":"pending_event","topic":"Holiday Party"}`)
	doJSON(t, srv, "POST", "/api/loops/resolve",
		`{"user_id":"u1","loop_type":"unresolved_question","topic":"team meeting"}`)

	w, body := doJSON(t, srv, "POST", "/api/loops/dismiss-topic",
		`{"user_id":"u1","is_contradicting":true,"topic":"party","confidence":0.9}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["dismissed"] != float64(1) {
		t.Errorf("dismissed = %v, want 1", body["dismissed"])
	}

	_, listing := doJSON(t, srv, "GET", "/api/loops?user_id=u1", "")
	if loops := listing["loops"].([]any); len(loops) != 1 {
		t.Errorf("remaining = %d, want 1", len(loops))
	}
}

func TestDismissTopicSkipsLowConfidence(t *testing.T) {
	srv := testServer(t)

	doJSON(t, srv, "POST", "/api/loops/resolve",
		`{"user_id":"u1","loop_type":"pending_event","topic":"Holiday Party"}`)

	cases := []string{
		`{"user_id":"u1","is_contradicting":true,"topic":"party","confidence":0.3}`,
		`{"user_id":"u1","is_contradicting":false,"topic":"party","confidence":0.9}`,
		`{"user_id":"u1","is_contradicting":true,"topic":null,"confidence":0.9}`,
	}
	for _, c := range cases {
		w, body := doJSON(t, srv, "POST", "/api/loops/dismiss-topic", c)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d for %s", w.Code, c)
		}
		if body["skipped"] != true {
			t.Errorf("skipped = %v for %s, want true", body["skipped"], c)
		}
	}

	_, listing := doJSON(t, srv, "GET", "/api/loops?user_id=u1", "")
	if loops := listing["loops"].([]any); len(loops) != 1 {
		t.Errorf("loop was dismissed by a skipped signal")
	}
}

func TestSurfacedEndpointLifecycle(t *testing.T) {
	srv := testServer(t)

	_, created := doJSON(t, srv, "POST", "/api/loops/resolve",
		`{"user_id":"u1","loop_type":"promise","topic":"send that article","max_surfaces":1,"salience":0.9}`)
	id := created["id"].(string)

	w, surfaced := doJSON(t, srv, "POST", "/api/loops/"+id+"/surfaced", "")
	if w.Code != http.StatusOK {
		t.Fatalf("surfaced: status = %d", w.Code)
	}
	if surfaced["status"] != "resolved" {
		t.Errorf("status = %v, want resolved at the surface limit", surfaced["status"])
	}

	// The loop is terminal now; surfacing again is a 404.
	w, _ = doJSON(t, srv, "POST", "/api/loops/"+id+"/surfaced", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second surfaced: status = %d, want 404", w.Code)
	}
}

func TestLoopNotFoundEndpoints(t *testing.T) {
	srv := testServer(t)

	for _, path := range []string{
		"/api/loops/missing/surfaced",
		"/api/loops/missing/resolve",
		"/api/loops/missing/dismiss",
	} {
		w, _ := doJSON(t, srv, "POST", path, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
	}
}

func TestSelectEndpointTierOrder(t *testing.T) {
	srv := testServer(t)

	doJSON(t, srv, "POST", "/api/loops/resolve",
		`{"user_id":"u1","loop_type":"pending_event","topic":"doctor appointment","salience":0.85}`)

	w, body := doJSON(t, srv, "POST", "/api/select",
		`{"user_id":"u1","idle_thoughts":[{"id":"t1","content":"tides","generated_at":1}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["kind"] != "loop" {
		t.Errorf("kind = %v, want loop (tier 1 beats the idle thought)", body["kind"])
	}
}

func TestSelectEndpointFallback(t *testing.T) {
	srv := testServer(t)

	w, body := doJSON(t, srv, "POST", "/api/select", `{"user_id":"u1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, selection must always succeed", w.Code)
	}
	if body["kind"] != "generic" {
		t.Errorf("kind = %v, want generic", body["kind"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := testServer(t)

	doJSON(t, srv, "POST", "/api/loops/resolve",
		`{"user_id":"u1","loop_type":"pending_event","topic":"Holiday Party"}`)

	w, body := doJSON(t, srv, "GET", "/api/stats?user_id=u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["active"] != float64(1) {
		t.Errorf("active = %v, want 1", body["active"])
	}

	w, _ = doJSON(t, srv, "GET", "/api/stats", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing user_id: status = %d, want 400", w.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	srv := testServer(t)

	w, body := doJSON(t, srv, "POST", "/api/cleanup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	for _, key := range []string{"expired", "duplicates_collapsed", "capped"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %q in cleanup response", key)
		}
	}
}
