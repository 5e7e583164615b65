package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/servwatch/servwatch/pkg/types"
	"github.com/servwatch/servwatch/server/internal/alerting"
	"github.com/servwatch/servwatch/server/internal/api"
	"github.com/servwatch/servwatch/server/internal/auth"
	"github.com/servwatch/servwatch/server/internal/store"
)

// --- test helpers -----------------------------------------------------------

type fixedStates []alerting.BreachState

func (s fixedStates) States() []alerting.BreachState { return append([]alerting.BreachState(nil), s...) }

type tokenTable map[string]auth.Principal

func (t tokenTable) Verify(_ context.Context, token string) (auth.Principal, error) {
	p, ok := t[token]
	if !ok {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return p, nil
}

var tokens = tokenTable{
	"tok-a":     {SubjectID: "tenant-a", Role: "user"},
	"tok-b":     {SubjectID: "tenant-b", Role: "user"},
	"tok-admin": {SubjectID: "ops", Role: auth.RoleAdmin},
}

var started = time.Unix(1_700_000_000, 0)

// newHandler serves web-a (tenant-a), web-b (tenant-b) and orphan (no tenant),
// with one firing rule on web-a and one breaching rule on web-b.
func newHandler() http.Handler {
	st := store.New(5 * time.Minute)
	st.Put(snap("web-a", 91), "tenant-a")
	st.Put(snap("web-b", 40), "tenant-b")
	st.Put(snap("orphan", 10), "")

	states := fixedStates{
		{RuleID: "r-a", RuleName: "cpu a", TenantID: "tenant-a", SourceID: "web-a",
			Phase: alerting.PhaseFiring, BreachStartedAt: started, LastFiredAt: started, LastValue: 91},
		{RuleID: "r-b", RuleName: "cpu b", TenantID: "tenant-b", SourceID: "web-b",
			Phase: alerting.PhaseBreaching, BreachStartedAt: started, LastValue: 40},
	}
	return api.New(st, states, tokens)
}

func snap(id string, cpu float64) types.Snapshot {
	return types.Snapshot{
		SourceID:      id,
		CollectedAtMs: started.UnixMilli(),
		Metrics:       types.MetricTree{"cpu": map[string]any{"usage": cpu}},
	}
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

func sourceIDs(list []api.SourceResponse) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.SourceID)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- /api/v1/health ---------------------------------------------------------

func TestHealth_Counts(t *testing.T) {
	rr := get(t, newHandler(), "/api/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)

	if resp.Status != "ok" || resp.SourceCount != 3 {
		t.Errorf("health: got %+v", resp)
	}
	if resp.FiringCount != 1 || resp.BreachingCount != 1 {
		t.Errorf("alert counts: firing=%d breaching=%d, want 1/1", resp.FiringCount, resp.BreachingCount)
	}
}

func TestHealth_EmptyStore(t *testing.T) {
	h := api.New(store.New(time.Minute), fixedStates{}, tokens)
	var resp api.HealthResponse
	decode(t, get(t, h, "/api/v1/health", ""), &resp)
	if resp.SourceCount != 0 || resp.FiringCount != 0 {
		t.Errorf("health: got %+v", resp)
	}
}

// --- auth -------------------------------------------------------------------

func TestScopedEndpoints_RequireBearer(t *testing.T) {
	h := newHandler()
	for _, path := range []string{"/api/v1/sources", "/api/v1/sources/web-a", "/api/v1/alerts"} {
		if rr := get(t, h, path, ""); rr.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: got %d, want 401", path, rr.Code)
		}
		if rr := get(t, h, path, "forged"); rr.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: got %d, want 401", path, rr.Code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHandler()
	for _, path := range []string{"/api/v1/health", "/api/v1/sources", "/api/v1/alerts"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Authorization", "Bearer tok-admin")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: got %d, want 405", path, rr.Code)
		}
	}
}

// --- /api/v1/sources --------------------------------------------------------

func TestListSources_ScopedByPrincipal(t *testing.T) {
	h := newHandler()
	cases := map[string][]string{
		"tok-a":     {"orphan", "web-a"},
		"tok-b":     {"orphan", "web-b"},
		"tok-admin": {"orphan", "web-a", "web-b"},
	}
	for tok, want := range cases {
		rr := get(t, h, "/api/v1/sources", tok)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status %d", tok, rr.Code)
		}
		var list []api.SourceResponse
		decode(t, rr, &list)
		if got := sourceIDs(list); !equalStrings(got, want) {
			t.Errorf("%s: got %v, want %v", tok, got, want)
		}
	}
}

func TestListSources_FieldsPresent(t *testing.T) {
	rr := get(t, newHandler(), "/api/v1/sources", "tok-a")
	var list []map[string]interface{}
	decode(t, rr, &list)

	var webA map[string]interface{}
	for _, s := range list {
		if s["source_id"] == "web-a" {
			webA = s
		}
	}
	if webA == nil {
		t.Fatal("web-a missing")
	}
	for _, field := range []string{"tenant_id", "collected_at", "last_seen", "metrics", "alerts"} {
		if _, ok := webA[field]; !ok {
			t.Errorf("field %q missing", field)
		}
	}
	alerts := webA["alerts"].([]interface{})
	if len(alerts) != 1 || alerts[0].(map[string]interface{})["phase"] != "firing" {
		t.Errorf("alerts: got %v, want one firing", alerts)
	}
}

func TestGetSource(t *testing.T) {
	h := newHandler()

	rr := get(t, h, "/api/v1/sources/web-a", "tok-a")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var s api.SourceResponse
	decode(t, rr, &s)
	if s.SourceID != "web-a" || s.TenantID != "tenant-a" {
		t.Errorf("source: got %+v", s)
	}
	v, err := types.MustParsePath("cpu.usage").Lookup(s.Metrics)
	if err != nil || v != 91 {
		t.Errorf("cpu.usage: got %v, %v", v, err)
	}

	// Another tenant's source is indistinguishable from a missing one.
	if rr := get(t, h, "/api/v1/sources/web-a", "tok-b"); rr.Code != http.StatusNotFound {
		t.Errorf("foreign source: got %d, want 404", rr.Code)
	}
	if rr := get(t, h, "/api/v1/sources/nope", "tok-admin"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown source: got %d, want 404", rr.Code)
	}
	if rr := get(t, h, "/api/v1/sources/orphan", "tok-b"); rr.Code != http.StatusOK {
		t.Errorf("unowned source: got %d, want 200", rr.Code)
	}
}

// --- /api/v1/alerts ---------------------------------------------------------

func TestAlerts_ScopedByPrincipal(t *testing.T) {
	h := newHandler()

	var a []api.AlertResponse
	decode(t, get(t, h, "/api/v1/alerts", "tok-a"), &a)
	if len(a) != 1 || a[0].RuleID != "r-a" {
		t.Errorf("tenant-a alerts: got %+v", a)
	}
	if a[0].LastFiredAt == "" || a[0].BreachStartedAt == "" {
		t.Errorf("timestamps missing: %+v", a[0])
	}

	var all []api.AlertResponse
	decode(t, get(t, h, "/api/v1/alerts", "tok-admin"), &all)
	if len(all) != 2 {
		t.Errorf("admin alerts: got %d, want 2", len(all))
	}
}

func TestAlerts_EmptyIsArray(t *testing.T) {
	h := api.New(store.New(time.Minute), fixedStates{}, tokens)
	rr := get(t, h, "/api/v1/alerts", "tok-a")
	if body := rr.Body.String(); body != "[]\n" {
		t.Errorf("body: got %q, want []", body)
	}
}

func TestContentTypeJSON(t *testing.T) {
	h := newHandler()
	for _, path := range []string{"/api/v1/health", "/api/v1/sources", "/api/v1/alerts"} {
		rr := get(t, h, path, "tok-admin")
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s Content-Type: got %q", path, ct)
		}
	}
}
