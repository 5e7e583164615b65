package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/servwatch/servwatch/server/internal/alerting"
	"github.com/servwatch/servwatch/server/internal/auth"
	"github.com/servwatch/servwatch/server/internal/store"
)

// StateLister exposes the engine's non-OK rule states. *alerting.Engine
// implements it.
type StateLister interface {
	States() []alerting.BreachState
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	store    *store.Store
	states   StateLister
	verifier auth.Verifier
	mux      *http.ServeMux
	now      func() time.Time
}

// New creates a Handler and registers all routes.
func New(st *store.Store, states StateLister, v auth.Verifier) http.Handler {
	h := &Handler{store: st, states: states, verifier: v, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/sources", h.authed(h.listSources))
	h.mux.HandleFunc("/api/v1/sources/", h.authed(h.getSource)) // subtree, extracts {id}
	h.mux.HandleFunc("/api/v1/alerts", h.authed(h.alerts))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// authed enforces GET and a valid bearer token before calling next.
func (h *Handler) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		tok := auth.BearerToken(r)
		if tok == "" {
			jsonErr(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		p, err := h.verifier.Verify(r.Context(), tok)
		if err != nil {
			jsonErr(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, p)
	}
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := HealthResponse{
		Status:      "ok",
		SourceCount: len(h.store.List()),
		GeneratedAt: h.now().UTC().Format(time.RFC3339),
	}
	for _, st := range h.states.States() {
		switch st.Phase {
		case alerting.PhaseBreaching:
			resp.BreachingCount++
		case alerting.PhaseFiring:
			resp.FiringCount++
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// listSources returns GET /api/v1/sources.
func (h *Handler) listSources(w http.ResponseWriter, _ *http.Request, p auth.Principal) {
	byRule := h.visibleStates(p)
	out := make([]SourceResponse, 0)
	for _, e := range h.store.List() {
		if p.CanSee(e.TenantID) {
			out = append(out, toSourceResponse(e, byRule))
		}
	}
	jsonResp(w, http.StatusOK, out)
}

// getSource returns GET /api/v1/sources/{id}.
func (h *Handler) getSource(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/sources/")
	if id == "" {
		h.listSources(w, r, p)
		return
	}

	e, ok := h.store.Get(id)
	// Stale and invisible sources are reported as not found.
	if !ok || h.now().Sub(e.UpdatedAt) > h.store.TTL() || !p.CanSee(e.TenantID) {
		jsonErr(w, http.StatusNotFound, "source not found")
		return
	}
	jsonResp(w, http.StatusOK, toSourceResponse(e, h.visibleStates(p)))
}

// alerts returns GET /api/v1/alerts.
func (h *Handler) alerts(w http.ResponseWriter, _ *http.Request, p auth.Principal) {
	out := make([]AlertResponse, 0)
	for _, st := range h.visibleStates(p) {
		out = append(out, toAlertResponse(st))
	}
	jsonResp(w, http.StatusOK, out)
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) visibleStates(p auth.Principal) []alerting.BreachState {
	all := h.states.States()
	out := all[:0:0]
	for _, st := range all {
		if p.CanSee(st.TenantID) {
			out = append(out, st)
		}
	}
	return out
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// toSourceResponse maps a store.Entry to its JSON representation, attaching
// the states whose last evaluated source is this one.
func toSourceResponse(e store.Entry, states []alerting.BreachState) SourceResponse {
	resp := SourceResponse{
		SourceID:    e.Snapshot.SourceID,
		TenantID:    e.TenantID,
		CollectedAt: time.UnixMilli(e.Snapshot.CollectedAtMs).UTC().Format(time.RFC3339),
		LastSeen:    e.UpdatedAt.UTC().Format(time.RFC3339),
		Metrics:     e.Snapshot.Metrics,
		Alerts:      make([]AlertResponse, 0),
	}
	for _, st := range states {
		if st.SourceID == e.Snapshot.SourceID {
			resp.Alerts = append(resp.Alerts, toAlertResponse(st))
		}
	}
	return resp
}

func toAlertResponse(st alerting.BreachState) AlertResponse {
	return AlertResponse{
		RuleID:          st.RuleID,
		RuleName:        st.RuleName,
		TenantID:        st.TenantID,
		SourceID:        st.SourceID,
		Phase:           string(st.Phase),
		BreachStartedAt: rfc3339(st.BreachStartedAt),
		LastFiredAt:     rfc3339(st.LastFiredAt),
		LastValue:       st.LastValue,
	}
}

func rfc3339(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
