// Package api implements the read-only HTTP API of servwatch-server.
//
// New(store, states, verifier) returns an http.Handler that serves:
//
//	GET /api/v1/health         source and alert counts (no auth)
//	GET /api/v1/sources        latest snapshot of every visible live source
//	GET /api/v1/sources/{id}   one source; 404 if unknown, stale or not visible
//	GET /api/v1/alerts         rules currently breaching or firing
//
// Every endpoint except health requires "Authorization: Bearer <token>" and
// is scoped like fan-out: a principal sees its own tenant's data, data with
// no resolved owner, and everything if privileged.
//
// All endpoints respond with Content-Type: application/json and return 405
// for non-GET methods. JSON types are defined in types.go.
package api
