// Package auth authenticates the two kinds of websocket peers.
//
// Agents present a shared API key in an HTTP header on the upgrade request.
// APIKeyMiddleware enforces it; when mode != "apikey" or the key is empty,
// every request passes through (local development with auth disabled).
//
// Subscriber sessions present a bearer token, either in the Authorization
// header of the upgrade request or in an "authenticate" message after the
// socket opens. A Verifier turns that token into a Principal: the subject
// (tenant) it acts for and whether it is privileged to see every tenant.
package auth
