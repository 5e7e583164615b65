// Package gateway is the server-side entry point for agent traffic.
//
// Agents connect to /ws/agent (API key enforced by auth.APIKeyMiddleware in
// front of the handler), send {"type":"agent:register"} and receive
// {"type":"agent:registered"}, then stream {"type":"metrics:data"} frames.
// Frames from one connection are handled sequentially, so snapshots from a
// source are stored, fanned out and evaluated in the order they were sent.
//
// For every accepted snapshot the gateway:
//
//  1. stores it as the source's latest (overwrite)
//  2. resolves the owning tenant; unknown or failed lookups yield ""
//  3. publishes it to subscriber sessions
//  4. evaluates alert rules; each emitted event is queued for history and
//     published live
//
// Steps 3 and 4 are fire-and-forget: their failures are logged and never
// fail the snapshot or delay the next one.
package gateway
