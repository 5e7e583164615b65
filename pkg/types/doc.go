// Package types defines the wire and in-memory types shared by the agent and
// the server: metric snapshots, typed metric paths, alert events and the JSON
// message envelopes exchanged over the agent and session websockets.
package types
