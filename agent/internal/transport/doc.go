// Package transport delivers metric snapshots from the agent to the
// servwatch-server gateway over a persistent websocket.
//
// Send never blocks and never fails: every snapshot is appended to a bounded
// FIFO buffer (default capacity 100) and the connection goroutine is woken.
// When the buffer is full the oldest snapshot is dropped, biasing toward
// fresh data. While connected the buffer drains immediately; while
// disconnected it accumulates. The buffer is in memory only and is lost on
// restart.
//
// Run owns the connection. On every connect it sends agent:register, waits
// for agent:registered (falling back after 5s), then flushes the buffer
// oldest first. A write error stops the flush with the unsent snapshot still
// at the head of the buffer. Reconnects back off from 1s to 5s with jitter
// and never give up; cancelling ctx stops the loop.
package transport
