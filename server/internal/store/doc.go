// Package store keeps the latest metric snapshot per source in memory,
// together with the tenant it resolved to. Entries that stop updating are
// evicted after a TTL so the read API and the periodic alert recheck only
// see live sources.
package store
