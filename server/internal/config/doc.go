// Package config loads the server-side configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the server binary).
//
// Config fields:
//   - HTTPPort           port for the API, websockets and /metrics (default 3001)
//   - Auth               agent API key: mode apikey|none, key_env, header (default "x-api-key")
//   - Sessions.Tokens    static bearer tokens mapped to {subject, role}
//   - Snapshot.TTL       how long a source snapshot remains live (default 5m)
//   - Alerts             recheck_interval, resolve_open_breaches and static rules
//   - Rules.Backend      static | postgres
//   - Ownership          static | postgres, static sources map, optional Redis cache
//   - Storage.DSNEnv     environment variable holding the Postgres DSN
//   - History            postgres | kafka | webhook sinks and the async queue size
//   - Fanout.SendBuffer  per-session outgoing queue depth (default 16)
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, onChange) reloads the file through pkg/filewatch.
package config
