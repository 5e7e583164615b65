// Package config loads and watches the agent configuration file.
//
// Top-level types:
//   - Config{Agent}: the `agent:` section of the YAML file
//   - AgentConfig: source_id, server_url, collect_interval, buffer_size,
//     backoff, server_auth, sampler
//   - SamplerConfig: type (runtime|prometheus), endpoint, mappings, auth, tls
//   - AuthConfig: mode (mtls|apikey|bearer|basic|none), cert/key/ca files,
//     header, key_env, token_env, password_env; Key(), Token() and
//     Password() resolve from environment variables
//
// Load(path) reads the YAML file, applies defaults (5s collect, buffer 100,
// backoff 1s→5s, runtime sampler), generates a source_id when none is set,
// then validates required fields and enums.
//
// Watch(ctx, path, onChange) calls onChange with the newly parsed Config
// after each change on disk. The agent only logs reloads; transport and
// sampler settings apply on restart.
package config
