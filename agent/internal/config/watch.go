package config

import (
	"context"
	"log/slog"

	"github.com/servwatch/servwatch/pkg/filewatch"
)

// Watch reloads the config at path whenever it changes and passes the new
// Config to onChange. It runs until ctx is cancelled.
//
// A reload that fails validation is logged and the previous config stays in
// effect; onChange is not called.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	slog.Info("agent config: watching for changes", "path", path)
	return filewatch.Watch(ctx, path, func() {
		cfg, err := Load(path)
		if err != nil {
			slog.Error("agent config: reload failed, keeping previous config", "path", path, "err", err)
			return
		}
		slog.Info("agent config: reloaded", "path", path)
		onChange(cfg)
	})
}
