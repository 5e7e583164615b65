package sampler

import (
	"context"
	"fmt"

	"github.com/servwatch/servwatch/agent/internal/config"
	"github.com/servwatch/servwatch/pkg/types"
)

// Sampler reads the current metric values.
type Sampler interface {
	Sample(ctx context.Context) (types.MetricTree, error)
}

// New returns the Sampler selected by cfg.Type.
func New(cfg config.SamplerConfig) (Sampler, error) {
	switch cfg.Type {
	case "", "runtime":
		return NewRuntime(), nil
	case "prometheus":
		client, err := buildHTTPClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("sampler: build http client: %w", err)
		}
		return newPrometheus(cfg, client), nil
	default:
		return nil, fmt.Errorf("sampler: unsupported type %q", cfg.Type)
	}
}
