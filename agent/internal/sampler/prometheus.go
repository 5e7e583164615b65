package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/servwatch/servwatch/agent/internal/config"
	"github.com/servwatch/servwatch/pkg/types"
)

// Prometheus samples a Prometheus text endpoint through the configured
// family-to-path mappings.
type Prometheus struct {
	cfg    config.SamplerConfig
	client *http.Client
	rates  *rateTracker
	certs  *certChecker // nil unless the endpoint is https
	now    func() time.Time
}

func newPrometheus(cfg config.SamplerConfig, client *http.Client) *Prometheus {
	return &Prometheus{
		cfg:    cfg,
		client: client,
		rates:  newRateTracker(),
		certs:  newCertChecker(cfg.Endpoint, cfg.TLS.InsecureSkipVerify),
		now:    time.Now,
	}
}

// Sample scrapes the endpoint once. Mapped families absent from the scrape
// are left out of the tree, as are rate mappings without a baseline. For
// https endpoints the days left on the server certificate are reported at
// tls.certDaysLeft.
func (p *Prometheus) Sample(ctx context.Context) (types.MetricTree, error) {
	mfs, err := fetchMetrics(ctx, p.client, p.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("sampler: prometheus scrape %s: %w", p.cfg.Endpoint, err)
	}

	tree := types.MetricTree{}
	counters := make(map[string]float64)
	for _, m := range p.cfg.Mappings {
		mf, ok := mfs[m.Family]
		if !ok {
			slog.Debug("sampler: mapped family missing from scrape", "family", m.Family, "path", m.Path)
			continue
		}
		if m.Rate {
			counters[m.Path] = sumFamily(mf)
			continue
		}
		if err := tree.Set(m.Path, sumFamily(mf)); err != nil {
			return nil, fmt.Errorf("sampler: mapping %q: %w", m.Path, err)
		}
	}

	if len(counters) > 0 {
		for path, perSec := range p.rates.observe(counters, p.now()) {
			if err := tree.Set(path, perSec); err != nil {
				return nil, fmt.Errorf("sampler: mapping %q: %w", path, err)
			}
		}
	}
	if p.certs != nil {
		if days, ok := p.certs.check(ctx); ok {
			_ = tree.Set(certPath, days)
		}
	}
	return tree, nil
}
