package sampler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/servwatch/servwatch/agent/internal/config"
)

const scrapeTimeout = 10 * time.Second

// acceptHeader prefers the delimited protobuf format and falls back to text.
var acceptHeader = string(expfmt.NewFormat(expfmt.TypeProtoDelim)) + ";q=0.7," +
	string(expfmt.NewFormat(expfmt.TypeTextPlain)) + ";q=0.3"

// credentials is the resolved form of an AuthConfig. Secrets are read from
// the environment once, when the client is built.
type credentials struct {
	header string // set for apikey and bearer
	value  string
	user   string // set for basic
	pass   string
}

func resolveCredentials(a config.AuthConfig) credentials {
	switch a.Mode {
	case "apikey":
		return credentials{header: a.EffectiveHeader(), value: a.Key()}
	case "bearer":
		return credentials{header: "Authorization", value: "Bearer " + a.Token()}
	case "basic":
		return credentials{user: a.Username, pass: a.Password()}
	}
	return credentials{}
}

// authTransport adds credentials to every request.
type authTransport struct {
	next  http.RoundTripper
	creds credentials
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch {
	case t.creds.header != "":
		req = req.Clone(req.Context())
		req.Header.Set(t.creds.header, t.creds.value)
	case t.creds.user != "":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.creds.user, t.creds.pass)
	}
	return t.next.RoundTrip(req)
}

// buildHTTPClient returns a client carrying the sampler's auth and TLS settings.
func buildHTTPClient(cfg config.SamplerConfig) (*http.Client, error) {
	tlsCfg, err := clientTLS(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout: scrapeTimeout,
		Transport: &authTransport{
			next:  &http.Transport{TLSClientConfig: tlsCfg},
			creds: resolveCredentials(cfg.Auth),
		},
	}, nil
}

func clientTLS(cfg config.SamplerConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify} //nolint:gosec // user-configured
	if cfg.Auth.Mode != "mtls" {
		return tlsCfg, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.Auth.CertFile, cfg.Auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	tlsCfg.Certificates = []tls.Certificate{cert}
	if cfg.Auth.CAFile == "" {
		return tlsCfg, nil
	}

	pem, err := os.ReadFile(cfg.Auth.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %q holds no PEM certificates", cfg.Auth.CAFile)
	}
	tlsCfg.RootCAs = pool
	return tlsCfg, nil
}

// fetchMetrics GETs url and decodes the exposition into families keyed by name.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return decodeFamilies(resp.Body, expfmt.ResponseFormat(resp.Header))
}

// decodeFamilies reads every family from r. Unknown formats are read as text.
func decodeFamilies(r io.Reader, format expfmt.Format) (map[string]*dto.MetricFamily, error) {
	dec := expfmt.NewDecoder(r, format)
	out := make(map[string]*dto.MetricFamily)
	for {
		mf := &dto.MetricFamily{}
		err := dec.Decode(mf)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode exposition: %w", err)
		}
		out[mf.GetName()] = mf
	}
}

// sumFamily totals the counter, gauge and untyped samples of mf.
func sumFamily(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.GetCounter().GetValue()
		case m.Gauge != nil:
			total += m.GetGauge().GetValue()
		case m.Untyped != nil:
			total += m.GetUntyped().GetValue()
		}
	}
	return total
}
