package sampler

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"
)

const (
	certPath       = "tls.certDaysLeft"
	certDialTimeout = 10 * time.Second
	certCheckEvery = 10 * time.Minute
)

// certChecker reports the days left on an https endpoint's leaf certificate.
// The result is cached for certCheckEvery so frequent samples do not open a
// TLS connection each time.
type certChecker struct {
	host     string
	insecure bool
	now      func() time.Time

	mu        sync.Mutex
	checkedAt time.Time
	daysLeft  float64
	ok        bool
}

// newCertChecker returns nil for endpoints that are not https.
func newCertChecker(endpoint string, insecure bool) *certChecker {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "https" {
		return nil
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}
	return &certChecker{host: host, insecure: insecure, now: time.Now}
}

// check returns the cached reading, refreshing it when stale. ok is false
// when the endpoint could not be reached.
func (c *certChecker) check(ctx context.Context) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.checkedAt.IsZero() && now.Sub(c.checkedAt) < certCheckEvery {
		return c.daysLeft, c.ok
	}
	c.checkedAt = now
	c.daysLeft, c.ok = c.dial(ctx, now)
	return c.daysLeft, c.ok
}

func (c *certChecker) dial(ctx context.Context, now time.Time) (float64, bool) {
	dialCtx, cancel := context.WithTimeout(ctx, certDialTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			InsecureSkipVerify: c.insecure, //nolint:gosec // user-configured
		},
	}
	netConn, err := dialer.DialContext(dialCtx, "tcp", c.host)
	if err != nil {
		slog.Debug("sampler: certificate check failed", "host", c.host, "err", err)
		return 0, false
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return 0, false
	}
	return peers[0].NotAfter.Sub(now).Hours() / 24, true
}
