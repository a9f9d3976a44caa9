package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober checks tunnel liveness once. A nil return means the tunnel is
// up; any error, including a timeout, counts as a failed poll.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber polls the tunnel's local metrics endpoint. cloudflared and
// friends expose one; any 2xx means alive.
type HTTPProber struct {
	url     string
	timeout time.Duration
	httpc   *http.Client
}

// NewHTTPProber creates a prober for the given metrics URL.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		url:     url,
		timeout: timeout,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// Probe performs one liveness check.
func (p *HTTPProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("tunnel liveness probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("tunnel liveness probe returned status %d", resp.StatusCode)
	}
	return nil
}
