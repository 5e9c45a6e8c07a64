package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
)

const DefaultTimeout = 5 * time.Second

// HTTPProber checks reachability with a HEAD request. Any HTTP response counts
// as reachable; only transport errors report the link as down.
type HTTPProber struct {
	url     string
	client  *http.Client
	timeout time.Duration
	now     func() time.Time
}

func NewHTTPProber(url string, timeout time.Duration) (*HTTPProber, error) {
	if url == "" {
		return nil, errors.New("probe URL is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPProber{
		url:     url,
		client:  &http.Client{},
		timeout: timeout,
		now:     time.Now,
	}, nil
}

func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return 0, fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", p.url, err)
	}
	rtt := p.now().Sub(start)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return rtt, nil
}

var _ port.Prober = (*HTTPProber)(nil)
