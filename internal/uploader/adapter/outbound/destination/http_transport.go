package destination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/go-resilient-upload/pkg/resilience"
	"github.com/anthanhphan/gosdk/logger"
)

const maxErrorBody = 4 * 1024

// HTTPTransport sends part bodies to presigned URLs. Each destination host has
// its own circuit breaker so a failing endpoint fails fast for every upload.
type HTTPTransport struct {
	client   *http.Client
	breakers *resilience.BreakerSet
}

// NewHTTPTransport builds a transport. A zero breakerFailures disables nothing;
// the breaker defaults apply.
func NewHTTPTransport(client *http.Client, breakerFailures int, breakerOpen time.Duration) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		client: client,
		breakers: resilience.NewBreakerSet(resilience.CircuitBreakerConfig{
			FailureThreshold: breakerFailures,
			OpenTimeout:      breakerOpen,
			IsFailure:        isEndpointFailure,
			OnStateChange: func(name string, from, to resilience.CircuitBreakerState) {
				logger.Warnw("Destination circuit state changed", "host", name, "from", string(from), "to", string(to))
			},
		}),
	}
}

// isEndpointFailure counts only failures that say something about the host's health.
func isEndpointFailure(err error) bool {
	if errors.Is(err, domain.ErrCapabilityExpired) {
		return false
	}
	return domain.IsRetryable(err)
}

// Put streams size bytes to the part's presigned URL and returns the ETag.
func (t *HTTPTransport) Put(ctx context.Context, target port.PartTarget, body io.Reader, size int64) (string, error) {
	u, err := url.Parse(target.URL)
	if err != nil {
		return "", &domain.TransferError{Op: "put part", Part: target.PartIndex, Err: fmt.Errorf("%w: %v", domain.ErrBadRequest, err)}
	}

	var etag string
	err = t.breakers.Get(u.Host).Execute(ctx, func(ctx context.Context) error {
		var putErr error
		etag, putErr = t.put(ctx, target, body, size)
		return putErr
	})
	if wait, open := resilience.RetryAfterOf(err); open {
		return "", &domain.TransferError{
			Op:   "put part",
			Part: target.PartIndex,
			Err:  fmt.Errorf("%w: %w (retry in %s)", domain.ErrTransient, err, wait),
		}
	}
	return etag, err
}

func (t *HTTPTransport) put(ctx context.Context, target port.PartTarget, body io.Reader, size int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.URL, body)
	if err != nil {
		return "", &domain.TransferError{Op: "put part", Part: target.PartIndex, Err: fmt.Errorf("%w: %v", domain.ErrBadRequest, err)}
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	for k, v := range target.Headers {
		if strings.EqualFold(k, "host") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if errors.Is(err, domain.ErrStalled) {
			return "", &domain.TransferError{Op: "put part", Part: target.PartIndex, Err: domain.ErrStalled}
		}
		return "", &domain.TransferError{Op: "put part", Part: target.PartIndex, Err: fmt.Errorf("%w: %v", domain.ErrTransient, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return resp.Header.Get("ETag"), nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return "", &domain.TransferError{
		Op:         "put part",
		Part:       target.PartIndex,
		StatusCode: resp.StatusCode,
		Err:        classifyResponse(resp.StatusCode, string(msg)),
	}
}

// classifyResponse maps a failed response to the error taxonomy. Presigned URLs
// that outlived their signature answer 403 with an "expired" message.
func classifyResponse(code int, body string) error {
	if code == http.StatusForbidden && strings.Contains(strings.ToLower(body), "expired") {
		return domain.ErrCapabilityExpired
	}
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return domain.ErrTransient
	}
	return domain.ClassifyStatus(code)
}

// BreakerStates exposes per-host breaker states for inspection.
func (t *HTTPTransport) BreakerStates() map[string]resilience.CircuitBreakerState {
	return t.breakers.States()
}

var _ port.PartTransport = (*HTTPTransport)(nil)
