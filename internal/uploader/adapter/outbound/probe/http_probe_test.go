package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProberMeasuresRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewHTTPProber(srv.URL, time.Second)
	require.NoError(t, err)

	rtt, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, 10*time.Millisecond)
}

func TestHTTPProberServerErrorIsStillReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := NewHTTPProber(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = p.Probe(context.Background())
	assert.NoError(t, err)
}

func TestHTTPProberTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := NewHTTPProber(srv.URL, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = p.Probe(context.Background())
	assert.Error(t, err)
}

func TestHTTPProberUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, err := NewHTTPProber(url, time.Second)
	require.NoError(t, err)

	_, err = p.Probe(context.Background())
	assert.Error(t, err)

	_, err = NewHTTPProber("", 0)
	assert.Error(t, err)
}
