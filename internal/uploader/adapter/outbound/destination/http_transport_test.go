package destination

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/anthanhphan/go-resilient-upload/pkg/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportPutReturnsETag(t *testing.T) {
	var gotBody string
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, int64(5), r.ContentLength)
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		gotHeader = r.Header.Get("X-Amz-Checksum")
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client(), 3, time.Second)
	etag, err := tr.Put(context.Background(), port.PartTarget{
		PartIndex: 1,
		URL:       srv.URL + "/bucket/key?partNumber=1",
		Headers:   map[string]string{"X-Amz-Checksum": "sum"},
	}, strings.NewReader("hello"), 5)

	require.NoError(t, err)
	assert.Equal(t, `"abc123"`, etag)
	assert.Equal(t, "hello", gotBody)
	assert.Equal(t, "sum", gotHeader)
}

func TestHTTPTransportClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		want      error
		retryable bool
	}{
		{"server error", http.StatusInternalServerError, "", domain.ErrTransient, true},
		{"throttled", http.StatusTooManyRequests, "", domain.ErrTransient, true},
		{"expired signature", http.StatusForbidden, "<Message>Request has expired</Message>", domain.ErrCapabilityExpired, true},
		{"denied", http.StatusForbidden, "<Code>AccessDenied</Code>", domain.ErrUnauthorized, false},
		{"too large", http.StatusRequestEntityTooLarge, "", domain.ErrPayloadTooLarge, false},
		{"bad request", http.StatusBadRequest, "", domain.ErrBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			tr := NewHTTPTransport(srv.Client(), 10, time.Second)
			_, err := tr.Put(context.Background(), port.PartTarget{PartIndex: 2, URL: srv.URL}, strings.NewReader("x"), 1)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.retryable, domain.IsRetryable(err))

			var te *domain.TransferError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Equal(t, 2, te.Part)
		})
	}
}

func TestHTTPTransportBreakerOpensPerHost(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.Client(), 2, time.Minute)
	target := port.PartTarget{PartIndex: 1, URL: srv.URL}
	for i := 0; i < 2; i++ {
		_, err := tr.Put(context.Background(), target, strings.NewReader("x"), 1)
		require.Error(t, err)
	}

	_, err := tr.Put(context.Background(), target, strings.NewReader("x"), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.True(t, domain.IsRetryable(err), "an open breaker is a transient condition")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	for _, state := range tr.BreakerStates() {
		assert.Equal(t, resilience.CircuitOpen, state)
	}
}

func TestHTTPTransportCancellation(t *testing.T) {
	received := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		close(received)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-received
		cancel()
	}()

	tr := NewHTTPTransport(srv.Client(), 1, time.Minute)
	_, err := tr.Put(ctx, port.PartTarget{PartIndex: 1, URL: srv.URL}, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, domain.IsRetryable(err))

	for _, state := range tr.BreakerStates() {
		assert.Equal(t, resilience.CircuitClosed, state, "cancellation must not trip the breaker")
	}
}

func TestHTTPDestinationLifecycle(t *testing.T) {
	var aborted atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/uploads/authorize", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		var body authorizeBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "clip.mp4", body.FileName)

		_ = json.NewEncoder(w).Encode(port.Authorization{
			TransferHandle: "h-1",
			StoragePath:    "media/clip.mp4",
			PartSize:       body.PartSize,
			TotalParts:     2,
			Targets: []port.PartTarget{
				{PartIndex: 1, URL: "http://store/1"},
				{PartIndex: 2, URL: "http://store/2"},
			},
			ExpiresAt: time.Now().Add(time.Hour),
		})
	})
	mux.HandleFunc("/uploads/h-1/refresh", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(port.Authorization{
			StoragePath: "media/clip.mp4",
			TotalParts:  1,
			Targets:     []port.PartTarget{{PartIndex: 1, URL: "http://store/1?fresh"}},
		})
	})
	mux.HandleFunc("/uploads/h-1/complete", func(w http.ResponseWriter, r *http.Request) {
		var body completeBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body.Parts, 2)
		_ = json.NewEncoder(w).Encode(completeResponse{StoragePath: "media/clip.mp4"})
	})
	mux.HandleFunc("/uploads/h-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		aborted.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dest := NewHTTPDestination(srv.URL+"/", srv.Client())
	ctx := context.Background()

	auth, err := dest.Authorize(ctx, port.AuthorizeRequest{FileName: "clip.mp4", FileSize: 12 << 20, PartSize: 10 << 20, Credential: "token-1"})
	require.NoError(t, err)
	assert.Equal(t, "h-1", auth.TransferHandle)
	target, ok := auth.Target(2)
	require.True(t, ok)
	assert.Equal(t, "http://store/2", target.URL)

	refreshed, err := dest.Refresh(ctx, port.AuthorizeRequest{TransferHandle: "h-1"})
	require.NoError(t, err)
	assert.Equal(t, "h-1", refreshed.TransferHandle)

	path, err := dest.Complete(ctx, port.FinalizeRequest{
		TransferHandle: "h-1",
		Parts:          []domain.PartResult{{PartIndex: 1, IntegrityTag: "a"}, {PartIndex: 2, IntegrityTag: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "media/clip.mp4", path)

	require.NoError(t, dest.Abort(ctx, port.FinalizeRequest{TransferHandle: "h-1"}))
	assert.True(t, aborted.Load())
}

func TestHTTPDestinationRejectsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewHTTPDestination(srv.URL, srv.Client()).Authorize(context.Background(), port.AuthorizeRequest{FileName: "a"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAuthorizationExpiry(t *testing.T) {
	now := time.Now()
	auth := &port.Authorization{ExpiresAt: now.Add(30 * time.Second)}
	assert.True(t, auth.ExpiresWithin(now, time.Minute))
	assert.False(t, auth.ExpiresWithin(now, 10*time.Second))
	assert.False(t, (&port.Authorization{}).ExpiresWithin(now, time.Hour))
}
