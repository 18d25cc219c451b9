package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRetry(t *testing.T) {
	transient := NewProviderError("p", CodeUpstream, "busy", 503, true, nil)
	permanent := NewProviderError("p", CodeUpstream, "bad key", 401, false, nil)

	tests := []struct {
		name      string
		attempts  int
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{name: "success first try", attempts: 3, errs: []error{nil}, wantCalls: 1},
		{name: "transient then success", attempts: 3, errs: []error{transient, nil}, wantCalls: 2},
		{name: "transient exhausted", attempts: 3, errs: []error{transient, transient, transient}, wantCalls: 3, wantErr: transient},
		{name: "permanent not retried", attempts: 3, errs: []error{permanent}, wantCalls: 1, wantErr: permanent},
		{name: "zero attempts means one", attempts: 0, errs: []error{transient}, wantCalls: 1, wantErr: transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), tt.attempts, time.Millisecond, func(attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				return tt.errs[attempt-1]
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.Same(t, tt.wantErr, err)
			}
		})
	}
}

func TestRetry_BackoffEscalates(t *testing.T) {
	transient := NewProviderError("p", CodeTimeout, "slow", 0, true, nil)
	var stamps []time.Time

	_ = Retry(context.Background(), 3, 20*time.Millisecond, func(int) error {
		stamps = append(stamps, time.Now())
		return transient
	})

	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, stamps[2].Sub(stamps[1]), 40*time.Millisecond)
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	transient := NewProviderError("p", CodeUpstream, "busy", 503, true, nil)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := Retry(ctx, 5, time.Hour, func(int) error {
		calls++
		cancel()
		return transient
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, transient, err)
}

func TestIsTransientStatus(t *testing.T) {
	for status, want := range map[int]bool{
		200: false, 400: false, 401: false, 403: false, 404: false,
		408: true, 429: true, 500: true, 502: true, 503: true,
	} {
		assert.Equal(t, want, IsTransientStatus(status), "status %d", status)
	}
}

func newTestRequester(attempts int) *Requester {
	return NewRequester(ProviderConfig{
		Name:          "test",
		Timeout:       2 * time.Second,
		RetryAttempts: attempts,
		RetryDelay:    time.Millisecond,
		Headers:       map[string]string{"X-Static": "yes"},
	}, func(body []byte) (string, string) {
		return "upstream_code", string(body)
	}, zap.NewNop())
}

func TestRequester_RetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"q":1}`, string(body), "body must be resent on every attempt")
		assert.Equal(t, "yes", r.Header.Get("X-Static"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	err := newTestRequester(3).JSON(context.Background(), http.MethodPost, server.URL, []byte(`{"q":1}`), nil, &out)

	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), hits.Load())
}

func TestRequester_PermanentStatusNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid key"))
	}))
	defer server.Close()

	_, err := newTestRequester(3).Do(context.Background(), http.MethodGet, server.URL, nil, nil)

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, http.StatusUnauthorized, provErr.StatusCode)
	assert.Equal(t, "upstream_code", provErr.Code)
	assert.Equal(t, "invalid key", provErr.Message)
	assert.False(t, provErr.Retryable)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRequester_ExhaustedSurfacesRetryableError(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestRequester(2).Do(context.Background(), http.MethodGet, server.URL, nil, nil)

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, http.StatusServiceUnavailable, provErr.StatusCode)
	assert.True(t, provErr.Retryable)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRequester_TimeoutIsTransient(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	requester := NewRequester(ProviderConfig{
		Name:          "slow",
		Timeout:       50 * time.Millisecond,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	}, nil, zap.NewNop())

	_, err := requester.Do(context.Background(), http.MethodGet, server.URL, nil, nil)

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, CodeTimeout, provErr.Code)
	assert.True(t, provErr.Retryable)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRequester_DecodeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	var out map[string]interface{}
	err := newTestRequester(1).JSON(context.Background(), http.MethodGet, server.URL, nil, nil, &out)

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, CodeDecode, provErr.Code)
	assert.False(t, provErr.Retryable)
}

func TestRequester_BodyTimeoutIsTransient(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":`))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	requester := NewRequester(ProviderConfig{
		Name:          "slow-body",
		Timeout:       100 * time.Millisecond,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	}, nil, zap.NewNop())

	var out struct {
		Status string `json:"status"`
	}
	err := requester.JSON(context.Background(), http.MethodGet, server.URL, nil, nil, &out)

	require.NoError(t, err)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRequester_BodyTimeoutExhausted(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":`))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	requester := NewRequester(ProviderConfig{
		Name:          "slow-body",
		Timeout:       50 * time.Millisecond,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	}, nil, zap.NewNop())

	var out map[string]interface{}
	err := requester.JSON(context.Background(), http.MethodGet, server.URL, nil, nil, &out)

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, CodeTimeout, provErr.Code)
	assert.True(t, provErr.Retryable)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRequester_DecodeFailureNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	var out map[string]interface{}
	err := newTestRequester(3).JSON(context.Background(), http.MethodGet, server.URL, nil, nil, &out)

	var provErr *ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, CodeDecode, provErr.Code)
	assert.Equal(t, int32(1), hits.Load())
}
