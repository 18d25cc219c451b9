package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// maxErrorBody bounds how much of an upstream error body is read
const maxErrorBody = 1 << 20

// Retry calls fn until it succeeds, fails with a non-retryable error, or
// attempts are exhausted. Attempt n (1-based) is followed by a wait of delay*n.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if !IsRetryable(err) || attempt == attempts {
			return err
		}

		timer := time.NewTimer(delay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// IsTransientStatus reports whether an HTTP status signals a retryable failure
func IsTransientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= http.StatusInternalServerError
}

// ErrorDecoder extracts an error code and message from an upstream error body
type ErrorDecoder func(body []byte) (code, message string)

// Requester executes HTTP calls for a connector with bounded retry
type Requester struct {
	provider     string
	client       *http.Client
	streamClient *http.Client
	attempts     int
	delay        time.Duration
	headers      map[string]string
	decodeError  ErrorDecoder
	logger       *zap.Logger
}

// NewRequester creates a requester. Streams use a client without an overall
// timeout so long generations are bounded only by the caller's context.
func NewRequester(cfg ProviderConfig, decodeError ErrorDecoder, logger *zap.Logger) *Requester {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := http.DefaultTransport
	return &Requester{
		provider:     cfg.Name,
		client:       &http.Client{Timeout: cfg.Timeout, Transport: transport},
		streamClient: &http.Client{Transport: transport},
		attempts:     cfg.RetryAttempts,
		delay:        cfg.RetryDelay,
		headers:      cfg.Headers,
		decodeError:  decodeError,
		logger:       logger,
	}
}

// Do sends a request and returns a 2xx response whose body the caller must close
func (r *Requester) Do(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	return r.do(ctx, r.client, method, url, body, headers)
}

// Stream is like Do but without the client timeout
func (r *Requester) Stream(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	return r.do(ctx, r.streamClient, method, url, body, headers)
}

// JSON sends a request and decodes a 2xx JSON body into out. A timeout while
// reading the body is retried like any other transient failure.
func (r *Requester) JSON(ctx context.Context, method, url string, body []byte, headers map[string]string, out interface{}) error {
	return Retry(ctx, r.attempts, r.delay, func(attempt int) error {
		resp, perr := r.send(ctx, r.client, method, url, body, headers)
		if perr != nil {
			r.logAttempt(attempt, perr)
			return perr
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			perr := r.bodyError(ctx, resp.StatusCode, err)
			r.logAttempt(attempt, perr)
			return perr
		}
		return nil
	})
}

// Once sends a single request without retry; used for health checks
func (r *Requester) Once(ctx context.Context, method, url string, headers map[string]string) (*http.Response, error) {
	req, err := r.newRequest(ctx, method, url, nil, headers)
	if err != nil {
		return nil, err
	}
	return r.client.Do(req)
}

func (r *Requester) do(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (*http.Response, error) {
	var resp *http.Response

	err := Retry(ctx, r.attempts, r.delay, func(attempt int) error {
		httpResp, perr := r.send(ctx, client, method, url, body, headers)
		if perr != nil {
			r.logAttempt(attempt, perr)
			return perr
		}
		resp = httpResp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// send makes one attempt and returns a 2xx response or a classified error
func (r *Requester) send(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (*http.Response, *ProviderError) {
	req, err := r.newRequest(ctx, method, url, body, headers)
	if err != nil {
		return nil, NewProviderError(r.provider, CodeInvalidRequest, "failed to create request", 0, false, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, r.transportError(ctx, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, r.statusError(resp)
	}
	return resp, nil
}

func (r *Requester) newRequest(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (r *Requester) logAttempt(attempt int, err *ProviderError) {
	r.logger.Debug("upstream attempt failed",
		zap.String("provider", r.provider),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", r.attempts),
		zap.Int("status", err.StatusCode),
		zap.Bool("retryable", err.Retryable),
		zap.Error(err))
}

// transportError classifies a failure that produced no HTTP response
func (r *Requester) transportError(ctx context.Context, err error) *ProviderError {
	if errors.Is(ctx.Err(), context.Canceled) {
		return NewProviderError(r.provider, CodeHTTPError, "request cancelled", 0, false, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return NewProviderError(r.provider, CodeTimeout, "request timed out", 0, true, err)
	}
	return NewProviderError(r.provider, CodeHTTPError, "HTTP request failed", 0, true, err)
}

// bodyError classifies a failure while reading a 2xx body. Timeouts and
// cancellation follow transportError; anything else is a malformed body.
func (r *Requester) bodyError(ctx context.Context, status int, err error) *ProviderError {
	var netErr net.Error
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return r.transportError(ctx, err)
	}
	return NewProviderError(r.provider, CodeDecode, "failed to decode response", status, false, err)
}

// statusError reads and closes the body of an error response
func (r *Requester) statusError(resp *http.Response) *ProviderError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	code, message := "", ""
	if r.decodeError != nil {
		code, message = r.decodeError(body)
	}
	if code == "" {
		code = CodeUpstream
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return NewProviderError(r.provider, code, message, resp.StatusCode,
		IsTransientStatus(resp.StatusCode), fmt.Errorf("upstream returned %s", resp.Status))
}
