package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/venuetix/notification-service/internal/notification"
)

// DefaultCallTimeout bounds one provider call end to end.
const DefaultCallTimeout = 30 * time.Second

// classifyStatus maps an HTTP response status onto the retry taxonomy.
func classifyStatus(status int) (notification.ErrorClass, string) {
	switch {
	case status == http.StatusTooManyRequests:
		return notification.ErrClassRateLimited, "http_429"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return notification.ErrClassAuth, fmt.Sprintf("http_%d", status)
	case status == http.StatusRequestTimeout:
		return notification.ErrClassTimeout, "http_408"
	case status >= 400 && status < 500:
		return notification.ErrClassPermanent, fmt.Sprintf("http_%d", status)
	default:
		return notification.ErrClassRetryable, fmt.Sprintf("http_%d", status)
	}
}

// classifyError maps a transport-level failure. Provider hostnames and
// recipient material never appear in the resulting code.
func classifyError(err error) (notification.ErrorClass, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return notification.ErrClassTimeout, "deadline_exceeded"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return notification.ErrClassTimeout, "network_timeout"
	}
	return notification.ErrClassRetryable, "network_error"
}

// parseRetryAfter reads a Retry-After header in seconds form. HTTP-date
// form is rare on provider APIs and is ignored.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// failResult builds a classified failure outcome.
func failResult(class notification.ErrorClass, code string, latency time.Duration) SendResult {
	return SendResult{
		ErrorClass: class,
		ErrorCode:  code,
		Latency:    latency,
	}
}

// callResponse is a successful provider HTTP exchange.
type callResponse struct {
	Status  int
	Body    []byte
	Header  http.Header
	Latency time.Duration
}

// httpCall runs one provider request under the adapter's deadline. A
// transport failure or error status comes back already classified; the
// response is only non-nil when the call succeeded.
func httpCall(ctx context.Context, client *http.Client, req *http.Request, timeout time.Duration) (*callResponse, *SendResult) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Do(req.WithContext(ctx))
	latency := time.Since(start)
	if err != nil {
		class, code := classifyError(err)
		r := failResult(class, code, latency)
		return nil, &r
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		r := failResult(notification.ErrClassRetryable, "body_read_error", latency)
		return nil, &r
	}

	if resp.StatusCode >= 400 {
		class, code := classifyStatus(resp.StatusCode)
		r := failResult(class, code, latency)
		r.RetryAfter = parseRetryAfter(resp.Header)
		return nil, &r
	}

	return &callResponse{
		Status:  resp.StatusCode,
		Body:    body,
		Header:  resp.Header,
		Latency: latency,
	}, nil
}

// probeError wraps a failed health probe status.
type probeError string

func (e probeError) Error() string { return "health probe failed: " + string(e) }

// probe issues a GET and interprets any 4xx/5xx as failure.
func probe(ctx context.Context, client *http.Client, req *http.Request) error {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		_, code := classifyStatus(resp.StatusCode)
		return probeError(code)
	}
	return nil
}

// newJSONRequest builds a request with the standard outbound headers.
func newJSONRequest(method, url string, body []byte, correlationID string) (*http.Request, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	setServiceHeaders(req, correlationID)
	return req, nil
}

func setServiceHeaders(req *http.Request, correlationID string) {
	req.Header.Set("X-Service-Identity", "notification-service")
	if correlationID != "" {
		req.Header.Set("X-Correlation-Id", correlationID)
	}
}
