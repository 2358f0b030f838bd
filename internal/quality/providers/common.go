package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"
)

// FetchError describes why a single upstream query produced no payload.
type FetchError struct {
	InseeCode  string
	StatusCode int // 0 when no response was received
	Reason     string
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.InseeCode, e.Reason)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Failure reasons reported in FetchError.Reason.
const (
	ReasonTransport   = "transport error"
	ReasonTimeout     = "timeout"
	ReasonStatus      = "unexpected status"
	ReasonDecode      = "invalid response body"
	ReasonCircuitOpen = "circuit open"
	ReasonRequest     = "invalid request"
)

var (
	errUnexpectedStatus = errors.New("unexpected status code")
	errNoHTTPClient     = errors.New("http client not configured")
)

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: %d", errUnexpectedStatus, e.code)
}

func (e *statusError) Unwrap() error { return errUnexpectedStatus }

// acceptedStatus reports whether the upstream answered with full or partial content.
func acceptedStatus(code int) bool {
	return code == http.StatusOK || code == http.StatusPartialContent
}

// countsAsSuccess tells the circuit breaker which outcomes leave the upstream
// healthy. A 4xx other than 429 is an answer about one municipality and must
// not trip the breaker shared by the whole fan-out.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code < http.StatusInternalServerError && se.code != http.StatusTooManyRequests
	}
	return false
}

// doRequest executes one HTTP request through the circuit breaker. It never
// retries; the caller decides what to do with a failure.
func doRequest(
	ctx context.Context,
	client *http.Client,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if client == nil {
		return nil, errNoHTTPClient
	}

	req, err := buildRequest()
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)

	result, err := cb.Execute(func() (interface{}, error) {
		resp, execErr := client.Do(req)
		if execErr != nil {
			return nil, execErr
		}
		if !acceptedStatus(resp.StatusCode) {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &statusError{code: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return resp, nil
}

// classify turns a doRequest error into a FetchError.
func classify(ctx context.Context, inseeCode string, err error) *FetchError {
	fe := &FetchError{InseeCode: inseeCode, Err: err}

	var se *statusError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		fe.Reason = ReasonCircuitOpen
	case errors.As(err, &se):
		fe.Reason = ReasonStatus
		fe.StatusCode = se.code
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() != nil:
		fe.Reason = ReasonTimeout
	case errors.Is(err, errNoHTTPClient):
		fe.Reason = ReasonRequest
	default:
		fe.Reason = ReasonTransport
	}
	return fe
}
