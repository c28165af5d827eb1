package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Code is the service-independent reason an upstream call failed.
type Code string

const (
	CodeUnauthenticated  Code = "unauthenticated"
	CodePermissionDenied Code = "permission-denied"
	CodeNotFound         Code = "not-found"
	CodeUnavailable      Code = "unavailable"
	CodeDeadline         Code = "deadline"
	CodeRateLimited      Code = "rate-limited"
	CodeBadRequest       Code = "bad-request"
	CodeInvalidResponse  Code = "invalid-response"
	CodeUnknown          Code = "unknown"
)

const maxErrorBody = 64 << 10

// Error is a failed call to an external service.
type Error struct {
	Service    string
	StatusCode int
	Code       Code
	Body       string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	b.WriteString(": ")
	b.WriteString(string(e.Code))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if body := strings.TrimSpace(e.Body); body != "" {
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		b.WriteString(": ")
		b.WriteString(body)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// CodeForStatus maps an HTTP status to a Code.
func CodeForStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized:
		return CodeUnauthenticated
	case status == http.StatusForbidden:
		return CodePermissionDenied
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeDeadline
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status >= 500:
		return CodeUnavailable
	case status >= 400:
		return CodeBadRequest
	default:
		return CodeUnknown
	}
}

// FromResponse builds an Error from a non-2xx response and drains its body.
func FromResponse(service string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{
		Service:    service,
		StatusCode: resp.StatusCode,
		Code:       CodeForStatus(resp.StatusCode),
		Body:       string(body),
	}
}

// FromTransport wraps an error returned before any response was read.
// Caller cancellation is returned unchanged.
func FromTransport(service string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	code := CodeUnavailable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = CodeDeadline
	}
	return &Error{Service: service, Code: code, Err: err}
}

// InvalidResponse reports a reply that could not be decoded.
func InvalidResponse(service, body string, err error) *Error {
	return &Error{Service: service, Code: CodeInvalidResponse, Body: body, Err: err}
}
