package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a pipeline failure independently of its wording.
type ErrorKind string

const (
	KindUpstreamAuth     ErrorKind = "UPSTREAM_AUTH"
	KindUpstreamNotFound ErrorKind = "UPSTREAM_NOT_FOUND"
	KindUpstreamRejected ErrorKind = "UPSTREAM_REJECTED"
	KindResponseFormat   ErrorKind = "RESPONSE_FORMAT"
	KindTransientNetwork ErrorKind = "TRANSIENT_NETWORK"
	KindJobSubmission    ErrorKind = "JOB_SUBMISSION"
	KindJobFailed        ErrorKind = "JOB_FAILED"
	KindJobTimeout       ErrorKind = "JOB_TIMEOUT"
	KindDuplicateTask    ErrorKind = "DUPLICATE_TASK"
	KindAlreadyResolved  ErrorKind = "ALREADY_RESOLVED"
	KindTaskRejected     ErrorKind = "TASK_REJECTED"
	KindCanceled         ErrorKind = "CANCELED"
	KindInternal         ErrorKind = "INTERNAL"
)

type kindError ErrorKind

func (k kindError) Error() string { return strings.ToLower(string(k)) }

// Kind sentinels. Any *Error of the same kind matches with errors.Is.
var (
	ErrUpstreamAuth     error = kindError(KindUpstreamAuth)
	ErrUpstreamNotFound error = kindError(KindUpstreamNotFound)
	ErrUpstreamRejected error = kindError(KindUpstreamRejected)
	ErrResponseFormat   error = kindError(KindResponseFormat)
	ErrTransientNetwork error = kindError(KindTransientNetwork)
	ErrJobSubmission    error = kindError(KindJobSubmission)
	ErrJobFailed        error = kindError(KindJobFailed)
	ErrJobTimeout       error = kindError(KindJobTimeout)
	ErrDuplicateTask    error = kindError(KindDuplicateTask)
	ErrAlreadyResolved  error = kindError(KindAlreadyResolved)
	ErrTaskRejected     error = kindError(KindTaskRejected)
	ErrCanceled         error = kindError(KindCanceled)
)

// Error is a classified pipeline failure. Raw keeps the upstream text (or
// the unparsed model output) for diagnosis.
type Error struct {
	Kind  ErrorKind
	Stage string
	JobID string
	Hint  string
	Raw   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(strings.ToLower(string(e.Kind)))
	if e.JobID != "" {
		fmt.Fprintf(&b, " (job %s)", e.JobID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(kindError)
	return ok && ErrorKind(k) == e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain. Context
// cancellation maps to KindCanceled; anything else unclassified is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

// IsRetryable reports whether err may succeed when the call is repeated.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientNetwork
}

// WithStage stamps the stage name on err, wrapping it as internal when it
// carries no classification.
func WithStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Stage == "" {
			cp := *de
			cp.Stage = stage
			return &cp
		}
		return err
	}
	return &Error{Kind: KindOf(err), Stage: stage, Err: err}
}
