package upstream

import (
	"context"
	"errors"

	"github.com/animus-labs/adpipe/internal/domain"
)

var hints = map[domain.ErrorKind]string{
	domain.KindUpstreamAuth:     "check the upstream credentials and that the service account may call this API",
	domain.KindUpstreamNotFound: "check that the referenced model, endpoint or input URL exists",
	domain.KindUpstreamRejected: "the request was refused as invalid; inspect the raw response and the run inputs",
	domain.KindResponseFormat:   "the reply was not the expected JSON; inspect the raw output",
	domain.KindTransientNetwork: "the service stayed unavailable after retries; re-submit the run later",
}

// KindFor maps an upstream Code to a pipeline error kind.
func KindFor(code Code) domain.ErrorKind {
	switch code {
	case CodeUnauthenticated, CodePermissionDenied:
		return domain.KindUpstreamAuth
	case CodeNotFound:
		return domain.KindUpstreamNotFound
	case CodeUnavailable, CodeDeadline, CodeRateLimited:
		return domain.KindTransientNetwork
	case CodeBadRequest:
		return domain.KindUpstreamRejected
	case CodeInvalidResponse:
		return domain.KindResponseFormat
	default:
		return domain.KindInternal
	}
}

// Hint returns the operator remediation text for kind.
func Hint(kind domain.ErrorKind) string {
	return hints[kind]
}

// Classify converts an upstream Error into a *domain.Error. Errors that are
// already classified, nil and caller cancellation pass through unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	var ue *Error
	if !errors.As(err, &ue) {
		return err
	}
	kind := KindFor(ue.Code)
	return &domain.Error{
		Kind: kind,
		Hint: Hint(kind),
		Raw:  ue.Body,
		Err:  err,
	}
}
