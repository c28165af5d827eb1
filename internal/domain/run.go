package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPendingApproval RunStatus = "PENDING_APPROVAL"
	RunStatusRunning         RunStatus = "RUNNING"
	RunStatusSucceeded       RunStatus = "SUCCEEDED"
	RunStatusFailed          RunStatus = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPendingApproval, RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an allowed run transition.
// The only path is PENDING_APPROVAL -> RUNNING -> {SUCCEEDED, FAILED}.
func CanTransition(from, to RunStatus) bool {
	switch from {
	case RunStatusPendingApproval:
		return to == RunStatusRunning
	case RunStatusRunning:
		return to == RunStatusSucceeded || to == RunStatusFailed
	default:
		return false
	}
}

// Run parameter keys recorded at submission.
const (
	ParamProductText   = "product_text"
	ParamProductURL    = "product_url"
	ParamBrandImageURL = "brand_image_url"
	ParamCampaignID    = "campaign_id"
	ParamProductID     = "product_id"
)

// Run is one end-to-end execution of the pipeline.
type Run struct {
	ID               string
	CreatedAt        time.Time
	CreatedBy        string
	Status           RunStatus
	ArtifactRootURI  string
	FinalArtifactURI string
	Params           map[string]string
	// Artifacts maps a stage name to the URI of its committed output.
	Artifacts      map[string]string
	FailedStage    string
	FailureKind    ErrorKind
	FailureMessage string
	FailureHint    string
	UpdatedAt      time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.CreatedBy) == "" {
		return errors.New("created by is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid run status %q", r.Status)
	}
	if strings.TrimSpace(r.ArtifactRootURI) == "" {
		return errors.New("artifact root uri is required")
	}
	return nil
}

// Param returns a trimmed submission parameter.
func (r Run) Param(key string) string {
	return strings.TrimSpace(r.Params[key])
}

// Clone returns a copy that shares no maps with r.
func (r Run) Clone() Run {
	r.Params = cloneStrings(r.Params)
	r.Artifacts = cloneStrings(r.Artifacts)
	return r
}

func cloneStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
