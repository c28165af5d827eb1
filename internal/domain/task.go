package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskStatus is the state of an approval gate instance.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusRejected  TaskStatus = "REJECTED"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusRejected
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusCompleted, TaskStatusRejected:
		return true
	default:
		return false
	}
}

// Gate task names in pipeline order.
const (
	TaskAnalysisReview = "analysis_review"
	TaskBriefReview    = "brief_review"
)

// Task is a human approval checkpoint for one run.
type Task struct {
	RunID           string
	Name            string
	Position        int
	Status          TaskStatus
	CreatedAt       time.Time
	AssignedTo      string
	ApprovedBy      string
	ApprovedAt      *time.Time
	RejectionReason string
	Inputs          map[string]string
	Outputs         map[string]string
	GateSignalURI   string
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task name is required")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid task status %q", t.Status)
	}
	if len(t.Inputs) == 0 {
		return errors.New("task inputs are required")
	}
	if strings.TrimSpace(t.GateSignalURI) == "" {
		return errors.New("gate signal uri is required")
	}
	return nil
}

func (t Task) Clone() Task {
	t.Inputs = cloneStrings(t.Inputs)
	t.Outputs = cloneStrings(t.Outputs)
	if t.ApprovedAt != nil {
		at := *t.ApprovedAt
		t.ApprovedAt = &at
	}
	return t
}

// GateSignal is the marker object written once a task leaves PENDING.
type GateSignal struct {
	RunID      string     `json:"runId"`
	TaskName   string     `json:"taskName"`
	Status     TaskStatus `json:"status"`
	ResolvedBy string     `json:"resolvedBy"`
	ResolvedAt time.Time  `json:"resolvedAt"`
}
