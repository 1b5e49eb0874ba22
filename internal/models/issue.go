package models

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle stage of an issue.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusDone}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// ParseStatus converts user input into a Status. Input is trimmed and
// lowercased; "in-progress" is accepted as an alias.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "-", "_"))
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Msg: fmt.Sprintf("invalid status %q (use open, in_progress, done)", v)}
	}
	return s, nil
}

// Priority represents the urgency of an issue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Priorities lists every priority from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ParsePriority converts user input into a Priority.
func ParsePriority(v string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(v)))
	if !p.Valid() {
		return "", &ValidationError{Field: "priority", Msg: fmt.Sprintf("invalid priority %q (use low, medium, high)", v)}
	}
	return p, nil
}

// Defaults applied by adapters when the caller leaves a field blank.
const (
	DefaultPriority     = PriorityMedium
	DefaultStatus       = StatusOpen
	UnknownCreatorEmail = "Unknown"
)

// Issue is a trackable unit of work.
type Issue struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Priority       Priority  `json:"priority"`
	Status         Status    `json:"status"`
	AssignedTo     string    `json:"assignedTo"`
	CreatedAt      time.Time `json:"createdAt"`
	CreatedBy      string    `json:"createdBy"`
	CreatedByEmail string    `json:"createdByEmail"`
}

// Form returns the mutable fields of the issue.
func (i *Issue) Form() IssueFormData {
	return IssueFormData{
		Title:       i.Title,
		Description: i.Description,
		Priority:    i.Priority,
		Status:      i.Status,
		AssignedTo:  i.AssignedTo,
	}
}

// Apply copies every set field of the patch onto the issue.
func (i *Issue) Apply(p IssuePatch) {
	if p.Title != nil {
		i.Title = *p.Title
	}
	if p.Description != nil {
		i.Description = *p.Description
	}
	if p.Priority != nil {
		i.Priority = *p.Priority
	}
	if p.Status != nil {
		i.Status = *p.Status
	}
	if p.AssignedTo != nil {
		i.AssignedTo = *p.AssignedTo
	}
}

// IssueFormData is the create/update payload. Identity and creation metadata
// are never supplied by the caller.
type IssueFormData struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`
	AssignedTo  string   `json:"assignedTo"`
}

// WithDefaults fills a blank priority or status with the form defaults.
func (f IssueFormData) WithDefaults() IssueFormData {
	if f.Priority == "" {
		f.Priority = DefaultPriority
	}
	if f.Status == "" {
		f.Status = DefaultStatus
	}
	return f
}

// Validate checks the form before it is persisted.
func (f IssueFormData) Validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return &ValidationError{Field: "title", Msg: "title is required"}
	}
	if !f.Priority.Valid() {
		return &ValidationError{Field: "priority", Msg: fmt.Sprintf("invalid priority %q", f.Priority)}
	}
	if !f.Status.Valid() {
		return &ValidationError{Field: "status", Msg: fmt.Sprintf("invalid status %q", f.Status)}
	}
	return nil
}

// IssuePatch names the subset of mutable fields to change. Nil fields are
// left untouched.
type IssuePatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	AssignedTo  *string   `json:"assignedTo,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p IssuePatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.Status == nil && p.AssignedTo == nil
}

// Validate checks every set field of the patch.
func (p IssuePatch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return &ValidationError{Field: "title", Msg: "title is required"}
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return &ValidationError{Field: "priority", Msg: fmt.Sprintf("invalid priority %q", *p.Priority)}
	}
	if p.Status != nil && !p.Status.Valid() {
		return &ValidationError{Field: "status", Msg: fmt.Sprintf("invalid status %q", *p.Status)}
	}
	return nil
}

// ValidationError reports a payload field that cannot be accepted.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return e.Msg
}
