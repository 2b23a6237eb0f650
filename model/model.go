package model

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge of the task
// lifecycle. running -> pending is the recovery edge taken when a lease
// expires or a retryable attempt fails.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusPending
	}
	return false
}

type Mode string

const (
	ModeDirectMarkdown Mode = "direct_markdown"
	ModeViaPDF         Mode = "via_pdf"
)

func (m Mode) Valid() bool {
	return m == ModeDirectMarkdown || m == ModeViaPDF
}

// ParseMode accepts both the mode names and the boolean-like values sent by
// form clients, where a true value selects the two-stage PDF pipeline.
func ParseMode(v string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "0", "no", "off", string(ModeDirectMarkdown):
		return ModeDirectMarkdown, nil
	case "true", "1", "yes", "on", string(ModeViaPDF):
		return ModeViaPDF, nil
	}
	return "", fmt.Errorf("unknown conversion mode %q", v)
}

// Error codes recorded on failed tasks.
const (
	CodeRetriesExhausted = "RetriesExhausted"
	CodeValidationError  = "ValidationError"
)

type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	return e.Code + ": " + e.Message
}

type Result struct {
	Ref         string `json:"ref"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type Lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Task struct {
	ID           string     `json:"id"`
	Status       Status     `json:"status"`
	InputRef     string     `json:"input_ref"`
	Filename     string     `json:"filename"`
	Mode         Mode       `json:"mode"`
	Backend      string     `json:"backend,omitempty"`
	Result       *Result    `json:"result,omitempty"`
	Error        *TaskError `json:"error,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	Lease        *Lease     `json:"lease,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.Lease != nil {
		l := *t.Lease
		c.Lease = &l
	}
	return &c
}
