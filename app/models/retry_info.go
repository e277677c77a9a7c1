package models

import "time"

// RetryError is the last failure recorded for a renewal attempt.
type RetryError struct {
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
	Retryable  bool      `json:"retryable"`
}

// RetryAttempt is one entry of the renewal attempt history.
type RetryAttempt struct {
	Attempt     int        `json:"attempt"`
	AttemptedAt time.Time  `json:"attempted_at"`
	Error       RetryError `json:"error"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// RetryInfo tracks renewal retries of a failing subscription. The zero value
// means "no outstanding retries".
type RetryInfo struct {
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	LastError   *RetryError    `json:"last_error,omitempty"`
	History     []RetryAttempt `json:"history,omitempty"`
	Exhausted   bool           `json:"exhausted"`
}

// IsEmpty reports whether no retry state is recorded.
func (r RetryInfo) IsEmpty() bool {
	return r.Attempt == 0 && r.LastError == nil && len(r.History) == 0 && !r.Exhausted
}
