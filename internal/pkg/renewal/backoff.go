package renewal

import (
	"time"

	"github.com/ManuelReschke/PaySync/app/models"
)

// MaxAttempts is the number of retryable failures that get a retry. The
// next failure after that exhausts the subscription.
const MaxAttempts = 3

var backoffHours = map[int]int{
	1: 24,
	2: 48,
	3: 72,
}

// Backoff returns the delay before retry number attempt.
func Backoff(attempt int) (time.Duration, bool) {
	h, ok := backoffHours[attempt]
	if !ok {
		return 0, false
	}
	return time.Duration(h) * time.Hour, true
}

// Failure describes one failed charge.
type Failure struct {
	Kind      string
	Message   string
	Retryable bool
	At        time.Time
}

// Result of applying an attempt to a subscription.
type Result string

const (
	ResultSucceeded Result = "succeeded"
	ResultRetrying  Result = "retrying"
	ResultFailing   Result = "failing"
	ResultExhausted Result = "exhausted"
	ResultSkipped   Result = "skipped"
	ResultError     Result = "error"
)

// ApplyFailure updates the subscription's retry bookkeeping for f. The
// failure time is the backoff base, so a late tick never adds extra delay.
func ApplyFailure(sub *models.Subscription, f Failure) Result {
	ri := sub.Retry()
	ri.MaxAttempts = MaxAttempts
	lastErr := models.RetryError{
		Kind:       f.Kind,
		Message:    f.Message,
		OccurredAt: f.At,
		Retryable:  f.Retryable,
	}
	ri.LastError = &lastErr
	sub.Status = models.SubscriptionStatusFailing

	if !f.Retryable {
		ri.NextRetryAt = nil
		ri.History = append(ri.History, models.RetryAttempt{Attempt: ri.Attempt, AttemptedAt: f.At, Error: lastErr})
		sub.SetRetry(ri)
		return ResultFailing
	}

	ri.Attempt++
	delay, ok := Backoff(ri.Attempt)
	if !ok || ri.Attempt > MaxAttempts {
		ri.Exhausted = true
		ri.NextRetryAt = nil
		ri.History = append(ri.History, models.RetryAttempt{Attempt: ri.Attempt, AttemptedAt: f.At, Error: lastErr})
		sub.SetRetry(ri)
		return ResultExhausted
	}

	next := f.At.Add(delay)
	ri.NextRetryAt = &next
	ri.History = append(ri.History, models.RetryAttempt{Attempt: ri.Attempt, AttemptedAt: f.At, Error: lastErr, NextRetryAt: &next})
	sub.SetRetry(ri)
	return ResultRetrying
}
