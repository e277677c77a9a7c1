package reconcile

import (
	"errors"

	"github.com/ManuelReschke/PaySync/internal/pkg/tradeid"
)

// Acknowledgement bodies the gateway understands. Nothing else is honoured.
const (
	AckSuccess = "SUCCESS"
	AckFail    = "FAIL"
)

// Delivery channels.
const (
	ChannelNotify = "notify"
	ChannelReturn = "return"
)

// Outcome is what processing did with a payload.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomePending          Outcome = "pending"
	OutcomeFailed           Outcome = "failed"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeAlreadySucceeded Outcome = "already_succeeded"
	OutcomeUnchanged        Outcome = "unchanged"
	OutcomeRejected         Outcome = "rejected"
	OutcomeError            Outcome = "error"
)

var (
	ErrMissingPayload   = errors.New("reconcile: missing EncryptInfo or HashInfo")
	ErrInvalidSignature = errors.New("reconcile: signature mismatch")
	ErrUndecryptable    = errors.New("reconcile: payload could not be decrypted")
	ErrUnresolved       = errors.New("reconcile: no matching transaction")
	ErrPurposeMismatch  = errors.New("reconcile: transaction purpose does not match")
	ErrRecordMismatch   = errors.New("reconcile: trade identifier points at another transaction")
	ErrUnknownChannel   = errors.New("reconcile: unknown channel")
)

// Request is one inbound delivery, already lifted out of the HTTP layer.
type Request struct {
	Channel     string
	Purpose     tradeid.Purpose
	EncryptInfo string
	HashInfo    string
	Hints       tradeid.Hints
}

// Result is returned for every request. Ack is always set. Handle is set
// whenever a transaction was resolved, including duplicates and rejections
// after resolution.
type Result struct {
	Ack           string
	Outcome       Outcome
	Handle        string
	TransactionID uint
	Status        string
	Tier          tradeid.Tier
	Err           error
}

// Acknowledged reports whether the gateway should stop redelivering.
func (r Result) Acknowledged() bool {
	return r.Ack == AckSuccess
}
