package tradeid

import (
	"strconv"
	"strings"
)

// Tier names the strategy that produced a record.
type Tier string

const (
	TierNone    Tier = "none"
	TierHint    Tier = "hint"
	TierState   Tier = "state"
	TierTradeNo Tier = "trade_no"
)

// Hints are the plain-text correlation parameters a channel may carry next
// to the encrypted payload.
type Hints struct {
	RecordID string
	State    string
}

// ResolveTiered tries the explicit hint, then the state blob, then the
// merchant trade identifier from the verified payload. A tier is only
// consulted when every earlier tier produced no record.
func ResolveTiered[R any](purpose Purpose, hints Hints, merTradeNo string, lookup func(recordID uint) (R, bool)) (R, Tier, bool) {
	var zero R

	if raw := strings.TrimSpace(hints.RecordID); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil && id > 0 && id <= uint64(^uint(0)) {
			if rec, ok := lookup(uint(id)); ok {
				return rec, TierHint, true
			}
		}
	}

	if hints.State != "" {
		if id, ok := DecodeState(hints.State, purpose); ok {
			if rec, ok := lookup(id); ok {
				return rec, TierState, true
			}
		}
	}

	if merTradeNo != "" {
		if rec, ok := Resolve(merTradeNo, lookup); ok {
			return rec, TierTradeNo, true
		}
	}

	return zero, TierNone, false
}
