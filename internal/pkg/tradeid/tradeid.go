// Package tradeid builds and resolves the short merchant trade identifiers
// sent to the gateway. Format: <record id><purpose letter><base36 unix time><2 hex>.
package tradeid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxLength is the gateway's limit for MerTradeNo.
const MaxLength = 20

// Purpose tells what an identifier (and its record) was issued for.
type Purpose string

const (
	PurposePayment    Purpose = "payment"
	PurposeRenewal    Purpose = "renewal"
	PurposeCardUpdate Purpose = "card_update"
)

var purposeLetters = map[Purpose]byte{
	PurposePayment:    'A',
	PurposeRenewal:    'R',
	PurposeCardUpdate: 'U',
}

var (
	ErrUnknownPurpose = errors.New("tradeid: unknown purpose")
	ErrTooLong        = errors.New("tradeid: identifier exceeds gateway length limit")
	ErrMalformed      = errors.New("tradeid: malformed identifier")
)

// Valid reports whether p is one of the known purposes.
func (p Purpose) Valid() bool {
	_, ok := purposeLetters[p]
	return ok
}

// Parsed is the decoded form of an identifier.
type Parsed struct {
	RecordID uint
	Purpose  Purpose
	IssuedAt time.Time
}

// Encode builds an identifier for recordID using the current time.
func Encode(recordID uint, purpose Purpose) (string, error) {
	return EncodeAt(recordID, purpose, time.Now())
}

// EncodeAt builds an identifier for recordID issued at t.
func EncodeAt(recordID uint, purpose Purpose, t time.Time) (string, error) {
	letter, ok := purposeLetters[purpose]
	if !ok {
		return "", ErrUnknownPurpose
	}
	if recordID == 0 {
		return "", fmt.Errorf("%w: record id is zero", ErrMalformed)
	}

	suffix := make([]byte, 1)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to read secure random bytes: %w", err)
	}

	var b strings.Builder
	b.WriteString(strconv.FormatUint(uint64(recordID), 10))
	b.WriteByte(letter)
	b.WriteString(strconv.FormatInt(t.Unix(), 36))
	b.WriteString(hex.EncodeToString(suffix))

	if b.Len() > MaxLength {
		return "", ErrTooLong
	}
	return b.String(), nil
}

// Parse extracts the record id and purpose. The time part is decoded on a
// best-effort basis and left zero when it cannot be read.
func Parse(identifier string) (Parsed, error) {
	identifier = strings.TrimSpace(identifier)

	digits := 0
	for digits < len(identifier) && identifier[digits] >= '0' && identifier[digits] <= '9' {
		digits++
	}
	if digits == 0 || digits == len(identifier) {
		return Parsed{}, ErrMalformed
	}

	id, err := strconv.ParseUint(identifier[:digits], 10, 64)
	if err != nil || id == 0 || id > uint64(^uint(0)) {
		return Parsed{}, ErrMalformed
	}

	purpose, ok := purposeForLetter(identifier[digits])
	if !ok {
		return Parsed{}, fmt.Errorf("%w: separator %q", ErrUnknownPurpose, identifier[digits])
	}

	out := Parsed{RecordID: uint(id), Purpose: purpose}
	rest := identifier[digits+1:]
	if len(rest) > 2 {
		if secs, err := strconv.ParseInt(rest[:len(rest)-2], 36, 64); err == nil {
			out.IssuedAt = time.Unix(secs, 0)
		}
	}
	return out, nil
}

// Resolve parses identifier and looks the record up. A missing digit run,
// an unknown record or a failed lookup all yield ok=false.
func Resolve[R any](identifier string, lookup func(recordID uint) (R, bool)) (R, bool) {
	var zero R
	parsed, err := Parse(identifier)
	if err != nil {
		return zero, false
	}
	return lookup(parsed.RecordID)
}

func purposeForLetter(letter byte) (Purpose, bool) {
	for p, l := range purposeLetters {
		if l == letter {
			return p, true
		}
	}
	return "", false
}
