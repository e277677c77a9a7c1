package tradeid

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// State is the opaque correlation blob carried through redirect flows that
// drop arbitrary query parameters but keep a single state field.
type State struct {
	Type      Purpose `json:"type"`
	RecordID  uint    `json:"txn_id"`
	Timestamp int64   `json:"timestamp"`
}

// EncodeState returns base64(JSON) for the given correlation.
func EncodeState(purpose Purpose, recordID uint, t time.Time) (string, error) {
	raw, err := json.Marshal(State{Type: purpose, RecordID: recordID, Timestamp: t.Unix()})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeState returns the embedded record id only when the blob parses and
// its type matches expected.
func DecodeState(blob string, expected Purpose) (uint, bool) {
	raw, ok := decodeBase64(strings.TrimSpace(blob))
	if !ok {
		return 0, false
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0, false
	}
	if st.Type != expected || st.RecordID == 0 {
		return 0, false
	}
	return st.RecordID, true
}

func decodeBase64(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	// Query strings sometimes turn '+' into ' ' or use the URL alphabet.
	s = strings.ReplaceAll(s, " ", "+")
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, true
		}
	}
	return nil, false
}
