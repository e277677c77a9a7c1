package gateway

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

// payloadSeparator joins the base64 ciphertext and the base64 GCM tag before
// the whole blob is hex encoded.
const payloadSeparator = ":::"

var errEmptyIV = errors.New("gateway: hash iv is empty")

// Codec encrypts, decrypts and signs gateway payloads for one merchant key pair.
type Codec struct {
	key []byte
	iv  []byte
}

// NewCodec creates a codec from the merchant hash key and hash iv.
func NewCodec(key, iv string) *Codec {
	return &Codec{
		key: []byte(strings.TrimSpace(key)),
		iv:  []byte(strings.TrimSpace(iv)),
	}
}

func (c *Codec) Encrypt(fields map[string]string) string {
	return Encrypt(fields, c.key, c.iv)
}

func (c *Codec) Decrypt(blob string) map[string]string {
	return Decrypt(blob, c.key, c.iv)
}

func (c *Codec) Sign(blob string) string {
	return Sign(blob, c.key, c.iv)
}

func (c *Codec) Verify(blob, signature string) bool {
	return Verify(blob, signature, c.key, c.iv)
}

// Encrypt serializes fields as a query string, seals it with AES-256-GCM and
// returns hex(base64(ciphertext) + ":::" + base64(tag)). An empty string means
// the cipher could not be set up and must be treated as a hard failure.
func Encrypt(fields map[string]string, key, iv []byte) string {
	return seal([]byte(encodeFields(fields)), key, iv)
}

func seal(plain, key, iv []byte) string {
	aead, err := newAEAD(key, iv)
	if err != nil {
		return ""
	}

	sealed := aead.Seal(nil, iv, plain, nil)
	tagStart := len(sealed) - aead.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	blob := base64.StdEncoding.EncodeToString(ciphertext) + payloadSeparator + base64.StdEncoding.EncodeToString(tag)
	return hex.EncodeToString([]byte(blob))
}

// Decrypt reverses Encrypt. Any malformed, truncated or tampered input yields
// an empty map.
func Decrypt(hexBlob string, key, iv []byte) map[string]string {
	out := map[string]string{}

	hexBlob = strings.TrimSpace(hexBlob)
	if !isHex(hexBlob) {
		return out
	}
	raw, err := hex.DecodeString(hexBlob)
	if err != nil {
		return out
	}

	parts := strings.Split(string(raw), payloadSeparator)
	if len(parts) != 2 {
		return out
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return out
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return out
	}

	aead, err := newAEAD(key, iv)
	if err != nil || len(tag) != aead.Overhead() {
		return out
	}
	plain, err := aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return out
	}

	// ParseQuery keeps every well-formed pair even when it reports an error
	// for another one; the authenticated payload is still used.
	values, _ := url.ParseQuery(string(plain))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// Sign returns upper-case hex SHA-256 over key || blob || iv. This is the
// gateway's own construction, not an HMAC.
func Sign(hexBlob string, key, iv []byte) string {
	h := sha256.New()
	h.Write(key)
	h.Write([]byte(hexBlob))
	h.Write(iv)
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

// Verify compares the expected signature with the supplied one in constant time.
func Verify(hexBlob, signature string, key, iv []byte) bool {
	sig := strings.ToUpper(strings.TrimSpace(signature))
	if sig == "" || strings.TrimSpace(hexBlob) == "" {
		return false
	}
	expected := Sign(strings.TrimSpace(hexBlob), key, iv)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

func newAEAD(key, iv []byte) (cipher.AEAD, error) {
	if len(iv) == 0 {
		return nil, errEmptyIV
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	// The gateway uses a 16 byte iv, so the standard 12 byte nonce size does not apply.
	return cipher.NewGCMWithNonceSize(block, len(iv))
}

// encodeFields builds a key-sorted query string so the same field set always
// produces the same plaintext.
func encodeFields(fields map[string]string) string {
	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	return values.Encode()
}

// CanonicalPayload is the deterministic query-string form of fields, used to
// fingerprint a decoded payload.
func CanonicalPayload(fields map[string]string) string {
	return encodeFields(fields)
}

func isHex(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
