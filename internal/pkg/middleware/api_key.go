package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

// LocalAPIKeyID holds the short fingerprint of the key that authenticated the request.
const LocalAPIKeyID = "api_key_id"

// APIKeyAuthMiddleware only lets requests through that carry one of keys in
// X-API-Key or an Authorization bearer header. An empty key list disables the
// check.
func APIKeyAuthMiddleware(keys []string) fiber.Handler {
	hashes := make([][32]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			hashes = append(hashes, sha256.Sum256([]byte(k)))
		}
	}
	if len(hashes) == 0 {
		log.Warn("[APIKey] No API keys configured, checkout API is open")
	}

	return func(c *fiber.Ctx) error {
		if len(hashes) == 0 {
			return c.Next()
		}

		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}

		got := sha256.Sum256([]byte(apiKey))
		for _, want := range hashes {
			if subtle.ConstantTimeCompare(got[:], want[:]) == 1 {
				c.Locals(LocalAPIKeyID, fingerprint(got))
				return c.Next()
			}
		}
		log.Warnf("[APIKey] Rejected key %s from %s", fingerprint(got), c.IP())
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func fingerprint(sum [32]byte) string {
	return hex.EncodeToString(sum[:4])
}
