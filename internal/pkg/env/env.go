package env

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var Env map[string]string

// ErrNoEnvFile is returned when none of the candidate .env files exist.
var ErrNoEnvFile = errors.New("no .env file found in any of the expected locations")

func GetEnv(key, def string) string {
	// Loaded .env values win over the process environment
	if val, ok := Env[key]; ok {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetEnvInt returns def when the variable is unset or not a number.
func GetEnvInt(key string, def int) int {
	raw := strings.TrimSpace(GetEnv(key, ""))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// GetEnvMinutes reads a whole number of minutes, falling back to def for
// missing or non-positive values.
func GetEnvMinutes(key string, def time.Duration) time.Duration {
	v := GetEnvInt(key, 0)
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Minute
}

// GetEnvList splits a comma separated variable, dropping empty entries.
func GetEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(GetEnv(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func SetupEnvFile() error {
	envFiles := []string{
		".env",          // Current directory
		"../../.env",    // From cmd/paysync to project root
		"../../../.env", // Fallback for deeper nesting
	}

	for _, envFile := range envFiles {
		loaded, err := godotenv.Read(envFile)
		if err == nil {
			Env = loaded
			return nil
		}
	}
	return ErrNoEnvFile
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
