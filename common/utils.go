package common

import (
	"fmt"
	"os"
	"strconv"
)

// MaskSecret masks a sensitive string for safe logging, showing only the
// first and last four characters of sufficiently long values.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<not set>"
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// GetEnv retrieves an environment variable, falling back to defaultValue.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetEnvInt retrieves an integer environment variable, falling back to
// defaultValue on absence or parse failure.
func GetEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool retrieves a boolean environment variable. Accepts
// true/1/yes/on and false/0/no/off; anything else falls back to
// defaultValue.
func GetEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	switch v {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// Must panics if err is non-nil, otherwise returns value. Intended for
// service-startup code that should fail fast.
func Must[T any](value T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("must: operation failed: %v", err))
	}
	return value
}

// MustNoError panics if err is non-nil.
func MustNoError(err error) {
	if err != nil {
		panic(fmt.Sprintf("must: operation failed: %v", err))
	}
}

// Ptr returns a pointer to v, useful for optional struct fields.
func Ptr[T any](v T) *T {
	return &v
}

// PtrValue dereferences ptr, returning the zero value of T if ptr is nil.
func PtrValue[T any](ptr *T) T {
	if ptr == nil {
		var zero T
		return zero
	}
	return *ptr
}
