package env

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// GetStringFromFile prefers the file named by KEY_FILE (Docker secrets) and
// falls back to KEY itself when that file is unset or unreadable.
func GetStringFromFile(key, defaultValue string) string {
	filePath := os.Getenv(key + "_FILE")

	if filePath != "" {
		content, err := os.ReadFile(filepath.Clean(filePath))
		if err == nil {
			return string(bytes.TrimSpace(content))
		}
	}

	return GetString(key, defaultValue)
}

// GetString returns the environment variable value or the default value if not set
func GetString(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// parsed returns parse(value of key), or def when the variable is unset or
// does not parse.
func parsed[T any](key string, def T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func GetInt(key string, defaultValue int) int {
	return parsed(key, defaultValue, strconv.Atoi)
}

func GetFloat(key string, defaultValue float64) float64 {
	return parsed(key, defaultValue, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func GetBool(key string, defaultValue bool) bool {
	return parsed(key, defaultValue, strconv.ParseBool)
}

// GetDuration accepts time.ParseDuration syntax ("250ms", "5s").
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	return parsed(key, defaultValue, time.ParseDuration)
}

// GetStringSlice splits a comma-separated variable, dropping empty items.
func GetStringSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// GetBase64FromFile decodes a standard-base64 secret (env var or Docker secret file).
// An unset variable yields nil and no error.
func GetBase64FromFile(key string) ([]byte, error) {
	raw := GetStringFromFile(key, "")
	if raw == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid base64: %w", key, err)
	}
	return decoded, nil
}

