package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// TokenExpiry reads the exp claim of a JWT access token without verifying
// its signature. Tokens that are not JWTs or carry no exp report ok=false.
func TokenExpiry(token string) (time.Time, bool) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	decoder := json.NewDecoder(strings.NewReader(string(payloadBytes)))
	decoder.UseNumber()
	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return time.Time{}, false
	}
	raw, ok := payload["exp"]
	if !ok {
		return time.Time{}, false
	}
	exp, err := parseExp(raw)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(exp, 0), true
}

// ExpiresWithin reports whether token expires within window of now.
func ExpiresWithin(token string, now time.Time, window time.Duration) bool {
	exp, ok := TokenExpiry(token)
	if !ok {
		return false
	}
	return !now.Add(window).Before(exp)
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case int64:
		return typed, nil
	case json.Number:
		if n, err := typed.Int64(); err == nil {
			return n, nil
		}
		f, err := typed.Float64()
		return int64(f), err
	default:
		return 0, errors.New("unsupported exp type")
	}
}
