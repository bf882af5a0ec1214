package model

import "strings"

// Key identifies one cached query: entity kind plus identifying parameters.
// Segments are joined with "/", so "spot/42" is a prefix of "spot/42/sessions".
type Key string

func NewKey(parts ...string) Key {
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(strings.TrimSpace(part), "/")
		if part != "" {
			cleaned = append(cleaned, part)
		}
	}
	return Key(strings.Join(cleaned, "/"))
}

// HasPrefix reports whether k equals prefix or lives under it.
func (k Key) HasPrefix(prefix Key) bool {
	if prefix == "" {
		return true
	}
	return k == prefix || strings.HasPrefix(string(k), string(prefix)+"/")
}

func (k Key) String() string { return string(k) }

func SpotsKey() Key                   { return NewKey("spots") }
func SpotKey(spotID string) Key       { return NewKey("spot", spotID) }
func ConditionsKey(spotID string) Key { return NewKey("spot", spotID, "conditions") }
func SessionsKey(spotID string) Key   { return NewKey("spot", spotID, "sessions") }
func WikiKey(spotID string) Key       { return NewKey("wiki", spotID) }
