package store

import (
	"fmt"
	"strings"
)

const sessionIDPrefix = "sess_"

// MakeSessionID allocates a session id of the form
// "sess_{owner}_{8 lower-hex}". The owner must not contain an underscore
// followed by what could parse as the random suffix; plain opaque account
// names satisfy this.
func MakeSessionID(owner string) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("store: session owner is required")
	}
	return sessionIDPrefix + owner + "_" + newID(), nil
}

// ParseSessionID extracts the owner embedded in a session id and
// validates the id's shape. The suffix must be exactly 8 lower-hex
// characters.
func ParseSessionID(id string) (owner string, err error) {
	rest, ok := strings.CutPrefix(id, sessionIDPrefix)
	if !ok {
		return "", fmt.Errorf("session id %q missing %q prefix: %w", id, sessionIDPrefix, ErrInvalid)
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 {
		return "", fmt.Errorf("session id %q is malformed: %w", id, ErrInvalid)
	}
	owner, suffix := rest[:i], rest[i+1:]
	if !isHexSuffix(suffix) {
		return "", fmt.Errorf("session id %q has a malformed suffix: %w", id, ErrInvalid)
	}
	return owner, nil
}

func isHexSuffix(s string) bool {
	if len(s) != 8 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
