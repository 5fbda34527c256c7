package schema

import "strings"

// ValidateUserID ensures a user id matches [a-z0-9._-] with no normalization.
func ValidateUserID(userID UserID) error {
	raw := string(userID)
	if raw == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidUser
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidUser
	}
	return nil
}

// ValidateSessionID ensures a session id is a plausible opaque identifier.
// Allowed characters: a-z, 0-9, '-'.
func ValidateSessionID(id SessionID) error {
	raw := string(id)
	if raw == "" || len(raw) > 64 {
		return ErrInvalidSession
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '-' {
			continue
		}
		return ErrInvalidSession
	}
	return nil
}

// NormalizeSessionTitle trims and truncates a session title to max runes.
// Empty titles are allowed; callers substitute a generated one.
func NormalizeSessionTitle(title string, max int) string {
	trimmed := strings.TrimSpace(title)
	trimmed = strings.Join(strings.Fields(trimmed), " ")
	if max <= 0 {
		return trimmed
	}
	runes := []rune(trimmed)
	if len(runes) <= max {
		return trimmed
	}
	return string(runes[:max])
}
