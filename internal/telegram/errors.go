package telegram

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrPackNotFound matches API errors for a sticker set that does not exist
	ErrPackNotFound = errors.New("sticker set not found")
	// ErrUserNotFound matches API errors for a user the bot has never talked to
	ErrUserNotFound = errors.New("user not found")
)

// APIError is an unsuccessful Bot API response
type APIError struct {
	Method        string
	Code          int
	Description   string
	RetryAfterSec int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: telegram error %d: %s", e.Method, e.Code, e.Description)
}

// Is maps well-known API descriptions onto the package sentinels
func (e *APIError) Is(target error) bool {
	desc := strings.ToLower(e.Description)
	switch target {
	case ErrPackNotFound:
		return strings.Contains(desc, "stickerset_invalid")
	case ErrUserNotFound:
		return strings.Contains(desc, "user not found")
	}
	return false
}

// RetryAfter returns how long the API asked us to back off
func (e *APIError) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterSec) * time.Second
}

// isRateLimited reports whether err is a 429 response worth retrying
func isRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == 429
}
