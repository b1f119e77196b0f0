package util

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/example/checkout-embed/internal/models"
)

var (
	// ErrInvalidUUID is returned when a value is not a UUID v4.
	ErrInvalidUUID = errors.New("invalid uuid v4")
	// ErrInvalidURL indicates that a URL failed validation.
	ErrInvalidURL = errors.New("invalid url")
	// ErrInvalidLocale is returned for locales the payment form does not support.
	ErrInvalidLocale = errors.New("unsupported locale")
	// ErrInvalidOrigin is returned for a postMessage target origin that is
	// neither "*" nor a bare scheme://host[:port].
	ErrInvalidOrigin = errors.New("invalid target origin")
	// ErrInvalidIdentifier is returned for path identifiers with unsafe characters.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ParseUUIDv4 parses and validates a UUID string, ensuring it is version 4.
func ParseUUIDv4(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.UUID{}, fmt.Errorf("%w: value is empty", ErrInvalidUUID)
	}

	u, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: %v", ErrInvalidUUID, err)
	}

	if u.Version() != 4 {
		return uuid.UUID{}, fmt.Errorf("%w: expected version 4", ErrInvalidUUID)
	}

	return u, nil
}

// ValidateHTTPURL ensures the provided string is a valid HTTP or HTTPS URL.
func ValidateHTTPURL(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidURL)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: host is required", ErrInvalidURL)
	}

	return trimmed, nil
}

// NormalizeLocale matches value case-insensitively against the supported
// locales and returns the canonical spelling. "en-US" is accepted for en_US.
func NormalizeLocale(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidLocale)
	}
	candidate := strings.ReplaceAll(trimmed, "-", "_")
	for _, locale := range models.Locales {
		if strings.EqualFold(candidate, locale) {
			return locale, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLocale, trimmed)
}

// NormalizeOrigin validates a postMessage target origin.
func NormalizeOrigin(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || trimmed == "*" {
		return "*", nil
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOrigin, u.Scheme)
	}
	if u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, trimmed)
	}
	return u.Scheme + "://" + u.Host, nil
}

// ValidateIdentifier ensures value can be placed in a URL path segment as is.
func ValidateIdentifier(field, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !identifierPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %s %q", ErrInvalidIdentifier, field, value)
	}
	return trimmed, nil
}
