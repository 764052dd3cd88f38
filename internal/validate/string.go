// Package validate provides centralized input validation and sanitization
// utilities for the relay API.
package validate

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength      int            // Minimum length (0 = no minimum)
	MaxLength      int            // Maximum length (0 = no maximum)
	AllowedPattern *regexp.Regexp // Optional regex pattern for allowed characters
	AllowEmpty     bool           // Whether empty strings are allowed
	TrimSpace      bool           // Whether to trim whitespace before validation
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	// Character count, not byte count
	length := utf8.RuneCountInString(s)

	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}
	if constraints.AllowedPattern != nil && !constraints.AllowedPattern.MatchString(s) {
		return "", fmt.Errorf("%w: does not match required pattern", ErrInvalidCharacters)
	}

	return s, nil
}

// SanitizeHTML escapes HTML special characters to prevent XSS attacks.
func SanitizeHTML(s string) string {
	return html.EscapeString(s)
}

// SanitizeString performs both validation and HTML sanitization.
func SanitizeString(s string, constraints StringConstraints) (string, error) {
	validated, err := String(s, constraints)
	if err != nil {
		return "", err
	}
	return SanitizeHTML(validated), nil
}

var (
	holderNamePattern = regexp.MustCompile(`^[A-Za-z0-9 _'\-\.]+$`)
	currencyPattern   = regexp.MustCompile(`^[a-zA-Z]{3}$`)
	routingPattern    = regexp.MustCompile(`^[0-9]{9}$`)
	accountPattern    = regexp.MustCompile(`^[0-9]{4,17}$`)
)

// HolderName validates a bank account holder name:
// - 1-100 characters
// - Letters, numbers, spaces, apostrophe, dash, underscore, period only
func HolderName(name string) (string, error) {
	return SanitizeString(name, StringConstraints{
		MinLength:      1,
		MaxLength:      100,
		AllowedPattern: holderNamePattern,
		TrimSpace:      true,
	})
}

// Currency validates a 3-letter ISO currency code and returns it lowercased.
func Currency(code string) (string, error) {
	validated, err := String(code, StringConstraints{
		AllowedPattern: currencyPattern,
		TrimSpace:      true,
	})
	if err != nil {
		return "", err
	}
	return strings.ToLower(validated), nil
}

// RoutingNumber validates a 9-digit ABA routing number.
func RoutingNumber(n string) (string, error) {
	return String(n, StringConstraints{
		AllowedPattern: routingPattern,
		TrimSpace:      true,
	})
}

// AccountNumber validates a 4-17 digit bank account number.
func AccountNumber(n string) (string, error) {
	return String(n, StringConstraints{
		AllowedPattern: accountPattern,
		TrimSpace:      true,
	})
}

// Description validates an optional free-text description, max 500 characters.
func Description(desc string) (string, error) {
	return SanitizeString(desc, StringConstraints{
		MaxLength:  500,
		AllowEmpty: true,
		TrimSpace:  true,
	})
}
