package keystore

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// DefaultMinPasswordLength is the default minimum password length in characters.
const DefaultMinPasswordLength = 8

// WeakPasswordError reports a password shorter than the configured minimum.
// errors.Is(err, ErrWeakPassword) holds for it.
type WeakPasswordError struct {
	Min int
}

func (e *WeakPasswordError) Error() string {
	return fmt.Sprintf("keystore: type at least %d characters", e.Min)
}

// Is lets callers match on ErrWeakPassword.
func (e *WeakPasswordError) Is(target error) bool {
	return target == ErrWeakPassword
}

// normalizePassword returns the NFC form of password so that sibling apps
// on platforms with different input normalization derive the same key.
// The result never aliases password.
func normalizePassword(password []byte) []byte {
	return norm.NFC.Append(nil, password...)
}

// checkLength enforces the minimum length on a normalized password.
func checkLength(password []byte, minLen int) error {
	if utf8.RuneCount(password) < minLen {
		return &WeakPasswordError{Min: minLen}
	}
	return nil
}

// PasswordStrength represents the strength level of a password
type PasswordStrength int

const (
	PasswordWeak PasswordStrength = iota
	PasswordFair
	PasswordGood
	PasswordStrong
)

// String returns a human-readable representation of password strength
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "weak"
	case PasswordFair:
		return "fair"
	case PasswordGood:
		return "good"
	case PasswordStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// PasswordValidation is an advisory assessment shown before a key is generated.
type PasswordValidation struct {
	Valid    bool             // Meets the minimum length
	Strength PasswordStrength // Estimated strength
	Warnings []string         // Suggestions for improvement (not errors)
}

// ValidatePassword checks password against minLen and grades its strength.
// Only the length is enforced; complexity produces warnings.
func ValidatePassword(password string, minLen int) *PasswordValidation {
	result := &PasswordValidation{Valid: true}
	n := utf8.RuneCountInString(norm.NFC.String(password))

	if n < minLen {
		result.Valid = false
		result.Strength = PasswordWeak
		result.Warnings = append(result.Warnings, fmt.Sprintf("Type at least %d characters", minLen))
		return result
	}

	var hasUpper, hasLower, hasDigit, hasOther bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasOther = true
		}
	}

	complexity := 0
	for _, ok := range []bool{hasUpper, hasLower, hasDigit, hasOther} {
		if ok {
			complexity++
		}
	}

	if complexity < 2 {
		result.Warnings = append(result.Warnings,
			"Consider using a mix of uppercase, lowercase, numbers, and symbols")
	}
	if n < 12 {
		result.Warnings = append(result.Warnings,
			"Longer passwords (12+ characters) are more secure")
	}

	switch {
	case complexity >= 3 && n >= 16:
		result.Strength = PasswordStrong
	case complexity >= 2 && n >= 12:
		result.Strength = PasswordGood
	case complexity >= 2 || n >= 12:
		result.Strength = PasswordFair
	default:
		result.Strength = PasswordWeak
	}
	return result
}
