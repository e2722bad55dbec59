package auth

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailRegex   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	digitRegex   = regexp.MustCompile(`\d`)
	letterRegex  = regexp.MustCompile(`[a-zA-Z]`)
	upperRegex   = regexp.MustCompile(`[A-Z]`)
	lowerRegex   = regexp.MustCompile(`[a-z]`)
	specialRegex = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>/?]`)
	nameRegex    = regexp.MustCompile(`^[a-zA-ZÀ-ÿ\s]+$`)
)

const (
	maxEmailLength          = 254
	minPasswordLength       = 6
	minStrongPasswordLength = 11
	maxPasswordLength       = 128
	minNameLength           = 3
	maxNameLength           = 100
)

// Each Validate* function returns an empty string for valid input, otherwise
// the message to show next to the field.

func ValidateEmail(email string) string {
	if email == "" {
		return "email is required"
	}
	if !emailRegex.MatchString(email) {
		return "enter a valid email"
	}
	if len(email) > maxEmailLength {
		return "email is too long"
	}
	return ""
}

// ValidatePassword applies the relaxed rules used at login.
func ValidatePassword(password string) string {
	if password == "" {
		return "password is required"
	}
	n := utf8.RuneCountInString(password)
	if n < minPasswordLength {
		return "password must be at least 6 characters"
	}
	if n > maxPasswordLength {
		return "password is too long"
	}
	if !digitRegex.MatchString(password) {
		return "password must contain a number"
	}
	if !letterRegex.MatchString(password) {
		return "password must contain a letter"
	}
	return ""
}

// ValidateStrongPassword applies the registration rules.
func ValidateStrongPassword(password string) string {
	if password == "" {
		return "password is required"
	}
	n := utf8.RuneCountInString(password)
	if n < minStrongPasswordLength {
		return "password must be at least 11 characters"
	}
	if n > maxPasswordLength {
		return "password is too long"
	}
	if !upperRegex.MatchString(password) {
		return "password must contain an uppercase letter"
	}
	if !specialRegex.MatchString(password) {
		return "password must contain a special character"
	}
	if !digitRegex.MatchString(password) {
		return "password must contain a number"
	}
	if !lowerRegex.MatchString(password) {
		return "password must contain a lowercase letter"
	}
	return ""
}

func ValidatePasswordConfirmation(password, confirmation string) string {
	if confirmation == "" {
		return "confirm your password"
	}
	if password != confirmation {
		return "passwords do not match"
	}
	return ""
}

func ValidateName(name string) string {
	if name == "" {
		return "name is required"
	}
	trimmed := strings.TrimSpace(name)
	n := utf8.RuneCountInString(trimmed)
	if n < minNameLength {
		return "name must be at least 3 characters"
	}
	if n > maxNameLength {
		return "name is too long"
	}
	if !nameRegex.MatchString(trimmed) {
		return "name must contain only letters"
	}
	return ""
}

type fieldErrors map[string]string

func (f fieldErrors) check(field, msg string) {
	if msg != "" {
		f[field] = msg
	}
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return &ValidationError{Fields: f}
}

// ValidateLoginForm returns a *ValidationError or nil.
func ValidateLoginForm(c LoginCredentials) error {
	f := fieldErrors{}
	f.check("email", ValidateEmail(c.Email))
	f.check("password", ValidatePassword(c.Password))
	return f.err()
}

// ValidateRegisterForm returns a *ValidationError or nil.
func ValidateRegisterForm(c RegisterCredentials) error {
	f := fieldErrors{}
	f.check("name", ValidateName(c.Name))
	f.check("email", ValidateEmail(c.Email))
	f.check("password", ValidateStrongPassword(c.Password))
	f.check("confirmPassword", ValidatePasswordConfirmation(c.Password, c.ConfirmPassword))
	return f.err()
}

// ValidateForgotPasswordForm returns a *ValidationError or nil.
func ValidateForgotPasswordForm(email string) error {
	f := fieldErrors{}
	f.check("email", ValidateEmail(email))
	return f.err()
}

// ValidateResetPasswordForm returns a *ValidationError or nil.
func ValidateResetPasswordForm(r ResetPasswordRequest) error {
	f := fieldErrors{}
	if r.Token == "" {
		f["token"] = "reset token is required"
	}
	f.check("password", ValidateStrongPassword(r.Password))
	f.check("confirmPassword", ValidatePasswordConfirmation(r.Password, r.ConfirmPassword))
	return f.err()
}
