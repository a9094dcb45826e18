package database

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxJokeBytes = 4096
	MaxNameRunes = 64
)

func validateExternalID(field string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s must be a positive integer, got %d", ErrInvalidInput, field, id)
	}
	return nil
}

func validateJokeText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: joke text is empty", ErrInvalidInput)
	}
	if len(text) > MaxJokeBytes {
		return fmt.Errorf("%w: joke text exceeds %d bytes", ErrInvalidInput, MaxJokeBytes)
	}
	return validateEncoding("joke text", text)
}

func validateName(field, name string, required bool) error {
	if required && strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidInput, field)
	}
	if utf8.RuneCountInString(name) > MaxNameRunes {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidInput, field, MaxNameRunes)
	}
	return validateEncoding(field, name)
}

// Postgres rejects NUL in text columns and SQLite truncates at it, so
// neither backend can store such a value faithfully.
func validateEncoding(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidInput, field)
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: %s contains a NUL byte", ErrInvalidInput, field)
	}
	return nil
}

func validateJoke(text, author string, externalID int64) error {
	if err := validateExternalID("user id", externalID); err != nil {
		return err
	}
	if err := validateJokeText(text); err != nil {
		return err
	}
	return validateName("author", author, false)
}

func validateAdmin(externalID int64, displayName string, invitedBy int64) error {
	if err := validateExternalID("admin id", externalID); err != nil {
		return err
	}
	if err := validateExternalID("inviting admin id", invitedBy); err != nil {
		return err
	}
	return validateName("admin name", displayName, true)
}
