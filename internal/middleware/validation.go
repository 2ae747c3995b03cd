package middleware

import (
	"errors"
	"strconv"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxExternalIDLength bounds ids minted by other services.
const maxExternalIDLength = 128

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string, maxLength int) error {
	if len(content) == 0 {
		return errors.New("content cannot be empty")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	if utf8.RuneCountInString(content) > maxLength {
		return errors.New("content exceeds maximum length")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateExternalID validates an issue, campaign, user or notification id.
func ValidateExternalID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > maxExternalIDLength {
		return errors.New("id exceeds maximum length")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return errors.New("id contains invalid characters")
		}
	}
	return nil
}

// ParseSequence parses an after_sequence query value. Empty means zero.
func ParseSequence(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("after_sequence must be a non-negative integer")
	}
	return seq, nil
}

// ParseLimit parses a limit query value. Empty means zero, which callers
// replace with their default page size.
func ParseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}
