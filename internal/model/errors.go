package model

import "errors"

var (
	// ErrAuthenticationRequired is returned for actions without a bound identity.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrAuthorizationDenied is returned when the role may not act on the target.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrConversationNotFound is returned for unknown or stale conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationClosed is returned when appending to a closed conversation.
	ErrConversationClosed = errors.New("conversation closed")

	// ErrClassificationUnavailable is returned when the classifier failed or was not confident.
	ErrClassificationUnavailable = errors.New("classification unavailable")

	// ErrStoreUnavailable is returned when persistence failed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidEvent is returned for malformed inbound events or requests.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrNotFound is returned for unknown notifications or announcements.
	ErrNotFound = errors.New("not found")
)
