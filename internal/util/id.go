package util

import "github.com/google/uuid"

// NewID returns a random UUID string for conversations and messages.
func NewID() string {
	return uuid.NewString()
}

// IsID reports whether value is a well-formed UUID.
func IsID(value string) bool {
	return uuid.Validate(value) == nil
}
