package util

import "github.com/google/uuid"

// NewLocalID returns a fresh client-side message id.
func NewLocalID() string {
	return uuid.NewString()
}
