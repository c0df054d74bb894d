package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewSignature returns a random correlation token: a version 4 UUID with the
// dashes removed (32 lowercase hex characters).
func NewSignature() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSubscriptionID returns an identifier for a broker subscription.
func NewSubscriptionID() string {
	return "sub-" + uuid.NewString()[:8]
}
