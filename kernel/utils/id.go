package utils

import (
	"github.com/google/uuid"
)

// GenerateID generates a random session identifier
func GenerateID() string {
	return uuid.NewString()
}

// ShortID returns the first eight characters of a generated id, handy for log prefixes
func ShortID() string {
	return GenerateID()[:8]
}
