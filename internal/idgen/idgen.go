package idgen

import (
	"github.com/google/uuid"
)

// ID prefixes for different models
const (
	PrefixAlert = "alert_"
)

// NewAlert generates a new alert ID with alert_ prefix
func NewAlert() string {
	return PrefixAlert + uuid.New().String()
}

// New generates a generic UUID without prefix (for internal use only)
func New() string {
	return uuid.New().String()
}
