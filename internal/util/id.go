package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewMessageID returns a UUID for chat message records. The remote assist
// backend correlates feedback by message id, so these stay UUID-shaped.
func NewMessageID() string {
	return uuid.NewString()
}
