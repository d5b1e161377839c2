package utils

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateID generates a new random identifier (UUIDv4).
func GenerateID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		// crypto/rand exhausted; fall back to a timestamp-derived id.
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return id.String()
}
