package bunx

import "github.com/google/uuid"

// NewUUIDv7 generates a time-ordered UUIDv7 string for primary keys.
// Both dialects store it as text, so no gen_random_uuid() is needed.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
