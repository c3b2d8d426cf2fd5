package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string, used for agent ids.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// RequestID returns a sortable id for correlating a single HTTP request or
// receive run across log lines.
func RequestID() string {
	return ulid.Make().String()
}
