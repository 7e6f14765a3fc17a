package core

import "github.com/google/uuid"

// NewBatchID returns a time-ordered UUIDv7 prefixed with "batch_".
func NewBatchID() string {
	return "batch_" + newID()
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}

// NewMessageID is exported for stores that need the id before insert.
func NewMessageID() string { return newID() }
