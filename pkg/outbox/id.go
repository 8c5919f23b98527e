package outbox

import "github.com/google/uuid"

// NewMessageID returns a random UUIDv4 string, for callers that have no
// natural deterministic identifier of their own to use as a Message's
// MessageID.
func NewMessageID() string {
	return uuid.NewString()
}
