package bunx

import "github.com/google/uuid"

// NewUUIDv7 generates a time-ordered UUIDv7 string. Domain identities
// (user.id, resource.(type,name)) are caller-supplied, never generated;
// this is used for values that have no natural external name of their
// own, such as a distributed lock's holder token.
//
// Panics if UUID generation fails, which only happens on catastrophic
// system failure (entropy source exhaustion) — at that point the
// process cannot safely acquire a lock either way.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}
