package identity

import "github.com/google/uuid"

// NewUnguessableID returns a cryptographically random, globally unique id
// suitable for approval ids and request/correlation ids. Job ids are not
// minted here — they are monotonic integers assigned by the storage layer
// under its single-writer transaction discipline.
func NewUnguessableID() string {
	return uuid.New().String()
}
