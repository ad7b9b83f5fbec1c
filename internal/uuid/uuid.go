// Package uuid generates time-ordered unique identifiers.
package uuid

import guuid "github.com/google/uuid"

// New returns a UUIDv7 string. The embedded timestamp makes identifiers
// lexically sortable by creation time, which challenge keys rely on as a
// deterministic tie-break.
func New() string {
	id, err := guuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does; fall back to v4.
		return guuid.NewString()
	}
	return id.String()
}
