// Package ids generates and parses the opaque entity identifiers used
// throughout the data model (§3): hosts, services, deployments, rollouts,
// work items, and volume backups are all identified by UUIDv7 strings so
// that IDs sort roughly by creation time without a dedicated sequence.
package ids

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a new UUIDv7 identifier as a string.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Valid reports whether id parses as a UUID.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Require parses id and returns an error wrapping the original ID on
// failure, for use at API/trigger boundaries where a caller-supplied ID
// needs validating before it touches the DSDB.
func Require(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("invalid id %q: %w", id, err)
	}
	return id, nil
}
