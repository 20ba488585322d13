package domain

import (
	"fmt"
	"regexp"
	"time"
)

var specIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateSpecID rejects spec IDs that cannot safely be used as a path segment
func ValidateSpecID(id string) error {
	if !specIDRegex.MatchString(id) {
		return fmt.Errorf("invalid spec ID: %q", id)
	}
	return nil
}

// AgentRecord is the persisted description of an agent run. It is all that
// survives an application restart and is enough to rebuild a reattached handle.
type AgentRecord struct {
	AgentID          string
	SpecID           string
	Phase            string
	EngineID         EngineID
	SessionID        string
	PID              int
	Status           string
	StartedAt        time.Time
	ProcessStartTime string // Platform-specific process start stamp, empty if unknown
	ExitReason       string
	LogPath          string
	RetryCount       int
	UpdatedAt        time.Time
}
