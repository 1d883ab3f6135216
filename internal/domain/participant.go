// Package domain contains entities without transport logic, just meta-data
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MaxRoomNameLen        = 64
	MaxParticipantNameLen = 64
)

var (
	ErrNameEmpty   = errors.New("name empty")
	ErrNameTooLong = errors.New("name too long")
)

// Participant is a remote member of the session as seen by the orchestrator.
// Tracks holds the SIDs of its published tracks.
type Participant struct {
	Identity string   `json:"identity"`
	Name     string   `json:"name,omitempty"`
	Kind     string   `json:"kind,omitempty"`
	Tracks   []string `json:"tracks,omitempty"`
}

// IsZero reports whether p is the empty handle.
func (p Participant) IsZero() bool { return p.Identity == "" }

// ValidateRoomName checks a room name received from a client.
func ValidateRoomName(name string) error {
	return validateName(name, MaxRoomNameLen)
}

// ValidateParticipantName checks a participant name received from a client.
func ValidateParticipantName(name string) error {
	return validateName(name, MaxParticipantNameLen)
}

func validateName(name string, limit int) error {
	if strings.TrimSpace(name) == "" {
		return ErrNameEmpty
	}
	if len(name) > limit {
		return ErrNameTooLong
	}
	return nil
}

// NewParticipantName derives a fresh identity from base: the millisecond
// timestamp plus a random suffix, so rapid retries never collide.
func NewParticipantName(base string, now time.Time) string {
	if base == "" {
		base = "user"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", base, now.UnixMilli(), suffix)
}
