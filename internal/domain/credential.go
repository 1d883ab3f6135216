package domain

import "time"

// DefaultTokenTTL is the lifetime the issuer declares for a credential.
const DefaultTokenTTL = 10 * time.Minute

// Credential is a signed, short-lived token for one participant in one room.
// It is never reused across sessions.
type Credential struct {
	Token           string
	RoomName        string
	ParticipantName string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the credential is no longer usable at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
