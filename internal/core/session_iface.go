package core

import (
	"context"

	"github.com/dkeye/voicelink/internal/domain"
)

// Session is the live handle to one transport connection.
// It is owned by the adapter that dialed it; callers hold a non-owning
// reference and end it with Disconnect.
type Session interface {
	Name() string
	// RemoteParticipants returns a snapshot of the participants currently in the room.
	RemoteParticipants() []domain.Participant
	// Subscribe registers fn for session events and returns a function that
	// removes the subscription. Events raised before the first subscription
	// are held and delivered to it.
	Subscribe(fn func(Event)) (unsubscribe func())
	// SetMicrophoneEnabled starts or stops publishing local microphone audio.
	SetMicrophoneEnabled(enabled bool) error
	// Disconnect leaves the room. It must not block on the network for long.
	Disconnect()
}

// Dialer opens a Session with a credential. A nil error means the transport
// is joined and an EventConnected is pending for the first subscriber.
type Dialer interface {
	Dial(ctx context.Context, url string, cred domain.Credential) (Session, error)
}
