package core

import "github.com/dkeye/voicelink/internal/domain"

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReconnecting
	EventReconnected
	EventParticipantJoined
	EventParticipantLeft
	EventDataReceived
	EventTrackSubscribed
	EventTrackUnsubscribed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventDataReceived:
		return "data_received"
	case EventTrackSubscribed:
		return "track_subscribed"
	case EventTrackUnsubscribed:
		return "track_unsubscribed"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// DisconnectReason discriminates who ended the session.
type DisconnectReason int

const (
	DisconnectUnknown DisconnectReason = iota
	DisconnectClientInitiated
	DisconnectServerShutdown
	DisconnectRoomDeleted
	DisconnectParticipantRemoved
	DisconnectDuplicateIdentity
	DisconnectNetwork
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectClientInitiated:
		return "client_initiated"
	case DisconnectServerShutdown:
		return "server_shutdown"
	case DisconnectRoomDeleted:
		return "room_deleted"
	case DisconnectParticipantRemoved:
		return "participant_removed"
	case DisconnectDuplicateIdentity:
		return "duplicate_identity"
	case DisconnectNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// UserInitiated reports whether the local user asked for the disconnect.
func (r DisconnectReason) UserInitiated() bool { return r == DisconnectClientInitiated }

// Event is one notification from a Session. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind        EventKind
	Participant domain.Participant
	Reason      DisconnectReason
	Data        []byte
	Track       RemoteTrack
	Err         error
}
