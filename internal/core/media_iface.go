package core

import (
	"context"

	"github.com/pion/rtp"
)

// AudioContext is the local audio pipeline that platform policy may keep
// suspended until the user interacts.
type AudioContext interface {
	Resume(ctx context.Context) error
	Suspended() bool
}

// AudioSource delivers captured PCM16 little-endian mono frames.
type AudioSource interface {
	StartCapture(onAudio func(pcm []byte)) error
	StopCapture() error
	SampleRate() int
}

// RemoteTrack is a subscribed remote media track.
type RemoteTrack interface {
	ID() string
	Kind() string
	// ReadRTP blocks until the next packet or the end of the track.
	ReadRTP() (*rtp.Packet, error)
}
