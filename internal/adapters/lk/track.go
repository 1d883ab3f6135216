package lk

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// remoteTrack exposes a subscribed pion track as core.RemoteTrack.
type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t remoteTrack) ID() string   { return t.track.ID() }
func (t remoteTrack) Kind() string { return t.track.Kind().String() }

func (t remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
