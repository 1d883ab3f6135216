package lk

import (
	"encoding/binary"

	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/dkeye/voicelink/internal/domain"
)

const kindAttribute = "lk.participant.kind"

func participantOf(rp *lksdk.RemoteParticipant) domain.Participant {
	if rp == nil {
		return domain.Participant{}
	}
	var tracks []string
	for _, pub := range rp.TrackPublications() {
		tracks = append(tracks, pub.SID())
	}
	return newParticipant(rp.Identity(), rp.Name(), rp.Attributes(), tracks)
}

func newParticipant(identity, name string, attrs map[string]string, tracks []string) domain.Participant {
	kind := "standard"
	if k, ok := attrs[kindAttribute]; ok && k != "" {
		kind = k
	}
	return domain.Participant{
		Identity: identity,
		Name:     name,
		Kind:     kind,
		Tracks:   tracks,
	}
}

// pcm16 reinterprets little-endian 16-bit PCM bytes as samples. A trailing
// odd byte is dropped.
func pcm16(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return samples
}
