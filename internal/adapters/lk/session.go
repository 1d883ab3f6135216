// Package lk connects sessions to a LiveKit server.
package lk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

const micTrackName = "microphone"

var errNotConnected = errors.New("lk: session not connected")

// Dialer joins LiveKit rooms with an issued token. Source feeds the
// microphone track; without it microphone publication fails.
type Dialer struct {
	Source core.AudioSource
}

func NewDialer(source core.AudioSource) *Dialer {
	return &Dialer{Source: source}
}

func (d *Dialer) Dial(ctx context.Context, url string, cred domain.Credential) (core.Session, error) {
	s := newSession(cred, d.Source)

	type joined struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan joined, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(url, cred.Token, s.callback(), lksdk.WithAutoSubscribe(true))
		done <- joined{room, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if j := <-done; j.room != nil {
				j.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case j := <-done:
		if j.err != nil {
			return nil, fmt.Errorf("join %s: %w", cred.RoomName, j.err)
		}
		s.attach(j.room)
		s.events.emit(core.Event{Kind: core.EventConnected})
		return s, nil
	}
}

// Session is one joined LiveKit room.
type Session struct {
	name   string
	source core.AudioSource
	events *hub

	mu       sync.Mutex
	room     *lksdk.Room
	mic      *lkmedia.PCMLocalTrack
	micSID   string
	leaving  atomic.Bool
	closeOne sync.Once

	logger zerolog.Logger
}

func newSession(cred domain.Credential, source core.AudioSource) *Session {
	return &Session{
		name:   cred.RoomName,
		source: source,
		events: newHub(),
		logger: log.With().
			Str("module", "adapters.lk").
			Str("room", cred.RoomName).
			Str("identity", cred.ParticipantName).
			Logger(),
	}
}

func (s *Session) attach(room *lksdk.Room) {
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()
	s.logger.Info().Msg("joined room")
}

func (s *Session) callback() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				s.logger.Debug().Str("track", track.ID()).Str("kind", track.Kind().String()).Str("participant", rp.Identity()).Msg("track subscribed")
				s.events.emit(core.Event{Kind: core.EventTrackSubscribed, Participant: participantOf(rp), Track: remoteTrack{track}})
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				s.events.emit(core.Event{Kind: core.EventTrackUnsubscribed, Participant: participantOf(rp), Track: remoteTrack{track}})
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				payload := data.ToProto().GetUser().GetPayload()
				if len(payload) == 0 {
					return
				}
				s.events.emit(core.Event{
					Kind:        core.EventDataReceived,
					Participant: domain.Participant{Identity: params.SenderIdentity},
					Data:        payload,
				})
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			s.logger.Info().Str("participant", rp.Identity()).Msg("participant joined")
			s.events.emit(core.Event{Kind: core.EventParticipantJoined, Participant: participantOf(rp)})
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			s.logger.Info().Str("participant", rp.Identity()).Msg("participant left")
			s.events.emit(core.Event{Kind: core.EventParticipantLeft, Participant: participantOf(rp)})
		},
		OnReconnecting: func() {
			s.logger.Warn().Msg("reconnecting to room")
			s.events.emit(core.Event{Kind: core.EventReconnecting})
		},
		OnReconnected: func() {
			s.logger.Info().Msg("reconnected to room")
			s.events.emit(core.Event{Kind: core.EventReconnected})
		},
		OnDisconnected: func() {
			if s.leaving.Load() {
				return
			}
			s.logger.Warn().Msg("disconnected by server")
			s.closed(core.DisconnectNetwork)
		},
	}
}

func (s *Session) Name() string { return s.name }

func (s *Session) RemoteParticipants() []domain.Participant {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == nil {
		return nil
	}

	remotes := room.GetRemoteParticipants()
	out := make([]domain.Participant, 0, len(remotes))
	for _, rp := range remotes {
		out = append(out, participantOf(rp))
	}
	return out
}

func (s *Session) Subscribe(fn func(core.Event)) func() {
	return s.events.subscribe(fn)
}

// SetMicrophoneEnabled publishes or withdraws the microphone track.
func (s *Session) SetMicrophoneEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return errNotConnected
	}
	if enabled {
		return s.publishMic()
	}
	return s.unpublishMic()
}

func (s *Session) publishMic() error {
	if s.mic != nil {
		return nil
	}
	if s.source == nil {
		return errors.New("lk: no audio source for microphone")
	}

	track, err := lkmedia.NewPCMLocalTrack(s.source.SampleRate(), 1, nil)
	if err != nil {
		return fmt.Errorf("create microphone track: %w", err)
	}
	pub, err := s.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   micTrackName,
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		track.Close()
		return fmt.Errorf("publish microphone track: %w", err)
	}

	if err := s.source.StartCapture(func(pcm []byte) {
		if err := track.WriteSample(pcm16(pcm)); err != nil {
			s.logger.Debug().Err(err).Msg("write microphone sample")
		}
	}); err != nil {
		_ = s.room.LocalParticipant.UnpublishTrack(pub.SID())
		track.Close()
		return fmt.Errorf("start capture: %w", err)
	}

	s.mic = track
	s.micSID = pub.SID()
	s.logger.Info().Str("track", s.micSID).Int("sample_rate", s.source.SampleRate()).Msg("microphone published")
	return nil
}

func (s *Session) unpublishMic() error {
	if s.mic == nil {
		return nil
	}
	var errs []error
	if err := s.source.StopCapture(); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}
	if s.room != nil {
		if err := s.room.LocalParticipant.UnpublishTrack(s.micSID); err != nil {
			errs = append(errs, fmt.Errorf("unpublish microphone: %w", err))
		}
	}
	s.mic.Close()
	s.mic = nil
	s.micSID = ""
	return errors.Join(errs...)
}

// Disconnect leaves the room. Subscribers see one client-initiated
// Disconnected event.
func (s *Session) Disconnect() {
	s.leaving.Store(true)

	s.mu.Lock()
	if err := s.unpublishMic(); err != nil {
		s.logger.Warn().Err(err).Msg("release microphone")
	}
	room := s.room
	s.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
	s.closed(core.DisconnectClientInitiated)
}

func (s *Session) closed(reason core.DisconnectReason) {
	s.closeOne.Do(func() {
		s.logger.Info().Str("reason", reason.String()).Msg("session closed")
		s.events.emit(core.Event{Kind: core.EventDisconnected, Reason: reason})
	})
}
