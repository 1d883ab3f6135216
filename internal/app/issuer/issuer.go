// Package issuer signs LiveKit access tokens for the credential endpoint.
package issuer

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/domain"
)

type Issuer struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

func New(apiKey, apiSecret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = domain.DefaultTokenTTL
	}
	return &Issuer{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		ttl:       ttl,
		now:       time.Now,
		logger:    log.With().Str("module", "app.issuer").Logger(),
	}
}

// Configured reports whether both API credentials are present.
func (i *Issuer) Configured() bool {
	return i.apiKey != "" && i.apiSecret != ""
}

// Issue signs a join-only token for participantName in roomName.
func (i *Issuer) Issue(roomName, participantName string) (domain.Credential, error) {
	if !i.Configured() {
		return domain.Credential{}, fmt.Errorf("%w: LiveKit API key and secret are required", domain.ErrConfiguration)
	}
	if err := domain.ValidateRoomName(roomName); err != nil {
		return domain.Credential{}, fmt.Errorf("roomName: %w", err)
	}
	if err := domain.ValidateParticipantName(participantName); err != nil {
		return domain.Credential{}, fmt.Errorf("participantName: %w", err)
	}

	allow := true
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           roomName,
		CanPublish:     &allow,
		CanSubscribe:   &allow,
		CanPublishData: &allow,
	}
	jwt, err := auth.NewAccessToken(i.apiKey, i.apiSecret).
		SetVideoGrant(grant).
		SetIdentity(participantName).
		SetName(participantName).
		SetValidFor(i.ttl).
		ToJWT()
	if err != nil {
		return domain.Credential{}, fmt.Errorf("sign token: %w", err)
	}

	now := i.now()
	i.logger.Info().
		Str("room", roomName).
		Str("participant", participantName).
		Dur("ttl", i.ttl).
		Msg("token issued")
	return domain.Credential{
		Token:           jwt,
		RoomName:        roomName,
		ParticipantName: participantName,
		IssuedAt:        now,
		ExpiresAt:       now.Add(i.ttl),
	}, nil
}
