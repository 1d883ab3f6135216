package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/domain"
)

// TokenIssuer signs credentials for the token endpoint.
type TokenIssuer interface {
	Issue(roomName, participantName string) (domain.Credential, error)
}

type TokenResponse struct {
	Token           string `json:"token"`
	RoomName        string `json:"roomName"`
	ParticipantName string `json:"participantName"`
}

type ConfigResponse struct {
	URL string `json:"url"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Handlers struct {
	Issuer     TokenIssuer
	Limiter    *IssueRateLimiter
	LiveKitURL string
}

// Register mounts the handlers on an /api group.
func (h *Handlers) Register(api gin.IRoutes) {
	api.GET("/token", h.handleToken)
	api.GET("/config", h.handleConfig)
}

func (h *Handlers) handleToken(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	roomName := c.Query("roomName")
	participantName := c.Query("participantName")
	if err := domain.ValidateRoomName(roomName); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid roomName: " + err.Error()})
		return
	}
	if err := domain.ValidateParticipantName(participantName); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid participantName: " + err.Error()})
		return
	}

	client := c.GetString("client_token")
	if h.Limiter != nil && !h.Limiter.Allow(client) {
		log.Warn().Str("module", "transport.http").Str("client", client).Msg("token rate limit hit")
		c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many token requests"})
		return
	}

	cred, err := h.Issuer.Issue(roomName, participantName)
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		log.Error().Str("module", "transport.http").Err(err).Msg("token issuer not configured")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "server is missing LiveKit credentials"})
		return
	case err != nil:
		log.Error().Str("module", "transport.http").Err(err).Msg("token issue failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		Token:           cred.Token,
		RoomName:        cred.RoomName,
		ParticipantName: cred.ParticipantName,
	})
}

func (h *Handlers) handleConfig(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, ConfigResponse{URL: h.LiveKitURL})
}
