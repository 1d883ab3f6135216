package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dkeye/voicelink/internal/domain"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = time.Second
)

type response struct {
	Token           string `json:"token"`
	RoomName        string `json:"roomName"`
	ParticipantName string `json:"participantName"`
	Error           string `json:"error"`
}

// Client requests credentials from the issuer endpoint.
type Client struct {
	endpoint  string
	http      *http.Client
	attempts  int
	baseDelay time.Duration
	ttl       time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets the total number of attempts and the first backoff delay.
func WithRetry(attempts int, base time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if base > 0 {
			c.baseDelay = base
		}
	}
}

// WithTTL sets the lifetime recorded on acquired credentials.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
		attempts:  DefaultAttempts,
		baseDelay: DefaultBaseDelay,
		ttl:       domain.DefaultTokenTTL,
		now:       time.Now,
		logger:    log.With().Str("module", "app.token").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire fetches a credential for roomName. Every attempt uses a fresh
// identity derived from participantName. After the last failed attempt it
// returns domain.ErrConnectionFailed wrapping the last failure.
func (c *Client) Acquire(ctx context.Context, roomName, participantName string) (domain.Credential, error) {
	ctx, span := otel.Tracer("voicelink/token").Start(ctx, "token.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("room", roomName))

	var (
		cred    domain.Credential
		lastErr error
		attempt int
	)
	backoff := retry.WithMaxRetries(uint64(c.attempts-1), retry.NewExponential(c.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		identity := domain.NewParticipantName(participantName, c.now())
		got, err := c.fetch(ctx, roomName, identity)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			if errors.Is(err, domain.ErrConfiguration) {
				return err
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Str("identity", identity).Msg("credential request failed")
			return retry.RetryableError(err)
		}
		cred = got
		return nil
	})
	span.SetAttributes(attribute.Int("attempts", attempt))
	if err == nil {
		c.logger.Info().Str("room", cred.RoomName).Str("identity", cred.ParticipantName).Int("attempt", attempt).Msg("credential acquired")
		return cred, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.Credential{}, ctxErr
	}
	if lastErr == nil {
		lastErr = err
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	if errors.Is(lastErr, domain.ErrConfiguration) {
		return domain.Credential{}, lastErr
	}
	return domain.Credential{}, fmt.Errorf("%w after %d attempts: %w", domain.ErrConnectionFailed, attempt, lastErr)
}

func (c *Client) fetch(ctx context.Context, roomName, identity string) (domain.Credential, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: bad endpoint: %w", domain.ErrConfiguration, err)
	}
	q := u.Query()
	q.Set("roomName", roomName)
	q.Set("participantName", identity)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: %w", domain.ErrIssuerUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: %w", domain.ErrIssuerUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: read body: %w", domain.ErrIssuerUnavailable, err)
	}

	var r response
	decodeErr := json.Unmarshal(body, &r)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := r.Error
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return domain.Credential{}, fmt.Errorf("%w: status %d: %s", domain.ErrIssuerUnavailable, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return domain.Credential{}, fmt.Errorf("%w: %w", domain.ErrMalformedResponse, decodeErr)
	}
	if r.Token == "" {
		return domain.Credential{}, fmt.Errorf("%w: missing token", domain.ErrMalformedResponse)
	}

	now := c.now()
	cred := domain.Credential{
		Token:           r.Token,
		RoomName:        roomName,
		ParticipantName: identity,
		IssuedAt:        now,
		ExpiresAt:       now.Add(c.ttl),
	}
	if r.RoomName != "" {
		cred.RoomName = r.RoomName
	}
	if r.ParticipantName != "" {
		cred.ParticipantName = r.ParticipantName
	}
	return cred, nil
}
