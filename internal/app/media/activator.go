package media

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// Activator enables local audio once per session instance.
type Activator struct {
	audio   core.AudioContext
	gesture *Gesture
	enabled atomic.Bool
	logger  zerolog.Logger
}

// NewActivator builds an activator; audio may be nil when there is no
// local pipeline to resume.
func NewActivator(audio core.AudioContext, gesture *Gesture) *Activator {
	if gesture == nil {
		gesture = &Gesture{}
	}
	return &Activator{
		audio:   audio,
		gesture: gesture,
		logger:  log.With().Str("module", "app.media").Logger(),
	}
}

// Activate resumes the audio context and enables microphone publication.
// Only the first call after Reset does the work; later or concurrent calls
// return nil at once. Step failures are logged, not returned.
func (a *Activator) Activate(ctx context.Context, sess core.Session) error {
	if !a.gesture.Occurred() {
		return domain.ErrNoGesture
	}
	if !a.enabled.CompareAndSwap(false, true) {
		a.logger.Debug().Msg("media already enabled for this session")
		return nil
	}

	if a.audio != nil && a.audio.Suspended() {
		if err := a.audio.Resume(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("resume audio context")
		}
	}
	if err := sess.SetMicrophoneEnabled(true); err != nil {
		a.logger.Warn().Err(err).Str("session", sess.Name()).Msg("enable microphone")
		return nil
	}
	a.logger.Info().Str("session", sess.Name()).Msg("microphone enabled")
	return nil
}

// Reset allows the next Activate to run again (new session instance or
// after a reconnect).
func (a *Activator) Reset() { a.enabled.Store(false) }

func (a *Activator) Enabled() bool { return a.enabled.Load() }
