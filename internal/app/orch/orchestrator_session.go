package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/voicelink/internal/app/reaper"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

func (o *Orchestrator) handleStart() {
	if o.retry != nil {
		o.logger.Info().Msg("start requested during reconnect delay, retrying now")
		o.optedIn = true
		o.begin()
		return
	}
	if o.state != domain.StateIdle || o.sess != nil {
		o.logger.Debug().Str("state", o.state.String()).Msg("start ignored, session in progress")
		return
	}
	o.optedIn = true
	o.begin()
}

func (o *Orchestrator) handleStop() {
	o.optedIn = false
	o.teardown(reaper.CauseUser)
}

// begin runs one attempt: guard, credential, dial. Results come back
// through the inbox tagged with the attempt number.
func (o *Orchestrator) begin() {
	o.stopRetry()
	o.err = nil

	if o.cfg.URL == "" {
		o.fail(fmt.Errorf("%w: transport URL is not set", domain.ErrConfiguration))
		return
	}
	if o.tokens == nil || o.dialer == nil {
		o.fail(fmt.Errorf("%w: no credential source or dialer", domain.ErrConfiguration))
		return
	}
	if !o.holding.Load() {
		if !o.guard.TryActivate() {
			o.logger.Warn().Msg("another session is active in this process")
			o.err = domain.ErrAlreadyActive
			o.setState(domain.StateIdle, "Another session is already active")
			return
		}
		o.holding.Store(true)
	}

	attempt, ctx := o.newAttempt()
	o.setState(domain.StateConnecting, "Requesting credentials")

	go func() {
		cred, err := o.tokens.Acquire(ctx, o.cfg.RoomName, o.cfg.ParticipantName)
		o.post(func() { o.onCredential(attempt, cred, err) })
	}()
}

func (o *Orchestrator) newAttempt() (uint64, context.Context) {
	if o.cancelAttempt != nil {
		o.cancelAttempt()
	}
	o.attempt++
	o.attemptCtx, o.cancelAttempt = context.WithCancel(o.ctx)
	return o.attempt, o.attemptCtx
}

// dropAttempt makes every in-flight result of the current attempt stale.
func (o *Orchestrator) dropAttempt() {
	if o.cancelAttempt != nil {
		o.cancelAttempt()
		o.cancelAttempt = nil
	}
	o.attempt++
}

func (o *Orchestrator) onCredential(attempt uint64, cred domain.Credential, err error) {
	if attempt != o.attempt {
		return
	}
	if err != nil {
		o.fail(err)
		return
	}
	if cred.Expired(time.Now()) {
		o.fail(fmt.Errorf("%w: credential expired at %s", domain.ErrMalformedResponse, cred.ExpiresAt.Format(time.RFC3339)))
		return
	}

	o.logger.Info().
		Str("participant", cred.ParticipantName).
		Time("expires_at", cred.ExpiresAt).
		Msg("credential acquired")
	o.setStatus("Connecting to room")

	ctx := o.attemptCtx
	go func() {
		sess, err := o.dialer.Dial(ctx, o.cfg.URL, cred)
		o.post(func() { o.onDialed(attempt, sess, err) })
	}()
}

func (o *Orchestrator) onDialed(attempt uint64, sess core.Session, err error) {
	if attempt != o.attempt {
		if sess != nil {
			o.logger.Debug().Str("session", sess.Name()).Msg("dropping session of a cancelled attempt")
			sess.Disconnect()
		}
		return
	}
	if err != nil {
		o.fail(fmt.Errorf("%w: %w", domain.ErrTransport, err))
		return
	}

	o.sess = sess
	o.media.Reset()
	o.reaper.Attach(sess)
	o.unsubscribe = sess.Subscribe(func(ev core.Event) {
		o.post(func() { o.onEvent(sess, ev) })
	})
	o.logger.Info().Str("session", sess.Name()).Msg("session attached")
}

func (o *Orchestrator) onEvent(sess core.Session, ev core.Event) {
	if sess != o.sess {
		return
	}

	switch ev.Kind {
	case core.EventConnected:
		if o.state == domain.StateConnecting {
			o.setState(domain.StateWaitingAgent, "Waiting for agent")
			o.waitForAgent()
		}

	case core.EventReconnecting:
		o.stopWait()
		o.setState(domain.StateReconnecting, "Connection interrupted, reconnecting")

	case core.EventReconnected:
		o.media.Reset()
		o.setState(domain.StateWaitingAgent, "Reconnected, waiting for agent")
		o.waitForAgent()

	case core.EventDisconnected:
		o.onDisconnected(ev.Reason)

	case core.EventParticipantJoined:
		if ev.Participant.Identity == o.agent.Identity {
			o.agent = ev.Participant
		}

	case core.EventParticipantLeft:
		delete(o.tracks, ev.Participant.Identity)
		if !o.agent.IsZero() && ev.Participant.Identity == o.agent.Identity {
			o.logger.Info().Str("agent", o.agent.Identity).Msg("agent left the room")
			o.clearAgent()
			o.setStatus("Agent left the room")
		}

	case core.EventDataReceived:
		o.onData(ev.Participant, ev.Data)

	case core.EventTrackSubscribed:
		o.onTrackSubscribed(ev.Participant, ev.Track)

	case core.EventTrackUnsubscribed:
		o.onTrackUnsubscribed(ev.Participant, ev.Track)

	case core.EventError:
		o.fail(fmt.Errorf("%w: %w", domain.ErrTransport, ev.Err))
	}
}

func (o *Orchestrator) onDisconnected(reason core.DisconnectReason) {
	o.logger.Info().Str("reason", reason.String()).Bool("opted_in", o.optedIn).Msg("session disconnected")
	o.detachSession(reaper.CauseRemote)
	o.releaseGuard()

	if reason.UserInitiated() || !o.optedIn {
		o.setState(domain.StateIdle, "Disconnected")
		return
	}

	o.scheduleRetry()
	o.setState(domain.StateConnecting, fmt.Sprintf("Connection lost, reconnecting in %s", o.cfg.ReconnectDelay))
}

func (o *Orchestrator) scheduleRetry() {
	o.stopRetry()
	seq := o.retrySeq
	o.retry = time.AfterFunc(o.cfg.ReconnectDelay, func() {
		o.post(func() {
			if seq != o.retrySeq || o.retry == nil {
				return
			}
			o.retry = nil
			if !o.optedIn {
				return
			}
			o.begin()
		})
	})
}

func (o *Orchestrator) stopRetry() {
	o.retrySeq++
	if o.retry != nil {
		o.retry.Stop()
		o.retry = nil
	}
}

// fail ends the current attempt and leaves the error overlaid on idle
// until the user retries.
func (o *Orchestrator) fail(err error) {
	o.logger.Error().Err(err).Msg("session attempt failed")
	o.detachSession(reaper.CauseFailure)
	o.releaseGuard()
	o.err = err
	o.setState(domain.StateIdle, "Connection failed")
}

// teardown cancels timers and in-flight work, disconnects and returns to
// idle.
func (o *Orchestrator) teardown(cause reaper.Cause) {
	o.detachSession(cause)
	o.releaseGuard()
	o.err = nil
	o.setState(domain.StateIdle, "Disconnected")
}

// detachSession stops everything tied to the current session and reaps
// it. The guard is left to the caller.
func (o *Orchestrator) detachSession(cause reaper.Cause) {
	o.stopRetry()
	o.dropAttempt()
	o.stopWait()
	o.clearAgent()
	clear(o.tracks)

	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}
	if o.sess != nil {
		o.reaper.Reap(cause)
		o.sess = nil
	}
	o.media.Reset()
}

func (o *Orchestrator) releaseGuard() {
	if o.holding.CompareAndSwap(true, false) {
		o.guard.Release()
	}
}
