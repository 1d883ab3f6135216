package peer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

const DefaultTimeout = 12 * time.Second

// Waiter blocks until a qualifying remote participant is in the session.
type Waiter struct {
	Timeout time.Duration
	// Accept filters participants; nil accepts the first one to appear.
	Accept func(domain.Participant) bool
}

func (w Waiter) accepts(p domain.Participant) bool {
	return w.Accept == nil || w.Accept(p)
}

// Wait returns the first qualifying participant, domain.ErrPeerTimeout when
// none appears in time, or ctx.Err(). The subscription and the timer are
// released on every path.
func (w Waiter) Wait(ctx context.Context, sess core.Session) (domain.Participant, error) {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	found := make(chan domain.Participant, 1)
	unsubscribe := sess.Subscribe(func(ev core.Event) {
		if ev.Kind != core.EventParticipantJoined || !w.accepts(ev.Participant) {
			return
		}
		select {
		case found <- ev.Participant:
		default:
		}
	})
	defer unsubscribe()

	// Subscribed first so a join between the check and the subscription is not lost.
	for _, p := range sess.RemoteParticipants() {
		if w.accepts(p) {
			log.Debug().Str("module", "app.peer").Str("identity", p.Identity).Msg("peer already present")
			return p, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-found:
		log.Debug().Str("module", "app.peer").Str("identity", p.Identity).Msg("peer joined")
		return p, nil
	case <-timer.C:
		return domain.Participant{}, domain.ErrPeerTimeout
	case <-ctx.Done():
		return domain.Participant{}, ctx.Err()
	}
}

// AcceptKind returns a filter for participants whose kind is one of kinds.
func AcceptKind(kinds ...string) func(domain.Participant) bool {
	return func(p domain.Participant) bool {
		for _, k := range kinds {
			if p.Kind == k {
				return true
			}
		}
		return false
	}
}
