package reaper

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/core"
)

const DefaultGrace = 150 * time.Millisecond

// Cause names the exit path that ended a session.
type Cause int

const (
	CauseUser Cause = iota
	CauseRemote
	CauseTeardown
	CauseTermination
	CauseFailure
)

func (c Cause) String() string {
	switch c {
	case CauseUser:
		return "user"
	case CauseRemote:
		return "remote"
	case CauseTeardown:
		return "teardown"
	case CauseTermination:
		return "termination"
	case CauseFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Reaper disconnects each attached session exactly once, whichever exit
// path gets there first.
type Reaper struct {
	grace time.Duration

	mu      sync.Mutex
	sess    core.Session
	reaped  bool
	pending *time.Timer
	gen     uint64

	logger zerolog.Logger
}

func New(grace time.Duration) *Reaper {
	if grace < 0 {
		grace = 0
	}
	return &Reaper{
		grace:  grace,
		logger: log.With().Str("module", "app.reaper").Logger(),
	}
}

// Attach makes sess the instance to reap. A previous instance that was
// never reaped is disconnected first.
func (r *Reaper) Attach(sess core.Session) {
	r.mu.Lock()
	prev, prevLive := r.sess, r.sess != nil && !r.reaped
	r.sess = sess
	r.reaped = false
	r.mu.Unlock()

	if prevLive && prev != sess {
		r.logger.Warn().Str("session", prev.Name()).Msg("replacing live session, disconnecting previous")
		prev.Disconnect()
	}
}

// Reap disconnects the attached session unless that already happened.
// It reports whether this call issued the disconnect.
func (r *Reaper) Reap(cause Cause) bool {
	r.mu.Lock()
	if r.sess == nil || r.reaped {
		r.mu.Unlock()
		return false
	}
	r.reaped = true
	sess := r.sess
	r.mu.Unlock()

	r.logger.Info().Str("session", sess.Name()).Str("cause", cause.String()).Msg("disconnecting session")
	sess.Disconnect()
	return true
}

// ScheduleTeardown runs fn after the grace window unless Claim is called
// first. A newer schedule replaces an older one.
func (r *Reaper) ScheduleTeardown(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		r.pending.Stop()
	}
	r.gen++
	gen := r.gen
	r.pending = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		if r.gen != gen || r.pending == nil {
			r.mu.Unlock()
			return
		}
		r.pending = nil
		r.mu.Unlock()
		fn()
	})
}

// Claim cancels a pending teardown. It reports whether one was pending.
func (r *Reaper) Claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return false
	}
	r.pending.Stop()
	r.pending = nil
	r.gen++
	r.logger.Debug().Msg("teardown claimed by re-initialization")
	return true
}

// Terminate is the process-exit path: any pending teardown is dropped and
// the disconnect is issued on the calling goroutine.
func (r *Reaper) Terminate() bool {
	r.Claim()
	return r.Reap(CauseTermination)
}

// live reports whether an attached session still needs a disconnect.
func (r *Reaper) live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess != nil && !r.reaped
}
