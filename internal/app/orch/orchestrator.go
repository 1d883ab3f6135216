// Package orch drives one real-time audio session with a remote agent:
// credentials, connection, agent discovery, microphone activation,
// reconnection and teardown.
package orch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/app/activity"
	"github.com/dkeye/voicelink/internal/app/guard"
	"github.com/dkeye/voicelink/internal/app/media"
	"github.com/dkeye/voicelink/internal/app/peer"
	"github.com/dkeye/voicelink/internal/app/reaper"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

const (
	DefaultReconnectDelay = 2 * time.Second
	inboxSize             = 256
)

// Credentials is the part of token.Client the orchestrator needs.
type Credentials interface {
	Acquire(ctx context.Context, roomName, participantName string) (domain.Credential, error)
}

type Config struct {
	URL             string
	RoomName        string
	ParticipantName string
	ReconnectDelay  time.Duration
	PeerTimeout     time.Duration
	TeardownGrace   time.Duration
	AgentHangover   time.Duration
}

// Deps are the collaborators of an Orchestrator. Guard is shared by every
// orchestrator of the process; the rest are per instance and defaulted
// when nil.
type Deps struct {
	Tokens Credentials
	Dialer core.Dialer
	Guard  *guard.Guard
	Audio  core.AudioContext
	// Accept restricts which remote participant counts as the agent.
	Accept func(domain.Participant) bool
}

type Orchestrator struct {
	cfg     Config
	tokens  Credentials
	dialer  core.Dialer
	guard   *guard.Guard
	peers   peer.Waiter
	media   *media.Activator
	reaper  *reaper.Reaper
	gesture *media.Gesture

	inbox   chan func()
	stopped chan struct{}
	running atomic.Bool
	holding atomic.Bool

	// owned by the loop goroutine
	ctx           context.Context
	state         domain.ConnectionState
	status        string
	err           error
	optedIn       bool
	attempt       uint64
	attemptCtx    context.Context
	cancelAttempt context.CancelFunc
	retry         *time.Timer
	retrySeq      uint64
	waitSeq       uint64
	cancelWait    context.CancelFunc
	sess          core.Session
	unsubscribe   func()
	agent         domain.Participant
	agentState    domain.AgentState
	override      bool
	tracks        map[string]core.RemoteTrack
	agentTrack    core.RemoteTrack
	monitor       *activity.Monitor

	mu          sync.Mutex
	snap        domain.Snapshot
	watchers    map[int]chan domain.Snapshot
	nextWatcher int

	logger zerolog.Logger
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = peer.DefaultTimeout
	}
	if cfg.TeardownGrace <= 0 {
		cfg.TeardownGrace = reaper.DefaultGrace
	}
	if cfg.AgentHangover <= 0 {
		cfg.AgentHangover = activity.DefaultHangover
	}
	if deps.Guard == nil {
		deps.Guard = guard.New(guard.NewMemoryStore())
	}

	gesture := &media.Gesture{}
	o := &Orchestrator{
		cfg:        cfg,
		tokens:     deps.Tokens,
		dialer:     deps.Dialer,
		guard:      deps.Guard,
		peers:      peer.Waiter{Timeout: cfg.PeerTimeout, Accept: deps.Accept},
		media:      media.NewActivator(deps.Audio, gesture),
		reaper:     reaper.New(cfg.TeardownGrace),
		gesture:    gesture,
		inbox:      make(chan func(), inboxSize),
		stopped:    make(chan struct{}),
		ctx:        context.Background(),
		agentState: domain.AgentIdle,
		tracks:     make(map[string]core.RemoteTrack),
		watchers:   make(map[int]chan domain.Snapshot),
		logger: log.With().
			Str("module", "app.orch").
			Str("room", cfg.RoomName).
			Logger(),
	}
	o.status = "Ready"
	o.snap = o.snapshot()
	return o
}

// Run processes commands and session events until ctx ends, then tears
// the session down. It must be called exactly once.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		panic("orch: Run called twice")
	}
	o.ctx = ctx
	defer close(o.stopped)

	o.logger.Debug().Msg("orchestrator loop started")
	for {
		select {
		case <-ctx.Done():
			o.teardown(reaper.CauseTeardown)
			o.logger.Debug().Msg("orchestrator loop stopped")
			return ctx.Err()
		case fn := <-o.inbox:
			fn()
		}
	}
}

// post hands fn to the loop. After the loop has exited fn is dropped.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.inbox <- fn:
	case <-o.stopped:
	}
}

// Start is the user gesture that opts into a session.
func (o *Orchestrator) Start() {
	o.gesture.Record()
	o.post(o.handleStart)
}

// Retry starts a new attempt after a failure. It is the same gesture as
// Start.
func (o *Orchestrator) Retry() { o.Start() }

// Stop is a user-initiated disconnect.
func (o *Orchestrator) Stop() {
	o.post(o.handleStop)
}

// Detach is called when the owner goes away. The session is torn down
// after the grace window unless Reattach comes first.
func (o *Orchestrator) Detach() {
	o.reaper.ScheduleTeardown(func() {
		o.post(func() { o.teardown(reaper.CauseTeardown) })
	})
}

// Reattach cancels a pending teardown. It reports whether one was pending.
func (o *Orchestrator) Reattach() bool {
	return o.reaper.Claim()
}

// Terminate disconnects on the calling goroutine without waiting for the
// loop. The loop still observes the session going away.
func (o *Orchestrator) Terminate() {
	if o.reaper.Terminate() {
		o.logger.Info().Msg("session terminated")
	}
	if o.holding.CompareAndSwap(true, false) {
		o.guard.Release()
	}
	o.post(func() { o.teardown(reaper.CauseTermination) })
}

// Snapshot returns the last published state.
func (o *Orchestrator) Snapshot() domain.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// Watch returns a channel holding the latest snapshot. Slow readers only
// ever see the newest value. cancel closes the channel.
func (o *Orchestrator) Watch() (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, 1)

	o.mu.Lock()
	id := o.nextWatcher
	o.nextWatcher++
	o.watchers[id] = ch
	ch <- o.snap
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.watchers, id)
			close(ch)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) snapshot() domain.Snapshot {
	s := domain.Snapshot{
		State:         o.state,
		Status:        o.status,
		Err:           o.err,
		Agent:         o.agentState,
		AgentIdentity: o.agent.Identity,
		MediaEnabled:  o.media.Enabled(),
	}
	if o.agentTrack != nil {
		s.AgentTrack = o.agentTrack.ID()
	}
	return s
}

func (o *Orchestrator) publish() {
	snap := o.snapshot()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.snap = snap
	for _, ch := range o.watchers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (o *Orchestrator) setState(state domain.ConnectionState, status string) {
	if state != o.state {
		o.logger.Info().
			Str("from", o.state.String()).
			Str("to", state.String()).
			Str("status", status).
			Msg("state changed")
	}
	o.state = state
	o.status = status
	o.publish()
}

func (o *Orchestrator) setStatus(status string) {
	o.status = status
	o.publish()
}
