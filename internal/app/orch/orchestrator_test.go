package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicelink/internal/app/guard"
	"github.com/dkeye/voicelink/internal/app/token"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/core/coretest"
	"github.com/dkeye/voicelink/internal/domain"
)

var agent = domain.Participant{Identity: "agent-7", Name: "Agent", Kind: "agent"}

type stubTokens struct {
	calls   atomic.Int32
	err     error
	expired bool
}

func (s *stubTokens) Acquire(ctx context.Context, roomName, participantName string) (domain.Credential, error) {
	n := s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return domain.Credential{}, err
	}
	if s.err != nil {
		return domain.Credential{}, s.err
	}
	now := time.Now()
	if s.expired {
		now = now.Add(-2 * domain.DefaultTokenTTL)
	}
	return domain.Credential{
		Token:           "tok",
		RoomName:        roomName,
		ParticipantName: fmt.Sprintf("%s-%d", participantName, n),
		IssuedAt:        now,
		ExpiresAt:       now.Add(domain.DefaultTokenTTL),
	}, nil
}

type harness struct {
	o      *Orchestrator
	tokens *stubTokens
	dialer *coretest.FakeDialer
	audio  *coretest.FakeAudioContext
	guard  *guard.Guard
}

func testConfig() Config {
	return Config{
		URL:             "wss://rtc.example.test",
		RoomName:        "voice-room",
		ParticipantName: "user",
		ReconnectDelay:  30 * time.Millisecond,
		PeerTimeout:     time.Second,
		TeardownGrace:   50 * time.Millisecond,
		AgentHangover:   200 * time.Millisecond,
	}
}

func runOrchestrator(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newHarness(t *testing.T, cfg Config, participants ...domain.Participant) *harness {
	t.Helper()
	h := &harness{
		tokens: &stubTokens{},
		dialer: &coretest.FakeDialer{Participants: participants},
		audio:  coretest.NewFakeAudioContext(),
		guard:  guard.New(guard.NewMemoryStore()),
	}
	h.o = New(cfg, Deps{Tokens: h.tokens, Dialer: h.dialer, Guard: h.guard, Audio: h.audio})
	runOrchestrator(t, h.o)
	return h
}

func waitFor(t *testing.T, o *Orchestrator, what string, cond func(domain.Snapshot) bool) domain.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(o.Snapshot()) }, 2*time.Second, 5*time.Millisecond, what)
	return o.Snapshot()
}

func inState(st domain.ConnectionState) func(domain.Snapshot) bool {
	return func(s domain.Snapshot) bool { return s.State == st }
}

func (h *harness) connect(t *testing.T) *coretest.FakeSession {
	t.Helper()
	h.o.Start()
	waitFor(t, h.o, "connected", inState(domain.StateConnected))
	sess := h.dialer.Last()
	require.NotNil(t, sess)
	return sess
}

func TestStartConnectsWhenAgentPresent(t *testing.T) {
	h := newHarness(t, testConfig(), agent)

	sess := h.connect(t)
	snap := h.o.Snapshot()
	require.NoError(t, snap.Err)
	require.Equal(t, agent.Identity, snap.AgentIdentity)
	require.Equal(t, domain.AgentListening, snap.Agent)
	require.True(t, snap.MediaEnabled)
	require.True(t, sess.MicEnabled())
	require.Equal(t, 1, h.audio.Resumes())
	require.Equal(t, 1, h.dialer.Calls())
	require.True(t, h.guard.Active())

	creds := h.dialer.Credentials()
	require.Len(t, creds, 1)
	require.Equal(t, "voice-room", creds[0].RoomName)
}

func TestWaitsForAgentBeforeEnablingMedia(t *testing.T) {
	h := newHarness(t, testConfig())

	h.o.Start()
	waitFor(t, h.o, "waiting for agent", inState(domain.StateWaitingAgent))
	sess := h.dialer.Last()
	require.Eventually(t, func() bool { return sess.SubscriberCount() >= 2 }, time.Second, 5*time.Millisecond)
	require.Zero(t, sess.MicCalls())

	sess.Join(agent)
	snap := waitFor(t, h.o, "connected", inState(domain.StateConnected))
	require.Equal(t, agent.Identity, snap.AgentIdentity)
	require.Equal(t, 1, sess.MicCalls())
}

func TestPeerTimeoutFailsAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.PeerTimeout = 30 * time.Millisecond
	h := newHarness(t, cfg)

	h.o.Start()
	snap := waitFor(t, h.o, "peer timeout", func(s domain.Snapshot) bool { return s.Err != nil })
	require.ErrorIs(t, snap.Err, domain.ErrPeerTimeout)
	require.Equal(t, domain.StateIdle, snap.State)

	sess := h.dialer.Last()
	require.Equal(t, 1, sess.Disconnects())
	require.Zero(t, sess.MicCalls())
	require.False(t, h.guard.Active())
}

func TestMissingURLIsConfigurationError(t *testing.T) {
	cfg := testConfig()
	cfg.URL = ""
	h := newHarness(t, cfg, agent)

	h.o.Start()
	snap := waitFor(t, h.o, "configuration error", func(s domain.Snapshot) bool { return s.Err != nil })
	require.ErrorIs(t, snap.Err, domain.ErrConfiguration)
	require.Equal(t, domain.StateIdle, snap.State)
	require.Zero(t, h.tokens.calls.Load())
	require.Zero(t, h.dialer.Calls())
	require.False(t, h.guard.Active())
}

func TestIssuerFailuresThenManualRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "signing failed"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":           "jwt",
			"roomName":        r.URL.Query().Get("roomName"),
			"participantName": r.URL.Query().Get("participantName"),
		})
	}))
	t.Cleanup(srv.Close)

	tokens := token.New(srv.URL+"/api/token", token.WithHTTPClient(srv.Client()), token.WithRetry(3, time.Millisecond))
	dialer := &coretest.FakeDialer{Participants: []domain.Participant{agent}}
	o := New(testConfig(), Deps{Tokens: tokens, Dialer: dialer})
	runOrchestrator(t, o)

	o.Start()
	snap := waitFor(t, o, "credential failure", func(s domain.Snapshot) bool { return s.Err != nil })
	require.ErrorIs(t, snap.Err, domain.ErrConnectionFailed)
	require.ErrorIs(t, snap.Err, domain.ErrIssuerUnavailable)
	require.Equal(t, domain.StateIdle, snap.State)
	require.EqualValues(t, 3, hits.Load())
	require.Zero(t, dialer.Calls())

	o.Retry()
	snap = waitFor(t, o, "connected after retry", inState(domain.StateConnected))
	require.NoError(t, snap.Err)
	require.EqualValues(t, 4, hits.Load())
	require.Equal(t, 1, dialer.Calls())
}

func TestReconnectedReturnsToConnectedWithoutNewStart(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	sess := h.connect(t)

	sess.Emit(core.Event{Kind: core.EventReconnecting})
	waitFor(t, h.o, "reconnecting", inState(domain.StateReconnecting))

	// A suspended, blocking audio context holds the machine in
	// waiting-agent until media is enabled again.
	gate := make(chan struct{})
	h.audio.Suspend()
	h.audio.Block(gate)
	sess.Emit(core.Event{Kind: core.EventReconnected})
	waitFor(t, h.o, "waiting for agent after reconnect", inState(domain.StateWaitingAgent))
	require.Eventually(t, func() bool { return h.audio.Resumes() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, domain.StateWaitingAgent, h.o.Snapshot().State)

	close(gate)
	waitFor(t, h.o, "connected again", inState(domain.StateConnected))

	require.Equal(t, 2, sess.MicCalls())
	require.Equal(t, 1, h.dialer.Calls())
	require.EqualValues(t, 1, h.tokens.calls.Load())
	require.Zero(t, sess.Disconnects())
}

func TestReconnectedWaitsForReturningAgent(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	sess := h.connect(t)

	sess.Emit(core.Event{Kind: core.EventReconnecting})
	waitFor(t, h.o, "reconnecting", inState(domain.StateReconnecting))
	sess.Leave(agent.Identity)
	waitFor(t, h.o, "agent cleared", func(s domain.Snapshot) bool { return s.AgentIdentity == "" })

	sess.Emit(core.Event{Kind: core.EventReconnected})
	waitFor(t, h.o, "waiting for agent", inState(domain.StateWaitingAgent))
	require.Eventually(t, func() bool { return sess.SubscriberCount() >= 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, sess.MicCalls())

	sess.Join(agent)
	snap := waitFor(t, h.o, "connected after agent returns", inState(domain.StateConnected))
	require.Equal(t, agent.Identity, snap.AgentIdentity)
	require.Equal(t, 2, sess.MicCalls())
	require.Equal(t, 1, h.dialer.Calls())
}

func TestReconnectingDropsInFlightActivation(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	gate := make(chan struct{})
	h.audio.Block(gate)

	h.o.Start()
	waitFor(t, h.o, "waiting for agent", inState(domain.StateWaitingAgent))
	require.Eventually(t, func() bool { return h.audio.Resumes() == 1 }, time.Second, 5*time.Millisecond)
	sess := h.dialer.Last()

	sess.Emit(core.Event{Kind: core.EventReconnecting})
	waitFor(t, h.o, "reconnecting", inState(domain.StateReconnecting))
	close(gate)

	time.Sleep(50 * time.Millisecond)
	snap := h.o.Snapshot()
	require.Equal(t, domain.StateReconnecting, snap.State)
	require.NoError(t, snap.Err)

	sess.Emit(core.Event{Kind: core.EventReconnected})
	waitFor(t, h.o, "connected after reconnect", inState(domain.StateConnected))
	require.Equal(t, 2, h.audio.Resumes())
}

func TestPeerTimeoutPausedWhileReconnecting(t *testing.T) {
	cfg := testConfig()
	cfg.PeerTimeout = 60 * time.Millisecond
	h := newHarness(t, cfg)

	h.o.Start()
	waitFor(t, h.o, "waiting for agent", inState(domain.StateWaitingAgent))
	sess := h.dialer.Last()
	sess.Emit(core.Event{Kind: core.EventReconnecting})
	waitFor(t, h.o, "reconnecting", inState(domain.StateReconnecting))

	time.Sleep(3 * cfg.PeerTimeout)
	snap := h.o.Snapshot()
	require.Equal(t, domain.StateReconnecting, snap.State)
	require.NoError(t, snap.Err)
	require.Zero(t, sess.Disconnects())
}

func TestExpiredCredentialIsNotDialed(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	h.tokens.expired = true

	h.o.Start()
	snap := waitFor(t, h.o, "failure", func(s domain.Snapshot) bool { return s.Err != nil })
	require.ErrorIs(t, snap.Err, domain.ErrMalformedResponse)
	require.Equal(t, domain.StateIdle, snap.State)
	require.Zero(t, h.dialer.Calls())
	require.False(t, h.guard.Active())
}

func TestRemoteDisconnectSchedulesFreshAttempt(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	first := h.connect(t)

	first.Emit(core.Event{Kind: core.EventDisconnected, Reason: core.DisconnectNetwork})
	require.Eventually(t, func() bool { return h.dialer.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitFor(t, h.o, "connected on new session", func(s domain.Snapshot) bool {
		return s.State == domain.StateConnected && h.dialer.Last() != first
	})

	require.Equal(t, 1, first.Disconnects())
	require.EqualValues(t, 2, h.tokens.calls.Load())
	require.True(t, h.guard.Active())
}

func TestUserInitiatedDisconnectGoesIdle(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	sess := h.connect(t)

	sess.Emit(core.Event{Kind: core.EventDisconnected, Reason: core.DisconnectClientInitiated})
	waitFor(t, h.o, "idle", inState(domain.StateIdle))

	time.Sleep(3 * testConfig().ReconnectDelay)
	require.Equal(t, 1, h.dialer.Calls())
	require.False(t, h.guard.Active())
}

func TestStopDisconnectsOnce(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	sess := h.connect(t)

	h.o.Stop()
	snap := waitFor(t, h.o, "idle", inState(domain.StateIdle))
	require.NoError(t, snap.Err)
	require.Empty(t, snap.AgentIdentity)
	require.False(t, snap.MediaEnabled)
	require.Equal(t, 1, sess.Disconnects())
	require.Zero(t, sess.SubscriberCount())
	require.False(t, h.guard.Active())

	h.o.Terminate()
	sess.Emit(core.Event{Kind: core.EventDisconnected, Reason: core.DisconnectServerShutdown})
	time.Sleep(3 * testConfig().ReconnectDelay)
	require.Equal(t, 1, sess.Disconnects())
	require.Equal(t, 1, h.dialer.Calls())
}

func TestTerminateDisconnectsSynchronously(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	sess := h.connect(t)

	h.o.Terminate()
	require.Equal(t, 1, sess.Disconnects())
	require.False(t, h.guard.Active())

	waitFor(t, h.o, "idle", inState(domain.StateIdle))
	require.Equal(t, 1, sess.Disconnects())
}

func TestDetachTearsDownAfterGrace(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	sess := h.connect(t)

	h.o.Detach()
	require.True(t, h.o.Reattach())
	time.Sleep(2 * testConfig().TeardownGrace)
	require.Zero(t, sess.Disconnects())
	require.Equal(t, domain.StateConnected, h.o.Snapshot().State)

	h.o.Detach()
	waitFor(t, h.o, "idle after teardown", inState(domain.StateIdle))
	require.Equal(t, 1, sess.Disconnects())
	require.False(t, h.guard.Active())
	require.False(t, h.o.Reattach())
}

func TestRepeatedStartDialsOnce(t *testing.T) {
	h := newHarness(t, testConfig(), agent)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.o.Start()
		}()
	}
	wg.Wait()

	waitFor(t, h.o, "connected", inState(domain.StateConnected))
	require.Equal(t, 1, h.dialer.Calls())
	require.EqualValues(t, 1, h.tokens.calls.Load())
}

func TestSharedGuardAllowsOneSession(t *testing.T) {
	for _, n := range []int{2, 5, 50} {
		g := guard.New(guard.NewMemoryStore())
		dialer := &coretest.FakeDialer{Participants: []domain.Participant{agent}}
		orchs := make([]*Orchestrator, n)
		for i := range orchs {
			orchs[i] = New(testConfig(), Deps{Tokens: &stubTokens{}, Dialer: dialer, Guard: g})
			runOrchestrator(t, orchs[i])
		}

		var wg sync.WaitGroup
		for _, o := range orchs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.Start()
			}()
		}
		wg.Wait()

		require.Eventually(t, func() bool {
			connected, rejected := 0, 0
			for _, o := range orchs {
				s := o.Snapshot()
				switch {
				case s.State == domain.StateConnected:
					connected++
				case errors.Is(s.Err, domain.ErrAlreadyActive):
					rejected++
				}
			}
			return connected == 1 && rejected == n-1
		}, 2*time.Second, 5*time.Millisecond, "n=%d", n)
		require.Equal(t, 1, dialer.Calls(), "n=%d", n)
	}
}

func TestStopDuringDialDropsLateSession(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	h.dialer.Gate = make(chan struct{})

	h.o.Start()
	require.Eventually(t, func() bool { return h.dialer.Calls() == 1 }, time.Second, 5*time.Millisecond)
	h.o.Stop()
	waitFor(t, h.o, "idle", inState(domain.StateIdle))
	close(h.dialer.Gate)

	time.Sleep(50 * time.Millisecond)
	for _, s := range h.dialer.Sessions() {
		require.Equal(t, 1, s.Disconnects())
	}
	require.Equal(t, domain.StateIdle, h.o.Snapshot().State)
	require.False(t, h.guard.Active())
}

func TestDataMessageOverridesAgentState(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	sess := h.connect(t)

	sess.Emit(core.Event{Kind: core.EventDataReceived, Participant: agent, Data: []byte(`{"state":"thinking"}`)})
	waitFor(t, h.o, "thinking", func(s domain.Snapshot) bool { return s.Agent == domain.AgentThinking })

	sess.Emit(core.Event{Kind: core.EventDataReceived, Participant: agent, Data: []byte(`not json`)})
	sess.Emit(core.Event{Kind: core.EventDataReceived, Participant: agent, Data: []byte(`{"state":"dancing"}`)})
	sess.Emit(core.Event{Kind: core.EventDataReceived, Participant: agent, Data: []byte(`{"state":"speaking"}`)})
	snap := waitFor(t, h.o, "speaking", func(s domain.Snapshot) bool { return s.Agent == domain.AgentSpeaking })
	require.NoError(t, snap.Err)
	require.Equal(t, domain.StateConnected, snap.State)
}

func TestAgentAudioDrivesActivity(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	sess := h.connect(t)

	track := coretest.NewFakeTrack("TR_agent_audio", "audio")
	t.Cleanup(track.End)
	sess.Emit(core.Event{Kind: core.EventTrackSubscribed, Participant: agent, Track: track})
	waitFor(t, h.o, "track exposed", func(s domain.Snapshot) bool { return s.AgentTrack == "TR_agent_audio" })

	track.Push(make([]byte, 160))
	waitFor(t, h.o, "speaking", func(s domain.Snapshot) bool { return s.Agent == domain.AgentSpeaking })
	waitFor(t, h.o, "listening after hangover", func(s domain.Snapshot) bool { return s.Agent == domain.AgentListening })

	sess.Emit(core.Event{Kind: core.EventTrackUnsubscribed, Participant: agent, Track: track})
	waitFor(t, h.o, "track gone", func(s domain.Snapshot) bool { return s.AgentTrack == "" })
}

func TestAgentLeavingClearsHandle(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	sess := h.connect(t)

	sess.Emit(core.Event{Kind: core.EventDataReceived, Participant: agent, Data: []byte(`{"state":"thinking"}`)})
	waitFor(t, h.o, "thinking", func(s domain.Snapshot) bool { return s.Agent == domain.AgentThinking })

	sess.Leave(agent.Identity)
	snap := waitFor(t, h.o, "agent gone", func(s domain.Snapshot) bool { return s.AgentIdentity == "" })
	require.Equal(t, domain.AgentIdle, snap.Agent)
	require.Equal(t, domain.StateConnected, snap.State)
	require.Zero(t, sess.Disconnects())
}

func TestTransportErrorEndsAttempt(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	sess := h.connect(t)

	sess.Emit(core.Event{Kind: core.EventError, Err: errors.New("ice failed")})
	snap := waitFor(t, h.o, "error overlay", func(s domain.Snapshot) bool { return s.Err != nil })
	require.ErrorIs(t, snap.Err, domain.ErrTransport)
	require.ErrorContains(t, snap.Err, "ice failed")
	require.Equal(t, domain.StateIdle, snap.State)
	require.Equal(t, 1, sess.Disconnects())
	require.False(t, h.guard.Active())

	h.o.Retry()
	waitFor(t, h.o, "connected after retry", inState(domain.StateConnected))
	require.Equal(t, 2, h.dialer.Calls())
}

func TestDialFailureIsTransportError(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	h.dialer.Fail(errors.New("signal refused"))

	h.o.Start()
	snap := waitFor(t, h.o, "dial failure", func(s domain.Snapshot) bool { return s.Err != nil })
	require.ErrorIs(t, snap.Err, domain.ErrTransport)
	require.False(t, h.guard.Active())
}

func TestWatchDeliversLatestSnapshot(t *testing.T) {
	h := newHarness(t, testConfig(), agent)
	ch, cancel := h.o.Watch()
	defer cancel()

	first := <-ch
	require.Equal(t, domain.StateIdle, first.State)

	h.o.Start()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.State == domain.StateConnected {
				return
			}
		case <-timeout:
			t.Fatal("no connected snapshot on watch channel")
		}
	}
}
