package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicelink/internal/app/activity"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// agentMessage is the data-channel payload an agent sends to announce
// its activity.
type agentMessage struct {
	State string `json:"state"`
}

func (o *Orchestrator) waitForAgent() {
	o.stopWait()
	o.waitSeq++
	seq := o.waitSeq
	ctx, cancel := context.WithCancel(o.attemptCtx)
	o.cancelWait = cancel
	sess := o.sess

	go func() {
		p, err := o.peers.Wait(ctx, sess)
		o.post(func() { o.onAgent(ctx, seq, sess, p, err) })
	}()
}

func (o *Orchestrator) stopWait() {
	o.waitSeq++
	if o.cancelWait != nil {
		o.cancelWait()
		o.cancelWait = nil
	}
}

// stale reports whether a result of wait seq on sess no longer applies.
// Results only land while waiting for the agent on the current session.
func (o *Orchestrator) stale(seq uint64, sess core.Session) bool {
	return seq != o.waitSeq || sess != o.sess || o.state != domain.StateWaitingAgent
}

func (o *Orchestrator) onAgent(ctx context.Context, seq uint64, sess core.Session, p domain.Participant, err error) {
	if o.stale(seq, sess) {
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		o.fail(err)
		return
	}

	o.logger.Info().Str("agent", p.Identity).Str("kind", p.Kind).Msg("agent present")
	o.agent = p
	if !o.override {
		o.agentState = domain.AgentListening
	}
	if track, ok := o.tracks[p.Identity]; ok {
		o.watchAgentTrack(track)
	}
	o.setStatus("Agent joined, enabling microphone")

	go func() {
		err := o.media.Activate(ctx, sess)
		o.post(func() { o.onMediaActivated(seq, sess, err) })
	}()
}

func (o *Orchestrator) onMediaActivated(seq uint64, sess core.Session, err error) {
	if o.stale(seq, sess) {
		return
	}
	if err != nil {
		o.fail(err)
		return
	}
	o.setState(domain.StateConnected, "Connected to agent")
}

func (o *Orchestrator) clearAgent() {
	o.stopMonitor()
	o.agent = domain.Participant{}
	o.agentState = domain.AgentIdle
	o.override = false
}

// onData applies a state announcement from the agent. Anything that does
// not parse is dropped.
func (o *Orchestrator) onData(from domain.Participant, data []byte) {
	if !o.agent.IsZero() && !from.IsZero() && from.Identity != o.agent.Identity {
		return
	}

	var msg agentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		o.logger.Debug().Err(err).Int("bytes", len(data)).Msg("ignoring malformed data message")
		return
	}
	st, ok := domain.ParseAgentState(msg.State)
	if !ok {
		o.logger.Debug().Str("state", msg.State).Msg("ignoring unknown agent state")
		return
	}

	o.override = true
	o.agentState = st
	o.publish()
}

func (o *Orchestrator) onTrackSubscribed(from domain.Participant, track core.RemoteTrack) {
	if track == nil || track.Kind() != webrtc.RTPCodecTypeAudio.String() {
		return
	}
	o.tracks[from.Identity] = track
	if !o.agent.IsZero() && from.Identity == o.agent.Identity {
		o.watchAgentTrack(track)
		o.publish()
	}
}

func (o *Orchestrator) onTrackUnsubscribed(from domain.Participant, track core.RemoteTrack) {
	if cur, ok := o.tracks[from.Identity]; ok && (track == nil || cur.ID() == track.ID()) {
		delete(o.tracks, from.Identity)
	}
	if o.agentTrack != nil && (track == nil || o.agentTrack.ID() == track.ID()) {
		o.stopMonitor()
		if !o.override && !o.agent.IsZero() {
			o.agentState = domain.AgentListening
		}
		o.publish()
	}
}

func (o *Orchestrator) watchAgentTrack(track core.RemoteTrack) {
	if o.agentTrack != nil && o.agentTrack.ID() == track.ID() {
		return
	}
	o.stopMonitor()
	o.agentTrack = track
	o.monitor = activity.Start(o.attemptCtx, track, o.cfg.AgentHangover, func(speaking bool) {
		o.post(func() { o.onActivity(track, speaking) })
	})
	o.logger.Debug().Str("track", track.ID()).Msg("watching agent audio")
}

func (o *Orchestrator) stopMonitor() {
	if o.monitor != nil {
		o.monitor.Stop()
		o.monitor = nil
	}
	o.agentTrack = nil
}

func (o *Orchestrator) onActivity(track core.RemoteTrack, speaking bool) {
	if track != o.agentTrack || o.override {
		return
	}
	if speaking {
		o.agentState = domain.AgentSpeaking
	} else {
		o.agentState = domain.AgentListening
	}
	o.publish()
}
