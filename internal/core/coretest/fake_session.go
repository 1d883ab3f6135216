// Package coretest provides in-memory doubles for the core transport
// interfaces.
package coretest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

// FakeSession is a scriptable core.Session.
type FakeSession struct {
	name string

	mu           sync.Mutex
	participants []domain.Participant
	subs         map[int]func(core.Event)
	nextSub      int
	pending      []core.Event
	micEnabled   bool
	micErr       error

	micCalls    atomic.Int32
	disconnects atomic.Int32
}

func NewFakeSession(name string, participants ...domain.Participant) *FakeSession {
	return &FakeSession{
		name:         name,
		participants: append([]domain.Participant(nil), participants...),
		subs:         make(map[int]func(core.Event)),
	}
}

func (s *FakeSession) Name() string { return s.name }

func (s *FakeSession) RemoteParticipants() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Participant(nil), s.participants...)
}

func (s *FakeSession) Subscribe(fn func(core.Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, ev := range pending {
		fn(ev)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *FakeSession) SetMicrophoneEnabled(enabled bool) error {
	s.micCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.micErr != nil {
		return s.micErr
	}
	s.micEnabled = enabled
	return nil
}

func (s *FakeSession) Disconnect() { s.disconnects.Add(1) }

// Emit delivers ev to every subscriber, or holds it until the first one.
func (s *FakeSession) Emit(ev core.Event) {
	s.mu.Lock()
	if len(s.subs) == 0 {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	subs := make([]func(core.Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Join adds p to the room and emits EventParticipantJoined.
func (s *FakeSession) Join(p domain.Participant) {
	s.mu.Lock()
	s.participants = append(s.participants, p)
	s.mu.Unlock()
	s.Emit(core.Event{Kind: core.EventParticipantJoined, Participant: p})
}

// Leave removes the participant and emits EventParticipantLeft.
func (s *FakeSession) Leave(identity string) {
	s.mu.Lock()
	var left domain.Participant
	kept := s.participants[:0]
	for _, p := range s.participants {
		if p.Identity == identity {
			left = p
			continue
		}
		kept = append(kept, p)
	}
	s.participants = kept
	s.mu.Unlock()
	s.Emit(core.Event{Kind: core.EventParticipantLeft, Participant: left})
}

func (s *FakeSession) FailMicrophone(err error) {
	s.mu.Lock()
	s.micErr = err
	s.mu.Unlock()
}

func (s *FakeSession) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *FakeSession) MicEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micEnabled
}

func (s *FakeSession) MicCalls() int    { return int(s.micCalls.Load()) }
func (s *FakeSession) Disconnects() int { return int(s.disconnects.Load()) }

// FakeDialer returns a new FakeSession per Dial, already holding an
// EventConnected for its first subscriber.
type FakeDialer struct {
	// Participants are copied into every dialed session.
	Participants []domain.Participant
	// Gate, when set, blocks Dial until it is closed or ctx ends.
	Gate chan struct{}

	mu       sync.Mutex
	err      error
	sessions []*FakeSession
	creds    []domain.Credential
	calls    atomic.Int32
}

func (d *FakeDialer) Dial(ctx context.Context, _ string, cred domain.Credential) (core.Session, error) {
	d.calls.Add(1)
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, cred)
	if d.err != nil {
		return nil, d.err
	}
	s := NewFakeSession(cred.RoomName, d.Participants...)
	s.Emit(core.Event{Kind: core.EventConnected})
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *FakeDialer) Fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *FakeDialer) Calls() int { return int(d.calls.Load()) }

func (d *FakeDialer) Sessions() []*FakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeSession(nil), d.sessions...)
}

func (d *FakeDialer) Credentials() []domain.Credential {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Credential(nil), d.creds...)
}

// Last returns the most recently dialed session, or nil.
func (d *FakeDialer) Last() *FakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// FakeTrack is a core.RemoteTrack fed through Push.
type FakeTrack struct {
	id      string
	kind    string
	packets chan *rtp.Packet
	once    sync.Once
}

func NewFakeTrack(id, kind string) *FakeTrack {
	return &FakeTrack{id: id, kind: kind, packets: make(chan *rtp.Packet, 64)}
}

func (t *FakeTrack) ID() string   { return t.id }
func (t *FakeTrack) Kind() string { return t.kind }

func (t *FakeTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

// Push queues a packet with the given payload.
func (t *FakeTrack) Push(payload []byte) {
	t.packets <- &rtp.Packet{Payload: payload}
}

// End makes ReadRTP return io.EOF once the queue drains.
func (t *FakeTrack) End() { t.once.Do(func() { close(t.packets) }) }

// FakeAudioContext is a core.AudioContext that starts suspended.
type FakeAudioContext struct {
	mu        sync.Mutex
	suspended bool
	err       error
	resumes   int
	gate      chan struct{}
}

func NewFakeAudioContext() *FakeAudioContext { return &FakeAudioContext{suspended: true} }

func (a *FakeAudioContext) Resume(ctx context.Context) error {
	a.mu.Lock()
	a.resumes++
	gate := a.gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.suspended = false
	return nil
}

func (a *FakeAudioContext) Suspended() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.suspended
}

// Suspend puts the context back into the suspended state.
func (a *FakeAudioContext) Suspend() {
	a.mu.Lock()
	a.suspended = true
	a.mu.Unlock()
}

// Block makes Resume wait until gate is closed or its context ends.
func (a *FakeAudioContext) Block(gate chan struct{}) {
	a.mu.Lock()
	a.gate = gate
	a.mu.Unlock()
}

func (a *FakeAudioContext) Fail(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

func (a *FakeAudioContext) Resumes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resumes
}
