package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/core/coretest"
	"github.com/dkeye/voicelink/internal/domain"
)

func TestWaitResolvesImmediatelyWhenPresent(t *testing.T) {
	sess := coretest.NewFakeSession("room", domain.Participant{Identity: "agent-1"})

	start := time.Now()
	p, err := Waiter{Timeout: time.Hour}.Wait(context.Background(), sess)
	require.NoError(t, err)
	require.Equal(t, "agent-1", p.Identity)
	require.Less(t, time.Since(start), time.Second)
	require.Zero(t, sess.SubscriberCount())
}

func TestWaitResolvesOnFirstJoinOnly(t *testing.T) {
	sess := coretest.NewFakeSession("room")
	// Keep the fake from holding events for the waiter's subscription.
	defer sess.Subscribe(func(core.Event) {})()

	type result struct {
		p   domain.Participant
		err error
	}
	done := make(chan result, 1)
	go func() {
		p, err := Waiter{Timeout: time.Second}.Wait(context.Background(), sess)
		done <- result{p, err}
	}()

	require.Eventually(t, func() bool { return sess.SubscriberCount() == 2 }, time.Second, time.Millisecond)
	sess.Join(domain.Participant{Identity: "agent-1"})
	sess.Join(domain.Participant{Identity: "agent-2"})

	r := <-done
	require.NoError(t, r.err)
	require.Equal(t, "agent-1", r.p.Identity)
	require.Equal(t, 1, sess.SubscriberCount())

	select {
	case extra := <-done:
		t.Fatalf("resolved twice: %+v", extra)
	default:
	}
}

func TestWaitTimesOut(t *testing.T) {
	sess := coretest.NewFakeSession("room")

	_, err := Waiter{Timeout: 20 * time.Millisecond}.Wait(context.Background(), sess)
	require.ErrorIs(t, err, domain.ErrPeerTimeout)
	require.Zero(t, sess.SubscriberCount())
}

func TestWaitCancelled(t *testing.T) {
	sess := coretest.NewFakeSession("room")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Waiter{Timeout: time.Hour}.Wait(ctx, sess)
	require.True(t, errors.Is(err, context.Canceled))
	require.Zero(t, sess.SubscriberCount())
}

func TestWaitHonoursAccept(t *testing.T) {
	sess := coretest.NewFakeSession("room", domain.Participant{Identity: "human", Kind: "standard"})
	defer sess.Subscribe(func(core.Event) {})()

	done := make(chan domain.Participant, 1)
	go func() {
		p, _ := Waiter{Timeout: time.Second, Accept: AcceptKind("agent")}.Wait(context.Background(), sess)
		done <- p
	}()

	require.Eventually(t, func() bool { return sess.SubscriberCount() == 2 }, time.Second, time.Millisecond)
	sess.Join(domain.Participant{Identity: "another-human", Kind: "standard"})
	sess.Join(domain.Participant{Identity: "bot", Kind: "agent"})

	require.Equal(t, "bot", (<-done).Identity)
}
