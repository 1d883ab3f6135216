// Package activity infers whether the agent is speaking from the RTP
// stream of its audio track.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/core"
)

const DefaultHangover = 600 * time.Millisecond

// Opus DTX and comfort-noise frames carry at most this many payload bytes.
const silentPayloadMax = 3

// Monitor reads packets from a remote audio track and reports
// speaking/quiet transitions through onChange.
type Monitor struct {
	src      core.RemoteTrack
	hangover time.Duration
	onChange func(speaking bool)

	mu       sync.Mutex
	speaking bool
	stopped  bool
	silence  *time.Timer

	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the read loop. onChange is never called while the
// monitor holds its lock, so it may call back into Stop.
func Start(ctx context.Context, src core.RemoteTrack, hangover time.Duration, onChange func(speaking bool)) *Monitor {
	if hangover <= 0 {
		hangover = DefaultHangover
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		src:      src,
		hangover: hangover,
		onChange: onChange,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	logger := log.With().Str("module", "app.activity").Str("track_id", src.ID()).Logger()
	go m.loop(ctx, &logger)
	return m
}

func (m *Monitor) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("monitor ctx done")
			m.quiet()
			return
		default:
		}
		pkt, err := m.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("track read ended")
			m.quiet()
			return
		}
		m.observe(pkt)
	}
}

func (m *Monitor) observe(pkt *rtp.Packet) {
	if len(pkt.Payload) <= silentPayloadMax {
		return
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	started := !m.speaking
	m.speaking = true
	if m.silence == nil {
		m.silence = time.AfterFunc(m.hangover, m.quiet)
	} else {
		m.silence.Reset(m.hangover)
	}
	m.mu.Unlock()

	if started {
		m.onChange(true)
	}
}

func (m *Monitor) quiet() {
	m.mu.Lock()
	if m.stopped || !m.speaking {
		m.mu.Unlock()
		return
	}
	m.speaking = false
	m.mu.Unlock()
	m.onChange(false)
}

// Stop ends reporting. The read loop exits at the next packet or when the
// track ends.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.silence != nil {
		m.silence.Stop()
	}
	m.mu.Unlock()
	m.cancel()
}
