package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/voicelink/internal/adapters/audio"
	"github.com/dkeye/voicelink/internal/adapters/lk"
	"github.com/dkeye/voicelink/internal/adapters/tui"
	"github.com/dkeye/voicelink/internal/app/guard"
	"github.com/dkeye/voicelink/internal/app/orch"
	"github.com/dkeye/voicelink/internal/app/token"
	"github.com/dkeye/voicelink/internal/config"
	"github.com/dkeye/voicelink/internal/core"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "voicelink:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.ClientFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The terminal belongs to the UI; logs go to a file.
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	log.Logger = zerolog.New(logFile).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	store, closeStore, err := openGuardStore(cfg.GuardStorePath)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		audioCtx core.AudioContext
		source   core.AudioSource
	)
	if dev, err := audio.Open(audio.DefaultSampleRate); err != nil {
		log.Warn().Str("module", "client").Err(err).Msg("no audio device, microphone disabled")
	} else {
		defer dev.Close()
		audioCtx, source = dev, dev
	}

	o := orch.New(orch.Config{
		URL:             cfg.LiveKitURL,
		RoomName:        cfg.RoomName,
		ParticipantName: cfg.ParticipantName,
		ReconnectDelay:  cfg.ReconnectDelay,
		PeerTimeout:     cfg.PeerTimeout,
		TeardownGrace:   cfg.TeardownGrace,
		AgentHangover:   cfg.AgentHangover,
	}, orch.Deps{
		Tokens: token.New(cfg.TokenEndpoint,
			token.WithRetry(cfg.TokenAttempts, cfg.TokenBackoff),
			token.WithTTL(cfg.TokenTTL)),
		Dialer: lk.NewDialer(source),
		Guard:  guard.New(store),
		Audio:  audioCtx,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = o.Run(ctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	snapshots, stopWatch := o.Watch()
	p := tea.NewProgram(tui.New(o, snapshots, cfg.RoomName), tea.WithAltScreen())

	go func() {
		if sig, ok := <-sigs; ok {
			log.Info().Str("module", "client").Str("signal", sig.String()).Msg("terminating")
			o.Terminate()
			p.Quit()
		}
	}()

	_, uiErr := p.Run()
	stopWatch()

	o.Stop()
	cancel()
	<-loopDone
	log.Info().Str("module", "client").Msg("client exited")
	return uiErr
}

func openGuardStore(path string) (guard.Store, func(), error) {
	if path == "" {
		return guard.NewMemoryStore(), func() {}, nil
	}
	bs, err := guard.OpenBadgerStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open guard store: %w", err)
	}
	return bs, func() {
		if err := bs.Close(); err != nil {
			log.Warn().Str("module", "client").Err(err).Msg("close guard store")
		}
	}, nil
}
