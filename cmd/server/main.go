package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/voicelink/internal/adapters/http"
	"github.com/dkeye/voicelink/internal/app/issuer"
	"github.com/dkeye/voicelink/internal/config"
	transport "github.com/dkeye/voicelink/internal/transport/http"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	iss := issuer.New(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.TokenTTL)
	if !iss.Configured() {
		log.Warn().Msg("LIVEKIT_API_KEY / LIVEKIT_API_SECRET not set, token requests will fail")
	}
	limiter := transport.NewIssueRateLimiter(cfg.IssueLimit, cfg.IssueInterval)
	go pruneLoop(ctx, limiter, cfg.IssueInterval)

	r := router.SetupRouter(cfg, &transport.Handlers{
		Issuer:     iss,
		Limiter:    limiter,
		LiveKitURL: cfg.LiveKitURL,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("voicelink token server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func pruneLoop(ctx context.Context, limiter *transport.IssueRateLimiter, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(); n > 0 {
				log.Debug().Str("module", "server").Int("clients", n).Msg("pruned rate limiter")
			}
		}
	}
}
