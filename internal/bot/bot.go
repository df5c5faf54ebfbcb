// Package bot wires the gateway, the playback node, and the command
// router together and runs them as one process.
package bot

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mwynn/groovebox/internal/command"
	"github.com/mwynn/groovebox/internal/config"
	"github.com/mwynn/groovebox/internal/discord"
	"github.com/mwynn/groovebox/internal/health"
	"github.com/mwynn/groovebox/internal/history"
	"github.com/mwynn/groovebox/internal/lavalink"
	"github.com/mwynn/groovebox/internal/session"
)

const historyRetention = 90 * 24 * time.Hour

// Bot is the assembled process.
type Bot struct {
	cfg     *config.Config
	logger  zerolog.Logger
	gateway *discord.Gateway
	history *history.Store
}

// New builds the pieces that don't need a live gateway connection.
func New(cfg *config.Config, logger zerolog.Logger) (*Bot, error) {
	gateway, err := discord.New(cfg.Token, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	hist, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	return &Bot{
		cfg:     cfg,
		logger:  logger,
		gateway: gateway,
		history: hist,
	}, nil
}

// Run connects everything and blocks until a shutdown signal.
func (b *Bot) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle first signal gracefully, second signal forces exit
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		b.logger.Info().Msg("Shutdown signal received, initiating graceful shutdown")
		cancel()

		<-sigChan
		b.logger.Warn().Msg("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()

	if err := b.run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func (b *Bot) run(ctx context.Context) error {
	// The gateway must be open before the node handshake: Lavalink
	// identifies players by our bot user id.
	if err := b.gateway.Open(); err != nil {
		return err
	}
	defer b.gateway.Close()

	node := lavalink.New(lavalink.Config{
		Address:        b.cfg.Lavalink.Address,
		Password:       b.cfg.Lavalink.Password,
		Secure:         b.cfg.Lavalink.Secure,
		UserID:         b.gateway.UserID(),
		ConnectTimeout: b.cfg.ConnectTimeoutDuration(),
	}, b.gateway, b.logger)

	// A node that is down at startup is tolerated: players reconnect
	// lazily on the first play command.
	if err := node.Open(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Playback node not reachable yet")
	}
	defer node.Close()

	registry := session.NewRegistry(node, b.history, b.logger)
	notifier := discord.NewNotifier(b.gateway.Session(), b.logger)
	router := command.NewRouter(b.cfg.CommandPrefix, registry, b.history, notifier, b.gateway.Latency, b.logger)
	b.gateway.SetHandler(router.Handle)

	healthSrv := health.NewServer(b.cfg.HTTPAddr, stats{registry: registry, gateway: b.gateway}, b.logger)

	if n, err := b.history.Cleanup(ctx, historyRetention); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to prune play history")
	} else if n > 0 {
		b.logger.Info().Int64("pruned", n).Msg("Pruned old play history")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		registry.Dispatch(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.gateway.RunPresence(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthSrv.Run(ctx); err != nil {
			b.logger.Error().Err(err).Msg("Health server error")
		}
	}()

	b.logger.Info().
		Str("prefix", b.cfg.CommandPrefix).
		Str("node", b.cfg.Lavalink.Address).
		Msg("Bot is running")

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Shutdown releases resources after Run returns.
func (b *Bot) Shutdown() error {
	return b.history.Close()
}

// stats adapts the live pieces to the health server.
type stats struct {
	registry *session.Registry
	gateway  *discord.Gateway
}

func (s stats) Sessions() int          { return s.registry.Len() }
func (s stats) Latency() time.Duration { return s.gateway.Latency() }
