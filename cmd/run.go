/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>

*/
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mwynn/groovebox/internal/bot"
	"github.com/mwynn/groovebox/internal/config"
)

var (
	runLogFile  string
	runLogLevel string
	runEnvFile  string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the music bot",
	Long: `Run the music bot process.

The bot will:
- Connect to the Discord gateway and listen for prefixed commands
- Keep an independent playback session and queue per server
- Stream audio through the configured Lavalink node
- Record played tracks in a local history database
- Serve HTTP health endpoints for uptime monitoring
- Handle graceful shutdown on SIGINT/SIGTERM

The bot runs in the foreground and logs to stderr by default.
Use the --log-file flag to log to a file (useful for systemd).`,
	RunE: runBot,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Command-line flags
	runCmd.Flags().StringVar(&runLogFile, "log-file", "", "Log file path (default: stderr)")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&runEnvFile, "env-file", ".env", "Env file to load before reading configuration")
}

func runBot(cmd *cobra.Command, args []string) error {
	// A missing env file is fine; config also reads the process env.
	_ = godotenv.Load(runEnvFile)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Set up logging
	logger := setupLogger(runLogFile, runLogLevel)

	logger.Info().
		Str("version", version).
		Msg("Starting groovebox")

	// Create bot
	b, err := bot.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	// Run bot (blocks until shutdown signal)
	if err := b.Run(); err != nil {
		return fmt.Errorf("bot error: %w", err)
	}

	// Graceful shutdown
	if err := b.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
		return err
	}

	logger.Info().Msg("Bot stopped")
	return nil
}

// setupLogger creates a logger with the specified configuration
func setupLogger(logFile, logLevel string) zerolog.Logger {
	// Parse log level
	level := zerolog.InfoLevel
	switch logLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	// Set up output
	var output *os.File
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			output = os.Stderr
		} else {
			output = f
		}
	} else {
		output = os.Stderr
	}

	// Create logger
	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	// Use pretty console output if logging to stderr
	if output == os.Stderr {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return logger
}
