package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Discord bot token
	Token string

	// Chat prefix commands must start with
	// Default: "-"
	CommandPrefix string

	// How long to wait for a voice channel join (in seconds)
	ConnectTimeout int

	// Listen address for the health endpoints
	HTTPAddr string

	// Path to the play history database
	HistoryDB string

	// Lavalink node credentials
	Lavalink LavalinkConfig
}

// LavalinkConfig holds node specific configuration
type LavalinkConfig struct {
	Address  string
	Password string
	Secure   bool
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	v := viper.New()

	// Set config name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Config file locations (in order of precedence)
	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	// Set defaults
	v.SetDefault("command_prefix", "-")
	v.SetDefault("connect_timeout", 10)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("history_db", filepath.Join(configDir, "history.db"))
	v.SetDefault("lavalink.address", "localhost:2333")
	v.SetDefault("lavalink.secure", false)

	// Read config file (optional - don't fail if missing)
	_ = v.ReadInConfig()

	// Read from environment variables. The replacer makes nested keys
	// reachable, e.g. GROOVEBOX_LAVALINK_PASSWORD -> lavalink.password.
	v.SetEnvPrefix("GROOVEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map config to struct
	cfg := &Config{
		Token:          v.GetString("token"),
		CommandPrefix:  v.GetString("command_prefix"),
		ConnectTimeout: v.GetInt("connect_timeout"),
		HTTPAddr:       v.GetString("http_addr"),
		HistoryDB:      v.GetString("history_db"),
		Lavalink: LavalinkConfig{
			Address:  v.GetString("lavalink.address"),
			Password: v.GetString("lavalink.password"),
			Secure:   v.GetBool("lavalink.secure"),
		},
	}

	if cfg.Token == "" {
		return nil, errors.New("discord token is not set (GROOVEBOX_TOKEN or token in config.yaml)")
	}

	return cfg, nil
}

// ConnectTimeoutDuration returns the voice join timeout as a duration.
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// getConfigDir returns the configuration directory path
// Creates the directory if it doesn't exist
func getConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	configDir := filepath.Join(homeDir, ".config", "groovebox")

	// Create config directory if it doesn't exist
	_ = os.MkdirAll(configDir, 0755)

	return configDir
}

// GetConfigDir returns the configuration directory path (public helper)
func GetConfigDir() string {
	return getConfigDir()
}
