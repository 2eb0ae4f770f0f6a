package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server     ServerSection     `toml:"server"`
	Limits     LimitsSection     `toml:"limits"`
	Moderation ModerationSection `toml:"moderation"`
	Storage    StorageSection    `toml:"storage"`
}

type ServerSection struct {
	Host     string `toml:"host"`
	TCPPort  int    `toml:"tcp_port"`
	HTTPPort int    `toml:"http_port"`
	Version  string `toml:"version"`
}

type LimitsSection struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	MaxConnections  int `toml:"max_connections_per_ip"`
	TickRate        int `toml:"tick_rate"`
	MaxChatLength   int `toml:"max_chat_length"`
	MaxNameLength   int `toml:"max_name_length"`
	ChatRateLimit   int `toml:"chat_rate_limit"`
	ParseFailCap    int `toml:"parse_fail_cap"`
	ReadBufferSize  int `toml:"read_buffer_size"`
	ChatLogCapacity int `toml:"chat_log_capacity"`
	IDDigits        int `toml:"id_digits"`
}

type ModerationSection struct {
	Anticheat bool     `toml:"anticheat"`
	BadWords  []string `toml:"bad_words"`
	Keys      []string `toml:"keys"`
	Bans      []string `toml:"bans"`
}

type StorageSection struct {
	DatabasePath string `toml:"database_path"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Host:     "",
			TCPPort:  25565,
			HTTPPort: 25566,
			Version:  Version,
		},
		Limits: LimitsSection{
			TimeoutSeconds:  10,
			MaxConnections:  3,
			TickRate:        60,
			MaxChatLength:   256,
			MaxNameLength:   16,
			ChatRateLimit:   60, // per minute
			ParseFailCap:    10,
			ReadBufferSize:  2048,
			ChatLogCapacity: 32,
			IDDigits:        4,
		},
		Moderation: ModerationSection{
			Anticheat: true,
			BadWords:  []string{"fart"},
		},
		Storage: StorageSection{
			DatabasePath: "~/.notptt/notptt.db",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// File doesn't exist, create default config
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// ExpandPath expands a leading ~/ to the user's home directory
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

// GetDatabasePath returns the sqlite path with ~ expansion applied
func (c TOMLConfig) GetDatabasePath() (string, error) {
	return ExpandPath(c.Storage.DatabasePath)
}

// ToServerConfig converts the file representation into the runtime config
func (c TOMLConfig) ToServerConfig() ServerConfig {
	return ServerConfig{
		Host:            c.Server.Host,
		TCPPort:         c.Server.TCPPort,
		HTTPPort:        c.Server.HTTPPort,
		Version:         c.Server.Version,
		TimeoutSeconds:  c.Limits.TimeoutSeconds,
		MaxConnections:  c.Limits.MaxConnections,
		TickRate:        c.Limits.TickRate,
		MaxChatLength:   c.Limits.MaxChatLength,
		MaxNameLength:   c.Limits.MaxNameLength,
		ChatRateLimit:   c.Limits.ChatRateLimit,
		ParseFailCap:    c.Limits.ParseFailCap,
		ReadBufferSize:  c.Limits.ReadBufferSize,
		ChatLogCapacity: c.Limits.ChatLogCapacity,
		IDDigits:        c.Limits.IDDigits,
		Anticheat:       c.Moderation.Anticheat,
		BadWords:        c.Moderation.BadWords,
		Keys:            c.Moderation.Keys,
		Bans:            c.Moderation.Bans,
	}
}
