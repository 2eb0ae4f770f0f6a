package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/Galaxy621/NotPTT/pkg/admin"
	"github.com/Galaxy621/NotPTT/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.notptt/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	bootstrapAdmin := flag.String("bootstrap-admin", "", "Create an admin on startup, as user:password")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("NotPTT Server %s\n", server.Version)
		os.Exit(0)
	}

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(level)

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *dbPath != "" {
		config.Storage.DatabasePath = *dbPath
	}

	finalDBPath, err := config.GetDatabasePath()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve database path")
	}
	if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create database directory")
	}

	store, err := admin.Open(finalDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open admin store")
	}
	defer store.Close()

	if *bootstrapAdmin != "" {
		if err := bootstrap(store, *bootstrapAdmin); err != nil {
			logger.Fatal().Err(err).Msg("failed to bootstrap admin")
		}
		logger.Info().Msg("bootstrap admin created")
	}

	if count, err := store.Count(); err == nil && count == 0 {
		logger.Warn().Msg("no admins registered; use --bootstrap-admin user:password")
	}

	srv := server.NewServer(config.ToServerConfig(), logger)
	srv.SetAdminStore(store)
	if err := srv.SetBanStore(store); err != nil {
		logger.Fatal().Err(err).Msg("failed to load bans")
	}
	srv.SetMetrics(server.NewMetrics())
	srv.SetCommandSource(pluginCommands{})

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	srv.Stop()
}

// bootstrap creates an admin from a user:password flag value. The password is
// hashed before it ever reaches the store.
func bootstrap(store *admin.Store, spec string) error {
	username, password, ok := strings.Cut(spec, ":")
	if !ok || username == "" || password == "" {
		return fmt.Errorf("invalid --bootstrap-admin value, want user:password")
	}

	err := store.Create(username, server.HashString(password))
	if err == admin.ErrAdminExists {
		return nil
	}
	return err
}

// pluginCommands supplies the externally sourced commands. These sit in front
// of the built-ins and are re-registered by /reload.
type pluginCommands struct{}

func (pluginCommands) Commands(s *server.Server) []*server.Command {
	return []*server.Command{
		{
			Name:        "clear",
			Description: "Clears all chat messages",
			Run: func(args []string, sess *server.Session) error {
				sess.ClearChat()
				sess.ServerPM("Chat cleared")
				return nil
			},
		},
	}
}
