package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Galaxy621/NotPTT/pkg/protocol"
)

// Version is the protocol version clients must present at login.
const Version = "1.2.4"

// ServerConfig holds the runtime server configuration
type ServerConfig struct {
	Host     string
	TCPPort  int
	HTTPPort int
	Version  string

	TimeoutSeconds  int
	MaxConnections  int
	TickRate        int
	MaxChatLength   int
	MaxNameLength   int
	ChatRateLimit   int
	ParseFailCap    int
	ReadBufferSize  int
	ChatLogCapacity int
	IDDigits        int

	Anticheat bool
	BadWords  []string
	Keys      []string
	Bans      []string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return DefaultTOMLConfig().ToServerConfig()
}

// AdminStore authenticates and rewrites administrator credentials. The server
// only ever passes SHA-256 hex digests across this boundary.
type AdminStore interface {
	Authenticate(username, passwordHash string) (bool, error)
	SetPassword(username, passwordHash string) (bool, error)
}

// BanStore persists ban records so they survive a restart.
type BanStore interface {
	AddBan(ipHash string) error
	ListBans() ([]string, error)
}

// CommandSource supplies externally registered commands. The server never
// inspects how they are discovered or packaged.
type CommandSource interface {
	Commands(s *Server) []*Command
}

// Server is the authority for identity, membership, moderation, and fan-out.
type Server struct {
	config   ServerConfig
	registry *Registry

	listener   net.Listener
	httpServer *http.Server

	store    AdminStore
	banStore BanStore
	source   CommandSource

	keys map[string]bool

	banMu sync.Mutex
	bans  map[string]bool

	cmdMu    sync.RWMutex
	commands []*Command

	limiter *chatLimiter
	metrics *Metrics
	log     zerolog.Logger

	up       atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new server instance. Store and banStore may be nil; the
// related commands then report execution failures instead of crashing.
func NewServer(config ServerConfig, logger zerolog.Logger) *Server {
	keys := make(map[string]bool, len(config.Keys))
	for _, key := range config.Keys {
		keys[key] = true
	}

	bans := make(map[string]bool, len(config.Bans))
	for _, ban := range config.Bans {
		bans[ban] = true
	}

	s := &Server{
		config:   config,
		registry: NewRegistry(config.IDDigits),
		keys:     keys,
		bans:     bans,
		limiter:  newChatLimiter(config.ChatRateLimit),
		log:      logger,
		shutdown: make(chan struct{}),
	}
	s.commands = builtinCommands(s)
	return s
}

// SetAdminStore attaches the credential store used by /login and /password.
func (s *Server) SetAdminStore(store AdminStore) {
	s.store = store
}

// SetBanStore attaches the ban store and merges its records into the in-memory
// ban set.
func (s *Server) SetBanStore(store BanStore) error {
	s.banStore = store

	stored, err := store.ListBans()
	if err != nil {
		return fmt.Errorf("failed to load bans: %w", err)
	}

	s.banMu.Lock()
	for _, ban := range stored {
		s.bans[ban] = true
	}
	s.banMu.Unlock()
	return nil
}

// SetMetrics attaches Prometheus metrics to the server.
func (s *Server) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// Config returns the runtime configuration.
func (s *Server) Config() ServerConfig {
	return s.config
}

// Registry returns the shared client registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start binds the TCP and HTTP listeners and starts the accept loop and the
// timeout supervisor. A bind failure is fatal and returned to the caller.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.up.Store(true)

	s.log.Info().Str("addr", listener.Addr().String()).Msg("tcp listener up")

	if s.config.HTTPPort > 0 {
		if err := s.startHTTP(); err != nil {
			s.up.Store(false)
			s.listener.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.superviseTimeouts()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// startHTTP serves the WebSocket gateway and the metrics endpoint.
func (s *Server) startHTTP() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)
	httpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{Handler: mux}
	s.log.Info().Str("addr", httpListener.Addr().String()).Msg("http listener up (ws + metrics)")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("http server stopped")
		}
	}()
	return nil
}

// Stop clears the up flag, closes the listeners, and force-closes every
// session with a disconnect notice.
func (s *Server) Stop() {
	if !s.up.Swap(false) {
		return
	}
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}

	for _, sess := range s.registry.All() {
		sess.Close(protocol.OmsgDisconnect, "Server shutting down")
	}

	s.wg.Wait()
	s.log.Info().Msg("server stopped")
}

// Up reports whether the server is accepting and supervising connections.
func (s *Server) Up() bool {
	return s.up.Load()
}

// Addr returns the bound TCP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop accepts incoming connections for the lifetime of the server.
// A single failed accept is logged and the loop continues.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.up.Load() {
				return
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}

		s.startSession(conn)
	}
}

// startSession allocates an ID, hashes the remote address, and runs the
// session on its own goroutine. The raw address is never stored.
func (s *Server) startSession(conn net.Conn) {
	id := s.registry.AllocateID()
	sess := newSession(s, id, hashAddr(conn.RemoteAddr()), conn)

	go sess.Run()
}

// superviseTimeouts scans the registry once per second and evicts sessions
// silent longer than the configured timeout.
func (s *Server) superviseTimeouts() {
	defer s.wg.Done()

	timeout := time.Duration(s.config.TimeoutSeconds) * time.Second
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
		}

		s.closeExpired(timeout)
	}
}

// closeExpired snapshots the sessions silent longer than timeout, then closes
// each outside the registry lock.
func (s *Server) closeExpired(timeout time.Duration) {
	var expired []*Session
	now := time.Now()
	s.registry.Each(func(sess *Session) {
		if now.Sub(sess.LastSeen()) > timeout {
			expired = append(expired, sess)
		}
	})

	for _, sess := range expired {
		s.log.Info().Int("session", sess.ID).Msg("session timed out")
		sess.Close(protocol.OmsgDisconnect, "Timed out")
	}
}

// Broadcast appends a system chat message to every session in the given
// lobby, logged in or not. An empty lobby reaches everyone.
func (s *Server) Broadcast(msg string, lobby string) {
	fanout := 0
	s.registry.Each(func(sess *Session) {
		if lobby == "" || sess.Lobby() == lobby {
			sess.ServerPM(msg)
			fanout++
		}
	})

	if s.metrics != nil {
		s.metrics.RecordBroadcast(fanout)
	}
}

// Announce queues an announcement control message for every session,
// regardless of lobby.
func (s *Server) Announce(msg string) {
	s.registry.Each(func(sess *Session) {
		sess.Enqueue(protocol.ControlMessage{Type: protocol.OmsgAnnouncement, Msg: msg})
	})
}

// Kick closes the identified session with a Kick message. Admins cannot be
// kicked. Unknown IDs are a no-op.
func (s *Server) Kick(id int, reason string) {
	sess, ok := s.registry.Get(id)
	if !ok || sess.Admin() {
		return
	}
	sess.Close(protocol.OmsgKick, reason)
}

// Ban records the target's hashed address and closes it with a Kick message.
// Admins cannot be banned.
func (s *Server) Ban(id int, reason string) {
	sess, ok := s.registry.Get(id)
	if !ok || sess.Admin() {
		return
	}

	s.banMu.Lock()
	s.bans[sess.IPHash] = true
	s.banMu.Unlock()

	if s.banStore != nil {
		if err := s.banStore.AddBan(sess.IPHash); err != nil {
			s.log.Error().Err(err).Msg("failed to persist ban")
		}
	}

	sess.Close(protocol.OmsgKick, reason)
}

// CheckKey reports whether key is a configured admin bootstrap key.
func (s *Server) CheckKey(key string) bool {
	return key != "" && s.keys[key]
}

// CheckBanned reports whether the hashed address is banned.
func (s *Server) CheckBanned(ipHash string) bool {
	s.banMu.Lock()
	defer s.banMu.Unlock()
	return s.bans[ipHash]
}

// RegisterCommand adds an externally supplied command. External commands take
// precedence over built-ins with the same name.
func (s *Server) RegisterCommand(cmd *Command) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	s.commands = append([]*Command{cmd}, s.commands...)
}

// SetCommandSource attaches the external command source and registers its
// commands.
func (s *Server) SetCommandSource(source CommandSource) {
	s.source = source
	s.ReloadCommands()
}

// ReloadCommands clears externally sourced commands and re-registers them
// from the attached source. Built-ins are unaffected.
func (s *Server) ReloadCommands() {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.commands = builtinCommands(s)
	if s.source == nil {
		return
	}
	for _, cmd := range s.source.Commands(s) {
		s.commands = append([]*Command{cmd}, s.commands...)
	}
}

// hashAddr returns the SHA-256 hex digest of the host part of an address.
func hashAddr(addr net.Addr) string {
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return HashString(host)
}

// HashString returns the SHA-256 hex digest of s. Used for addresses and for
// credentials crossing the admin store boundary.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
