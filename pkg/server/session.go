package server

import (
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Galaxy621/NotPTT/pkg/protocol"
)

// Session owns one socket and its receive/parse/dispatch/send cycle.
//
// All receive-cycle state (flags, stored player state, parse-failure counter)
// is written only by the session's own goroutine. Other goroutines interact
// with a session exclusively through its thread-safe surfaces: Enqueue,
// PushChat, Close, and the read-locked accessors.
type Session struct {
	ID     int
	IPHash string

	server *Server
	conn   net.Conn
	log    zerolog.Logger

	mu       sync.RWMutex
	name     string
	lobby    string
	color    string
	admin    bool
	active   bool
	paused   bool
	loggedIn bool
	state    protocol.ClientState
	lastSeen time.Time

	chatMu sync.Mutex
	chat   []protocol.ChatMessage

	queueMu sync.Mutex
	queue   []protocol.ControlMessage

	// Owned by the receive goroutine.
	parseFails int

	closeOnce sync.Once
}

// newSession constructs a session for an accepted connection. The session is
// not published to the registry until Run performs the per-IP check.
func newSession(server *Server, id int, ipHash string, conn net.Conn) *Session {
	return &Session{
		ID:     id,
		IPHash: ipHash,
		server: server,
		conn:   conn,
		log:    server.log.With().Int("session", id).Logger(),
	}
}

// Run performs the Connecting→Active transition and drives the session loop.
// It is the session's only goroutine.
func (s *Session) Run() {
	s.log.Info().Str("ip", s.IPHash).Msg("new connection")

	if s.server.registry.CountByIP(s.IPHash) >= s.server.config.MaxConnections {
		s.direct(protocol.OmsgKick, "You are already connected with the max amount of connections.")
		s.conn.Close()
		return
	}

	s.mu.Lock()
	s.active = true
	s.lastSeen = time.Now()
	s.mu.Unlock()

	s.chatMu.Lock()
	s.chat = nil
	s.chatMu.Unlock()

	// Counted only once the session is admitted, so the active gauge stays
	// balanced against RecordSessionClosed.
	if s.server.metrics != nil {
		s.server.metrics.RecordSessionCreated()
	}

	s.server.registry.Add(s)
	s.loop()
}

// loop runs the fixed-rate receive/send cycle until a terminal transition.
func (s *Session) loop() {
	interval := time.Second / time.Duration(s.server.config.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	buf := make([]byte, s.server.config.ReadBufferSize)
	for s.Active() {
		n, err := s.conn.Read(buf)
		if err != nil {
			s.Close(protocol.MsgNone, err.Error())
			return
		}
		if n == 0 {
			s.Close(protocol.MsgNone, "No data received.")
			return
		}

		s.handleRaw(buf[:n])
		s.touch()

		if s.parseFails > s.server.config.ParseFailCap {
			s.Close(protocol.OmsgKick, "Too many parse fails.")
			return
		}

		if !s.sendCycle() {
			return
		}

		<-ticker.C
	}
}

// handleRaw frames and decodes a receive buffer and dispatches each message
// in wire order.
func (s *Session) handleRaw(raw []byte) {
	states, failed := protocol.DecodeBatch(raw)

	if len(states) == 0 {
		if failed > 0 {
			s.parseFails++
			if s.server.metrics != nil {
				s.server.metrics.RecordParseFailure()
			}
			s.log.Debug().Int("fails", s.parseFails).Msg("unparseable input")
		}
		return
	}
	s.parseFails = 0

	for _, state := range states {
		if s.server.config.Anticheat {
			state.Sprite = AnticheatSprite(state.Sprite)
		}

		// Paused decays unless re-asserted by this very message.
		s.setPaused(false)

		if s.server.metrics != nil {
			s.server.metrics.RecordMessageReceived(state.Type)
		}

		switch state.Type {
		case protocol.ImsgLogin:
			s.handleLogin(state)
		case protocol.ImsgDefault:
			s.handleState(state)
		case protocol.ImsgPaused:
			s.handlePaused()
		case protocol.ImsgMessage:
			s.handleChat(state.Msg)
		}
	}
}

// handleLogin validates key, ban status, and protocol version, resolves the
// requested name against the collision policy, and completes the one-time
// LoggedOut→LoggedIn transition.
func (s *Session) handleLogin(state protocol.ClientState) {
	if s.LoggedIn() {
		return
	}

	admin := s.server.CheckKey(state.Key)

	if s.server.CheckBanned(s.IPHash) {
		s.Close(protocol.OmsgKick, "You are banned.")
		return
	}

	if state.Version != s.server.config.Version {
		s.Close(protocol.OmsgKick, "Your client is outdated.")
		return
	}

	requested := CleanName(state.Name, s.server.config.MaxNameLength, s.server.config.BadWords)
	name, displaced := s.server.registry.ResolveName(requested, admin, s)
	if displaced != nil {
		displaced.Close(protocol.MsgNone, "")
	}
	state.Name = name

	s.mu.Lock()
	s.state = state
	s.name = name
	s.lobby = state.Lobby
	s.color = state.Color
	s.admin = admin
	s.loggedIn = true
	lobby := s.lobby
	s.mu.Unlock()

	s.log.Info().Str("name", name).Str("lobby", lobby).Bool("admin", admin).Msg("logged in")
	s.server.Broadcast(name+" has entered the tower!", lobby)
	s.ServerPM("Welcome to NotPTT, " + name + "! Use /help for a list of commands.")
}

// handleState replaces the stored player-state snapshot verbatim.
func (s *Session) handleState(state protocol.ClientState) {
	if !s.LoggedIn() {
		return
	}

	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) handlePaused() {
	if !s.LoggedIn() {
		return
	}
	s.setPaused(true)
}

// handleChat sanitizes a chat line and fans it out to every other logged-in,
// active session in the same lobby. Lines starting with the command prefix go
// to the dispatcher instead.
func (s *Session) handleChat(msg string) {
	if !s.LoggedIn() || msg == "" {
		return
	}

	if strings.HasPrefix(msg, commandPrefix) {
		s.server.Dispatch(s, msg)
		return
	}

	if !s.server.limiter.Allow(s.ID) {
		s.ServerPM("You are sending messages too fast.")
		return
	}

	msg = Clean(msg, s.server.config.MaxChatLength, s.server.config.BadWords)
	lobby, name := s.Lobby(), s.Name()

	fanout := 0
	s.server.registry.Each(func(peer *Session) {
		if peer.ID == s.ID || peer.Lobby() != lobby || !peer.Active() || !peer.LoggedIn() {
			return
		}
		peer.PushChat(protocol.ChatMessage{Body: msg, Username: name, ID: s.ID})
		fanout++
	})

	if s.server.metrics != nil {
		s.server.metrics.RecordChatFanout(fanout)
	}
}

// sendCycle sends exactly one frame: the oldest queued control message if any,
// otherwise a fresh snapshot. Reports false on a terminal transport fault.
func (s *Session) sendCycle() bool {
	if ctrl, ok := s.dequeue(); ok {
		data, err := protocol.EncodeControl(ctrl.Type, ctrl.Msg)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to encode control message")
			return true
		}
		return s.write(data)
	}

	s.mu.RLock()
	snap := protocol.Snapshot{
		LoggedIn: s.loggedIn,
		Admin:    s.admin,
		Name:     s.name,
		ID:       s.ID,
	}
	lobby := s.lobby
	s.mu.RUnlock()

	snap.OnlineCnt = s.server.registry.LobbyCount(lobby)
	snap.Clients = s.server.registry.Peers(s)
	snap.Msgs = s.ChatLog()

	data, err := protocol.EncodeSnapshot(snap)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode snapshot")
		return true
	}
	return s.write(data)
}

// write sends data on the socket, closing the session on transport faults.
func (s *Session) write(data []byte) bool {
	if _, err := s.conn.Write(data); err != nil {
		s.Close(protocol.MsgNone, err.Error())
		return false
	}
	return true
}

// Close performs the terminal transition: a final control message, socket
// close, deactivation, and removal from the registry. It is idempotent and
// safe to call from any goroutine.
func (s *Session) Close(msgType protocol.MessageType, reason string) {
	s.closeOnce.Do(func() {
		s.direct(msgType, reason)
		s.conn.Close()

		s.mu.Lock()
		s.active = false
		s.mu.Unlock()

		s.server.registry.Remove(s.ID)
		s.server.limiter.Forget(s.ID)

		if s.server.metrics != nil {
			s.server.metrics.RecordSessionClosed()
		}

		if msgType == protocol.MsgNone {
			s.log.Info().Str("reason", reason).Msg("disconnected")
		} else {
			s.log.Info().Str("reason", reason).Int("type", int(msgType)).Msg("closed")
		}
	})
}

// direct sends a control message immediately, bypassing the queue. Best
// effort: transport errors are ignored.
func (s *Session) direct(msgType protocol.MessageType, msg string) {
	data, err := protocol.EncodeControl(msgType, msg)
	if err != nil {
		return
	}
	_, _ = s.conn.Write(data)
}

// Enqueue appends a one-shot control message to the outbound queue.
func (s *Session) Enqueue(ctrl protocol.ControlMessage) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queue = append(s.queue, ctrl)
}

// dequeue pops the oldest queued control message.
func (s *Session) dequeue() (protocol.ControlMessage, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if len(s.queue) == 0 {
		return protocol.ControlMessage{}, false
	}
	ctrl := s.queue[0]
	s.queue = s.queue[1:]
	return ctrl, true
}

// PushChat appends a chat entry to the session's bounded chat log, assigning
// the random message ID clients use for deduplication. The oldest entry is
// evicted once the log is full.
func (s *Session) PushChat(msg protocol.ChatMessage) {
	msg.Mid = rand.Intn(1000000)

	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	if len(s.chat) >= s.server.config.ChatLogCapacity {
		s.chat = s.chat[1:]
	}
	s.chat = append(s.chat, msg)
}

// ServerPM appends a private system message to this session's chat log.
func (s *Session) ServerPM(body string) {
	s.PushChat(protocol.ChatMessage{
		Body:     body,
		Username: "[NotPTT]",
		ID:       protocol.SystemID,
	})
}

// ClearChat empties the session's chat log.
func (s *Session) ClearChat() {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	s.chat = nil
}

// ChatLog returns a copy of the buffered chat entries.
func (s *Session) ChatLog() []protocol.ChatMessage {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()

	msgs := make([]protocol.ChatMessage, len(s.chat))
	copy(msgs, s.chat)
	return msgs
}

// Rename sets the display name. Only Registry.ResolveName should call this;
// it writes the name inside the registry's critical section so the name is
// reserved the moment it is chosen.
func (s *Session) Rename(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// grantAdmin sets the admin flag after a successful credential check.
func (s *Session) grantAdmin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admin = true
}

func (s *Session) setPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// touch stamps the last-seen time used by the timeout supervisor.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

// Name returns the display name.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Lobby returns the lobby identifier.
func (s *Session) Lobby() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lobby
}

// Room returns the numeric room within the lobby.
func (s *Session) Room() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Room
}

// Admin reports whether the session holds the admin flag.
func (s *Session) Admin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admin
}

// Active reports whether the session is live.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Paused reports the heartbeat-style paused flag.
func (s *Session) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

// LoggedIn reports whether the login transition has happened.
func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

// LastSeen returns the time of the last successful read.
func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// State returns the last received player-state snapshot.
func (s *Session) State() protocol.ClientState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Compact returns the projection of this session embedded in peer snapshots.
func (s *Session) Compact() protocol.CompactClient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return protocol.CompactClient{
		ID:             s.ID,
		X:              s.state.X,
		Y:              s.state.Y,
		Name:           s.name,
		Admin:          s.admin,
		Room:           s.state.Room,
		Sprite:         s.state.Sprite,
		Frame:          s.state.Frame,
		Direction:      s.state.Dir,
		Palette:        s.state.Palette,
		PaletteSprite:  s.state.PaletteSprite,
		PaletteTexture: s.state.PaletteTexture,
		Color:          s.state.Color,
	}
}
