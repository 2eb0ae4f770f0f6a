package server

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Galaxy621/NotPTT/pkg/protocol"
)

func loginFrame(name, version, lobby, key string) []byte {
	return []byte(fmt.Sprintf(
		`{"type": 1, "name": %q, "ver": %q, "lobby": %q, "key": %q}`,
		name, version, lobby, key,
	))
}

func TestSessionChatLogEvictsOldest(t *testing.T) {
	s := newTestServer(t)
	sess, _ := addTestSession(t, s, 1, "Guest", "main")

	for i := 0; i < 40; i++ {
		sess.PushChat(protocol.ChatMessage{Body: fmt.Sprintf("m%d", i), Username: "Guest", ID: 1})
	}

	log := sess.ChatLog()
	require.Len(t, log, s.config.ChatLogCapacity)
	assert.Equal(t, "m8", log[0].Body)
	assert.Equal(t, "m39", log[len(log)-1].Body)
}

func TestSessionPushChatAssignsMid(t *testing.T) {
	s := newTestServer(t)
	sess, _ := addTestSession(t, s, 1, "Guest", "main")

	for i := 0; i < 50; i++ {
		sess.PushChat(protocol.ChatMessage{Body: "hi", Username: "Guest", ID: 1})
	}
	for _, msg := range sess.ChatLog() {
		assert.GreaterOrEqual(t, msg.Mid, 0)
		assert.Less(t, msg.Mid, 1000000)
	}
}

func TestSessionQueueFIFO(t *testing.T) {
	s := newTestServer(t)
	sess, _ := addTestSession(t, s, 1, "Guest", "main")

	sess.Enqueue(protocol.ControlMessage{Type: protocol.OmsgAnnouncement, Msg: "first"})
	sess.Enqueue(protocol.ControlMessage{Type: protocol.OmsgAnnouncement, Msg: "second"})

	ctrl, ok := sess.dequeue()
	require.True(t, ok)
	assert.Equal(t, "first", ctrl.Msg)

	ctrl, ok = sess.dequeue()
	require.True(t, ok)
	assert.Equal(t, "second", ctrl.Msg)

	_, ok = sess.dequeue()
	assert.False(t, ok)
}

func TestSessionPausedDecays(t *testing.T) {
	s := newTestServer(t)
	sess, _ := addTestSession(t, s, 1, "Guest", "main")

	sess.handleRaw([]byte(`{"type": 3}`))
	assert.True(t, sess.Paused())

	// Any message that is not a pause beacon clears the flag.
	sess.handleRaw([]byte(`{"type": 2, "x": 10}`))
	assert.False(t, sess.Paused())
}

func TestSessionParseFails(t *testing.T) {
	s := newTestServer(t)
	sess, _ := addTestSession(t, s, 1, "Guest", "main")

	for i := 1; i <= 3; i++ {
		sess.handleRaw([]byte("not json at all"))
		assert.Equal(t, i, sess.parseFails)
	}

	// One successfully decoded batch resets the counter.
	sess.handleRaw([]byte(`{"type": 2}`))
	assert.Equal(t, 0, sess.parseFails)
}

func TestSessionLoginHappyPath(t *testing.T) {
	s := newTestServer(t)

	conn := newMockConn()
	sess := newSession(s, 10, HashString("10.0.0.1"), conn)
	sess.mu.Lock()
	sess.active = true
	sess.mu.Unlock()
	s.registry.Add(sess)

	sess.handleRaw(loginFrame("Guest", s.config.Version, "main", ""))

	assert.True(t, sess.LoggedIn())
	assert.False(t, sess.Admin())
	assert.Equal(t, "Guest", sess.Name())
	assert.Equal(t, "main", sess.Lobby())

	// The welcome PM lands in the session's own chat log.
	found := false
	for _, msg := range sess.ChatLog() {
		if strings.Contains(msg.Body, "Welcome to NotPTT") {
			found = true
			assert.Equal(t, protocol.SystemID, msg.ID)
		}
	}
	assert.True(t, found)
}

func TestSessionLoginDuplicateNameSuffixed(t *testing.T) {
	s := newTestServer(t)
	addTestSession(t, s, 1, "Guest", "main")

	conn := newMockConn()
	sess := newSession(s, 2, HashString("10.0.0.2"), conn)
	sess.mu.Lock()
	sess.active = true
	sess.mu.Unlock()
	s.registry.Add(sess)

	sess.handleRaw(loginFrame("Guest", s.config.Version, "main", ""))

	require.True(t, sess.LoggedIn())
	assert.Regexp(t, `^Guest\d+$`, sess.Name())
	assert.Equal(t, 2, s.registry.LobbyCount("main"))
}

func TestSessionLoginConcurrentDuplicateNames(t *testing.T) {
	s := newTestServer(t)

	sessions := make([]*Session, 2)
	for i := range sessions {
		sess := newSession(s, i+1, HashString(fmt.Sprintf("10.0.0.%d", i+1)), newMockConn())
		sess.mu.Lock()
		sess.active = true
		sess.mu.Unlock()
		s.registry.Add(sess)
		sessions[i] = sess
	}

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			sess.handleRaw(loginFrame("Guest", s.config.Version, "main", ""))
		}(sess)
	}
	wg.Wait()

	require.True(t, sessions[0].LoggedIn())
	require.True(t, sessions[1].LoggedIn())
	assert.NotEqual(t, sessions[0].Name(), sessions[1].Name())
}

func TestSessionLoginAdminDisplacesHolder(t *testing.T) {
	config := testConfig()
	config.Keys = []string{"sekrit"}
	s := NewServer(config, testLogger())

	holder, holderConn := addTestSession(t, s, 1, "Guest", "main")

	conn := newMockConn()
	sess := newSession(s, 2, HashString("10.0.0.2"), conn)
	sess.mu.Lock()
	sess.active = true
	sess.mu.Unlock()
	s.registry.Add(sess)

	sess.handleRaw(loginFrame("Guest", s.config.Version, "main", "sekrit"))

	require.True(t, sess.LoggedIn())
	assert.True(t, sess.Admin())
	assert.Equal(t, "Guest", sess.Name())

	assert.False(t, holder.Active())
	assert.True(t, holderConn.Closed())
	_, ok := s.registry.Get(1)
	assert.False(t, ok)
}

func TestSessionLoginBanned(t *testing.T) {
	config := testConfig()
	config.Bans = []string{HashString("10.0.0.66")}
	s := NewServer(config, testLogger())

	conn := newMockConn()
	sess := newSession(s, 1, HashString("10.0.0.66"), conn)
	sess.mu.Lock()
	sess.active = true
	sess.mu.Unlock()
	s.registry.Add(sess)

	sess.handleRaw(loginFrame("Guest", s.config.Version, "main", ""))

	assert.False(t, sess.LoggedIn())
	assert.False(t, sess.Active())
	assert.Contains(t, conn.Written(), "You are banned.")
}

func TestSessionLoginVersionMismatch(t *testing.T) {
	s := newTestServer(t)

	conn := newMockConn()
	sess := newSession(s, 1, HashString("10.0.0.1"), conn)
	sess.mu.Lock()
	sess.active = true
	sess.mu.Unlock()
	s.registry.Add(sess)

	sess.handleRaw(loginFrame("Guest", "0.0.1", "main", ""))

	assert.False(t, sess.LoggedIn())
	assert.False(t, sess.Active())
	assert.Contains(t, conn.Written(), "Your client is outdated.")
}

func TestSessionChatFanoutExcludesSender(t *testing.T) {
	s := newTestServer(t)
	sender, _ := addTestSession(t, s, 1, "Alice", "tower")
	near, _ := addTestSession(t, s, 2, "Bob", "tower")
	far, _ := addTestSession(t, s, 3, "Carol", "basement")

	sender.handleChat("hello there")

	require.Len(t, near.ChatLog(), 1)
	assert.Equal(t, "hello there", near.ChatLog()[0].Body)
	assert.Equal(t, "Alice", near.ChatLog()[0].Username)
	assert.Equal(t, 1, near.ChatLog()[0].ID)

	assert.Empty(t, sender.ChatLog())
	assert.Empty(t, far.ChatLog())
}

func TestSessionChatMasksBadWords(t *testing.T) {
	s := newTestServer(t)
	sender, _ := addTestSession(t, s, 1, "Alice", "tower")
	peer, _ := addTestSession(t, s, 2, "Bob", "tower")

	sender.handleChat("what a fart")

	require.Len(t, peer.ChatLog(), 1)
	assert.Equal(t, "what a ****", peer.ChatLog()[0].Body)
}

func TestSessionAnticheatAppliedToState(t *testing.T) {
	s := newTestServer(t)
	sess, _ := addTestSession(t, s, 1, "Guest", "main")

	sess.handleRaw([]byte(`{"type": 2, "sprite": "spr_hacker_wings"}`))
	assert.Equal(t, "spr_player_idle", sess.State().Sprite)

	sess.handleRaw([]byte(`{"type": 2, "sprite": "spr_knight_idle"}`))
	assert.Equal(t, "spr_knight_idle", sess.State().Sprite)
}

func TestSessionSendCycleControlBeforeSnapshot(t *testing.T) {
	s := newTestServer(t)
	sess, conn := addTestSession(t, s, 1, "Guest", "main")

	sess.Enqueue(protocol.ControlMessage{Type: protocol.OmsgAnnouncement, Msg: "listen up"})

	require.True(t, sess.sendCycle())
	assert.Contains(t, conn.Written(), "listen up")
	assert.NotContains(t, conn.Written(), `"loggedIn"`)

	// The queue is drained, so the next cycle sends a snapshot.
	require.True(t, sess.sendCycle())
	assert.Contains(t, conn.Written(), `"loggedIn":true`)
	assert.Contains(t, conn.Written(), `"name":"Guest"`)
}

func TestSessionCloseIdempotent(t *testing.T) {
	s := newTestServer(t)
	sess, conn := addTestSession(t, s, 1, "Guest", "main")

	sess.Close(protocol.OmsgDisconnect, "bye")
	sess.Close(protocol.OmsgKick, "again")

	assert.False(t, sess.Active())
	assert.True(t, conn.Closed())
	_, ok := s.registry.Get(1)
	assert.False(t, ok)

	// Only the first close reason made it onto the wire.
	assert.Contains(t, conn.Written(), "bye")
	assert.NotContains(t, conn.Written(), "again")
}

func TestSessionRunRejectsExcessConnections(t *testing.T) {
	s := newTestServer(t)

	shared := HashString("192.168.0.9")
	for id := 1; id <= s.config.MaxConnections; id++ {
		sess := newSession(s, id, shared, newMockConn())
		s.registry.Add(sess)
	}

	conn := newMockConn()
	extra := newSession(s, 99, shared, conn)
	extra.Run()

	assert.True(t, conn.Closed())
	assert.Contains(t, conn.Written(), "max amount of connections")
	_, ok := s.registry.Get(99)
	assert.False(t, ok)
}

func TestServerCloseExpired(t *testing.T) {
	s := newTestServer(t)
	stale, staleConn := addTestSession(t, s, 1, "Stale", "main")
	fresh, _ := addTestSession(t, s, 2, "Fresh", "main")

	stale.mu.Lock()
	stale.lastSeen = time.Now().Add(-time.Minute)
	stale.mu.Unlock()

	s.closeExpired(time.Duration(s.config.TimeoutSeconds) * time.Second)

	assert.False(t, stale.Active())
	assert.Contains(t, staleConn.Written(), "Timed out")
	assert.True(t, fresh.Active())

	_, ok := s.registry.Get(1)
	assert.False(t, ok)
	_, ok = s.registry.Get(2)
	assert.True(t, ok)
}

func TestServerAnnounceReachesAllLobbies(t *testing.T) {
	s := newTestServer(t)
	a, _ := addTestSession(t, s, 1, "A", "tower")
	b, _ := addTestSession(t, s, 2, "B", "basement")

	s.Announce("maintenance soon")

	for _, sess := range []*Session{a, b} {
		ctrl, ok := sess.dequeue()
		require.True(t, ok)
		assert.Equal(t, protocol.OmsgAnnouncement, ctrl.Type)
		assert.Equal(t, "maintenance soon", ctrl.Msg)
	}
}

func TestServerKickRefusesAdmins(t *testing.T) {
	s := newTestServer(t)
	admin, adminConn := addTestSession(t, s, 1, "Boss", "main")
	admin.grantAdmin()

	s.Kick(1, "test")
	assert.True(t, admin.Active())
	assert.False(t, adminConn.Closed())

	s.Ban(1, "test")
	assert.True(t, admin.Active())
	assert.False(t, s.CheckBanned(admin.IPHash))
}

func TestServerBanPersistsAndCloses(t *testing.T) {
	s := newTestServer(t)
	target, targetConn := addTestSession(t, s, 1, "Troll", "main")

	s.Ban(1, "spam")

	assert.False(t, target.Active())
	assert.True(t, targetConn.Closed())
	assert.Contains(t, targetConn.Written(), "spam")
	assert.True(t, s.CheckBanned(target.IPHash))
}
