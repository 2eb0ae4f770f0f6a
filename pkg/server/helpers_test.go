package server

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockConn is an in-memory net.Conn for unit tests: writes are captured,
// reads block on a channel fed by the test.
type mockConn struct {
	mu      sync.Mutex
	written bytes.Buffer
	readCh  chan []byte
	pending []byte
	closed  bool
}

func newMockConn() *mockConn {
	return &mockConn{readCh: make(chan []byte, 16)}
}

func (c *mockConn) Read(b []byte) (int, error) {
	if len(c.pending) == 0 {
		data, ok := <-c.readCh
		if !ok {
			return 0, io.EOF
		}
		c.pending = data
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *mockConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.written.Write(b)
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.readCh)
	}
	return nil
}

func (c *mockConn) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

func (c *mockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *mockConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (c *mockConn) SetDeadline(t time.Time) error      { return nil }
func (c *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// testConfig returns a config suitable for unit tests: no HTTP listener and a
// short timeout.
func testConfig() ServerConfig {
	config := DefaultConfig()
	config.TCPPort = 0
	config.HTTPPort = 0
	config.TimeoutSeconds = 1
	return config
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(testConfig(), testLogger())
}

// addTestSession registers a logged-in session backed by a mockConn, the way
// the acceptor would after a successful login.
func addTestSession(t *testing.T, s *Server, id int, name, lobby string) (*Session, *mockConn) {
	t.Helper()

	conn := newMockConn()
	sess := newSession(s, id, HashString("ip-"+strconv.Itoa(id)), conn)

	sess.mu.Lock()
	sess.name = name
	sess.lobby = lobby
	sess.active = true
	sess.loggedIn = true
	sess.lastSeen = time.Now()
	sess.mu.Unlock()

	s.registry.Add(sess)
	return sess, conn
}
