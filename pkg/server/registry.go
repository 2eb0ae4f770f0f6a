package server

import (
	"math/rand"
	"strconv"
	"sync"

	"github.com/Galaxy621/NotPTT/pkg/protocol"
)

// Registry is the set of all live sessions, keyed by connection ID. One coarse
// mutex guards membership and iteration; everything a caller does inside the
// critical section must be limited to thread-safe methods on the sessions it
// finds there.
type Registry struct {
	mu       sync.Mutex
	clients  map[int]*Session
	idDigits int
}

// NewRegistry creates an empty registry. idDigits bounds the random connection
// ID range (e.g. 4 digits allocates in [0, 10000)).
func NewRegistry(idDigits int) *Registry {
	if idDigits <= 0 {
		idDigits = 4
	}
	return &Registry{
		clients:  make(map[int]*Session),
		idDigits: idDigits,
	}
}

// AllocateID draws random integers in the configured digit range until one is
// free of collisions against live sessions.
func (r *Registry) AllocateID() int {
	limit := 1
	for i := 0; i < r.idDigits; i++ {
		limit *= 10
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := rand.Intn(limit)
	for _, taken := r.clients[id]; taken; _, taken = r.clients[id] {
		id = rand.Intn(limit)
	}
	return id
}

// Add publishes a session.
func (r *Registry) Add(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[sess.ID] = sess
}

// Remove withdraws a session by ID. Removing an absent ID is a no-op.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// Get returns the session with the given ID.
func (r *Registry) Get(id int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.clients[id]
	return sess, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Each calls fn for every live session, strictly inside the registry lock.
// fn must only call thread-safe methods on the sessions it receives and must
// never re-enter the registry.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.clients {
		fn(sess)
	}
}

// All returns a snapshot slice of every live session.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*Session, 0, len(r.clients))
	for _, sess := range r.clients {
		all = append(all, sess)
	}
	return all
}

// CountByIP returns the number of live sessions sharing a hashed address.
func (r *Registry) CountByIP(ipHash string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, sess := range r.clients {
		if sess.IPHash == ipHash {
			count++
		}
	}
	return count
}

// LobbyCount returns the number of sessions in a lobby.
func (r *Registry) LobbyCount(lobby string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, sess := range r.clients {
		if sess.Lobby() == lobby {
			count++
		}
	}
	return count
}

// FindByName returns the session holding the given display name, regardless
// of login state.
func (r *Registry) FindByName(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.clients {
		if sess.Name() == name {
			return sess, true
		}
	}
	return nil, false
}

// ResolveName applies the name-collision policy in one critical section and
// assigns the resolved name to self before releasing the lock, so no second
// resolver can claim it in between.
//
// An admin takes the requested name as-is; any other session holding it is
// returned for displacement (the caller force-closes it after releasing the
// lock). A non-admin gets random decimal digits appended until no collision
// remains.
func (r *Registry) ResolveName(requested string, admin bool, self *Session) (string, *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if admin {
		var displaced *Session
		for _, sess := range r.clients {
			if sess.ID != self.ID && sess.Name() == requested {
				displaced = sess
				break
			}
		}
		self.Rename(requested)
		return requested, displaced
	}

	name := requested
	for r.nameTakenLocked(name, self.ID) {
		name += strconv.Itoa(rand.Intn(10))
	}
	self.Rename(name)
	return name, nil
}

// nameTakenLocked reports whether any other session holds name. Caller must
// hold r.mu.
func (r *Registry) nameTakenLocked(name string, selfID int) bool {
	for _, sess := range r.clients {
		if sess.ID != selfID && sess.Name() == name {
			return true
		}
	}
	return false
}

// Peers composes the compact projections of every session visible to the
// given one: same lobby, same room, excluding itself.
func (r *Registry) Peers(self *Session) []protocol.CompactClient {
	lobby, room := self.Lobby(), self.Room()

	r.mu.Lock()
	defer r.mu.Unlock()

	peers := make([]protocol.CompactClient, 0, len(r.clients))
	for _, sess := range r.clients {
		if sess.ID == self.ID || sess.Lobby() != lobby || sess.Room() != room {
			continue
		}
		peers = append(peers, sess.Compact())
	}
	return peers
}
