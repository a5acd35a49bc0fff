package state

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/hackerbots/pto/matrix"
)

// seenEventTTL bounds the dedup set. Deduplication only has to hold across
// consecutive sync batches, so expiring entries after a day keeps long
// sessions from growing without bound.
const seenEventTTL = 24 * time.Hour

// Session is the per-connection bridge state. It is created on accept and
// discarded on disconnect; nothing survives a restart.
//
// All mutation happens on the connection's coordinator. The mutex guards the
// management API's concurrent reads.
type Session struct {
	mu sync.RWMutex

	id         string
	remoteAddr string
	nick       string
	localUser  matrix.UserID
	token      string
	resume     string

	rooms     map[matrix.RoomID]*Room
	seen      *cache.Cache
	nextTxnID uint64
}

func NewSession(remoteAddr string) *Session {
	return &Session{
		id:         uuid.New().String(),
		remoteAddr: remoteAddr,
		rooms:      make(map[matrix.RoomID]*Room),
		seen:       cache.New(seenEventTTL, 2*seenEventTTL),
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) RemoteAddr() string { return s.remoteAddr }

func (s *Session) SetNick(nick string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nick = nick
}

func (s *Session) Nick() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nick
}

// SetCredentials records the authenticated identity after login.
func (s *Session) SetCredentials(user matrix.UserID, accessToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localUser = user
	s.token = accessToken
}

func (s *Session) LocalUser() matrix.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localUser
}

func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.localUser.IsZero()
}

// SetResumeToken records the sync cursor. Only end-of-batch markers carry a
// new cursor.
func (s *Session) SetResumeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resume = token
}

func (s *Session) ResumeToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resume
}

// Room returns the mirror for the given room, creating it on first
// reference. Rooms are never removed for the life of the session.
func (s *Session) Room(id matrix.RoomID) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		room = NewRoom(id)
		s.rooms[id] = room
	}
	return room
}

// Rooms snapshots all known room mirrors.
func (s *Session) Rooms() []*Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// RoomByLineName resolves an IRC target back to a room mirror.
func (s *Session) RoomByLineName(name string) (*Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rooms {
		if r.LineName() == name {
			return r, true
		}
	}
	return nil, false
}

// MarkSeen records an event identifier for deduplication and reports whether
// it was already present. Empty identifiers are never recorded.
func (s *Session) MarkSeen(eventID string) (dup bool) {
	if eventID == "" {
		return false
	}
	if _, found := s.seen.Get(eventID); found {
		return true
	}
	s.seen.Set(eventID, struct{}{}, cache.DefaultExpiration)
	return false
}

// Seen reports whether an event identifier has been recorded.
func (s *Session) Seen(eventID string) bool {
	_, found := s.seen.Get(eventID)
	return found
}

// NextTxnID returns a fresh transaction identifier for an outbound send.
func (s *Session) NextTxnID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTxnID++
	return s.nextTxnID
}
