package state

import (
	"sort"
	"strings"
	"sync"

	"github.com/hackerbots/pto/matrix"
	"github.com/hackerbots/pto/wire"
)

// Room mirrors one homeserver room for a single connection. Events are
// applied in arrival order, but IRC output for the room is gated until a
// channel name has been decided at the first end-of-batch transition.
//
// Apply and CompleteSync are called only from the connection's coordinator;
// the mutex exists for the management API's read-only snapshots.
type Room struct {
	mu sync.RWMutex

	id             matrix.RoomID
	canonicalAlias string
	aliases        []string
	joinRules      string
	lineName       string
	isDirect       bool
	pendingSync    bool

	members map[matrix.UserID]struct{}
	pending []pendingEvent
}

// pendingEvent is a gated event awaiting the naming decision.
type pendingEvent struct {
	age   int64
	event matrix.RoomEvent
}

func NewRoom(id matrix.RoomID) *Room {
	return &Room{
		id:          id,
		pendingSync: true,
		members:     make(map[matrix.UserID]struct{}),
	}
}

func (r *Room) ID() matrix.RoomID { return r.id }

func (r *Room) LineName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lineName
}

func (r *Room) IsDirect() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isDirect
}

func (r *Room) PendingSync() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pendingSync
}

func (r *Room) CanonicalAlias() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalAlias
}

// Members returns the current membership in lexicographic order.
func (r *Room) Members() []matrix.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked()
}

func (r *Room) membersLocked() []matrix.UserID {
	out := make([]matrix.UserID, 0, len(r.members))
	for u := range r.members {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// PendingCount reports how many gated events await the naming decision.
func (r *Room) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// Apply folds one room event into the mirror and returns the IRC lines it
// produces, if any. Output for a room is withheld until the naming decision;
// messages and topics that arrive early are buffered for replay.
func (r *Room) Apply(localUser matrix.UserID, age int64, evt matrix.RoomEvent) []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(localUser, age, evt)
}

func (r *Room) applyLocked(localUser matrix.UserID, age int64, evt matrix.RoomEvent) []wire.Message {
	switch e := evt.(type) {
	case matrix.CanonicalAlias:
		r.canonicalAlias = e.Alias
	case matrix.Aliases:
		r.aliases = append([]string(nil), e.Aliases...)
	case matrix.JoinRules:
		r.joinRules = e.Rule
	case matrix.Create, matrix.PowerLevels, matrix.HistoryVisibility, matrix.Name, matrix.Avatar:
		// state-shaping only, never any IRC output

	case matrix.Membership:
		return r.applyMembershipLocked(e)

	case matrix.Message:
		if r.lineName == "" {
			r.pending = append(r.pending, pendingEvent{age: age, event: e})
			return nil
		}
		return []wire.Message{r.privmsgLocked(localUser, e)}

	case matrix.Topic:
		if r.lineName == "" {
			r.pending = append(r.pending, pendingEvent{age: age, event: e})
			return nil
		}
		return []wire.Message{r.topicLocked(e)}
	}
	return nil
}

func (r *Room) applyMembershipLocked(e matrix.Membership) []wire.Message {
	switch e.Action {
	case matrix.MembershipJoin:
		if _, ok := r.members[e.User]; ok {
			return nil
		}
		r.members[e.User] = struct{}{}
		if r.lineName != "" && !r.pendingSync {
			return []wire.Message{{
				Prefix:  userPrefix(e.User),
				Command: wire.CmdJoin,
				Args:    []string{r.lineName},
			}}
		}
	case matrix.MembershipLeave, matrix.MembershipBan:
		if _, ok := r.members[e.User]; !ok {
			return nil // leave for a user never observed
		}
		delete(r.members, e.User)
		if r.lineName != "" && !r.pendingSync {
			return []wire.Message{{
				Prefix:  userPrefix(e.User),
				Command: wire.CmdPart,
				Args:    []string{r.lineName},
			}}
		}
	}
	return nil
}

func (r *Room) privmsgLocked(localUser matrix.UserID, e matrix.Message) wire.Message {
	msg := wire.NewMessage(wire.CmdPrivmsg, r.lineName).WithSuffix(e.Body)
	if r.isDirect && e.Sender == localUser {
		// the client's own half of a direct conversation carries no prefix
		return msg
	}
	msg.Prefix = userPrefix(e.Sender)
	return msg
}

func (r *Room) topicLocked(e matrix.Topic) wire.Message {
	msg := wire.NewMessage(wire.CmdTopic, r.lineName).WithSuffix(e.Topic)
	msg.Prefix = userPrefix(e.Sender)
	return msg
}

// CompleteSync runs the end-of-batch transition: decide the channel name,
// announce the room to the client, replay buffered events, and open the
// gate. It is a no-op once the first transition has been applied.
func (r *Room) CompleteSync(localUser matrix.UserID, serverName string) []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pendingSync {
		return nil
	}

	if r.lineName == "" {
		r.chooseLineNameLocked(localUser)
	}

	var out []wire.Message
	if !r.isDirect {
		out = append(out, wire.Message{
			Prefix:  userPrefix(localUser),
			Command: wire.CmdJoin,
			Args:    []string{r.lineName},
		})

		names := make([]string, 0, len(r.members))
		for _, u := range r.membersLocked() {
			names = append(names, u.Local)
		}
		out = append(out,
			wire.Message{
				Prefix:    serverName,
				Command:   wire.ReplyNameReply,
				Args:      []string{localUser.Local, "@", r.lineName},
				Suffix:    strings.Join(names, " "),
				HasSuffix: true,
			},
			wire.Message{
				Prefix:    serverName,
				Command:   wire.ReplyEndOfNames,
				Args:      []string{localUser.Local, r.lineName},
				Suffix:    "End of /NAMES list.",
				HasSuffix: true,
			},
		)
	}

	// replay buffered events oldest first; equal ages keep arrival order
	sort.SliceStable(r.pending, func(i, j int) bool { return r.pending[i].age < r.pending[j].age })
	for _, p := range r.pending {
		out = append(out, r.applyLocked(localUser, p.age, p.event)...)
	}
	r.pending = nil
	r.pendingSync = false

	return out
}

// chooseLineNameLocked is the naming decision. It runs once per room
// lifetime; the chosen name never changes afterwards.
func (r *Room) chooseLineNameLocked(localUser matrix.UserID) {
	for _, alias := range r.aliases {
		if strings.HasSuffix(alias, ":"+localUser.Homeserver) {
			r.lineName = alias
			return
		}
	}
	if r.canonicalAlias != "" {
		r.lineName = r.canonicalAlias
		return
	}
	if len(r.aliases) > 0 {
		r.lineName = r.aliases[0]
		return
	}
	if len(r.members) == 2 {
		for _, u := range r.membersLocked() {
			if u != localUser {
				r.isDirect = true
				r.lineName = u.Local
				return
			}
		}
	}
	r.lineName = "#" + r.id.Local + ":" + r.id.Homeserver
}

// userPrefix renders a user as an IRC source prefix.
func userPrefix(u matrix.UserID) string {
	return u.Local + "!" + u.Local + "@" + u.Homeserver
}
