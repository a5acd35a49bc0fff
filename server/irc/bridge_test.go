package irc

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hackerbots/pto/matrix"
	"github.com/hackerbots/pto/state"
	"github.com/hackerbots/pto/wire"
)

type syncResult struct {
	batch matrix.SyncBatch
	err   error
}

type sentText struct {
	room  matrix.RoomID
	txnID uint64
	body  string
}

// fakeChat scripts the homeserver side of a session. Sync blocks until the
// test supplies a batch, mimicking a long poll.
type fakeChat struct {
	mu sync.Mutex

	creds    matrix.Credentials
	loginErr error

	gotUser     string
	gotPassword string
	guestLogin  bool

	batches chan syncResult
	sinces  []string

	sent        []sentText
	nextEventID string
	sendErr     error
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		creds: matrix.Credentials{
			AccessToken: "tok",
			UserID:      matrix.UserID{Local: "alice", Homeserver: "example.org"},
		},
		batches:     make(chan syncResult, 8),
		nextEventID: "$x:example.org",
	}
}

func (f *fakeChat) Login(_ context.Context, username, password string) (matrix.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotUser, f.gotPassword = username, password
	return f.creds, f.loginErr
}

func (f *fakeChat) RegisterGuest(context.Context) (matrix.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guestLogin = true
	return f.creds, f.loginErr
}

func (f *fakeChat) Sync(ctx context.Context, since string) (matrix.SyncBatch, error) {
	f.mu.Lock()
	f.sinces = append(f.sinces, since)
	f.mu.Unlock()
	select {
	case r := <-f.batches:
		return r.batch, r.err
	case <-ctx.Done():
		return matrix.SyncBatch{}, ctx.Err()
	}
}

func (f *fakeChat) SendText(_ context.Context, room matrix.RoomID, txnID uint64, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentText{room: room, txnID: txnID, body: body})
	return f.nextEventID, nil
}

func (f *fakeChat) Homeserver() string { return "example.org" }

// testHarness runs a bridge against an in-memory connection.
type testHarness struct {
	t      *testing.T
	client net.Conn
	chat   *fakeChat
	sess   *state.Session
	lines  chan string
	done   chan error
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	h := &testHarness{
		t:      t,
		client: clientConn,
		chat:   newFakeChat(),
		sess:   state.NewSession("127.0.0.1:50000"),
		lines:  make(chan string, 100),
		done:   make(chan error, 1),
	}

	b := newBridge(serverConn, h.chat, h.sess, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		clientConn.Close()
		serverConn.Close()
	})
	go func() {
		h.done <- b.run(ctx)
		serverConn.Close()
	}()

	go func() {
		lr := wire.NewLineReader(clientConn)
		for {
			msg, err := lr.ReadMessage()
			if err != nil {
				close(h.lines)
				return
			}
			h.lines <- msg.String()
		}
	}()

	return h
}

func (h *testHarness) sendLine(line string) {
	h.t.Helper()
	if _, err := h.client.Write([]byte(line + "\r\n")); err != nil {
		h.t.Fatalf("client write failed: %v", err)
	}
}

func (h *testHarness) expectLine(want string) {
	h.t.Helper()
	select {
	case got, ok := <-h.lines:
		if !ok {
			h.t.Fatalf("connection closed while waiting for %q", want)
		}
		assert.Equal(h.t, want, got)
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for %q", want)
	}
}

func (h *testHarness) expectDone(check func(error)) {
	h.t.Helper()
	select {
	case err := <-h.done:
		check(err)
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for session to end")
	}
}

func (h *testHarness) login() {
	h.t.Helper()
	h.sendLine("PASS hunter2")
	h.sendLine("NICK alice")
	h.sendLine("USER alice 0 * :Alice")
	h.expectLine(":pto 001 alice :Welcome to pto, the Matrix IRC bridge @alice:example.org")
	h.expectLine(":pto 002 alice :Your host is pto, an IRC frontend to example.org")
	h.expectLine(":pto 005 alice CHANTYPES=# NETWORK=matrix CHARSET=utf-8 :are supported by this server")
}

func roomEvent(id string, age int64, roomID matrix.RoomID, evt matrix.RoomEvent) matrix.Event {
	return matrix.Event{ID: id, Age: age, Data: matrix.Room{ID: roomID, Event: evt}}
}

var (
	roomGeneral = matrix.RoomID{Local: "abc", Homeserver: "example.org"}
	userAlice   = matrix.UserID{Local: "alice", Homeserver: "example.org"}
	userBob     = matrix.UserID{Local: "bob", Homeserver: "example.org"}
	userCarol   = matrix.UserID{Local: "carol", Homeserver: "example.org"}
)

func generalBatch(token string) matrix.SyncBatch {
	return matrix.SyncBatch{
		NextBatch: token,
		Events: []matrix.Event{
			roomEvent("", 0, roomGeneral, matrix.CanonicalAlias{Alias: "#general:example.org"}),
			roomEvent("", 0, roomGeneral, matrix.Membership{User: userAlice, Action: matrix.MembershipJoin}),
			roomEvent("", 0, roomGeneral, matrix.Membership{User: userBob, Action: matrix.MembershipJoin}),
			roomEvent("", 0, roomGeneral, matrix.Membership{User: userCarol, Action: matrix.MembershipJoin}),
		},
	}
}

func TestBridge_LoginAndWelcome(t *testing.T) {
	h := newTestHarness(t)
	h.login()

	h.chat.mu.Lock()
	assert.Equal(t, "alice", h.chat.gotUser)
	assert.Equal(t, "hunter2", h.chat.gotPassword)
	assert.False(t, h.chat.guestLogin)
	h.chat.mu.Unlock()
	assert.Equal(t, userAlice, h.sess.LocalUser())
}

func TestBridge_GuestLoginWithoutPass(t *testing.T) {
	h := newTestHarness(t)
	h.chat.creds.UserID = matrix.UserID{Local: "123", Homeserver: "example.org"}

	h.sendLine("NICK alice")
	h.sendLine("USER alice 0 * :Alice")
	h.expectLine(":pto 001 alice :Welcome to pto, the Matrix IRC bridge @123:example.org")

	h.chat.mu.Lock()
	assert.True(t, h.chat.guestLogin)
	h.chat.mu.Unlock()
}

func TestBridge_AuthFailures(t *testing.T) {
	t.Run("missing username", func(t *testing.T) {
		h := newTestHarness(t)
		h.sendLine("USER")
		h.expectDone(func(err error) {
			assert.ErrorIs(t, err, ErrAuthIncomplete)
		})
	})

	t.Run("rejected credentials", func(t *testing.T) {
		h := newTestHarness(t)
		h.chat.loginErr = matrix.ErrLoginFailed
		h.sendLine("PASS wrong")
		h.sendLine("USER alice 0 * :Alice")
		h.expectDone(func(err error) {
			assert.ErrorIs(t, err, ErrAuthRejected)
		})
	})
}

func TestBridge_InitialSyncAnnouncesRoom(t *testing.T) {
	h := newTestHarness(t)
	h.login()

	h.chat.batches <- syncResult{batch: generalBatch("s1")}
	h.expectLine(":alice!alice@example.org JOIN #general:example.org")
	h.expectLine(":pto 353 alice @ #general:example.org :alice bob carol")
	h.expectLine(":pto 366 alice #general:example.org :End of /NAMES list.")

	assert.Eventually(t, func() bool { return h.sess.ResumeToken() == "s1" },
		2*time.Second, 10*time.Millisecond)
}

func TestBridge_DirectMessageRoom(t *testing.T) {
	h := newTestHarness(t)
	h.login()

	h.chat.batches <- syncResult{batch: matrix.SyncBatch{
		NextBatch: "s1",
		Events: []matrix.Event{
			roomEvent("", 0, roomGeneral, matrix.Membership{User: userAlice, Action: matrix.MembershipJoin}),
			roomEvent("", 0, roomGeneral, matrix.Membership{User: userBob, Action: matrix.MembershipJoin}),
		},
	}}

	// no join/names burst for a direct room; bob's message is a private one
	h.chat.batches <- syncResult{batch: matrix.SyncBatch{
		NextBatch: "s2",
		Events: []matrix.Event{
			roomEvent("$1:example.org", 0, roomGeneral, matrix.Message{Sender: userBob, Body: "hi"}),
			roomEvent("$2:example.org", 0, roomGeneral, matrix.Message{Sender: userAlice, Body: "sent from another client"}),
		},
	}}

	h.expectLine(":bob!bob@example.org PRIVMSG bob :hi")
	h.expectLine("PRIVMSG bob :sent from another client")
}

func TestBridge_PendingEventsReplayAfterNaming(t *testing.T) {
	h := newTestHarness(t)
	h.login()

	// the message precedes the alias inside the same batch
	h.chat.batches <- syncResult{batch: matrix.SyncBatch{
		NextBatch: "s1",
		Events: []matrix.Event{
			roomEvent("$1:example.org", 50, roomGeneral, matrix.Message{Sender: userBob, Body: "early bird"}),
			roomEvent("", 0, roomGeneral, matrix.CanonicalAlias{Alias: "#general:example.org"}),
			roomEvent("", 0, roomGeneral, matrix.Membership{User: userAlice, Action: matrix.MembershipJoin}),
			roomEvent("", 0, roomGeneral, matrix.Membership{User: userBob, Action: matrix.MembershipJoin}),
		},
	}}

	h.expectLine(":alice!alice@example.org JOIN #general:example.org")
	h.expectLine(":pto 353 alice @ #general:example.org :alice bob")
	h.expectLine(":pto 366 alice #general:example.org :End of /NAMES list.")
	h.expectLine(":bob!bob@example.org PRIVMSG #general:example.org :early bird")
}

func TestBridge_OutboundMessageAndEchoSuppression(t *testing.T) {
	h := newTestHarness(t)
	h.login()

	h.chat.batches <- syncResult{batch: generalBatch("s1")}
	h.expectLine(":alice!alice@example.org JOIN #general:example.org")
	h.expectLine(":pto 353 alice @ #general:example.org :alice bob carol")
	h.expectLine(":pto 366 alice #general:example.org :End of /NAMES list.")

	h.sendLine("PRIVMSG #general:example.org :hello")
	assert.Eventually(t, func() bool {
		h.chat.mu.Lock()
		defer h.chat.mu.Unlock()
		return len(h.chat.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.chat.mu.Lock()
	assert.Equal(t, roomGeneral, h.chat.sent[0].room)
	assert.Equal(t, "hello", h.chat.sent[0].body)
	h.chat.mu.Unlock()
	assert.True(t, h.sess.Seen("$x:example.org"))

	// the homeserver echoes the message in the next batch; only the
	// sentinel that follows it may reach the client
	h.chat.batches <- syncResult{batch: matrix.SyncBatch{
		NextBatch: "s2",
		Events: []matrix.Event{
			roomEvent("$x:example.org", 0, roomGeneral, matrix.Message{Sender: userAlice, Body: "hello"}),
			roomEvent("$y:example.org", 0, roomGeneral, matrix.Message{Sender: userBob, Body: "sentinel"}),
		},
	}}
	h.expectLine(":bob!bob@example.org PRIVMSG #general:example.org :sentinel")
}

func TestBridge_DuplicateEventsDropped(t *testing.T) {
	h := newTestHarness(t)
	h.login()

	h.chat.batches <- syncResult{batch: generalBatch("s1")}
	h.expectLine(":alice!alice@example.org JOIN #general:example.org")
	h.expectLine(":pto 353 alice @ #general:example.org :alice bob carol")
	h.expectLine(":pto 366 alice #general:example.org :End of /NAMES list.")

	msg := roomEvent("$1:example.org", 0, roomGeneral, matrix.Message{Sender: userBob, Body: "once"})
	h.chat.batches <- syncResult{batch: matrix.SyncBatch{NextBatch: "s2", Events: []matrix.Event{msg}}}
	h.expectLine(":bob!bob@example.org PRIVMSG #general:example.org :once")

	h.chat.batches <- syncResult{batch: matrix.SyncBatch{NextBatch: "s3", Events: []matrix.Event{
		msg,
		roomEvent("$2:example.org", 0, roomGeneral, matrix.Message{Sender: userBob, Body: "twice"}),
	}}}
	h.expectLine(":bob!bob@example.org PRIVMSG #general:example.org :twice")
}

func TestBridge_MessageForUnknownTargetDropped(t *testing.T) {
	h := newTestHarness(t)
	h.login()

	h.chat.batches <- syncResult{batch: matrix.SyncBatch{NextBatch: "s1"}}
	h.sendLine("PRIVMSG #nowhere:example.org :lost")
	h.sendLine("PING pto")
	h.expectLine("PONG pto")

	h.chat.mu.Lock()
	assert.Empty(t, h.chat.sent)
	h.chat.mu.Unlock()
}

func TestBridge_PollerSinceProgression(t *testing.T) {
	h := newTestHarness(t)
	h.login()

	h.chat.batches <- syncResult{batch: matrix.SyncBatch{NextBatch: "s1"}}
	h.chat.batches <- syncResult{batch: matrix.SyncBatch{NextBatch: "s2"}}

	assert.Eventually(t, func() bool {
		h.chat.mu.Lock()
		defer h.chat.mu.Unlock()
		return len(h.chat.sinces) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	h.chat.mu.Lock()
	assert.Equal(t, []string{"", "s1", "s2"}, h.chat.sinces[:3])
	h.chat.mu.Unlock()
}

func TestBridge_InitialSyncFailureEndsSession(t *testing.T) {
	h := newTestHarness(t)
	h.login()

	h.chat.batches <- syncResult{err: matrix.ErrBadResponse}
	h.expectDone(func(err error) {
		assert.ErrorIs(t, err, ErrSyncFailed)
	})
}

func TestBridge_QuitEndsSession(t *testing.T) {
	h := newTestHarness(t)
	h.login()
	h.sendLine("QUIT :bye")
	h.expectDone(func(err error) {
		assert.NoError(t, err)
	})
}

func TestBridge_JoinIsAcceptedNoOp(t *testing.T) {
	h := newTestHarness(t)
	h.login()
	h.sendLine("JOIN #general:example.org")
	h.sendLine("PING pto")
	h.expectLine("PONG pto")
}

func TestBridge_GatedRoomEmitsNothingBeforeTransition(t *testing.T) {
	h := newTestHarness(t)
	h.login()

	// events only, no end-of-batch yet: supply a batch whose events include
	// a named room then check no output leaks before the marker. The fake
	// delivers events and marker together, so instead verify output starts
	// with the join burst rather than the buffered message.
	h.chat.batches <- syncResult{batch: matrix.SyncBatch{
		NextBatch: "s1",
		Events: []matrix.Event{
			roomEvent("$1:example.org", 10, roomGeneral, matrix.Message{Sender: userBob, Body: "gated"}),
			roomEvent("", 0, roomGeneral, matrix.CanonicalAlias{Alias: "#general:example.org"}),
		},
	}}

	h.expectLine(":alice!alice@example.org JOIN #general:example.org")
}
