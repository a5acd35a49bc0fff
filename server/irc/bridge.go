package irc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hackerbots/pto/matrix"
	"github.com/hackerbots/pto/server/irc/middleware"
	"github.com/hackerbots/pto/state"
	"github.com/hackerbots/pto/wire"
)

// syncBackoffMax caps the retry backoff for failing sync polls.
const syncBackoffMax = 30 * time.Second

// bridge is the per-connection coordinator. It multiplexes parsed client
// commands and decoded homeserver events over a single queue; session state
// is only ever touched from the run loop.
type bridge struct {
	rw     io.ReadWriter
	logger *slog.Logger
	chat   ChatClient
	sess   *state.Session

	queue chan bridgeMsg
	ctx   context.Context

	// registration scratch, consumed by the USER command
	password    string
	hasPassword bool
	polling     bool
}

func newBridge(rw io.ReadWriter, chat ChatClient, sess *state.Session, logger *slog.Logger) *bridge {
	return &bridge{
		rw:     rw,
		logger: logger,
		chat:   chat,
		sess:   sess,
		queue:  make(chan bridgeMsg, 64),
	}
}

// run drives the session until the client quits, a producer fails, or the
// context is canceled.
func (b *bridge) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.ctx = ctx

	go b.readClient(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.queue:
			quit, err := b.dispatch(msg)
			if err != nil || quit {
				return err
			}
		}
	}
}

func (b *bridge) dispatch(msg bridgeMsg) (quit bool, err error) {
	switch m := msg.(type) {
	case clientCommand:
		return b.handleClientCommand(m.msg)
	case clientError:
		if errors.Is(m.err, io.EOF) {
			b.logger.InfoContext(b.ctx, "client disconnected")
			return true, nil
		}
		return true, fmt.Errorf("client read failed: %w", m.err)
	case chatEvent:
		return false, b.handleChatEvent(m.evt)
	case pollBatchComplete:
		return false, b.handleBatchComplete(m.token)
	case pollFailed:
		return true, m.err
	}
	return false, nil
}

// enqueue delivers a producer message to the coordinator, giving up when the
// session winds down.
func (b *bridge) enqueue(ctx context.Context, msg bridgeMsg) {
	select {
	case b.queue <- msg:
	case <-ctx.Done():
	}
}

// readClient is the reader task: it blocks on the client socket and feeds
// parsed commands to the coordinator.
func (b *bridge) readClient(ctx context.Context) {
	lr := wire.NewLineReader(b.rw)
	for {
		msg, err := lr.ReadMessage()
		if err != nil {
			b.enqueue(ctx, clientError{err: err})
			return
		}
		b.enqueue(ctx, clientCommand{msg: msg})
	}
}

func (b *bridge) handleClientCommand(msg wire.Message) (quit bool, err error) {
	b.logger.Log(b.ctx, middleware.LevelTrace, "client command", "line", msg.String())

	switch msg.Command {
	case wire.CmdPass:
		if b.sess.LoggedIn() {
			b.logger.DebugContext(b.ctx, "ignoring PASS after login")
			return false, nil
		}
		b.password = firstArg(msg)
		b.hasPassword = true

	case wire.CmdNick:
		if nick := firstArg(msg); nick != "" {
			b.sess.SetNick(nick)
		}

	case wire.CmdUser:
		return false, b.handleUser(msg)

	case wire.CmdPing:
		reply := wire.Message{Command: wire.CmdPong, Args: msg.Args, Suffix: msg.Suffix, HasSuffix: msg.HasSuffix}
		return false, b.send(reply)

	case wire.CmdQuit:
		b.logger.InfoContext(b.ctx, "client quit")
		return true, nil

	case wire.CmdJoin:
		// membership mirrors the homeserver; an explicit join has nothing to do
		b.logger.DebugContext(b.ctx, "ignoring JOIN", "target", firstArg(msg))

	case wire.CmdPrivmsg:
		b.handlePrivmsg(msg)

	default:
		b.logger.DebugContext(b.ctx, "unhandled command", "command", msg.Command)
	}
	return false, nil
}

// handlePrivmsg relays a client message into the mirrored room. Unresolvable
// targets are dropped; so are messages the homeserver refuses.
func (b *bridge) handlePrivmsg(msg wire.Message) {
	target := firstArg(msg)
	if target == "" {
		return
	}
	text := msg.Suffix
	if !msg.HasSuffix && len(msg.Args) > 1 {
		text = strings.Join(msg.Args[1:], " ")
	}

	room, ok := b.sess.RoomByLineName(target)
	if !ok {
		b.logger.DebugContext(b.ctx, "message for unknown target", "target", target)
		return
	}

	eventID, err := b.chat.SendText(b.ctx, room.ID(), b.sess.NextTxnID(), text)
	if err != nil {
		b.logger.ErrorContext(b.ctx, "send failed, dropping message", "room_id", room.ID().String(), "err", err.Error())
		return
	}
	// suppress the echo before the next sync batch can deliver it
	b.sess.MarkSeen(eventID)
}

func (b *bridge) handleChatEvent(evt matrix.Event) error {
	if b.sess.MarkSeen(evt.ID) {
		b.logger.DebugContext(b.ctx, "dropping duplicate event", "event_id", evt.ID)
		return nil
	}

	switch data := evt.Data.(type) {
	case matrix.Room:
		room := b.sess.Room(data.ID)
		return b.send(room.Apply(b.sess.LocalUser(), evt.Age, data.Event)...)
	case matrix.Typing, matrix.Presence:
		// accepted and ignored
	case matrix.Unknown:
		b.logger.DebugContext(b.ctx, "ignoring unknown event", "type", data.Type)
	}
	return nil
}

// handleBatchComplete applies the end-of-batch transition to every room
// still awaiting its naming decision, then records the resume token.
func (b *bridge) handleBatchComplete(token string) error {
	localUser := b.sess.LocalUser()

	rooms := b.sess.Rooms()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID().String() < rooms[j].ID().String() })
	for _, room := range rooms {
		if !room.PendingSync() {
			continue
		}
		if err := b.send(room.CompleteSync(localUser, ServerName)...); err != nil {
			return err
		}
	}

	b.sess.SetResumeToken(token)
	return nil
}

// poll is the poller task: one initial full-state sync, then long polls
// until the session ends. Transport failures back off exponentially; decode
// failures discard the batch and resume from the last good token.
func (b *bridge) poll(ctx context.Context) {
	backoff := time.Second
	initial := true
	since := ""

	for {
		batch, err := b.chat.Sync(ctx, since)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if initial {
				b.enqueue(ctx, pollFailed{err: fmt.Errorf("%w: %v", ErrSyncFailed, err)})
				return
			}
			if errors.Is(err, matrix.ErrBadResponse) {
				b.logger.ErrorContext(ctx, "discarding bad sync batch", "err", err.Error())
			} else {
				b.logger.ErrorContext(ctx, "sync failed, retrying", "err", err.Error())
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > syncBackoffMax {
				backoff = syncBackoffMax
			}
			continue
		}

		backoff = time.Second
		initial = false
		since = batch.NextBatch
		for _, evt := range batch.Events {
			b.enqueue(ctx, chatEvent{evt: evt})
		}
		b.enqueue(ctx, pollBatchComplete{token: batch.NextBatch})
	}
}

func (b *bridge) send(msgs ...wire.Message) error {
	for _, msg := range msgs {
		line := msg.String()
		if _, err := io.WriteString(b.rw, line+"\r\n"); err != nil {
			return fmt.Errorf("client write failed: %w", err)
		}
		b.logger.Log(b.ctx, middleware.LevelTrace, "sent", "line", line)
	}
	return nil
}

func firstArg(msg wire.Message) string {
	if len(msg.Args) > 0 {
		return msg.Args[0]
	}
	return msg.Suffix
}
