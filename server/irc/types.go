package irc

import (
	"context"
	"errors"

	"github.com/hackerbots/pto/matrix"
	"github.com/hackerbots/pto/wire"
)

// ServerName is the prefix the bridge speaks with on numerics and the name
// it advertises in the welcome burst.
const ServerName = "pto"

var (
	// ErrAuthIncomplete indicates the client finished its handshake without
	// supplying a username.
	ErrAuthIncomplete = errors.New("registration ended without a username")
	// ErrAuthRejected indicates the homeserver refused the credentials.
	ErrAuthRejected = errors.New("homeserver rejected login")
	// ErrSyncFailed indicates the initial full-state sync could not be
	// completed.
	ErrSyncFailed = errors.New("initial sync failed")
)

// ChatClient is the slice of the homeserver API the bridge drives. It is
// satisfied by *matrix.Client.
type ChatClient interface {
	Login(ctx context.Context, username, password string) (matrix.Credentials, error)
	RegisterGuest(ctx context.Context) (matrix.Credentials, error)
	Sync(ctx context.Context, since string) (matrix.SyncBatch, error)
	SendText(ctx context.Context, room matrix.RoomID, txnID uint64, body string) (string, error)
	Homeserver() string
}

// bridgeMsg is a tagged message on the coordinator queue. The reader task
// produces clientCommand and clientError; the poller task produces
// chatEvent, pollBatchComplete, and pollFailed.
type bridgeMsg interface{ isBridgeMsg() }

type clientCommand struct{ msg wire.Message }

type clientError struct{ err error }

type chatEvent struct{ evt matrix.Event }

type pollBatchComplete struct{ token string }

type pollFailed struct{ err error }

func (clientCommand) isBridgeMsg()     {}
func (clientError) isBridgeMsg()       {}
func (chatEvent) isBridgeMsg()         {}
func (pollBatchComplete) isBridgeMsg() {}
func (pollFailed) isBridgeMsg()        {}
