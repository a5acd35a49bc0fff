package irc

import (
	"context"
	"errors"
	"fmt"

	"github.com/hackerbots/pto/matrix"
	"github.com/hackerbots/pto/wire"
)

// handleUser completes registration: it consumes the collected credentials,
// authenticates against the homeserver, and starts the poller. A USER with
// no password performs a guest login; a USER with no username is fatal.
func (b *bridge) handleUser(msg wire.Message) error {
	if b.sess.LoggedIn() {
		b.logger.DebugContext(b.ctx, "ignoring USER after login")
		return nil
	}
	username := firstArg(msg)
	if username == "" {
		return ErrAuthIncomplete
	}

	var creds matrix.Credentials
	var err error
	if b.hasPassword {
		creds, err = b.chat.Login(b.ctx, username, b.password)
	} else {
		creds, err = b.chat.RegisterGuest(b.ctx)
	}
	if err != nil {
		if errors.Is(err, matrix.ErrLoginFailed) {
			return fmt.Errorf("%w: %s", ErrAuthRejected, username)
		}
		return fmt.Errorf("login failed: %w", err)
	}
	b.password = ""

	b.sess.SetCredentials(creds.UserID, creds.AccessToken)
	if b.sess.Nick() == "" {
		b.sess.SetNick(username)
	}
	b.ctx = context.WithValue(b.ctx, "nick", b.sess.Nick())
	b.logger.InfoContext(b.ctx, "logged in", "user_id", creds.UserID.String())

	if err := b.sendWelcome(); err != nil {
		return err
	}

	if !b.polling {
		b.polling = true
		go b.poll(b.ctx)
	}
	return nil
}

func (b *bridge) sendWelcome() error {
	nick := b.sess.Nick()
	return b.send(
		wire.Message{
			Prefix:    ServerName,
			Command:   wire.ReplyWelcome,
			Args:      []string{nick},
			Suffix:    "Welcome to pto, the Matrix IRC bridge " + b.sess.LocalUser().String(),
			HasSuffix: true,
		},
		wire.Message{
			Prefix:    ServerName,
			Command:   wire.ReplyYourHost,
			Args:      []string{nick},
			Suffix:    "Your host is " + ServerName + ", an IRC frontend to " + b.chat.Homeserver(),
			HasSuffix: true,
		},
		wire.Message{
			Prefix:    ServerName,
			Command:   wire.ReplyISupport,
			Args:      []string{nick, "CHANTYPES=#", "NETWORK=matrix", "CHARSET=utf-8"},
			Suffix:    "are supported by this server",
			HasSuffix: true,
		},
	)
}
