package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/hackerbots/pto/state"
)

// Server provides client connection lifecycle management for the IRC
// listener. Each accepted connection gets an independent session and bridge
// coordinator.
type Server struct {
	ListenAddr string
	Logger     *slog.Logger
	// TLSConfig enables TLS when non-nil. The factory refuses to leave it
	// nil on non-loopback listeners.
	TLSConfig *tls.Config
	Sessions  *state.SessionRegistry
	// NewChatClient builds a fresh homeserver client per connection; access
	// tokens are per session.
	NewChatClient func() ChatClient
	RateLimiter   *IPRateLimiter
}

// Start starts the listener and accepts connections until the context is
// canceled.
func (rt Server) Start(ctx context.Context) error {
	var listener net.Listener
	var err error
	if rt.TLSConfig != nil {
		listener, err = tls.Listen("tcp", rt.ListenAddr, rt.TLSConfig)
	} else {
		listener, err = net.Listen("tcp", rt.ListenAddr)
	}
	if err != nil {
		return fmt.Errorf("unable to start IRC listener: %w", err)
	}

	rt.Logger.Info("starting IRC listener", "listen_host", rt.ListenAddr, "tls", rt.TLSConfig != nil)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	wg := sync.WaitGroup{}
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			rt.Logger.Error("accept failed", "err", err.Error())
			continue
		}

		ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			rt.Logger.Error("failed to parse remote address", "err", err.Error())
			conn.Close()
			continue
		}
		if rt.RateLimiter != nil && !rt.RateLimiter.Allow(ip) {
			rt.Logger.Debug("connection rate limited", "ip", ip)
			conn.Close()
			continue
		}

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			connCtx := context.WithValue(ctx, "ip", conn.RemoteAddr().String())
			if err := rt.handleNewConnection(connCtx, conn); err != nil {
				rt.Logger.InfoContext(connCtx, "user session failed", "err", err.Error())
			}
		}()
	}

	wg.Wait()
	rt.Logger.Info("shutdown complete")
	return nil
}

func (rt Server) handleNewConnection(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	sess := state.NewSession(conn.RemoteAddr().String())
	rt.Sessions.Add(sess)
	defer rt.Sessions.Remove(sess)

	b := newBridge(conn, rt.NewChatClient(), sess, rt.Logger)
	return b.run(ctx)
}
