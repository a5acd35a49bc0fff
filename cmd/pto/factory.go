package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/time/rate"

	"github.com/hackerbots/pto/config"
	"github.com/hackerbots/pto/matrix"
	serverhttp "github.com/hackerbots/pto/server/http"
	"github.com/hackerbots/pto/server/irc"
	"github.com/hackerbots/pto/server/irc/middleware"
	"github.com/hackerbots/pto/state"
)

// Container groups together common dependencies.
type Container struct {
	cfg       config.Config
	logger    *slog.Logger
	sessions  *state.SessionRegistry
	chatBase  *url.URL
	tlsConfig *tls.Config
}

// MakeCommonDeps creates the dependencies shared by the listeners. The
// positional arguments override the homeserver and listen address from the
// environment.
func MakeCommonDeps(ctx context.Context, args []string) (Container, error) {
	c := Container{}

	if err := envconfig.Process("", &c.cfg); err != nil {
		return c, fmt.Errorf("unable to process app config: %s", err.Error())
	}
	if len(args) > 0 {
		c.cfg.Homeserver = args[0]
	}
	if len(args) > 1 {
		c.cfg.ListenAddr = args[1]
	}
	if err := c.cfg.Validate(); err != nil {
		return c, fmt.Errorf("configuration validation failed: %s", err.Error())
	}

	c.logger = middleware.NewLogger(c.cfg)
	c.sessions = state.NewSessionRegistry(c.logger)

	discoverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	base, err := matrix.DiscoverBase(discoverCtx, c.cfg.Homeserver, c.logger)
	if err != nil {
		return c, fmt.Errorf("unable to resolve homeserver: %s", err.Error())
	}
	c.chatBase = base
	c.logger.Info("bridging homeserver", "base_url", base.String())

	c.tlsConfig, err = loadTLSConfig(c.cfg, c.logger)
	if err != nil {
		return c, err
	}

	return c, nil
}

// loadTLSConfig loads the listener certificate. TLS is mandatory off
// loopback; on loopback a missing key pair downgrades to plaintext with a
// warning.
func loadTLSConfig(cfg config.Config, logger *slog.Logger) (*tls.Config, error) {
	if cfg.DisableTLS {
		logger.Warn("TLS disabled, serving plaintext IRC on loopback")
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		if cfg.ListenLoopback() && errors.Is(err, fs.ErrNotExist) {
			logger.Warn("no TLS key pair found, serving plaintext IRC on loopback",
				"cert_file", cfg.CertFile, "key_file", cfg.KeyFile)
			return nil, nil
		}
		return nil, fmt.Errorf("unable to load TLS key pair (%s, %s): %s", cfg.CertFile, cfg.KeyFile, err.Error())
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// IRCBridge creates the IRC listener.
func IRCBridge(deps Container) irc.Server {
	return irc.Server{
		ListenAddr: deps.cfg.ListenAddr,
		Logger:     deps.logger,
		TLSConfig:  deps.tlsConfig,
		Sessions:   deps.sessions,
		NewChatClient: func() irc.ChatClient {
			return matrix.NewClient(deps.chatBase, deps.logger)
		},
		RateLimiter: irc.NewIPRateLimiter(rate.Every(1*time.Minute), 10, 1*time.Minute),
	}
}

// MgmtAPI creates the management API server.
func MgmtAPI(deps Container) *serverhttp.Server {
	return serverhttp.NewManagementAPI(deps.cfg.ApiHost, deps.cfg.ApiPort, deps.sessions, deps.logger)
}
