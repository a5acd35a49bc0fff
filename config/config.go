package config

import (
	"fmt"
	"net"
)

//go:generate go run github.com/hackerbots/pto/cmd/config_generator windows settings.bat
//go:generate go run github.com/hackerbots/pto/cmd/config_generator unix settings.env
type Config struct {
	Homeserver string `envconfig:"HOMESERVER" default:"" description:"The Matrix homeserver the bridge connects to: either a bare domain, which is probed for a _matrix._tcp SRV record, or a literal base URL. The first command line argument overrides this value."`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8001" description:"The address the IRC listener binds to. Listening on a non-loopback address requires TLS. The second command line argument overrides this value."`
	ApiHost    string `envconfig:"API_HOST" default:"127.0.0.1" description:"The hostname or address at which the management API listens."`
	ApiPort    string `envconfig:"API_PORT" default:"" description:"The port that the management API binds to. Leave empty to disable the management API."`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info" description:"Set logging granularity. Possible values: 'trace', 'debug', 'info', 'warn', 'error'."`
	CertFile   string `envconfig:"CERT_FILE" default:"pto.crt" description:"Path to the TLS certificate presented to IRC clients."`
	KeyFile    string `envconfig:"KEY_FILE" default:"pto.key" description:"Path to the TLS private key matching CERT_FILE."`
	DisableTLS bool   `envconfig:"DISABLE_TLS" default:"false" description:"Serve plaintext IRC instead of TLS. Only permitted when the listener is bound to a loopback address."`
}

// Validate reports configuration errors that would otherwise surface as
// confusing failures deep in startup.
func (c Config) Validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("no homeserver configured: pass a domain or URL as the first argument or set HOMESERVER")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("bad LISTEN_ADDR %q: %w", c.ListenAddr, err)
	}
	if c.DisableTLS && !c.ListenLoopback() {
		return fmt.Errorf("refusing to serve plaintext IRC on non-loopback address %s", c.ListenAddr)
	}
	return nil
}

// ListenLoopback reports whether the IRC listener is bound to a loopback
// address.
func (c Config) ListenLoopback() bool {
	host, _, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
