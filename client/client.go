// Package client logs in to a Precursors server and hands out channels
// bound to the resulting transports.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/Zereker/precursors"
)

// Kind selects which transports a client brings up.
type Kind int

const (
	// Game connects the control and bulk transports. The server spawns the
	// account's avatar, so only one Game client may be logged in per account.
	Game Kind = iota
	// Service connects the control transport only.
	Service
)

func (k Kind) String() string {
	switch k {
	case Game:
		return "game"
	case Service:
		return "service"
	}
	return "unknown"
}

const controlChannel = "control"

type options struct {
	logger    precursors.Logger
	tlsConfig *tls.Config
	transport []precursors.Option
}

// Option configures a Client.
type Option func(*options)

// LoggerOption sets the logger used by the client, its transports and its
// channels.
func LoggerOption(logger precursors.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// TLSConfigOption sets the TLS configuration of the control transport.
func TLSConfigOption(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// TransportOption passes extra options to both transports.
func TransportOption(opt ...precursors.Option) Option {
	return func(o *options) {
		o.transport = append(o.transport, opt...)
	}
}

type loginRequest struct {
	Type       string `json:"type"`
	ClientName string `json:"clientName"`
	ClientType string `json:"clientType"`
	Version    string `json:"version"`
	User       string `json:"user"`
	Password   string `json:"password"`
	Key        string `json:"key"`
	Vector     string `json:"vector"`
}

type loginResponse struct {
	TCPPort int    `json:"tcpPort"`
	Cookie  string `json:"cookie"`
}

type connectRequest struct {
	Type   string `json:"type"`
	Cookie string `json:"cookie"`
}

type logoutEvent struct {
	Type string `json:"type"`
}

// Client is one login session. It is not reusable: after Close, build a
// new one.
type Client struct {
	kind   Kind
	host   string
	port   int
	logger precursors.Logger

	ssl *precursors.Transport
	tcp *precursors.Transport

	control *precursors.Channel

	mu       sync.Mutex
	channels []*precursors.Channel
}

// New prepares a client for host:port. Nothing is dialed until Connect.
func New(kind Kind, host string, port int, opt ...Option) (*Client, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}

	transportOpts := append([]precursors.Option(nil), opts.transport...)
	transportOpts = append(transportOpts, precursors.LoggerOption(opts.logger))

	sslOpts := transportOpts
	if opts.tlsConfig != nil {
		sslOpts = append(sslOpts[:len(sslOpts):len(sslOpts)], precursors.TLSConfigOption(opts.tlsConfig))
	}

	// The bulk key travels in the login request, so a Service client
	// generates one as well even though it never dials the bulk port.
	tcp, err := precursors.NewPlain(transportOpts...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		kind:   kind,
		host:   host,
		port:   port,
		logger: opts.logger,
		ssl:    precursors.NewSecure(sslOpts...),
		tcp:    tcp,
	}
	c.control = c.Channel(controlChannel)
	return c, nil
}

// Kind returns the client kind.
func (c *Client) Kind() Kind { return c.kind }

// Channel returns a new channel bound to the client's transports. A Service
// client's channels have no bulk link.
func (c *Client) Channel(name string) *precursors.Channel {
	var bulk precursors.Link
	if c.kind == Game {
		bulk = c.tcp
	}
	ch := precursors.NewChannel(name, c.ssl, bulk, precursors.ChannelLoggerOption(c.logger))

	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()
	return ch
}

// Connect dials the control transport and logs in. A Game client then
// dials the bulk port the server returned and redeems the login cookie on
// it. A refused login returns a *precursors.DeniedError.
func (c *Client) Connect(ctx context.Context, user, password string) error {
	if err := c.ssl.Connect(ctx, c.host, c.port); err != nil {
		return errors.Wrap(err, "connect control")
	}

	login := loginRequest{
		Type:       "login",
		ClientName: Name,
		ClientType: c.kind.String(),
		Version:    Version,
		User:       user,
		Password:   password,
		Key:        c.tcp.EncodedKey(),
		Vector:     c.tcp.EncodedIV(),
	}

	contents, err := c.control.Request(ctx, login, precursors.ViaSSL)
	if err != nil {
		var denied *precursors.DeniedError
		if errors.As(err, &denied) {
			c.logger.Error("login denied", "user", user, "reason", denied.Reason)
			return err
		}
		return errors.Wrap(err, "login")
	}
	c.logger.Info("logged in", "user", user, "kind", c.kind)

	if c.kind != Game {
		return nil
	}

	var resp loginResponse
	if err := json.Unmarshal(contents, &resp); err != nil {
		return errors.Wrap(precursors.ErrMalformedPayload, "login response: "+err.Error())
	}
	if resp.TCPPort == 0 || resp.Cookie == "" {
		return errors.Wrap(precursors.ErrMalformedPayload, "login response missing tcpPort or cookie")
	}

	if err := c.tcp.Connect(ctx, c.host, resp.TCPPort); err != nil {
		return errors.Wrap(err, "connect bulk")
	}

	// The cookie goes out in the clear; the server answers on the cipher
	// chain keyed by the login request.
	if _, err := c.control.Request(ctx, connectRequest{Type: "connect", Cookie: resp.Cookie}, precursors.ViaUnencrypted); err != nil {
		return errors.Wrap(err, "redeem cookie")
	}
	c.logger.Info("bulk transport ready", "port", resp.TCPPort)
	return nil
}

// Disconnect asks the server to log the session out. The transports stay
// open until the server closes them or Close is called.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.control.Event(ctx, logoutEvent{Type: "logout"}, precursors.ViaSSL)
}

// Done is closed when the control transport goes down.
func (c *Client) Done() <-chan struct{} {
	return c.ssl.Done()
}

// Close releases every channel and tears down both transports.
func (c *Client) Close() error {
	c.mu.Lock()
	channels := c.channels
	c.channels = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}

	errTCP := c.tcp.Close()
	if err := c.ssl.Close(); err != nil {
		return err
	}
	return errTCP
}
