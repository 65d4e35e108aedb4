package precursors

import (
	"crypto/tls"
	"net"
	"time"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a transport and its connection.
type options struct {
	codec  Codec
	logger Logger

	onMessage func(*Envelope) error
	// onError is called when a read error occurs.
	// Returns Disconnect to close the connection, Continue to drop the frame.
	onError     func(error) ErrorAction
	onConnected func()
	onClosed    func(error)

	tlsConfig *tls.Config
	dialer    *net.Dialer

	bufferSize    int           // size of the outgoing frame queue
	maxReadLength int           // maximum size of a single frame
	heartbeat     time.Duration // read/write deadline is heartbeat * 2; zero disables
}

// Option is a function that configures transport options.
type Option func(*options)

// CustomCodecOption returns an Option that overrides the transport's codec.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// BufferSizeOption returns an Option that sets the size of the outgoing queue.
// Sends block once the queue is full until the writer catches up.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// This determines the read/write deadline timeout (heartbeat * 2).
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// MessageMaxSize returns an Option that sets the maximum frame size.
// Larger frames are a framing error.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption returns an Option that sets the read error callback.
// Return Disconnect to close the connection, or Continue to drop the frame.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnConnectedOption returns an Option invoked once the connection is
// established and its pipeline wired.
func OnConnectedOption(cb func()) Option {
	return func(o *options) {
		o.onConnected = cb
	}
}

// OnClosedOption returns an Option invoked once with the error that ended
// the connection (nil on a local Close).
func OnClosedOption(cb func(error)) Option {
	return func(o *options) {
		o.onClosed = cb
	}
}

// TLSConfigOption returns an Option that sets the TLS configuration of a
// secure transport. ServerName defaults to the dialed host.
func TLSConfigOption(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// DialerOption returns an Option that sets the dialer used by Connect.
func DialerOption(d *net.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// onMessageOption is set by Transport; it is not part of the public surface
// because subscribers go through Transport.Subscribe.
func onMessageOption(cb func(*Envelope) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}
