// Package precursors is a client for the Precursors game server protocol.
//
// Traffic is carried by two transports: a TLS control transport and a bulk
// TCP transport whose frames are encrypted with a per-connection AES-CBC
// chain. Every frame holds one JSON envelope. Channels multiplex named
// event and request/response traffic over the transports.
package precursors

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/precursors/netstring"
)

// Default configuration values.
const (
	// defaultBufferSize is the default size of the outgoing frame queue.
	defaultBufferSize = 64
	// defaultMaxPackageLength is the default maximum size of a single frame (1MB).
	defaultMaxPackageLength = 1024 * 1024
	// flushTimeout bounds how long Close spends writing queued frames.
	flushTimeout = 2 * time.Second
)

// Conn is one framed connection. It owns the socket, the frame reader and
// the outgoing queue. All writes go through a single writer path so that
// stateful codecs see messages in the order they reach the wire.
type Conn struct {
	rawConn net.Conn
	frames  *netstring.Reader
	logger  Logger

	opts options

	// writeSem admits one producer at a time into encode + enqueue.
	writeSem chan struct{}
	sendMsg  chan []byte

	closed    atomic.Bool
	closing   chan struct{}
	closeOnce sync.Once

	// running is set once Run starts; writerDone closes when its write
	// loop has returned.
	running    atomic.Bool
	writerDone chan struct{}
}

// NewConn creates a new connection wrapper around conn.
// It applies the provided options and validates them before returning.
// Returns an error if required options (codec, onMessage) are missing.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.heartbeat < 0 {
		opts.heartbeat = 0
	}

	if opts.codec == nil {
		return ErrInvalidCodec
	}

	if opts.onError == nil {
		opts.onError = defaultOnError
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// defaultOnError drops frames with a bad payload and disconnects on
// anything else.
func defaultOnError(err error) ErrorAction {
	if errors.Is(err, ErrMalformedPayload) {
		return Continue
	}
	return Disconnect
}

func newConnWithOptions(c net.Conn, opts options) *Conn {
	return &Conn{
		rawConn:  c,
		frames:   netstring.NewReader(c, opts.maxReadLength),
		logger:   opts.logger,
		opts:     opts,
		writeSem: make(chan struct{}, 1),
		sendMsg:  make(chan []byte, opts.bufferSize),
		closing:  make(chan struct{}),

		writerDone: make(chan struct{}),
	}
}

// Run starts the connection's read and write loops.
// It blocks until an error occurs, the context is canceled or Close is
// called. The connection is closed when Run returns. Canceling ctx drops
// queued frames; Close flushes them first.
func (c *Conn) Run(ctx context.Context) error {
	c.running.Store(true)

	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"heartbeat", c.opts.heartbeat)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		defer close(c.writerDone)
		return c.writeLoop(child)
	})

	// Unblocks the read loop, which otherwise only notices cancellation on
	// its next frame. On Close the socket stays open until the queue is
	// flushed.
	group.Go(func() error {
		select {
		case <-child.Done():
		case <-c.closing:
			<-c.writerDone
			cancel()
		}
		c.closeConn()
		return context.Canceled
	})

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	return err
}

// Close stops accepting writes, flushes frames already queued and closes
// the connection. Frames a Write accepted are written unless the peer
// stalls past flushTimeout. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(flushTimeout))
	c.closeOnce.Do(func() { close(c.closing) })

	if c.running.Load() {
		<-c.writerDone
	}
	// Run may already have closed the socket after the flush.
	if err := c.rawConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write encodes v with the codec's normal path and queues the frame.
//
// The call waits for its turn on the writer path and for room in the
// queue. ctx is honored only until encoding starts: once a stateful codec
// has consumed the message, the frame must reach the queue, so the call then
// waits for room unless the connection closes.
func (c *Conn) Write(ctx context.Context, v any) error {
	return c.enqueue(ctx, c.opts.codec.Encode, v)
}

// WriteRaw is Write using the codec's raw path.
func (c *Conn) WriteRaw(ctx context.Context, v any) error {
	return c.enqueue(ctx, c.opts.codec.EncodeRaw, v)
}

func (c *Conn) enqueue(ctx context.Context, encode func(any) ([]byte, error), v any) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.writeSem <- struct{}{}:
	case <-c.closing:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.writeSem }()

	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := encode(v)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- netstring.Encode(payload):
		return nil
	case <-c.closing:
		return ErrConnectionClosed
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop reads frames, decodes them and hands envelopes to onMessage.
// Framing errors always end the loop; decode errors are routed through
// onError.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		if c.opts.heartbeat > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))
		}

		frame, err := c.frames.ReadFrame()
		if err != nil {
			if c.stopping(ctx) {
				return context.Canceled
			}
			c.logger.Debug("read error", "addr", c.Addr(), "error", err)
			return err
		}

		env, err := c.opts.codec.Decode(frame)
		if err != nil {
			c.logger.Debug("decode error", "addr", c.Addr(), "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
			c.logger.Warn("dropped frame", "addr", c.Addr(), "error", err)
			continue
		}

		if err = c.opts.onMessage(env); err != nil {
			return err
		}
	}
}

// writeLoop continuously sends queued frames to the connection.
// Returns when the context is canceled, a write fails or Close has
// flushed the queue.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-c.closing:
			return c.flush()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				if c.stopping(ctx) {
					return context.Canceled
				}
				return err
			}
		}
	}
}

// flush writes every frame still queued. Holding writeSem waits out a
// producer that is between encoding and enqueueing; later producers see
// the connection closed.
func (c *Conn) flush() error {
	c.writeSem <- struct{}{}
	defer func() { <-c.writeSem }()

	for {
		select {
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		default:
			return context.Canceled
		}
	}
}

// write sends one frame. A partial write leaves the peer's frame reader
// unsynchronized, so every write error ends the connection.
func (c *Conn) write(data []byte) error {
	// After Close the flush deadline applies instead.
	if c.opts.heartbeat > 0 && !c.closed.Load() {
		_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))
	}

	if _, err := c.rawConn.Write(data); err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// stopping reports whether an I/O error was caused by a local shutdown.
func (c *Conn) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || c.closed.Load()
}

// closeConn marks the connection as closed and closes the underlying socket.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.closeOnce.Do(func() { close(c.closing) })
	c.rawConn.Close()
}
