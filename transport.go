package precursors

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/precursors/cbc"
)

// Variant selects the transport pipeline.
type Variant int

const (
	// Secure is TLS + netstring + JSON.
	Secure Variant = iota
	// Plain is TCP + netstring + AES-CBC chain + JSON.
	Plain
)

func (v Variant) String() string {
	switch v {
	case Secure:
		return "ssl"
	case Plain:
		return "tcp"
	}
	return "unknown"
}

const defaultDialTimeout = 10 * time.Second

type transportState int

const (
	stateIdle transportState = iota
	stateConnecting
	stateConnected
	stateClosed
)

type subscription struct {
	id uint64
	fn func(*Envelope)
}

// Transport owns one physical connection and its framing and cipher
// pipeline. A Transport connects at most once; after the connection ends a
// new Transport must be constructed.
type Transport struct {
	variant Variant
	opts    options
	logger  Logger
	stream  *cbc.Stream

	mu    sync.Mutex
	state transportState
	conn  *Conn
	err   error

	done     chan struct{}
	doneOnce sync.Once

	// subs is copy-on-write so dispatch can iterate without holding subMu.
	subMu   sync.Mutex
	subs    []subscription
	nextSub uint64
}

// NewSecure returns a TLS control transport.
func NewSecure(opt ...Option) *Transport {
	t := newTransport(Secure, opt)
	if t.opts.codec == nil {
		t.opts.codec = jsonCodec{}
	}
	return t
}

// NewPlain returns a bulk transport with a freshly generated cipher key and IV.
func NewPlain(opt ...Option) (*Transport, error) {
	key, iv, err := cbc.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewPlainWithKey(key, iv, opt...)
}

// NewPlainWithKey returns a bulk transport using the given key and IV.
func NewPlainWithKey(key, iv []byte, opt ...Option) (*Transport, error) {
	stream, err := cbc.NewStream(key, iv)
	if err != nil {
		return nil, err
	}

	t := newTransport(Plain, opt)
	t.stream = stream
	if t.opts.codec == nil {
		t.opts.codec = newCipherCodec(stream)
	}
	return t, nil
}

func newTransport(variant Variant, opt []Option) *Transport {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return &Transport{
		variant: variant,
		opts:    opts,
		logger:  opts.logger,
		done:    make(chan struct{}),
	}
}

// Variant returns the transport variant.
func (t *Transport) Variant() Variant { return t.variant }

// Key returns the cipher key of a plain transport, nil for a secure one.
func (t *Transport) Key() []byte {
	if t.stream == nil {
		return nil
	}
	return t.stream.Key()
}

// IV returns the cipher IV of a plain transport, nil for a secure one.
func (t *Transport) IV() []byte {
	if t.stream == nil {
		return nil
	}
	return t.stream.IV()
}

// EncodedKey returns the base64 cipher key, empty for a secure transport.
func (t *Transport) EncodedKey() string {
	if t.stream == nil {
		return ""
	}
	return t.stream.EncodedKey()
}

// EncodedIV returns the base64 cipher IV, empty for a secure transport.
func (t *Transport) EncodedIV() string {
	if t.stream == nil {
		return ""
	}
	return t.stream.EncodedIV()
}

// Connect dials host:port and wires the decode pipeline. For a secure
// transport it returns after the TLS handshake. A failed dial leaves the
// transport ready for another attempt.
func (t *Transport) Connect(ctx context.Context, host string, port int) error {
	t.mu.Lock()
	switch t.state {
	case stateConnecting, stateConnected:
		t.mu.Unlock()
		return ErrAlreadyConnected
	case stateClosed:
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.state = stateConnecting
	t.mu.Unlock()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	raw, err := t.dial(ctx, host, addr)
	if err != nil {
		t.mu.Lock()
		if t.state == stateConnecting {
			t.state = stateIdle
		}
		t.mu.Unlock()
		t.logger.Warn("connect failed", "transport", t.variant, "addr", addr, "error", err)
		return errors.Wrapf(err, "%s connect %s", t.variant, addr)
	}

	opts := t.opts
	opts.onMessage = t.dispatch
	if err := checkOptions(&opts); err != nil {
		raw.Close()
		return err
	}
	conn := newConnWithOptions(raw, opts)

	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		raw.Close()
		return ErrTransportClosed
	}
	t.conn = conn
	t.state = stateConnected
	t.mu.Unlock()

	go t.run(conn)

	t.logger.Info("transport connected", "transport", t.variant, "addr", addr)
	if t.opts.onConnected != nil {
		t.opts.onConnected()
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, host, addr string) (net.Conn, error) {
	d := t.opts.dialer
	if d == nil {
		d = &net.Dialer{Timeout: defaultDialTimeout}
	}

	if t.variant == Plain {
		return d.DialContext(ctx, "tcp", addr)
	}

	cfg := &tls.Config{}
	if t.opts.tlsConfig != nil {
		cfg = t.opts.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	td := &tls.Dialer{NetDialer: d, Config: cfg}
	return td.DialContext(ctx, "tcp", addr)
}

func (t *Transport) run(conn *Conn) {
	err := conn.Run(context.Background())
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	t.mu.Lock()
	t.state = stateClosed
	t.err = err
	t.mu.Unlock()
	t.closeDone()

	if err != nil {
		t.logger.Warn("transport closed", "transport", t.variant, "error", err)
	} else {
		t.logger.Info("transport closed", "transport", t.variant)
	}
	if t.opts.onClosed != nil {
		t.opts.onClosed(err)
	}
}

func (t *Transport) closeDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// Done is closed when the transport has been torn down.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the error that ended the connection: nil while connected,
// after a local Close, or if the connection never started.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close tears the transport down. It cannot be reconnected afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	switch t.state {
	case stateConnected:
		conn := t.conn
		t.mu.Unlock()
		return conn.Close()
	case stateClosed:
		t.mu.Unlock()
		return nil
	}
	t.state = stateClosed
	t.mu.Unlock()
	t.closeDone()
	return nil
}

// Send writes v through the full pipeline: cipher chain on a plain
// transport, then framing.
func (t *Transport) Send(ctx context.Context, v any) error {
	return t.send(ctx, v, false)
}

// SendRaw writes v without the cipher layer. It exists for the bootstrap
// message sent before the peer can decrypt; on a secure transport it is
// the same as Send.
func (t *Transport) SendRaw(ctx context.Context, v any) error {
	return t.send(ctx, v, true)
}

func (t *Transport) send(ctx context.Context, v any, raw bool) error {
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()

	if state != stateConnected {
		return ErrNotConnected
	}

	var err error
	if raw {
		err = conn.WriteRaw(ctx, v)
	} else {
		err = conn.Write(ctx, v)
	}
	if errors.Is(err, ErrConnectionClosed) {
		return ErrNotConnected
	}
	return err
}

// Subscribe registers fn for every decoded envelope. Envelopes are
// delivered in arrival order on the transport's read goroutine and are
// shared between subscribers, which must not modify them. fn must not
// block: no further frame is read until it returns.
func (t *Transport) Subscribe(fn func(*Envelope)) (cancel func()) {
	t.subMu.Lock()
	t.nextSub++
	id := t.nextSub
	subs := make([]subscription, len(t.subs), len(t.subs)+1)
	copy(subs, t.subs)
	t.subs = append(subs, subscription{id: id, fn: fn})
	t.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.unsubscribe(id) })
	}
}

func (t *Transport) unsubscribe(id uint64) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	subs := make([]subscription, 0, len(t.subs))
	for _, s := range t.subs {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	t.subs = subs
}

func (t *Transport) dispatch(env *Envelope) error {
	t.subMu.Lock()
	subs := t.subs
	t.subMu.Unlock()

	for _, s := range subs {
		s.fn(env)
	}
	return nil
}
