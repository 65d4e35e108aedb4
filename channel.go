package precursors

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/xid"
)

// Via selects the transport a Channel sends on.
type Via string

const (
	// ViaSSL sends on the encrypted control transport. It is the default,
	// and unknown values fall back to it.
	ViaSSL Via = "ssl"
	// ViaTCP sends on the bulk transport through its cipher chain.
	ViaTCP Via = "tcp"
	// ViaUnencrypted sends on the bulk transport bypassing the cipher. It is
	// reserved for the bootstrap message sent before ciphered traffic.
	ViaUnencrypted Via = "unencrypted"
)

// ErrChannelClosed is returned by requests still pending when their
// Channel is closed.
var ErrChannelClosed = errors.New("channel closed")

// Link is the part of a Transport a Channel depends on.
type Link interface {
	Send(ctx context.Context, v any) error
	SendRaw(ctx context.Context, v any) error
	Subscribe(fn func(*Envelope)) (cancel func())
	Done() <-chan struct{}
}

// IDGenerator returns request ids unique within the process.
type IDGenerator func() string

// EventHandler receives unwrapped events.
type EventHandler func(EventMessage)

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// ChannelLoggerOption sets the channel logger.
func ChannelLoggerOption(logger Logger) ChannelOption {
	return func(c *Channel) {
		c.logger = logger
	}
}

// IDGeneratorOption replaces the request id generator.
func IDGeneratorOption(gen IDGenerator) ChannelOption {
	return func(c *Channel) {
		c.newID = gen
	}
}

func defaultID() string {
	return xid.New().String()
}

type handlerEntry struct {
	id uint64
	fn EventHandler
}

// Channel is a named scope multiplexed over a control link and an
// optional bulk link. Several Channels may share a name; each receives all
// traffic for it.
//
// Event handlers run on a goroutine owned by the Channel, one event at a
// time in arrival order, so a handler may call Request on any channel.
type Channel struct {
	name   string
	ssl    Link
	tcp    Link
	newID  IDGenerator
	logger Logger

	mu          sync.Mutex
	pending     map[string]chan ResponseMessage
	handlers    map[string][]handlerEntry
	catchAll    []handlerEntry
	nextHandler uint64

	// events queues classified events for dispatchLoop.
	events     []EventMessage
	eventReady chan struct{}

	unsubscribe []func()
	closed      chan struct{}
	closeOnce   sync.Once
}

// NewChannel binds a Channel to its links. Pass a nil Link for a transport
// the channel does not use.
func NewChannel(name string, ssl, tcp Link, opt ...ChannelOption) *Channel {
	c := &Channel{
		name:     name,
		ssl:      ssl,
		tcp:      tcp,
		newID:    defaultID,
		logger:   defaultLogger(),
		pending:  make(map[string]chan ResponseMessage),
		handlers: make(map[string][]handlerEntry),

		eventReady: make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	for _, o := range opt {
		o(c)
	}

	go c.dispatchLoop()

	for _, link := range []Link{ssl, tcp} {
		if link != nil {
			c.unsubscribe = append(c.unsubscribe, link.Subscribe(c.handleMessage))
		}
	}
	return c
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Pending returns the number of requests awaiting a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close detaches the channel from its links, drops undelivered events and
// fails pending requests with ErrChannelClosed.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		for _, cancel := range c.unsubscribe {
			cancel()
		}
		close(c.closed)
	})
}

// On registers fn for events whose contents type is name.
func (c *Channel) On(name string, fn EventHandler) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextHandler++
	id := c.nextHandler
	c.handlers[name] = append(c.handlers[name], handlerEntry{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handlers[name] = removeHandler(c.handlers[name], id)
		if len(c.handlers[name]) == 0 {
			delete(c.handlers, name)
		}
	}
}

// OnAny registers fn for every event on the channel.
func (c *Channel) OnAny(fn EventHandler) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextHandler++
	id := c.nextHandler
	c.catchAll = append(c.catchAll, handlerEntry{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.catchAll = removeHandler(c.catchAll, id)
	}
}

func removeHandler(entries []handlerEntry, id uint64) []handlerEntry {
	out := make([]handlerEntry, 0, len(entries))
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// Event sends payload as an event. No response is expected.
func (c *Channel) Event(ctx context.Context, payload any, via Via) error {
	link, raw, err := c.pick(via)
	if err != nil {
		return err
	}

	contents, err := EncodeMessage(payload)
	if err != nil {
		return err
	}

	env := &Envelope{Type: KindEvent, Contents: contents, Channel: c.name}
	return c.deliver(ctx, link, raw, env)
}

// Request sends payload as a request and waits for the matching response.
//
// A response with confirm=true returns its contents. confirm=false returns
// a *DeniedError. The request is abandoned when ctx is done, when the link
// it was sent on goes down (ErrNotConnected) or when the channel is closed.
func (c *Channel) Request(ctx context.Context, payload any, via Via) (json.RawMessage, error) {
	link, raw, err := c.pick(via)
	if err != nil {
		return nil, err
	}

	contents, err := EncodeMessage(payload)
	if err != nil {
		return nil, err
	}

	id := c.newID()
	ch := make(chan ResponseMessage, 1)

	c.mu.Lock()
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, errors.Errorf("duplicate request id %q", id)
	}
	// Registered before sending: the response may arrive before deliver
	// returns.
	c.pending[id] = ch
	c.mu.Unlock()

	env := &Envelope{ID: id, Type: KindRequest, Contents: contents, Channel: c.name}
	if err := c.deliver(ctx, link, raw, env); err != nil {
		c.abandon(id, ch)
		return nil, err
	}

	c.logger.Debug("request sent", "channel", c.name, "id", id, "via", via)

	var cause error
	select {
	case resp := <-ch:
		return settle(resp)
	case <-ctx.Done():
		cause = ctx.Err()
	case <-link.Done():
		cause = ErrNotConnected
	case <-c.closed:
		cause = ErrChannelClosed
	}

	if resp, ok := c.abandon(id, ch); ok {
		return settle(resp)
	}
	return nil, cause
}

func settle(resp ResponseMessage) (json.RawMessage, error) {
	if resp.Confirm {
		return resp.Contents, nil
	}
	return nil, &DeniedError{Reason: resp.Reason, Contents: resp.Contents}
}

// abandon removes a pending entry. If a response already claimed it, that
// response is returned instead.
func (c *Channel) abandon(id string, ch chan ResponseMessage) (ResponseMessage, bool) {
	c.mu.Lock()
	_, waiting := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if waiting {
		return ResponseMessage{}, false
	}
	return <-ch, true
}

func (c *Channel) pick(via Via) (Link, bool, error) {
	var (
		link Link
		raw  bool
	)
	switch via {
	case ViaUnencrypted:
		link, raw = c.tcp, true
	case ViaTCP:
		link = c.tcp
	default:
		link = c.ssl
	}

	if link == nil {
		return nil, false, errors.Wrapf(ErrNoTransport, "channel %s via %q", c.name, via)
	}
	return link, raw, nil
}

func (c *Channel) deliver(ctx context.Context, link Link, raw bool, env *Envelope) error {
	if raw {
		return link.SendRaw(ctx, env)
	}
	return link.Send(ctx, env)
}

func (c *Channel) handleMessage(env *Envelope) {
	if env.Channel != c.name {
		return
	}

	msg, err := env.Classify()
	if err != nil {
		c.logger.Warn("dropped message", "channel", c.name, "error", err)
		return
	}

	switch m := msg.(type) {
	case EventMessage:
		c.queueEvent(m)
	case ResponseMessage:
		c.settleResponse(m)
	case RequestMessage:
		c.logger.Debug("ignored request", "channel", c.name, "id", m.ID)
	}
}

// queueEvent runs on the transport's read goroutine and must not block.
func (c *Channel) queueEvent(m EventMessage) {
	c.mu.Lock()
	c.events = append(c.events, m)
	c.mu.Unlock()

	select {
	case c.eventReady <- struct{}{}:
	default:
	}
}

func (c *Channel) dispatchLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.eventReady:
		}

		for {
			c.mu.Lock()
			if len(c.events) == 0 {
				c.events = nil
				c.mu.Unlock()
				break
			}
			m := c.events[0]
			c.events[0] = EventMessage{}
			c.events = c.events[1:]
			c.mu.Unlock()

			select {
			case <-c.closed:
				return
			default:
			}
			c.dispatchEvent(m)
		}
	}
}

func (c *Channel) dispatchEvent(m EventMessage) {
	c.mu.Lock()
	named := c.handlers[m.Name]
	all := c.catchAll
	c.mu.Unlock()

	// Handler slices are never mutated in place, so iterating outside the
	// lock is safe.
	for _, h := range named {
		h.fn(m)
	}
	for _, h := range all {
		h.fn(m)
	}
}

func (c *Channel) settleResponse(m ResponseMessage) {
	c.mu.Lock()
	ch, ok := c.pending[m.ID]
	delete(c.pending, m.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("unmatched response", "channel", c.name, "id", m.ID)
		return
	}
	ch <- m
}
