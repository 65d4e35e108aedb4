// Package fakeserver is a loopback game server speaking the control and
// bulk protocols, for end-to-end tests of the client.
package fakeserver

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/precursors/cbc"
	"github.com/Zereker/precursors/netstring"
)

// Envelope mirrors the wire envelope; the server keeps its own copy so it
// stays independent of the client package.
type Envelope struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Contents json.RawMessage `json:"contents"`
	Channel  string          `json:"channel"`
}

// Received is an envelope observed by the server.
type Received struct {
	Transport string // "ssl" or "tcp"
	Envelope  Envelope
}

// Config configures a Server.
type Config struct {
	// Accounts maps user names to passwords.
	Accounts map[string]string
	TLS      *tls.Config
	Logger   *slog.Logger
}

// Server listens on a TLS control port and a plain bulk port.
type Server struct {
	control net.Listener
	bulk    net.Listener
	logger  *slog.Logger
	cfg     Config

	mu       sync.Mutex
	shutdown bool
	sessions map[string]*session
	conns    map[net.Conn]struct{}

	received chan Received
}

type session struct {
	user    string
	key, iv []byte
}

// New binds both listeners on the loopback interface.
func New(cfg Config) (*Server, error) {
	control, err := tls.Listen("tcp", "127.0.0.1:0", cfg.TLS)
	if err != nil {
		return nil, err
	}
	bulk, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		control.Close()
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		control:  control,
		bulk:     bulk,
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[string]*session),
		conns:    make(map[net.Conn]struct{}),
		received: make(chan Received, 64),
	}, nil
}

// ControlPort returns the TLS port.
func (s *Server) ControlPort() int { return s.control.Addr().(*net.TCPAddr).Port }

// BulkPort returns the plain TCP port.
func (s *Server) BulkPort() int { return s.bulk.Addr().(*net.TCPAddr).Port }

// Received delivers every event and request the server handles.
func (s *Server) Received() <-chan Received { return s.received }

// Serve accepts connections until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("server started", "control", s.control.Addr(), "bulk", s.bulk.Addr())

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.acceptLoop(s.control, s.handleControl) })
	group.Go(func() error { return s.acceptLoop(s.bulk, s.handleBulk) })
	group.Go(func() error {
		<-ctx.Done()
		s.Close()
		return nil
	})

	err := group.Wait()
	s.logger.Info("server stopped")
	return err
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				return nil
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		go func() {
			defer s.forget(conn)
			handle(conn)
		}()
	}
}

func (s *Server) forget(conn net.Conn) {
	conn.Close()
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Close stops both listeners and drops every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	errControl := s.control.Close()
	if err := s.bulk.Close(); err != nil {
		return errors.Wrap(err, "close bulk listener")
	}
	return errors.Wrap(errControl, "close control listener")
}

// writer serializes frames on one connection, sealing them when a cipher
// stream is attached.
type writer struct {
	mu     sync.Mutex
	conn   net.Conn
	stream *cbc.Stream
}

func (w *writer) send(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stream != nil {
		b = w.stream.Seal(b)
	}
	_, err = w.conn.Write(netstring.Encode(b))
	return err
}

func (w *writer) respond(req Envelope, contents any) error {
	b, err := json.Marshal(contents)
	if err != nil {
		return err
	}
	return w.send(Envelope{ID: req.ID, Type: "response", Contents: b, Channel: req.Channel})
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

func (s *Server) handleControl(conn net.Conn) {
	frames := netstring.NewReader(conn, 0)
	w := &writer{conn: conn}

	for {
		frame, err := frames.ReadFrame()
		if err != nil {
			s.logger.Debug("control connection ended", "error", err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			s.logger.Warn("bad control frame", "error", err)
			continue
		}
		s.observe("ssl", env)

		if env.Type == "request" && env.Channel == "control" {
			if err := s.handleLogin(w, env); err != nil {
				s.logger.Warn("login failed", "error", err)
				return
			}
			continue
		}
		if err := s.echo(w, env); err != nil {
			return
		}
	}
}

func (s *Server) handleLogin(w *writer, env Envelope) error {
	var req loginRequest
	if err := json.Unmarshal(env.Contents, &req); err != nil || req.Type != "login" {
		return w.respond(env, map[string]any{"confirm": false, "reason": "Unknown request."})
	}

	password, ok := s.cfg.Accounts[req.User]
	if !ok || password != req.Password {
		return w.respond(env, map[string]any{"confirm": false, "reason": "Invalid username or password."})
	}

	key, errKey := base64.StdEncoding.DecodeString(req.Key)
	iv, errIV := base64.StdEncoding.DecodeString(req.Vector)
	if errKey != nil || errIV != nil || len(key) != cbc.KeySize || len(iv) != cbc.KeySize {
		return w.respond(env, map[string]any{"confirm": false, "reason": "Invalid key or vector."})
	}

	cookie := make([]byte, 16)
	if _, err := rand.Read(cookie); err != nil {
		return err
	}
	token := hex.EncodeToString(cookie)

	s.mu.Lock()
	s.sessions[token] = &session{user: req.User, key: key, iv: iv}
	s.mu.Unlock()

	return w.respond(env, map[string]any{"confirm": true, "tcpPort": s.BulkPort(), "cookie": token})
}

func (s *Server) handleBulk(conn net.Conn) {
	frames := netstring.NewReader(conn, 0)
	w := &writer{conn: conn}

	// The first frame is the unencrypted connect request carrying the
	// login cookie; everything after it is ciphered.
	frame, err := frames.ReadFrame()
	if err != nil {
		return
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		s.logger.Warn("bad connect frame", "error", err)
		return
	}
	s.observe("tcp", env)

	var req struct {
		Type   string `json:"type"`
		Cookie string `json:"cookie"`
	}
	if err := json.Unmarshal(env.Contents, &req); err != nil || req.Type != "connect" {
		s.logger.Warn("expected connect request")
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[req.Cookie]
	delete(s.sessions, req.Cookie)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("unknown cookie")
		return
	}

	stream, err := cbc.NewStream(sess.key, sess.iv)
	if err != nil {
		return
	}
	w.stream = stream

	if err := w.respond(env, map[string]any{"confirm": true}); err != nil {
		return
	}

	for {
		frame, err := frames.ReadFrame()
		if err != nil {
			s.logger.Debug("bulk connection ended", "error", err)
			return
		}
		plaintext, err := stream.Open(frame)
		if err != nil {
			s.logger.Warn("bulk cipher desync", "user", sess.user, "error", err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(plaintext, &env); err != nil {
			continue
		}
		s.observe("tcp", env)
		if err := s.echo(w, env); err != nil {
			return
		}
	}
}

// echo sends back events of type "echo" on the connection they came from.
func (s *Server) echo(w *writer, env Envelope) error {
	if env.Type != "event" {
		return nil
	}
	var head struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(env.Contents, &head) != nil || head.Type != "echo" {
		return nil
	}
	return w.send(env)
}

func (s *Server) observe(transport string, env Envelope) {
	select {
	case s.received <- Received{Transport: transport, Envelope: env}:
	default:
		s.logger.Warn("received buffer full, dropping", "channel", env.Channel)
	}
}
