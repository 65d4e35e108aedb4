package precursors

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Zereker/precursors/cbc"
	"github.com/Zereker/precursors/internal/testutil/tlstest"
	"github.com/Zereker/precursors/netstring"
)

// peer is the server end of a transport test.
type peer struct {
	conn   net.Conn
	frames *netstring.Reader
}

func (p *peer) read(t *testing.T) []byte {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := p.frames.ReadFrame()
	if err != nil {
		t.Fatalf("peer read failed: %v", err)
	}
	return frame
}

func (p *peer) write(t *testing.T, payload []byte) {
	t.Helper()
	if _, err := p.conn.Write(netstring.Encode(payload)); err != nil {
		t.Fatalf("peer write failed: %v", err)
	}
}

// listen accepts one connection and hands it to the returned channel.
func listen(t *testing.T, tlsConfig *tls.Config) (int, <-chan *peer) {
	t.Helper()

	var (
		ln  net.Listener
		err error
	)
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", "127.0.0.1:0", tlsConfig)
	} else {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	peers := make(chan *peer, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		t.Cleanup(func() { conn.Close() })
		// The client's Connect waits for the handshake.
		if tc, ok := conn.(*tls.Conn); ok {
			if err := tc.Handshake(); err != nil {
				return
			}
		}
		peers <- &peer{conn: conn, frames: netstring.NewReader(bufio.NewReader(conn), 0)}
	}()

	return ln.Addr().(*net.TCPAddr).Port, peers
}

func acceptPeer(t *testing.T, peers <-chan *peer) *peer {
	t.Helper()
	select {
	case p := <-peers:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func collect(tr *Transport) <-chan *Envelope {
	out := make(chan *Envelope, 16)
	tr.Subscribe(func(env *Envelope) { out <- env })
	return out
}

func waitEnvelope(t *testing.T, ch <-chan *Envelope) *Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for envelope")
		return nil
	}
}

func waitDone(t *testing.T, tr *Transport) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for transport teardown")
	}
}

func TestNewPlain_Keys(t *testing.T) {
	tr, err := NewPlain()
	if err != nil {
		t.Fatalf("NewPlain failed: %v", err)
	}
	if tr.Variant() != Plain || tr.Variant().String() != "tcp" {
		t.Errorf("variant = %v", tr.Variant())
	}
	if len(tr.Key()) != cbc.KeySize || len(tr.IV()) != cbc.KeySize {
		t.Fatalf("key/iv sizes = %d/%d", len(tr.Key()), len(tr.IV()))
	}
	if tr.EncodedKey() != base64.StdEncoding.EncodeToString(tr.Key()) {
		t.Error("EncodedKey does not match Key")
	}
	if tr.EncodedIV() != base64.StdEncoding.EncodeToString(tr.IV()) {
		t.Error("EncodedIV does not match IV")
	}

	if _, err := NewPlainWithKey([]byte("short"), tr.IV()); !errors.Is(err, cbc.ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}

	secure := NewSecure()
	if secure.Key() != nil || secure.EncodedIV() != "" {
		t.Error("secure transport should not expose cipher material")
	}
}

func TestTransport_SendBeforeConnect(t *testing.T) {
	tr := NewSecure()

	if err := tr.Send(context.Background(), &Envelope{}); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := tr.SendRaw(context.Background(), &Envelope{}); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestTransport_CloseBeforeConnect(t *testing.T) {
	tr := NewSecure()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitDone(t, tr)

	if err := tr.Connect(context.Background(), "127.0.0.1", 1); err != ErrTransportClosed {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestTransport_ConnectFailureRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr, err := NewPlain()
	if err != nil {
		t.Fatalf("NewPlain failed: %v", err)
	}
	defer tr.Close()

	if err := tr.Connect(context.Background(), "127.0.0.1", deadPort); err == nil {
		t.Fatal("expected connect error")
	}

	port, peers := listen(t, nil)
	if err := tr.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("retry Connect failed: %v", err)
	}
	acceptPeer(t, peers)

	if err := tr.Connect(context.Background(), "127.0.0.1", port); err != ErrAlreadyConnected {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestTransport_Secure(t *testing.T) {
	ca := tlstest.NewAuthority(t, "precursors-test")
	port, peers := listen(t, ca.ServerConfig(t))

	connected := make(chan struct{}, 1)
	tr := NewSecure(
		TLSConfigOption(ca.ClientConfig()),
		OnConnectedOption(func() { connected <- struct{}{} }),
	)
	defer tr.Close()
	incoming := collect(tr)

	if err := tr.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	select {
	case <-connected:
	default:
		t.Error("connected hook not called before Connect returned")
	}

	p := acceptPeer(t, peers)

	if err := tr.Send(context.Background(), &Envelope{Type: KindEvent, Channel: "chat", Contents: []byte(`{"type":"say"}`)}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := string(p.read(t)); got != `{"type":"event","contents":{"type":"say"},"channel":"chat"}` {
		t.Errorf("peer received %s", got)
	}

	p.write(t, []byte(`{"type":"event","contents":{"type":"one"},"channel":"chat"}`))
	p.write(t, []byte(`{"type":"event","contents":{"type":"two"},"channel":"chat"}`))

	if env := waitEnvelope(t, incoming); string(env.Contents) != `{"type":"one"}` {
		t.Errorf("first envelope %s", env.Contents)
	}
	if env := waitEnvelope(t, incoming); string(env.Contents) != `{"type":"two"}` {
		t.Errorf("second envelope %s", env.Contents)
	}
}

func TestTransport_SecureRejectsUnknownCA(t *testing.T) {
	ca := tlstest.NewAuthority(t, "server-ca")
	other := tlstest.NewAuthority(t, "other-ca")
	port, _ := listen(t, ca.ServerConfig(t))

	tr := NewSecure(TLSConfigOption(other.ClientConfig()))
	if err := tr.Connect(context.Background(), "127.0.0.1", port); err == nil {
		tr.Close()
		t.Fatal("expected handshake failure")
	}
}

func TestTransport_PlainCipher(t *testing.T) {
	port, peers := listen(t, nil)

	tr, err := NewPlain()
	if err != nil {
		t.Fatalf("NewPlain failed: %v", err)
	}
	defer tr.Close()
	incoming := collect(tr)

	if err := tr.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	p := acceptPeer(t, peers)

	remote, err := cbc.NewStream(tr.Key(), tr.IV())
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}

	ctx := context.Background()
	if err := tr.SendRaw(ctx, &Envelope{ID: "1", Type: KindRequest, Channel: "control", Contents: []byte(`{"type":"connect"}`)}); err != nil {
		t.Fatalf("SendRaw failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tr.Send(ctx, &Envelope{Type: KindEvent, Channel: "chat", Contents: []byte(fmt.Sprintf(`{"n":%d}`, i))}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	if _, err := DecodeMessage(p.read(t)); err != nil {
		t.Fatalf("raw frame is not plaintext: %v", err)
	}
	for i := 0; i < 2; i++ {
		plaintext, err := remote.Open(p.read(t))
		if err != nil {
			t.Fatalf("frame %d: Open failed: %v", i, err)
		}
		env, err := DecodeMessage(plaintext)
		if err != nil {
			t.Fatalf("frame %d: DecodeMessage failed: %v", i, err)
		}
		if string(env.Contents) != fmt.Sprintf(`{"n":%d}`, i) {
			t.Errorf("frame %d contents = %s", i, env.Contents)
		}
	}

	p.write(t, remote.Seal([]byte(`{"id":"1","type":"response","contents":{"confirm":true},"channel":"control"}`)))
	p.write(t, remote.Seal([]byte(`{"type":"event","contents":{"type":"tick"},"channel":"world"}`)))

	if env := waitEnvelope(t, incoming); env.Type != KindResponse || env.ID != "1" {
		t.Errorf("unexpected first envelope %+v", env)
	}
	if env := waitEnvelope(t, incoming); env.Channel != "world" {
		t.Errorf("unexpected second envelope %+v", env)
	}
}

func TestTransport_PlainConcurrentSends(t *testing.T) {
	port, peers := listen(t, nil)

	tr, err := NewPlain(BufferSizeOption(4))
	if err != nil {
		t.Fatalf("NewPlain failed: %v", err)
	}
	defer tr.Close()

	if err := tr.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	p := acceptPeer(t, peers)

	const writers, perWriter = 8, 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				env := &Envelope{Type: KindEvent, Channel: "bulk", Contents: []byte(fmt.Sprintf(`{"w":%d,"i":%d}`, w, i))}
				if err := tr.Send(context.Background(), env); err != nil {
					t.Errorf("Send failed: %v", err)
					return
				}
			}
		}(w)
	}

	remote, err := cbc.NewStream(tr.Key(), tr.IV())
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	for n := 0; n < writers*perWriter; n++ {
		plaintext, err := remote.Open(p.read(t))
		if err != nil {
			t.Fatalf("frame %d: chain broken: %v", n, err)
		}
		if _, err := DecodeMessage(plaintext); err != nil {
			t.Fatalf("frame %d: %v", n, err)
		}
	}
	wg.Wait()
}

func TestTransport_PeerClose(t *testing.T) {
	port, peers := listen(t, nil)

	closed := make(chan error, 1)
	tr, err := NewPlain(OnClosedOption(func(err error) { closed <- err }))
	if err != nil {
		t.Fatalf("NewPlain failed: %v", err)
	}

	if err := tr.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	p := acceptPeer(t, peers)
	p.conn.Close()

	waitDone(t, tr)
	if tr.Err() != io.EOF {
		t.Errorf("Err = %v, want io.EOF", tr.Err())
	}
	select {
	case err := <-closed:
		if err != io.EOF {
			t.Errorf("closed hook got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("closed hook not called")
	}

	if err := tr.Send(context.Background(), &Envelope{}); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := tr.Connect(context.Background(), "127.0.0.1", port); err != ErrTransportClosed {
		t.Errorf("expected ErrTransportClosed, got %v", err)
	}
}

func TestTransport_LocalClose(t *testing.T) {
	port, peers := listen(t, nil)

	tr, err := NewPlain()
	if err != nil {
		t.Fatalf("NewPlain failed: %v", err)
	}
	if err := tr.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	acceptPeer(t, peers)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	waitDone(t, tr)
	if tr.Err() != nil {
		t.Errorf("Err = %v, want nil after local close", tr.Err())
	}
}

func TestTransport_Desync(t *testing.T) {
	port, peers := listen(t, nil)

	tr, err := NewPlain()
	if err != nil {
		t.Fatalf("NewPlain failed: %v", err)
	}
	incoming := collect(tr)

	if err := tr.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	p := acceptPeer(t, peers)

	// A plaintext frame where ciphertext is expected.
	p.write(t, []byte(`{"type":"event","contents":{},"channel":"x"}`))

	waitDone(t, tr)
	if !errors.Is(tr.Err(), ErrDesync) {
		t.Errorf("Err = %v, want ErrDesync", tr.Err())
	}
	select {
	case env := <-incoming:
		t.Errorf("desynchronized frame delivered: %+v", env)
	default:
	}
}

func TestTransport_Subscribe(t *testing.T) {
	tr := NewSecure()

	var got []string
	cancelA := tr.Subscribe(func(*Envelope) { got = append(got, "a") })
	tr.Subscribe(func(*Envelope) { got = append(got, "b") })

	tr.dispatch(&Envelope{})
	cancelA()
	cancelA()
	tr.dispatch(&Envelope{})

	if fmt.Sprint(got) != "[a b b]" {
		t.Errorf("dispatch order = %v", got)
	}
}

func TestTransport_RequestFromEventHandler(t *testing.T) {
	port, peers := listen(t, nil)

	tr, err := NewPlain()
	if err != nil {
		t.Fatalf("NewPlain failed: %v", err)
	}
	defer tr.Close()

	ch := NewChannel("world", nil, tr)
	defer ch.Close()

	results := make(chan error, 1)
	ch.On("ping", func(EventMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := ch.Request(ctx, map[string]string{"type": "pong"}, ViaTCP)
		results <- err
	})

	if err := tr.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	p := acceptPeer(t, peers)

	remote, err := cbc.NewStream(tr.Key(), tr.IV())
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	p.write(t, remote.Seal([]byte(`{"type":"event","contents":{"type":"ping"},"channel":"world"}`)))

	plaintext, err := remote.Open(p.read(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	req, err := DecodeMessage(plaintext)
	if err != nil || req.Type != KindRequest {
		t.Fatalf("expected request from handler, got %+v (%v)", req, err)
	}

	p.write(t, remote.Seal([]byte(`{"id":"`+req.ID+`","type":"response","contents":{"confirm":true},"channel":"world"}`)))

	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("request from handler failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request issued from a handler never settled")
	}
}

func TestTransport_CloseFlushesSends(t *testing.T) {
	port, peers := listen(t, nil)

	tr, err := NewPlain()
	if err != nil {
		t.Fatalf("NewPlain failed: %v", err)
	}
	if err := tr.Connect(context.Background(), "127.0.0.1", port); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	p := acceptPeer(t, peers)

	const sends = 16
	for i := 0; i < sends; i++ {
		env := &Envelope{Type: KindEvent, Channel: "control", Contents: []byte(fmt.Sprintf(`{"type":"logout","n":%d}`, i))}
		if err := tr.Send(context.Background(), env); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	remote, err := cbc.NewStream(tr.Key(), tr.IV())
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	for i := 0; i < sends; i++ {
		plaintext, err := remote.Open(p.read(t))
		if err != nil {
			t.Fatalf("frame %d: Open failed: %v", i, err)
		}
		env, err := DecodeMessage(plaintext)
		if err != nil {
			t.Fatalf("frame %d: DecodeMessage failed: %v", i, err)
		}
		if want := fmt.Sprintf(`{"type":"logout","n":%d}`, i); string(env.Contents) != want {
			t.Errorf("frame %d contents = %s, want %s", i, env.Contents, want)
		}
	}
	waitDone(t, tr)
}
