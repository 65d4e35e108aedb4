package cbc

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func newPair(t *testing.T) (*Stream, *Stream) {
	t.Helper()

	key, iv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	sender, err := NewStream(key, iv)
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	receiver, err := NewStream(key, iv)
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	return sender, receiver
}

func TestGenerateKey(t *testing.T) {
	key, iv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != KeySize || len(iv) != KeySize {
		t.Fatalf("sizes = %d/%d, want %d", len(key), len(iv), KeySize)
	}
	if bytes.Equal(key, iv) {
		t.Error("key and iv should differ")
	}
}

func TestNewStream_InvalidKey(t *testing.T) {
	if _, err := NewStream(make([]byte, 8), make([]byte, KeySize)); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewStream(make([]byte, KeySize), nil); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestStream_InOrder(t *testing.T) {
	sender, receiver := newPair(t)

	messages := [][]byte{
		[]byte(`{"type":"event","channel":"foobar"}`),
		[]byte(""),
		bytes.Repeat([]byte("a"), 16),
		[]byte("short"),
	}

	var sealed [][]byte
	for _, m := range messages {
		sealed = append(sealed, sender.Seal(m))
	}

	for i, c := range sealed {
		got, err := receiver.Open(c)
		if err != nil {
			t.Fatalf("message %d: Open failed: %v", i, err)
		}
		if !bytes.Equal(got, messages[i]) {
			t.Errorf("message %d = %q, want %q", i, got, messages[i])
		}
	}
}

func TestStream_ChainsAcrossMessages(t *testing.T) {
	sender, _ := newPair(t)

	first := sender.Seal([]byte("same plaintext"))
	second := sender.Seal([]byte("same plaintext"))

	if bytes.Equal(first, second) {
		t.Error("identical plaintexts produced identical ciphertext; chain was reset")
	}
}

func TestStream_OutOfOrder(t *testing.T) {
	sender, receiver := newPair(t)

	p1 := []byte("the first message of the connection")
	p2 := []byte("the second message of the connection")
	c1 := sender.Seal(p1)
	c2 := sender.Seal(p2)

	got, err := receiver.Open(c2)
	if err == nil && bytes.Equal(got, p2) {
		t.Fatal("out of order message decrypted cleanly")
	}
	if err != nil {
		return
	}

	got, err = receiver.Open(c1)
	if err == nil && bytes.Equal(got, p1) {
		t.Error("chain recovered after reordering")
	}
}

func TestStream_Desync(t *testing.T) {
	_, receiver := newPair(t)

	_, err := receiver.Open([]byte("not a block multiple"))
	if !errors.Is(err, ErrDesync) {
		t.Fatalf("expected ErrDesync, got %v", err)
	}

	// Poisoned: even a valid-length ciphertext is refused now.
	if _, err := receiver.Open(make([]byte, 16)); err != ErrDesync {
		t.Errorf("expected ErrDesync after failure, got %v", err)
	}
}

func TestStream_EncodedKey(t *testing.T) {
	key := bytes.Repeat([]byte{1}, KeySize)
	iv := bytes.Repeat([]byte{2}, KeySize)
	s, err := NewStream(key, iv)
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}

	if s.EncodedKey() != base64.StdEncoding.EncodeToString(key) {
		t.Errorf("EncodedKey = %s", s.EncodedKey())
	}
	if s.EncodedIV() != base64.StdEncoding.EncodeToString(iv) {
		t.Errorf("EncodedIV = %s", s.EncodedIV())
	}

	k := s.Key()
	k[0] = 9
	if s.Key()[0] != 1 {
		t.Error("Key should return a copy")
	}
}
