package precursors

import (
	"github.com/pkg/errors"

	"github.com/Zereker/precursors/cbc"
)

// Codec converts between envelopes and frame payloads. Framing itself is
// done by Conn, identically for every codec.
type Codec interface {
	// Encode serializes v for the normal send path.
	Encode(v any) ([]byte, error)
	// EncodeRaw serializes v bypassing any cipher layer.
	EncodeRaw(v any) ([]byte, error)
	// Decode turns one frame payload into an envelope. Errors wrapping
	// ErrMalformedPayload are local to the frame; any other error is fatal.
	Decode(frame []byte) (*Envelope, error)
}

// jsonCodec is the codec of the secure transport, where TLS already
// protects the stream.
type jsonCodec struct{}

func (jsonCodec) Encode(v any) ([]byte, error)    { return EncodeMessage(v) }
func (jsonCodec) EncodeRaw(v any) ([]byte, error) { return EncodeMessage(v) }

func (jsonCodec) Decode(frame []byte) (*Envelope, error) {
	return DecodeMessage(frame)
}

// cipherCodec is the codec of the plain transport. Every incoming frame and
// every outgoing frame except raw ones passes through the connection's
// cipher stream.
type cipherCodec struct {
	stream *cbc.Stream
}

func newCipherCodec(stream *cbc.Stream) *cipherCodec {
	return &cipherCodec{stream: stream}
}

// Encode must be called from the connection's single writer path so that
// the chain advances in send order.
func (c *cipherCodec) Encode(v any) ([]byte, error) {
	b, err := EncodeMessage(v)
	if err != nil {
		return nil, err
	}
	return c.stream.Seal(b), nil
}

func (c *cipherCodec) EncodeRaw(v any) ([]byte, error) {
	return EncodeMessage(v)
}

func (c *cipherCodec) Decode(frame []byte) (*Envelope, error) {
	plaintext, err := c.stream.Open(frame)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt frame")
	}
	return DecodeMessage(plaintext)
}
