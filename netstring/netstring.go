// Package netstring implements length-prefixed text frames of the form
// "<decimal length>:<payload>," so that message boundaries survive stream
// segmentation.
package netstring

import (
	"bufio"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// maxDigits bounds the length prefix; 10 digits already exceeds any
// frame we are willing to buffer.
const maxDigits = 10

var (
	// ErrMalformed is returned when the byte stream does not contain a valid
	// netstring. The stream is unsynchronized after this error.
	ErrMalformed = errors.New("netstring: malformed frame")
	// ErrTooLarge is returned when a frame declares a length above the limit.
	ErrTooLarge = errors.New("netstring: frame too large")
)

// Encode returns p wrapped in a netstring frame.
func Encode(p []byte) []byte {
	return Append(make([]byte, 0, len(p)+maxDigits+2), p)
}

// Append appends the netstring frame of p to dst.
func Append(dst, p []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(p)), 10)
	dst = append(dst, ':')
	dst = append(dst, p...)
	return append(dst, ',')
}

// Reader reads netstring frames from a byte stream.
type Reader struct {
	r      *bufio.Reader
	maxLen int
}

// NewReader returns a Reader that rejects frames longer than maxLen bytes.
// A maxLen <= 0 disables the limit.
func NewReader(r io.Reader, maxLen int) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br, maxLen: maxLen}
}

// ReadFrame returns the payload of the next frame.
//
// io.EOF is returned only when the stream ends on a frame boundary; a stream
// ending inside a frame yields io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}

	// n+1 for the trailing comma.
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if buf[n] != ',' {
		return nil, errors.Wrapf(ErrMalformed, "missing trailing delimiter, got %q", buf[n])
	}
	return buf[:n], nil
}

func (r *Reader) readLength() (int, error) {
	var digits []byte
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(digits) > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}

		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return 0, errors.Wrapf(ErrMalformed, "unexpected byte %q in length prefix", b)
		}
		if len(digits) == maxDigits {
			return 0, errors.Wrap(ErrMalformed, "length prefix too long")
		}
		digits = append(digits, b)
	}

	if len(digits) == 0 {
		return 0, errors.Wrap(ErrMalformed, "empty length prefix")
	}
	if len(digits) > 1 && digits[0] == '0' {
		return 0, errors.Wrap(ErrMalformed, "leading zero in length prefix")
	}

	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return 0, errors.Wrap(ErrMalformed, err.Error())
	}
	if r.maxLen > 0 && n > r.maxLen {
		return 0, errors.Wrapf(ErrTooLarge, "length %d exceeds %d", n, r.maxLen)
	}
	return n, nil
}
