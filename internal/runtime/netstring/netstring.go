// Package netstring frames worker channel messages as netstrings:
// "<decimal length>:<payload>,".
package netstring

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// DefaultMaxMessageLength is the largest frame the worker emits: a 4 MiB payload
// plus the length prefix and delimiters.
const DefaultMaxMessageLength = 4194313

var (
	// ErrMalformed is returned when a frame violates the netstring grammar.
	ErrMalformed = errors.New("netstring: malformed frame")
	// ErrTooLong is returned when a frame exceeds the configured limit.
	ErrTooLong = errors.New("netstring: frame too long")
)

// maxPrefixDigits bounds the length prefix so a garbage stream cannot make the
// decoder read forever.
const maxPrefixDigits = 10

// Decoder reads successive netstrings from a stream.
type Decoder struct {
	r   *bufio.Reader
	max int
}

// NewDecoder returns a decoder reading from r. A max of zero or less selects
// DefaultMaxMessageLength.
func NewDecoder(r io.Reader, max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxMessageLength
	}
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), max: max}
}

// Decode returns the next payload. io.EOF is returned only on a clean frame
// boundary; a stream that ends mid-frame yields io.ErrUnexpectedEOF.
func (d *Decoder) Decode() ([]byte, error) {
	n, err := d.readLength()
	if err != nil {
		return nil, err
	}
	if n+len(strconv.Itoa(n))+2 > d.max {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, n)
	}

	buf := make([]byte, n+1)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if buf[n] != ',' {
		return nil, fmt.Errorf("%w: missing trailing comma", ErrMalformed)
	}
	return buf[:n], nil
}

func (d *Decoder) readLength() (int, error) {
	n := 0
	for digits := 0; ; digits++ {
		b, err := d.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && digits > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		switch {
		case b == ':':
			if digits == 0 {
				return 0, fmt.Errorf("%w: empty length", ErrMalformed)
			}
			return n, nil
		case b >= '0' && b <= '9':
			if digits >= maxPrefixDigits {
				return 0, fmt.Errorf("%w: length prefix too long", ErrTooLong)
			}
			n = n*10 + int(b-'0')
		default:
			return 0, fmt.Errorf("%w: unexpected byte %q in length", ErrMalformed, b)
		}
	}
}

// Append appends the netstring encoding of payload to dst.
func Append(dst, payload []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, ':')
	dst = append(dst, payload...)
	return append(dst, ',')
}

// Encode writes payload to w as one netstring in a single Write call.
func Encode(w io.Writer, payload []byte) error {
	_, err := w.Write(Append(make([]byte, 0, len(payload)+12), payload))
	return err
}
