package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxStringLength bounds the declared length of strings and byte blobs.
// A larger length almost always means the stream is out of sync.
const MaxStringLength = 16 << 20

var (
	// ErrIdle is returned by AwaitTag when the idle interval passes without any bytes arriving.
	ErrIdle = errors.New("protocol: idle")
	// ErrBadMarker is returned when a string is not prefixed by a known encoding marker.
	ErrBadMarker = errors.New("protocol: unknown string encoding marker")
	// ErrStringTooLong is returned when a declared length exceeds MaxStringLength.
	ErrStringTooLong = errors.New("protocol: declared length exceeds limit")
)

// Encoding is the marker written in front of every string.
type Encoding byte

const (
	UTF8  Encoding = 'U'
	ASCII Encoding = 'A'
)

func (e Encoding) valid() bool { return e == UTF8 || e == ASCII }

func (e Encoding) String() string {
	switch e {
	case UTF8:
		return "utf-8"
	case ASCII:
		return "ascii"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(e))
	}
}

// ParseEncoding maps a configuration value ("utf-8", "utf8", "ascii") to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "", "utf-8", "utf8", "u":
		return UTF8, nil
	case "ascii", "a":
		return ASCII, nil
	default:
		return 0, fmt.Errorf("unsupported encoding %q", s)
	}
}

// encode renders s in the given encoding. Runes outside ASCII become '?'.
func (e Encoding) encode(s string) []byte {
	if e != ASCII {
		return []byte(s)
	}
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r >= utf8.RuneSelf {
			b = append(b, '?')
			continue
		}
		b = append(b, byte(r))
	}
	return b
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Reader decodes frame primitives from a stream.
// A Reader is not safe for concurrent use; a connection has exactly one reading goroutine.
type Reader struct {
	r   io.Reader
	buf [8]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadTag reads the next tag.
// It returns io.EOF if the stream ends cleanly on a frame boundary, and io.ErrUnexpectedEOF if it ends inside the tag.
func (r *Reader) ReadTag() (Tag, error) {
	var t Tag
	_, err := io.ReadFull(r.r, t[:])
	return t, err
}

// AwaitTag reads the next tag, giving up with ErrIdle if no byte arrives within idle.
// The idle deadline only applies to the first byte; once a frame has started the rest of it is read without a deadline.
// If the underlying stream cannot set read deadlines, AwaitTag blocks like ReadTag.
func (r *Reader) AwaitTag(idle time.Duration) (Tag, error) {
	d, ok := r.r.(readDeadliner)
	if !ok || idle <= 0 {
		return r.ReadTag()
	}
	if err := d.SetReadDeadline(time.Now().Add(idle)); err != nil {
		return Tag{}, fmt.Errorf("setting read deadline: %w", err)
	}

	var t Tag
	n, err := r.readFirst(t[:1])
	if clearErr := d.SetReadDeadline(time.Time{}); clearErr != nil && err == nil {
		err = fmt.Errorf("clearing read deadline: %w", clearErr)
	}
	if err != nil {
		if n == 0 && isTimeout(err) {
			return Tag{}, ErrIdle
		}
		return Tag{}, err
	}

	if _, err := io.ReadFull(r.r, t[1:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Tag{}, err
	}
	return t, nil
}

func (r *Reader) readFirst(b []byte) (int, error) {
	for {
		n, err := r.r.Read(b)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// ReadInt32 reads a big-endian int32.
func (r *Reader) ReadInt32() (int32, error) {
	if err := r.readPayload(r.buf[:4]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(r.buf[:4])), nil
}

// ReadInt64 reads a big-endian int64.
func (r *Reader) ReadInt64() (int64, error) {
	if err := r.readPayload(r.buf[:8]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(r.buf[:8])), nil
}

// ReadString reads an encoding marker, an int32 length and that many bytes.
// A non-positive length yields the empty string.
func (r *Reader) ReadString() (string, error) {
	if err := r.readPayload(r.buf[:1]); err != nil {
		return "", err
	}
	if enc := Encoding(r.buf[0]); !enc.valid() {
		return "", fmt.Errorf("%w: %#x", ErrBadMarker, r.buf[0])
	}
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytes reads an int32 length and that many raw bytes.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	if n > MaxStringLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrStringTooLong, n)
	}
	b := make([]byte, n)
	if err := r.readPayload(b); err != nil {
		return nil, err
	}
	return b, nil
}

// readPayload reads inside a frame, where running out of bytes is always unexpected.
func (r *Reader) readPayload(b []byte) error {
	_, err := io.ReadFull(r.r, b)
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Writer encodes frame primitives.
// Errors are sticky: after the first failure every call returns it without writing.
type Writer struct {
	w   io.Writer
	enc Encoding
	err error
	buf [8]byte
}

func NewWriter(w io.Writer, enc Encoding) *Writer {
	if !enc.valid() {
		enc = UTF8
	}
	return &Writer{w: w, enc: enc}
}

func (w *Writer) write(b []byte) error {
	if w.err != nil {
		return w.err
	}
	_, w.err = w.w.Write(b)
	return w.err
}

func (w *Writer) WriteTag(t Tag) error {
	return w.write(t[:])
}

func (w *Writer) WriteInt32(v int32) error {
	binary.BigEndian.PutUint32(w.buf[:4], uint32(v))
	return w.write(w.buf[:4])
}

func (w *Writer) WriteInt64(v int64) error {
	binary.BigEndian.PutUint64(w.buf[:8], uint64(v))
	return w.write(w.buf[:8])
}

// WriteString writes s with the writer's encoding marker.
func (w *Writer) WriteString(s string) error {
	b := w.enc.encode(s)
	if len(b) > MaxStringLength {
		return fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(b))
	}
	if err := w.write([]byte{byte(w.enc)}); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(len(b))); err != nil {
		return err
	}
	return w.write(b)
}

// WriteBytes writes an int32 length followed by b.
func (w *Writer) WriteBytes(b []byte) error {
	if len(b) > MaxStringLength {
		return fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(b))
	}
	if err := w.WriteInt32(int32(len(b))); err != nil {
		return err
	}
	return w.write(b)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
