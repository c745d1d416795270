package frame

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"github.com/danmuck/agentwire/internal/protocol/message"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	ErrEmptyMarker     = errors.New("frame: empty end-of-message marker")
	ErrUnstableMarker  = errors.New("frame: marker is not case-fold stable")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrTimeout         = errors.New("frame: read timeout")
)

const (
	DefaultMarkerText = message.DefaultEOM
	// DefaultIdleTimeout bounds the silence between bytes of one in-progress frame.
	DefaultIdleTimeout = 30 * time.Second
)

// Marker is a validated end-of-message terminator matched case-insensitively.
type Marker struct {
	text string
}

// NewMarker validates text as a terminator. Every case mapping of text must
// keep its byte length so the trailing bytes of a stream can be compared
// directly.
func NewMarker(text string) (Marker, error) {
	if text == "" {
		return Marker{}, ErrEmptyMarker
	}
	if !utf8.ValidString(text) {
		return Marker{}, ErrUnstableMarker
	}
	upper := cases.Upper(language.Und).String(text)
	lower := cases.Lower(language.Und).String(text)
	folded := cases.Fold().String(text)
	for _, v := range []string{upper, lower, folded} {
		if len(v) != len(text) || !bytes.EqualFold([]byte(v), []byte(text)) {
			return Marker{}, ErrUnstableMarker
		}
	}
	return Marker{text: text}, nil
}

// MustMarker is NewMarker for compile-time constants.
func MustMarker(text string) Marker {
	m, err := NewMarker(text)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Marker) String() string { return m.text }
func (m Marker) Len() int       { return len(m.text) }
func (m Marker) IsZero() bool   { return m.text == "" }

// Terminates reports whether buf ends with the marker in any letter case.
func (m Marker) Terminates(buf []byte) bool {
	n := len(m.text)
	if n == 0 || len(buf) < n {
		return false
	}
	return bytes.EqualFold(buf[len(buf)-n:], []byte(m.text))
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

// Encode returns body followed by the marker.
func Encode(body string, m Marker) []byte {
	out := make([]byte, 0, len(body)+m.Len())
	out = append(out, body...)
	return append(out, m.text...)
}

// WriteFrame writes one frame in a single call.
func WriteFrame(w io.Writer, body string, m Marker, limits Limits) error {
	if limits.MaxPayloadBytes > 0 && len(body) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	_, err := w.Write(Encode(body, m))
	return err
}

// DeadlineReader is the read half of a net.Conn.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Reader pulls marker-terminated frames from a stream. Bytes that follow a
// marker stay buffered for the next call. A Reader is not safe for concurrent
// use.
type Reader struct {
	src     DeadlineReader
	br      *bufio.Reader
	marker  Marker
	limits  Limits
	idle    time.Duration
	pending []byte
	now     func() time.Time

	// discarding is set after an oversized frame until its marker passes.
	discarding bool
}

func NewReader(src DeadlineReader, m Marker, limits Limits, idle time.Duration) *Reader {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Reader{
		src:    src,
		br:     bufio.NewReader(src),
		marker: m,
		limits: limits,
		idle:   idle,
		now:    time.Now,
	}
}

// SetIdleTimeout changes the per-byte silence allowed inside a frame.
func (r *Reader) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		r.idle = d
	}
}

// Pending reports how many bytes of an unfinished frame are buffered.
func (r *Reader) Pending() int { return len(r.pending) }

// ReadFrame waits up to timeout for the first byte of a frame, then allows
// the idle timeout between bytes until the marker arrives. Bare markers are
// skipped and reading continues against the original timeout. It returns
// ErrTimeout when nothing complete arrived in time. After ErrPayloadTooLarge
// the rest of the oversized frame is dropped up to and including its marker.
func (r *Reader) ReadFrame(timeout time.Duration) (string, error) {
	budget := r.now().Add(timeout)
	var applied time.Time
	for {
		deadline := budget
		if len(r.pending) > 0 {
			deadline = r.now().Add(r.idle)
		}
		if r.br.Buffered() == 0 && !deadline.Equal(applied) {
			if err := r.src.SetReadDeadline(deadline); err != nil {
				return "", err
			}
			applied = deadline
		}
		b, err := r.br.ReadByte()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if len(r.pending) > 0 {
					// stalled mid-frame: the partial bytes are discarded
					r.pending = r.pending[:0]
				}
				return "", ErrTimeout
			}
			return "", err
		}
		r.pending = append(r.pending, b)
		if r.discarding {
			r.skip()
			continue
		}
		if r.marker.Terminates(r.pending) {
			body := string(r.pending[:len(r.pending)-r.marker.Len()])
			r.pending = r.pending[:0]
			if body == "" {
				continue
			}
			return body, nil
		}
		if r.limits.MaxPayloadBytes > 0 && len(r.pending) > r.limits.MaxPayloadBytes+r.marker.Len() {
			r.pending = r.pending[:0]
			r.discarding = true
			return "", ErrPayloadTooLarge
		}
	}
}

// skip consumes an oversized frame, keeping only enough trailing bytes to
// recognize a marker split across reads.
func (r *Reader) skip() {
	if r.marker.Terminates(r.pending) {
		r.pending = r.pending[:0]
		r.discarding = false
		return
	}
	if keep := r.marker.Len() - 1; len(r.pending) > keep {
		n := copy(r.pending, r.pending[len(r.pending)-keep:])
		r.pending = r.pending[:n]
	}
}
