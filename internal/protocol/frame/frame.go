package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/danmuck/slowbreak/internal/protocol/tagvalue"
)

const (
	TagBeginString = 8
	TagBodyLength  = 9
	TagCheckSum    = 10

	// "10=" + three digits + SOH
	trailerLen = 7
	// longest "8=...<SOH>9=...<SOH>" prefix accepted before giving up on framing
	maxPrefixLen = 64
)

var (
	// ErrTimeout reports a read deadline with no complete frame buffered.
	// Partially received bytes stay buffered for the next call.
	ErrTimeout = errors.New("frame: read timeout")
	// ErrMalformed reports one bad frame whose boundaries were still
	// recoverable; the frame was consumed and the stream stays usable.
	ErrMalformed = errors.New("frame: malformed frame")
	// ErrFramingLost reports a stream that can no longer be split into frames.
	ErrFramingLost = errors.New("frame: framing lost")
	ErrBodyTooLarge = errors.New("frame: body too large")
)

// Frame is one complete wire message without its 8/9/10 envelope.
type Frame struct {
	BeginString string
	Body        []tagvalue.Field
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxBodyBytes int
	ReadChunk    int
}

func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes: 1024 * 1024,
		ReadChunk:    4096,
	}
}

// Encode renders body into a complete frame with computed BodyLength and CheckSum.
func Encode(beginString string, body []tagvalue.Field) ([]byte, error) {
	for _, f := range body {
		if err := tagvalue.ValidateField(f); err != nil {
			return nil, err
		}
		switch f.Tag {
		case TagBeginString, TagBodyLength, TagCheckSum:
			return nil, fmt.Errorf("frame: envelope tag %d in body", f.Tag)
		}
	}
	encodedBody := tagvalue.EncodeFields(body)

	out := make([]byte, 0, len(encodedBody)+len(beginString)+24)
	out = tagvalue.AppendField(out, tagvalue.Field{Tag: TagBeginString, Value: beginString})
	out = tagvalue.AppendField(out, tagvalue.Field{Tag: TagBodyLength, Value: strconv.Itoa(len(encodedBody))})
	out = append(out, encodedBody...)
	out = tagvalue.AppendField(out, tagvalue.Field{Tag: TagCheckSum, Value: Checksum(out)})
	return out, nil
}

func WriteFrame(w io.Writer, beginString string, body []tagvalue.Field) error {
	buf, err := Encode(beginString, body)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Checksum is the byte sum modulo 256, rendered as three digits.
func Checksum(b []byte) string {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return fmt.Sprintf("%03d", sum%256)
}

// Reader splits a byte stream into frames. It is restartable across read
// timeouts: Next can be called again after ErrTimeout or ErrMalformed.
type Reader struct {
	src    io.Reader
	limits Limits
	buf    []byte
	chunk  []byte
}

func NewReader(src io.Reader, limits Limits) *Reader {
	if limits.ReadChunk <= 0 {
		limits.ReadChunk = DefaultLimits().ReadChunk
	}
	if limits.MaxBodyBytes <= 0 {
		limits.MaxBodyBytes = DefaultLimits().MaxBodyBytes
	}
	return &Reader{
		src:    src,
		limits: limits,
		chunk:  make([]byte, limits.ReadChunk),
	}
}

// Buffered reports how many unparsed bytes are held.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

// Next returns the next frame from the stream.
func (r *Reader) Next() (Frame, error) {
	for {
		fr, consumed, err := r.parse()
		if consumed > 0 {
			r.buf = r.buf[consumed:]
			if len(r.buf) == 0 {
				r.buf = nil
			}
		}
		if err != nil || consumed > 0 {
			return fr, err
		}
		if err := r.fill(); err != nil {
			return Frame{}, err
		}
	}
}

func (r *Reader) fill() error {
	n, err := r.src.Read(r.chunk)
	if n > 0 {
		r.buf = append(r.buf, r.chunk[:n]...)
	}
	if err == nil {
		return nil
	}
	// timeouts and EOF resurface on the next read once buffered bytes are parsed
	if n > 0 && (isTimeout(err) || errors.Is(err, io.EOF)) {
		return nil
	}
	switch {
	case isTimeout(err):
		return ErrTimeout
	case errors.Is(err, io.EOF):
		if len(r.buf) > 0 {
			return io.ErrUnexpectedEOF
		}
		return io.EOF
	default:
		return err
	}
}

// parse returns consumed == 0 and a nil error when more bytes are needed.
func (r *Reader) parse() (Frame, int, error) {
	buf := r.buf
	if len(buf) == 0 {
		return Frame{}, 0, nil
	}

	begin, next, ok, err := prefixField(buf, 0, TagBeginString)
	if err != nil || !ok {
		return Frame{}, 0, err
	}
	lengthField, bodyStart, ok, err := prefixField(buf, next, TagBodyLength)
	if err != nil || !ok {
		return Frame{}, 0, err
	}
	bodyLen, err := strconv.Atoi(lengthField)
	if err != nil || bodyLen < 0 {
		return Frame{}, 0, fmt.Errorf("%w: body length %q", ErrFramingLost, lengthField)
	}
	if bodyLen > r.limits.MaxBodyBytes {
		return Frame{}, 0, fmt.Errorf("%w: %d", ErrBodyTooLarge, bodyLen)
	}

	total := bodyStart + bodyLen + trailerLen
	if len(buf) < total {
		return Frame{}, 0, nil
	}
	trailer := buf[bodyStart+bodyLen : total]
	if !bytes.HasPrefix(trailer, []byte("10=")) || trailer[trailerLen-1] != tagvalue.SOH {
		return Frame{}, 0, fmt.Errorf("%w: trailer %q", ErrFramingLost, trailer)
	}

	want := string(trailer[3:6])
	if got := Checksum(buf[:bodyStart+bodyLen]); got != want {
		return Frame{}, total, fmt.Errorf("%w: checksum got=%s want=%s", ErrMalformed, got, want)
	}
	body, err := tagvalue.DecodeFields(buf[bodyStart : bodyStart+bodyLen])
	if err != nil {
		return Frame{}, total, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Frame{BeginString: begin, Body: body}, total, nil
}

// prefixField reads one envelope field at offset. ok is false when more
// bytes are needed.
func prefixField(buf []byte, offset int, tag int) (string, int, bool, error) {
	prefix := []byte(strconv.Itoa(tag) + "=")
	rest := buf[offset:]
	if len(rest) < len(prefix) {
		if !bytes.HasPrefix(prefix, rest) {
			return "", 0, false, fmt.Errorf("%w: expected tag %d", ErrFramingLost, tag)
		}
		return "", 0, false, nil
	}
	if !bytes.HasPrefix(rest, prefix) {
		return "", 0, false, fmt.Errorf("%w: expected tag %d", ErrFramingLost, tag)
	}
	end := bytes.IndexByte(rest, tagvalue.SOH)
	if end < 0 {
		if offset+len(rest) > maxPrefixLen {
			return "", 0, false, fmt.Errorf("%w: unterminated tag %d", ErrFramingLost, tag)
		}
		return "", 0, false, nil
	}
	return string(rest[len(prefix):end]), offset + end + 1, true, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
