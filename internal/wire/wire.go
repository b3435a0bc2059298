// Package wire implements the tagged-tuple framing used on the control
// socket (spec.md §4.1): a fixed-width message type tag followed by
// positional fields described by a pack string of 'i' (int32), 'u'
// (uint32) and 's' (length-prefixed byte string, 0xFFFFFFFF meaning NULL).
//
// The wire format intentionally has no dependency on reflection or a
// schema language: callers push and pop fields in the order the pack
// string names them, the same shape as upstart's upstart_push_pack /
// upstart_pop_pack (upstart/wire.h).
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrInvalid corresponds to MESSAGE_INVALID: the frame is malformed, a
// length prefix overruns the buffer, or a string contains an embedded NUL.
var ErrInvalid = errors.New("wire: invalid message")

// ErrUnknownType corresponds to MESSAGE_UNKNOWN: the type tag isn't one
// the enum registry recognizes.
var ErrUnknownType = errors.New("wire: unknown message type")

// nullLength is the length-prefix sentinel meaning "string is NULL", not
// "string is empty".
const nullLength = 0xFFFFFFFF

// maxStringLength bounds a single string field so a corrupt or hostile
// peer can't make the decoder allocate unbounded memory from a 4-byte
// length prefix.
const maxStringLength = 16 * 1024 * 1024

// Message is a decoded frame: a type tag plus its positional fields, each
// either int32, uint32, string or nil (NULL string).
type Message struct {
	Type   uint32
	Fields []interface{}
}

// Writer accumulates a single frame's bytes. The zero value is ready to
// use.
type Writer struct {
	buf []byte
}

// PushType writes the 4-byte type tag that begins every frame.
func (w *Writer) PushType(t uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], t)
	w.buf = append(w.buf, b[:]...)
}

// PushInt appends a signed 32-bit field ('i').
func (w *Writer) PushInt(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
}

// PushUint appends an unsigned 32-bit field ('u').
func (w *Writer) PushUint(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PushString appends a length-prefixed string field ('s'). It always
// writes the string's length; a NULL string is written by PushNullString.
func (w *Writer) PushString(s string) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(len(s)))
	w.buf = append(w.buf, b[:]...)
	w.buf = append(w.buf, s...)
}

// PushNullString appends a NULL string field.
func (w *Writer) PushNullString() {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], nullLength)
	w.buf = append(w.buf, b[:]...)
}

// Bytes returns the accumulated frame body (without any outer record
// length prefix — that's added by WriteFrame when the body is sent).
func (w *Writer) Bytes() []byte { return w.buf }

// Reader decodes fields from a frame body in the order they were pushed.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps a frame body for sequential decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// PopType reads the 4-byte type tag.
func (r *Reader) PopType() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, ErrInvalid
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// PopInt reads a signed 32-bit field.
func (r *Reader) PopInt() (int32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, ErrInvalid
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return int32(v), nil
}

// PopUint reads an unsigned 32-bit field.
func (r *Reader) PopUint() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, ErrInvalid
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// PopString reads a length-prefixed string field. ok is false and s is ""
// if the field was NULL on the wire.
func (r *Reader) PopString() (s string, ok bool, err error) {
	if len(r.buf)-r.pos < 4 {
		return "", false, ErrInvalid
	}
	n := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	if n == nullLength {
		return "", false, nil
	}
	if n > maxStringLength {
		return "", false, ErrInvalid
	}
	if uint32(len(r.buf)-r.pos) < n {
		return "", false, ErrInvalid
	}
	b := r.buf[r.pos : r.pos+int(n)]
	for _, c := range b {
		if c == 0 {
			return "", false, ErrInvalid
		}
	}
	r.pos += int(n)
	return string(b), true, nil
}

// Done reports whether every byte of the frame body has been consumed.
// Callers use this to catch a pack string that was shorter than the
// frame actually on the wire.
func (r *Reader) Done() bool { return r.pos == len(r.buf) }

// PackString describes a message's positional fields: each byte is 'i',
// 'u' or 's'.
type PackString string

// Push writes fields described by pack to w. fields must have one entry
// per character of pack, of the matching Go type (int32, uint32, or
// string — a nil value for 's' writes a NULL string).
func Push(w *Writer, t uint32, pack PackString, fields ...interface{}) error {
	w.PushType(t)
	if len(fields) != len(pack) {
		return ErrInvalid
	}
	for i, c := range []byte(pack) {
		switch c {
		case 'i':
			v, ok := fields[i].(int32)
			if !ok {
				return ErrInvalid
			}
			w.PushInt(v)
		case 'u':
			v, ok := fields[i].(uint32)
			if !ok {
				return ErrInvalid
			}
			w.PushUint(v)
		case 's':
			if fields[i] == nil {
				w.PushNullString()
				continue
			}
			v, ok := fields[i].(string)
			if !ok {
				return ErrInvalid
			}
			w.PushString(v)
		default:
			return ErrInvalid
		}
	}
	return nil
}

// Pop decodes fields described by pack from a frame body already past its
// type tag (the type tag is read separately so the caller can dispatch on
// it against the enum registry before deciding which pack string
// applies).
func Pop(r *Reader, pack PackString) ([]interface{}, error) {
	var fields []interface{}
	if len(pack) > 0 {
		fields = make([]interface{}, len(pack))
	}
	for i, c := range []byte(pack) {
		switch c {
		case 'i':
			v, err := r.PopInt()
			if err != nil {
				return nil, err
			}
			fields[i] = v
		case 'u':
			v, err := r.PopUint()
			if err != nil {
				return nil, err
			}
			fields[i] = v
		case 's':
			v, ok, err := r.PopString()
			if err != nil {
				return nil, err
			}
			if !ok {
				fields[i] = nil
			} else {
				fields[i] = v
			}
		default:
			return nil, ErrInvalid
		}
	}
	if !r.Done() {
		return nil, ErrInvalid
	}
	return fields, nil
}

// ReadFrame reads one length-prefixed record from r: a 4-byte big-endian
// length followed by that many bytes of frame body (type tag + packed
// fields). It never blocks indefinitely beyond what r itself does.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxStringLength {
		return nil, ErrInvalid
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body as one length-prefixed record.
func WriteFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
