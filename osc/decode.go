package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// DefaultMaxDepth bounds bundle and array nesting.
const DefaultMaxDepth = 32

var bundleTag = []byte("#bundle\x00")

// Decoder parses OSC packets. The zero value uses DefaultMaxDepth.
type Decoder struct {
	MaxDepth int
}

// NewDecoder returns a decoder with the given nesting limit; non-positive
// values select DefaultMaxDepth.
func NewDecoder(maxDepth int) *Decoder {
	return &Decoder{MaxDepth: maxDepth}
}

// Decode parses one packet with DefaultMaxDepth.
func Decode(data []byte) (Packet, error) {
	return (&Decoder{}).Decode(data)
}

// Decode parses one complete packet. The returned values do not alias data.
func (d *Decoder) Decode(data []byte) (Packet, error) {
	return d.decodePacket(data, 0)
}

func (d *Decoder) maxDepth() int {
	if d == nil || d.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return d.MaxDepth
}

func (d *Decoder) decodePacket(data []byte, depth int) (Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrTruncated)
	}
	switch data[0] {
	case '#':
		return d.decodeBundle(data, depth+1)
	case '/':
		return d.decodeMessage(data)
	default:
		return nil, fmt.Errorf("%w: packet starts with %q", ErrInvalidAddress, data[0])
	}
}

func (d *Decoder) decodeBundle(data []byte, depth int) (*Bundle, error) {
	if depth > d.maxDepth() {
		return nil, fmt.Errorf("%w: bundle depth %d > %d", ErrDepthExceeded, depth, d.maxDepth())
	}
	if !bytes.HasPrefix(data, bundleTag) {
		return nil, fmt.Errorf("%w: missing #bundle marker", ErrInvalidBundle)
	}

	r := reader{buf: data, pos: len(bundleTag)}
	tt, err := r.uint64()
	if err != nil {
		return nil, fmt.Errorf("bundle time tag: %w", err)
	}

	b := &Bundle{Timetag: Timetag(tt), Elements: []Packet{}}
	for r.remaining() > 0 {
		size, err := r.int32()
		if err != nil {
			return nil, fmt.Errorf("bundle element size: %w", err)
		}
		if size <= 0 || size%4 != 0 {
			return nil, fmt.Errorf("%w: element size %d at offset %d", ErrInvalidBundle, size, r.pos-4)
		}
		elem, err := r.take(int(size))
		if err != nil {
			return nil, fmt.Errorf("bundle element: %w", err)
		}
		p, err := d.decodePacket(elem, depth)
		if err != nil {
			return nil, err
		}
		b.Elements = append(b.Elements, p)
	}
	return b, nil
}

func (d *Decoder) decodeMessage(data []byte) (*Message, error) {
	r := reader{buf: data}

	addr, err := r.string()
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	if len(addr) == 0 || addr[0] != '/' {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}

	msg := &Message{Address: addr}

	// OSC 1.0 permits omitting the type tag string when there are no arguments.
	if r.remaining() == 0 {
		return msg, nil
	}

	tags, err := r.string()
	if err != nil {
		return nil, fmt.Errorf("type tags: %w", err)
	}
	if len(tags) == 0 || tags[0] != ',' {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTypeTags, tags)
	}

	args, err := d.decodeArgs(&r, tags[1:])
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", addr, err)
	}
	msg.Arguments = args
	return msg, nil
}

func (d *Decoder) decodeArgs(r *reader, tags string) ([]any, error) {
	// stack[0] holds top-level arguments; each '[' pushes an array.
	stack := [][]any{nil}
	for i := 0; i < len(tags); i++ {
		switch tag := tags[i]; tag {
		case '[':
			if len(stack) > d.maxDepth() {
				return nil, fmt.Errorf("%w: array depth %d > %d", ErrDepthExceeded, len(stack), d.maxDepth())
			}
			stack = append(stack, []any{})
		case ']':
			if len(stack) == 1 {
				return nil, fmt.Errorf("%w: unbalanced ']'", ErrInvalidTypeTags)
			}
			arr := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			stack[len(stack)-1] = append(stack[len(stack)-1], arr)
		default:
			v, err := r.arg(tag)
			if err != nil {
				return nil, err
			}
			stack[len(stack)-1] = append(stack[len(stack)-1], v)
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("%w: unterminated '['", ErrInvalidTypeTags)
	}
	return stack[0], nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.pos, r.remaining())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// string reads a NUL terminated string padded to a 4 byte boundary.
func (r *reader) string() (string, error) {
	n := bytes.IndexByte(r.buf[r.pos:], 0)
	if n < 0 {
		return "", fmt.Errorf("%w: unterminated string at offset %d", ErrTruncated, r.pos)
	}
	s := string(r.buf[r.pos : r.pos+n])
	if _, err := r.take(padded(n + 1)); err != nil {
		return "", err
	}
	return s, nil
}

func (r *reader) blob() ([]byte, error) {
	size, err := r.int32()
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: negative blob size %d", ErrTruncated, size)
	}
	b, err := r.take(padded(int(size)))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b[:size]...), nil
}

func (r *reader) arg(tag byte) (any, error) {
	switch tag {
	case 'i':
		return r.int32()
	case 'f':
		v, err := r.uint32()
		return math.Float32frombits(v), err
	case 's':
		return r.string()
	case 'S':
		s, err := r.string()
		return Symbol(s), err
	case 'b':
		return r.blob()
	case 'h':
		v, err := r.uint64()
		return int64(v), err
	case 'd':
		v, err := r.uint64()
		return math.Float64frombits(v), err
	case 't':
		v, err := r.uint64()
		return Timetag(v), err
	case 'c':
		v, err := r.uint32()
		return Char(rune(v)), err
	case 'r':
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return RGBA{R: b[0], G: b[1], B: b[2], A: b[3]}, nil
	case 'm':
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return MIDI{b[0], b[1], b[2], b[3]}, nil
	case 'T':
		return true, nil
	case 'F':
		return false, nil
	case 'N':
		return nil, nil
	case 'I':
		return Impulse{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, tag)
	}
}

func padded(n int) int {
	return (n + 3) &^ 3
}
