package osc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Encode serializes p to its binary form.
func Encode(p Packet) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil packet", ErrUnsupportedArg)
	}
	return p.MarshalBinary()
}

// MarshalBinary encodes the message.
func (m *Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.writeTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Message) writeTo(buf *bytes.Buffer) error {
	if !strings.HasPrefix(m.Address, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, m.Address)
	}
	if err := writeString(buf, m.Address); err != nil {
		return err
	}
	tags, err := m.TypeTags()
	if err != nil {
		return err
	}
	if err := writeString(buf, tags); err != nil {
		return err
	}
	return writeArgs(buf, m.Arguments)
}

// MarshalBinary encodes the bundle and all of its elements.
func (b *Bundle) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(bundleTag)
	writeUint64(&buf, uint64(b.Timetag))

	for i, e := range b.Elements {
		if e == nil {
			return nil, fmt.Errorf("%w: nil bundle element %d", ErrUnsupportedArg, i)
		}
		data, err := e.MarshalBinary()
		if err != nil {
			return nil, err
		}
		writeUint32(&buf, uint32(len(data)))
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func typeTag(a any) (byte, error) {
	switch v := a.(type) {
	case int32:
		return 'i', nil
	case int:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return 'h', nil
		}
		return 'i', nil
	case float32:
		return 'f', nil
	case string:
		return 's', nil
	case Symbol:
		return 'S', nil
	case []byte:
		return 'b', nil
	case int64:
		return 'h', nil
	case float64:
		return 'd', nil
	case Timetag:
		return 't', nil
	case Char:
		return 'c', nil
	case RGBA:
		return 'r', nil
	case MIDI:
		return 'm', nil
	case bool:
		if v {
			return 'T', nil
		}
		return 'F', nil
	case nil:
		return 'N', nil
	case Impulse:
		return 'I', nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedArg, a)
	}
}

func writeArgs(buf *bytes.Buffer, args []any) error {
	for _, a := range args {
		var err error
		switch v := a.(type) {
		case []any:
			err = writeArgs(buf, v)
		case int32:
			writeUint32(buf, uint32(v))
		case int:
			if v < math.MinInt32 || v > math.MaxInt32 {
				writeUint64(buf, uint64(int64(v)))
			} else {
				writeUint32(buf, uint32(int32(v)))
			}
		case float32:
			writeUint32(buf, math.Float32bits(v))
		case string:
			err = writeString(buf, v)
		case Symbol:
			err = writeString(buf, string(v))
		case []byte:
			writeUint32(buf, uint32(len(v)))
			buf.Write(v)
			writePad(buf, len(v))
		case int64:
			writeUint64(buf, uint64(v))
		case float64:
			writeUint64(buf, math.Float64bits(v))
		case Timetag:
			writeUint64(buf, uint64(v))
		case Char:
			writeUint32(buf, uint32(v))
		case RGBA:
			buf.Write([]byte{v.R, v.G, v.B, v.A})
		case MIDI:
			buf.Write(v[:])
		case bool, nil, Impulse:
			// encoded in the type tag only
		default:
			err = fmt.Errorf("%w: %T", ErrUnsupportedArg, a)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: string contains NUL", ErrUnsupportedArg)
	}
	buf.WriteString(s)
	buf.WriteByte(0)
	writePad(buf, len(s)+1)
	return nil
}

func writePad(buf *bytes.Buffer, n int) {
	for i := n; i < padded(n); i++ {
		buf.WriteByte(0)
	}
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
