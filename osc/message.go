package osc

import (
	"fmt"
	"strings"
	"time"
)

// Packet is a decoded OSC message or bundle.
type Packet interface {
	MarshalBinary() ([]byte, error)
	packet()
}

// Symbol is an OSC 'S' argument, an alternate string type.
type Symbol string

// Char is an OSC 'c' argument, a 32-bit character.
type Char rune

// RGBA is an OSC 'r' argument.
type RGBA struct {
	R, G, B, A uint8
}

// MIDI is an OSC 'm' argument: port id, status byte, data1, data2.
type MIDI [4]byte

// Impulse is the OSC 'I' argument, a typed event with no payload.
type Impulse struct{}

// Timetag is a 64-bit NTP time stamp: seconds since 1900 in the upper half,
// fractional seconds in the lower half.
type Timetag uint64

// Immediately is the reserved time tag meaning "process on receipt".
const Immediately Timetag = 1

const ntpEpochOffset = 2208988800

// NewTimetag converts t to an NTP time tag.
func NewTimetag(t time.Time) Timetag {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return Timetag(secs<<32 | frac)
}

// Time converts the time tag back to wall-clock time.
func (t Timetag) Time() time.Time {
	secs := int64(uint64(t)>>32) - ntpEpochOffset
	nanos := (uint64(t) & 0xFFFFFFFF) * uint64(time.Second) >> 32
	return time.Unix(secs, int64(nanos)).UTC()
}

// Message is an OSC message: an address pattern and an ordered argument list.
type Message struct {
	Address   string
	Arguments []any
}

// NewMessage creates a message with the given address and arguments.
func NewMessage(address string, args ...any) *Message {
	m := &Message{Address: address}
	if len(args) > 0 {
		m.Arguments = args
	}
	return m
}

func (*Message) packet() {}

// Clone returns a deep copy; blob and array arguments are not shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return &Message{
		Address:   m.Address,
		Arguments: cloneArgs(m.Arguments),
	}
}

func cloneArgs(args []any) []any {
	if args == nil {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case []byte:
			out[i] = append([]byte(nil), v...)
		case []any:
			c := cloneArgs(v)
			if c == nil {
				c = []any{}
			}
			out[i] = c
		default:
			out[i] = v
		}
	}
	return out
}

// TypeTags returns the OSC type tag string for the message, including the
// leading comma.
func (m *Message) TypeTags() (string, error) {
	var tags strings.Builder
	tags.WriteByte(',')
	if err := writeTags(&tags, m.Arguments); err != nil {
		return "", err
	}
	return tags.String(), nil
}

func writeTags(tags *strings.Builder, args []any) error {
	for _, a := range args {
		if nested, ok := a.([]any); ok {
			tags.WriteByte('[')
			if err := writeTags(tags, nested); err != nil {
				return err
			}
			tags.WriteByte(']')
			continue
		}
		tag, err := typeTag(a)
		if err != nil {
			return err
		}
		tags.WriteByte(tag)
	}
	return nil
}

// String renders the message for logs, e.g. "/a ,si hello 1".
func (m *Message) String() string {
	tags, err := m.TypeTags()
	if err != nil {
		tags = ",?"
	}
	var b strings.Builder
	b.WriteString(m.Address)
	b.WriteByte(' ')
	b.WriteString(tags)
	for _, a := range m.Arguments {
		fmt.Fprintf(&b, " %v", a)
	}
	return b.String()
}

// Bundle groups packets under one time tag.
type Bundle struct {
	Timetag  Timetag
	Elements []Packet
}

// NewBundle creates a bundle with the given time tag and elements.
func NewBundle(tt Timetag, elements ...Packet) *Bundle {
	return &Bundle{Timetag: tt, Elements: elements}
}

func (*Bundle) packet() {}

// Flatten returns the leaf messages of p in depth-first traversal order.
// A message flattens to itself; an empty bundle to an empty slice.
func Flatten(p Packet) []*Message {
	out := make([]*Message, 0, 1)
	return appendLeaves(out, p)
}

func appendLeaves(out []*Message, p Packet) []*Message {
	switch v := p.(type) {
	case *Message:
		if v != nil {
			out = append(out, v)
		}
	case *Bundle:
		if v != nil {
			for _, e := range v.Elements {
				out = appendLeaves(out, e)
			}
		}
	}
	return out
}
