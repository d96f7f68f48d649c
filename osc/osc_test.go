package osc

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_EncodeKnownBytes(t *testing.T) {
	data, err := NewMessage("/a", "b").MarshalBinary()
	require.NoError(t, err)

	want := []byte{
		'/', 'a', 0, 0,
		',', 's', 0, 0,
		'b', 0, 0, 0,
	}
	assert.Equal(t, want, data)
}

func TestMessage_RoundTripAllTypes(t *testing.T) {
	msg := NewMessage("/synth/1",
		int32(-7),
		float32(0.5),
		"hello",
		Symbol("sym"),
		[]byte{1, 2, 3, 4, 5},
		int64(1)<<40,
		3.25,
		Timetag(42),
		Char('x'),
		RGBA{R: 1, G: 2, B: 3, A: 4},
		MIDI{0, 0x90, 60, 127},
		true,
		false,
		nil,
		Impulse{},
		[]any{int32(1), []any{"nested"}, []any{}},
	)

	tags, err := msg.TypeTags()
	require.NoError(t, err)
	assert.Equal(t, ",ifsSbhdtcrmTFNI[i[s][]]", tags)

	data, err := msg.MarshalBinary()
	require.NoError(t, err)
	assert.Zero(t, len(data)%4, "packets are 4 byte aligned")

	pkt, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, pkt)
}

func TestDecode_MessageWithoutTypeTags(t *testing.T) {
	pkt, err := Decode([]byte{'/', 'p', 'i', 'n', 'g', 0, 0, 0})
	require.NoError(t, err)

	msg, ok := pkt.(*Message)
	require.True(t, ok)
	assert.Equal(t, "/ping", msg.Address)
	assert.Empty(t, msg.Arguments)
}

func TestDecode_Malformed(t *testing.T) {
	valid, err := NewMessage("/a", int32(1), "xyz").MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"garbage", []byte{0xde, 0xad, 0xbe, 0xef}, ErrInvalidAddress},
		{"unterminated address", []byte{'/', 'a', 'b', 'c'}, ErrTruncated},
		{"missing comma", []byte{'/', 'a', 0, 0, 'i', 0, 0, 0}, ErrInvalidTypeTags},
		{"truncated argument", valid[:len(valid)-6], ErrTruncated},
		{"unknown tag", []byte{'/', 'a', 0, 0, ',', 'z', 0, 0}, ErrUnknownType},
		{"unbalanced close", []byte{'/', 'a', 0, 0, ',', ']', 0, 0}, ErrInvalidTypeTags},
		{"unterminated array", []byte{'/', 'a', 0, 0, ',', '[', 0, 0}, ErrInvalidTypeTags},
		{"bad bundle marker", []byte("#bundlX\x00\x00\x00\x00\x00\x00\x00\x00\x01"), ErrInvalidBundle},
		{"bundle without timetag", []byte("#bundle\x00\x00"), ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecode_BundleElementSizeChecks(t *testing.T) {
	inner, err := NewMessage("/x").MarshalBinary()
	require.NoError(t, err)

	data, err := NewBundle(Immediately, NewMessage("/x")).MarshalBinary()
	require.NoError(t, err)

	// element size larger than remaining bytes
	overflow := append([]byte(nil), data...)
	binary.BigEndian.PutUint32(overflow[16:], uint32(len(inner)+8))
	_, err = Decode(overflow)
	assert.ErrorIs(t, err, ErrTruncated)

	// element size not a multiple of four
	unaligned := append([]byte(nil), data...)
	binary.BigEndian.PutUint32(unaligned[16:], 3)
	_, err = Decode(unaligned)
	assert.ErrorIs(t, err, ErrInvalidBundle)
}

func TestBundle_RoundTripAndFlatten(t *testing.T) {
	b := NewBundle(Immediately,
		NewMessage("/1", int32(1)),
		NewBundle(Immediately,
			NewMessage("/2", "two"),
			NewBundle(Immediately, NewMessage("/3")),
		),
		NewMessage("/4", 4.0),
	)

	data, err := Encode(b)
	require.NoError(t, err)

	pkt, err := Decode(data)
	require.NoError(t, err)

	decoded, ok := pkt.(*Bundle)
	require.True(t, ok)
	assert.Equal(t, Immediately, decoded.Timetag)

	leaves := Flatten(pkt)
	require.Len(t, leaves, 4)
	addrs := make([]string, len(leaves))
	for i, m := range leaves {
		addrs[i] = m.Address
	}
	assert.Equal(t, []string{"/1", "/2", "/3", "/4"}, addrs)
	assert.Equal(t, []any{"two"}, leaves[1].Arguments)
}

func TestFlatten_EmptyBundle(t *testing.T) {
	data, err := NewBundle(Immediately).MarshalBinary()
	require.NoError(t, err)

	pkt, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, Flatten(pkt))
}

func nestedBundle(depth int) Packet {
	var p Packet = NewMessage("/leaf")
	for i := 0; i < depth; i++ {
		p = NewBundle(Immediately, p)
	}
	return p
}

func TestDecoder_BundleDepthLimit(t *testing.T) {
	ok, err := Encode(nestedBundle(4))
	require.NoError(t, err)
	deep, err := Encode(nestedBundle(5))
	require.NoError(t, err)

	dec := NewDecoder(4)

	pkt, err := dec.Decode(ok)
	require.NoError(t, err)
	assert.Len(t, Flatten(pkt), 1)

	_, err = dec.Decode(deep)
	assert.ErrorIs(t, err, ErrDepthExceeded)

	// default limit
	tooDeep, err := Encode(nestedBundle(DefaultMaxDepth + 1))
	require.NoError(t, err)
	_, err = Decode(tooDeep)
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestDecoder_ArrayDepthLimit(t *testing.T) {
	var arg any = int32(1)
	for i := 0; i < 3; i++ {
		arg = []any{arg}
	}
	data, err := NewMessage("/arr", arg).MarshalBinary()
	require.NoError(t, err)

	_, err = NewDecoder(3).Decode(data)
	require.NoError(t, err)

	_, err = NewDecoder(2).Decode(data)
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestMessage_CloneIsDeep(t *testing.T) {
	orig := NewMessage("/c", []byte{1, 2}, []any{"x"})
	clone := orig.Clone()
	require.Equal(t, orig, clone)

	clone.Arguments[0].([]byte)[0] = 9
	clone.Arguments[1].([]any)[0] = "y"

	assert.Equal(t, []byte{1, 2}, orig.Arguments[0])
	assert.Equal(t, []any{"x"}, orig.Arguments[1])
}

func TestEncode_Rejects(t *testing.T) {
	_, err := NewMessage("no-slash").MarshalBinary()
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = NewMessage("/a", struct{}{}).MarshalBinary()
	assert.ErrorIs(t, err, ErrUnsupportedArg)

	_, err = NewMessage("/a", "bad\x00string").MarshalBinary()
	assert.ErrorIs(t, err, ErrUnsupportedArg)

	_, err = Encode(nil)
	assert.ErrorIs(t, err, ErrUnsupportedArg)
}

func TestTimetag_Conversion(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 500_000_000, time.UTC)
	tt := NewTimetag(now)
	assert.WithinDuration(t, now, tt.Time(), time.Microsecond)
}

func TestMessage_String(t *testing.T) {
	assert.Equal(t, "/a ,si hello 1", NewMessage("/a", "hello", int32(1)).String())
}
