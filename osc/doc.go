// Package osc implements the Open Sound Control 1.0 binary encoding, with
// the 1.1 extended argument types.
//
// A packet is either a *Message (an address beginning with '/' plus typed
// arguments) or a *Bundle (the "#bundle" marker, a time tag and a list of
// size-prefixed elements, each itself a packet). Arguments decode to these Go
// types:
//
//	i int32    f float32   s string   S Symbol   b []byte
//	h int64    d float64   t Timetag  c Char     r RGBA
//	m MIDI     T/F bool    N nil      I Impulse  [..] []any
//
// The Decoder bounds bundle nesting and array nesting independently by
// MaxDepth so a hostile datagram cannot drive unbounded recursion.
//
//	pkt, err := osc.NewDecoder(osc.DefaultMaxDepth).Decode(data)
//	for _, msg := range osc.Flatten(pkt) {
//		...
//	}
package osc
