package osc

import "errors"

// Codec errors. Decode failures wrap one of these with position detail.
var (
	ErrTruncated       = errors.New("osc: packet truncated")
	ErrInvalidAddress  = errors.New("osc: invalid address")
	ErrInvalidTypeTags = errors.New("osc: invalid type tag string")
	ErrUnknownType     = errors.New("osc: unknown argument type")
	ErrInvalidBundle   = errors.New("osc: invalid bundle")
	ErrDepthExceeded   = errors.New("osc: nesting depth exceeded")
	ErrUnsupportedArg  = errors.New("osc: unsupported argument value")
)
