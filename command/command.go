// Package command classifies raw OSC packets into relay control commands and
// payload deliveries.
package command

import (
	"fmt"

	"github.com/c360/oscrelay/errors"
	"github.com/c360/oscrelay/osc"
)

// Reserved top-level control addresses.
const (
	SubscribeAddress   = "/subscribe"
	UnsubscribeAddress = "/unsubscribe"
)

// Kind identifies which variant a Command holds.
type Kind int

const (
	// Deliver carries zero or more payload messages to route by address.
	Deliver Kind = iota
	// Subscribe registers the sender for Topic.
	Subscribe
	// Unsubscribe removes the sender from Topic.
	Unsubscribe
)

// String returns the lower-case command name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case Deliver:
		return "deliver"
	case Subscribe:
		return "subscribe"
	case Unsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// Command is the classified form of one packet. Topic is set for Subscribe
// and Unsubscribe; Messages for Deliver.
type Command struct {
	Kind     Kind
	Topic    string
	Messages []*osc.Message
}

// Classifier turns packets into commands. Safe for concurrent use.
type Classifier struct {
	decoder *osc.Decoder
}

// NewClassifier creates a classifier whose decoder bounds nesting at maxDepth
// (non-positive selects osc.DefaultMaxDepth).
func NewClassifier(maxDepth int) *Classifier {
	return &Classifier{decoder: osc.NewDecoder(maxDepth)}
}

// Classify decodes one packet.
//
// A lone message addressed to /subscribe or /unsubscribe must carry exactly
// one string argument, the topic; anything else is an ErrProtocol error.
// Any other lone message is delivered as-is. A bundle is flattened in
// traversal order and delivered whole, control addresses included.
// Undecodable input returns an ErrDecode error wrapping the codec cause.
func (c *Classifier) Classify(data []byte) (Command, error) {
	pkt, err := c.decoder.Decode(data)
	if err != nil {
		return Command{}, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrDecode, err),
			"command", "Classify", "decode packet")
	}

	msg, ok := pkt.(*osc.Message)
	if !ok {
		return Command{Kind: Deliver, Messages: osc.Flatten(pkt)}, nil
	}

	switch msg.Address {
	case SubscribeAddress:
		topic, err := controlTopic(msg)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: Subscribe, Topic: topic}, nil
	case UnsubscribeAddress:
		topic, err := controlTopic(msg)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: Unsubscribe, Topic: topic}, nil
	default:
		return Command{Kind: Deliver, Messages: []*osc.Message{msg}}, nil
	}
}

func controlTopic(msg *osc.Message) (string, error) {
	if len(msg.Arguments) != 1 {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %s takes one string argument, got %d", errors.ErrProtocol, msg.Address, len(msg.Arguments)),
			"command", "Classify", "parse control message")
	}
	topic, ok := msg.Arguments[0].(string)
	if !ok {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: %s argument must be a string, got %T", errors.ErrProtocol, msg.Address, msg.Arguments[0]),
			"command", "Classify", "parse control message")
	}
	return topic, nil
}
