// Package errors provides standardized error handling for the relay.
//
// # Classification
//
// Errors fall into three classes:
//
//   - Transient: timeouts, temporary socket conditions, full queues (retry or drop)
//   - Invalid: malformed datagrams and control messages (discard, keep running)
//   - Fatal: bind failures and bad configuration (stop the process)
//
// # Taxonomy
//
// The relay-specific sentinels are ErrDecode, ErrProtocol, ErrTransport and
// ErrChannelClosed. Wrap them with a classification helper:
//
//	if err := dec.Decode(data); err != nil {
//	    return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrDecode, err),
//	        "command", "Classify", "decode envelope")
//	}
//
// # Wrapping Pattern
//
// All wrapping follows "component.method: action failed: cause", which keeps
// log lines greppable by component and operation:
//
//	errors.Wrap(err, "udp-transport", "Start", "bind receive socket")
//	// udp-transport.Start: bind receive socket failed: address already in use
//
// Kind maps an error back to its taxonomy bucket for metric labels.
package errors
