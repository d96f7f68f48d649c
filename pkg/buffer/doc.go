// Package buffer provides bounded circular queues with an explicit overflow
// policy and blocking, context-aware reads.
//
// Each relay subscription owns one buffer. The router writes into it and
// never waits: when the buffer is full the configured policy discards either
// the oldest queued item (DropOldest, the default) or the incoming one
// (DropNewest), and Write reports the overflow so it can be counted. The
// subscription's dispatcher is the only reader and parks in Next.
//
//	buf, err := buffer.NewCircularBuffer[*osc.Message](1024,
//		buffer.WithOverflowPolicy[*osc.Message](buffer.DropOldest),
//	)
//	overflowed, err := buf.Write(msg)
//	msg, err := buf.Next(ctx)
//
// Closing a buffer rejects further writes with errors.ErrChannelClosed, but
// items already queued are still handed out by Next. Once the buffer is both
// closed and empty, Next returns ErrChannelClosed, which is the dispatcher's
// signal to exit.
//
// Statistics are always collected and available via Stats.
package buffer
