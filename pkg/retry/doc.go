// Package retry provides exponential backoff retry logic for transient startup failures.
//
// The relay retries two things: binding its UDP endpoints (a port may still be
// held by a previous process in TIME_WAIT-like states on some platforms) and
// connecting the optional NATS mirror. Both give up after Config.MaxAttempts and
// the caller classifies the final error.
//
//	err := retry.Do(ctx, cfg.BindRetry, func() error {
//	    conn, err = net.ListenUDP("udp", addr)
//	    return err
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately.
package retry
