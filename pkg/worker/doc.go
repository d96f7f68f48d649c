// Package worker provides a generic, bounded worker pool.
//
// Submit never blocks: when the queue is full it returns ErrQueueFull and
// counts the item as dropped. Workers run until the context passed to Start
// is cancelled, or until Stop closes the queue and every queued item has been
// processed.
//
//	pool := worker.NewPool(1, 4096, func(ctx context.Context, d Datagram) error {
//		_, err := conn.WriteToUDP(d.Payload, d.Addr)
//		return err
//	}, worker.WithMetricsRegistry[Datagram](registry, "send_pool"))
//
//	if err := pool.Start(ctx); err != nil {
//		return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// A pool with one worker processes items strictly in submission order.
package worker
