// Package registry holds the relay's topic subscriptions: a sharded map from
// topic to subscriber to the subscription that feeds it.
package registry

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/c360/oscrelay/errors"
	"github.com/c360/oscrelay/osc"
)

// DefaultShardCount is used when a non-positive shard count is configured.
const DefaultShardCount = 64

// SubscriberID identifies one remote endpoint across all of its topics.
type SubscriberID string

// UDPSubscriber derives the id of a UDP endpoint from its socket address.
func UDPSubscriber(addr *net.UDPAddr) SubscriberID {
	return SubscriberID("udp:" + addr.String())
}

// NewWebSocketSubscriber allocates a fresh id for a WebSocket connection.
func NewWebSocketSubscriber() SubscriberID {
	return SubscriberID("ws:" + uuid.NewString())
}

// Subscription is the registry's handle on one (topic, subscriber) pair.
type Subscription interface {
	// Enqueue hands a message copy to the subscriber without blocking.
	// overflowed reports that a queued or the offered copy was discarded.
	Enqueue(msg *osc.Message) (overflowed bool, err error)

	// Retire closes the subscription's queue and stops its dispatcher.
	// Must be idempotent.
	Retire()
}

// Factory builds the subscription for a newly registered pair.
type Factory func() (Subscription, error)

type shard struct {
	mu     sync.RWMutex
	topics map[string]map[SubscriberID]Subscription
}

// Registry is safe for concurrent use. Each shard has its own lock; there is
// no registry-wide lock.
type Registry struct {
	shards []*shard
	mask   uint64

	subscriptions atomic.Int64
	topics        atomic.Int64
	closed        atomic.Bool
}

// New creates a registry with shardCount shards, rounded up to a power of two.
func New(shardCount int) *Registry {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}

	r := &Registry{
		shards: make([]*shard, n),
		mask:   uint64(n - 1),
	}
	for i := range r.shards {
		r.shards[i] = &shard{topics: make(map[string]map[SubscriberID]Subscription)}
	}
	return r
}

func (r *Registry) shardFor(topic string) *shard {
	return r.shards[xxhash.Sum64String(topic)&r.mask]
}

// Subscribe registers (topic, id) using newSub if the pair is not present.
// An existing subscription is kept and newSub is not called.
func (r *Registry) Subscribe(topic string, id SubscriberID, newSub Factory) (bool, error) {
	s := r.shardFor(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Checked under the shard lock so Close cannot miss a late registration.
	if r.closed.Load() {
		return false, errors.WrapInvalid(errors.ErrShuttingDown, "registry", "Subscribe", "register subscription")
	}

	subs := s.topics[topic]
	if _, exists := subs[id]; exists {
		return false, nil
	}

	sub, err := newSub()
	if err != nil {
		return false, errors.Wrap(err, "registry", "Subscribe", "create subscription")
	}

	if subs == nil {
		subs = make(map[SubscriberID]Subscription)
		s.topics[topic] = subs
		r.topics.Add(1)
	}
	subs[id] = sub
	r.subscriptions.Add(1)
	return true, nil
}

// Replace installs sub for (topic, id), retiring any subscription it supersedes.
func (r *Registry) Replace(topic string, id SubscriberID, sub Subscription) error {
	s := r.shardFor(topic)
	s.mu.Lock()
	if r.closed.Load() {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "registry", "Replace", "register subscription")
	}
	subs := s.topics[topic]
	if subs == nil {
		subs = make(map[SubscriberID]Subscription)
		s.topics[topic] = subs
		r.topics.Add(1)
	}
	old, existed := subs[id]
	subs[id] = sub
	if !existed {
		r.subscriptions.Add(1)
	}
	s.mu.Unlock()

	if existed && old != sub {
		old.Retire()
	}
	return nil
}

// Unsubscribe removes and retires (topic, id). Absent pairs are a no-op.
func (r *Registry) Unsubscribe(topic string, id SubscriberID) bool {
	s := r.shardFor(topic)
	s.mu.Lock()
	sub, ok := r.removeLocked(s, topic, id)
	s.mu.Unlock()

	if ok {
		sub.Retire()
	}
	return ok
}

// removeLocked deletes one entry and prunes an emptied topic. Caller holds s.mu.
func (r *Registry) removeLocked(s *shard, topic string, id SubscriberID) (Subscription, bool) {
	subs := s.topics[topic]
	sub, ok := subs[id]
	if !ok {
		return nil, false
	}
	delete(subs, id)
	r.subscriptions.Add(-1)
	if len(subs) == 0 {
		delete(s.topics, topic)
		r.topics.Add(-1)
	}
	return sub, true
}

// UnsubscribeAll removes every subscription held by id and returns how many
// were removed.
func (r *Registry) UnsubscribeAll(id SubscriberID) int {
	var retired []Subscription
	for _, s := range r.shards {
		s.mu.Lock()
		for topic, subs := range s.topics {
			if _, ok := subs[id]; !ok {
				continue
			}
			if sub, ok := r.removeLocked(s, topic, id); ok {
				retired = append(retired, sub)
			}
		}
		s.mu.Unlock()
	}

	for _, sub := range retired {
		sub.Retire()
	}
	return len(retired)
}

// Publish enqueues a private copy of msg to every subscriber of topic.
// Unknown topics are a no-op. A full or closed subscriber queue is counted in
// dropped and does not affect the others.
func (r *Registry) Publish(topic string, msg *osc.Message) (enqueued, dropped int) {
	s := r.shardFor(topic)
	s.mu.RLock()
	subs := s.topics[topic]
	if len(subs) == 0 {
		s.mu.RUnlock()
		return 0, 0
	}
	targets := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		overflowed, err := sub.Enqueue(msg.Clone())
		if err != nil || overflowed {
			dropped++
			continue
		}
		enqueued++
	}
	return enqueued, dropped
}

// Topics returns the topics with at least one subscriber, sorted.
func (r *Registry) Topics() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.RLock()
		for topic := range s.topics {
			out = append(out, topic)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Subscribers returns the subscriber ids registered for topic, sorted.
func (r *Registry) Subscribers(topic string) []SubscriberID {
	s := r.shardFor(topic)
	s.mu.RLock()
	out := make([]SubscriberID, 0, len(s.topics[topic]))
	for id := range s.topics[topic] {
		out = append(out, id)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of live (topic, subscriber) pairs.
func (r *Registry) Len() int {
	return int(r.subscriptions.Load())
}

// TopicCount returns the number of topics with at least one subscriber.
func (r *Registry) TopicCount() int {
	return int(r.topics.Load())
}

// Close rejects further registrations and retires every subscription.
func (r *Registry) Close() {
	r.closed.Store(true)

	var retired []Subscription
	for _, s := range r.shards {
		s.mu.Lock()
		for topic, subs := range s.topics {
			for _, sub := range subs {
				retired = append(retired, sub)
			}
			r.subscriptions.Add(-int64(len(subs)))
			r.topics.Add(-1)
			delete(s.topics, topic)
		}
		s.mu.Unlock()
	}

	for _, sub := range retired {
		sub.Retire()
	}
}
