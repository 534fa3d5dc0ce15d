// Package watchhub implements Conflux's watch hub: an in-memory fan-out
// from state-machine change events to subscribers keyed by watch key
// ("tenant/app/env/name"), with a slow-consumer Lagged(n) policy. It is
// a sharded per-key broadcaster using the same non-blocking-send idiom
// as other subscriber fan-out implementations in this codebase.
package watchhub

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluxdb/conflux/pkg/types"
)

const (
	shardCount   = 16
	defaultCap   = 128
	defaultGrace = 5 * time.Minute
)

// Hub is the sharded watch-key -> broadcaster map.
type Hub struct {
	shards  [shardCount]*shard
	bufSize int

	stop chan struct{}
	wg   sync.WaitGroup
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*broadcaster
}

// broadcaster fans out to every live subscriber of one watch key.
type broadcaster struct {
	mu           sync.Mutex
	subs         map[*Subscription]struct{}
	lastActivity time.Time
}

// New creates a Hub with the default 128-event per-key channel capacity.
func New() *Hub {
	h := &Hub{bufSize: defaultCap, stop: make(chan struct{})}
	for i := range h.shards {
		h.shards[i] = &shard{keys: make(map[string]*broadcaster)}
	}
	return h
}

func (h *Hub) shardFor(key string) *shard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(key))
	return h.shards[f.Sum32()%shardCount]
}

func (h *Hub) getOrCreate(key string) *broadcaster {
	s := h.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.keys[key]
	if !ok {
		b = &broadcaster{subs: make(map[*Subscription]struct{}), lastActivity: time.Now()}
		s.keys[key] = b
	}
	return b
}

// Subscription is a single subscriber's handle on one watch key.
type Subscription struct {
	key     string
	hub     *Hub
	bc      *broadcaster
	ch      chan types.ChangeEvent
	dropped uint64
	closed  chan struct{}
	once    sync.Once
}

// Subscribe atomically gets-or-creates the broadcaster for key and returns
// a new receiver handle. Subscribing twice to a new key concurrently both
// resolve to the same broadcaster (get-or-create is idempotent per key,
// each caller still gets its own Subscription/channel pair).
func (h *Hub) Subscribe(key string) *Subscription {
	b := h.getOrCreate(key)
	sub := &Subscription{
		key:    key,
		hub:    h,
		bc:     b,
		ch:     make(chan types.ChangeEvent, h.bufSize),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.lastActivity = time.Now()
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub from its broadcaster and releases its channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bc.mu.Lock()
		delete(s.bc.subs, s)
		s.bc.lastActivity = time.Now()
		s.bc.mu.Unlock()
		close(s.closed)
	})
}

// Recv blocks until an event, a lag notification, context cancellation, or
// Unsubscribe. A non-zero lagged return means n events were dropped before
// this call and ev is the zero value; the caller must reconcile state and
// call Recv again for the next real event.
func (s *Subscription) Recv(ctx context.Context) (ev types.ChangeEvent, lagged uint64, ok bool) {
	if d := atomic.SwapUint64(&s.dropped, 0); d > 0 {
		return types.ChangeEvent{}, d, true
	}
	select {
	case e := <-s.ch:
		return e, 0, true
	case <-ctx.Done():
		return types.ChangeEvent{}, 0, false
	case <-s.closed:
		return types.ChangeEvent{}, 0, false
	}
}

// Publish fire-and-forget sends ev to every current subscriber of key. A
// key with no subscribers silently drops the event. A full subscriber
// channel never blocks the publisher: the send is skipped and the
// subscriber's dropped counter is bumped so its next Recv reports Lagged.
func (h *Hub) Publish(key string, ev types.ChangeEvent) {
	s := h.shardFor(key)
	s.mu.Lock()
	b, ok := s.keys[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	b.lastActivity = time.Now()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
}

// StartReclaim runs a background sweep every interval that removes
// watch-key entries with zero live subscribers idle beyond grace. It
// bounds the map's growth from short-lived keys without needing explicit
// caller cleanup, since Subscribe/Unsubscribe never delete the map entry
// themselves.
func (h *Hub) StartReclaim(interval, grace time.Duration) {
	if grace <= 0 {
		grace = defaultGrace
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				h.sweep(grace)
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *Hub) sweep(grace time.Duration) {
	now := time.Now()
	for _, s := range h.shards {
		s.mu.Lock()
		for key, b := range s.keys {
			b.mu.Lock()
			idle := len(b.subs) == 0 && now.Sub(b.lastActivity) >= grace
			b.mu.Unlock()
			if idle {
				delete(s.keys, key)
			}
		}
		s.mu.Unlock()
	}
}

// Stop halts the reclamation sweep goroutine, if started.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	h.wg.Wait()
}

// SubscriberCount reports the live subscriber count for key, for metrics.
func (h *Hub) SubscriberCount(key string) int {
	s := h.shardFor(key)
	s.mu.Lock()
	b, ok := s.keys[key]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// TotalSubscribers sums live subscribers across every watch key, for the
// cluster-wide watch_subscribers metric.
func (h *Hub) TotalSubscribers() int {
	total := 0
	for _, s := range h.shards {
		s.mu.Lock()
		for _, b := range s.keys {
			b.mu.Lock()
			total += len(b.subs)
			b.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return total
}
