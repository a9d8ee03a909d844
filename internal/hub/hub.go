// Package hub fans committed change entries out to in-process subscribers.
// Subscriptions are scoped to a table or to a set of record keys, carry an
// optional origin filter to suppress self-echo, and deliver over a bounded
// channel with overflow close and a linger window for stream reconnects.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemsync/tandem/internal/types"
)

// ErrOverflow closes a subscription whose sink stayed full.
var ErrOverflow = errors.New("subscription overflow")

// Kind scopes what a subscription matches.
type Kind string

const (
	// KindTable delivers every entry for one table.
	KindTable Kind = "table"
	// KindRecord delivers entries whose PK is in the subscribed key set.
	KindRecord Kind = "record"
)

// DefaultSinkSize is the per-subscription queue bound.
const DefaultSinkSize = 256

// DefaultLinger is how long a subscription survives a dropped stream before
// it is reaped.
const DefaultLinger = 30 * time.Second

// Subscription is one registered consumer. Entries arrive on C in strictly
// ascending version order per origin; C is closed on unsubscribe, overflow or
// linger expiry. After C closes, Err reports why.
type Subscription struct {
	ID           string
	Kind         Kind
	Table        string
	OriginFilter string

	C chan types.ChangeEntry

	recordKeys map[string]bool

	mu       sync.Mutex
	closed   bool
	err      error
	attached bool
	reaper   *time.Timer
	// lastSent tracks the highest delivered version per origin. Versions are
	// only comparable within one origin's log, so a single counter would let
	// a high local version swallow every remote entry behind it.
	lastSent map[string]int64
}

// Err reports why the subscription closed, nil for a plain unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Lagging reports whether the sink is running close to its bound.
func (s *Subscription) Lagging() bool {
	return len(s.C) >= cap(s.C)*3/4
}

// Hub is the per-node fan-out point. The coordinator's apply path and the
// log feeder both publish into it; HTTP streams and in-process consumers
// subscribe.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	sinkSize   int
	linger     time.Duration
	onOverflow func()
}

// New builds a hub with the default sink bound and linger window.
func New() *Hub {
	return &Hub{
		subs:     make(map[string]*Subscription),
		sinkSize: DefaultSinkSize,
		linger:   DefaultLinger,
	}
}

// SetSinkSize overrides the per-subscription queue bound for new
// subscriptions.
func (h *Hub) SetSinkSize(n int) {
	if n > 0 {
		h.sinkSize = n
	}
}

// SetLinger overrides the disconnect grace window.
func (h *Hub) SetLinger(d time.Duration) {
	if d > 0 {
		h.linger = d
	}
}

// SetOverflowHook registers a callback invoked each time a subscription is
// closed for overflow. Set before the hub starts publishing.
func (h *Hub) SetOverflowHook(fn func()) {
	h.onOverflow = fn
}

// Subscribe registers a consumer and returns its subscription. recordKeys is
// only consulted for KindRecord and is canonicalized so keys captured by
// either dialect match.
func (h *Hub) Subscribe(kind Kind, table string, recordKeys []string, originFilter string) (*Subscription, error) {
	if kind != KindTable && kind != KindRecord {
		return nil, errors.New("unknown subscription kind " + string(kind))
	}
	if table == "" {
		return nil, errors.New("subscription requires a table")
	}

	sub := &Subscription{
		ID:           uuid.NewString(),
		Kind:         kind,
		Table:        table,
		OriginFilter: originFilter,
		C:            make(chan types.ChangeEntry, h.sinkSize),
		attached:     true,
		lastSent:     make(map[string]int64),
	}
	if kind == KindRecord {
		sub.recordKeys = make(map[string]bool, len(recordKeys))
		for _, k := range recordKeys {
			canon, err := types.CanonicalizeObject(k)
			if err != nil {
				return nil, errors.New("bad record key " + k)
			}
			sub.recordKeys[canon] = true
		}
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub, nil
}

// Get returns a subscription by id.
func (h *Hub) Get(id string) (*Subscription, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subs[id]
	return sub, ok
}

// Unsubscribe removes a subscription and closes its sink. Reports whether
// the id was known.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if !ok {
		return false
	}
	sub.close(nil)
	return true
}

// Publish fans a batch of committed entries out to matching subscribers.
// Entries must arrive in ascending version order; within one subscription
// delivery order follows publish order. A subscriber whose sink is full is
// closed with ErrOverflow.
func (h *Hub) Publish(entries []types.ChangeEntry) {
	if len(entries) == 0 {
		return
	}
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		for _, entry := range entries {
			if !sub.matches(entry) {
				continue
			}
			if !sub.offer(entry) {
				h.mu.Lock()
				delete(h.subs, sub.ID)
				h.mu.Unlock()
				sub.close(ErrOverflow)
				if h.onOverflow != nil {
					h.onOverflow()
				}
				break
			}
		}
	}
}

// Detach marks a subscription's stream as disconnected and starts the linger
// clock. Undelivered entries stay queued; if no Attach arrives within the
// window the subscription is reaped.
func (h *Hub) Detach(id string) {
	h.mu.RLock()
	sub, ok := h.subs[id]
	linger := h.linger
	h.mu.RUnlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.attached = false
	if sub.reaper != nil {
		sub.reaper.Stop()
	}
	sub.reaper = time.AfterFunc(linger, func() { h.reap(id) })
}

// Attach claims a subscription for a (re)connecting stream, cancelling any
// pending linger reap. Reports false for unknown or already-closed ids.
func (h *Hub) Attach(id string) (*Subscription, bool) {
	h.mu.RLock()
	sub, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil, false
	}
	sub.attached = true
	if sub.reaper != nil {
		sub.reaper.Stop()
		sub.reaper = nil
	}
	return sub, true
}

// ConnectedClients counts subscriptions with a live stream attached.
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sub := range h.subs {
		sub.mu.Lock()
		if sub.attached && !sub.closed {
			n++
		}
		sub.mu.Unlock()
	}
	return n
}

// Close shuts every subscription down.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close(nil)
	}
}

func (h *Hub) reap(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		sub.close(nil)
	}
}

func (s *Subscription) matches(entry types.ChangeEntry) bool {
	if s.OriginFilter != "" && entry.Origin == s.OriginFilter {
		return false
	}
	if entry.TableName != s.Table {
		return false
	}
	if s.Kind == KindRecord {
		return s.recordKeys[entry.PkValue]
	}
	return true
}

// offer enqueues without blocking; false means the sink is full.
func (s *Subscription) offer(entry types.ChangeEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true // drop silently, the sink is gone
	}
	// Replays after a reconnect resume from version+1.
	if entry.Version <= s.lastSent[entry.Origin] {
		return true
	}
	select {
	case s.C <- entry:
		s.lastSent[entry.Origin] = entry.Version
		return true
	default:
		return false
	}
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	if s.reaper != nil {
		s.reaper.Stop()
		s.reaper = nil
	}
	close(s.C)
}
