package hub

import (
	"context"
	"log"
	"time"

	"github.com/tandemsync/tandem/internal/changelog"
)

// DefaultFeedInterval is how often the feeder polls the log when idle.
const DefaultFeedInterval = time.Second

// Feeder tails the local change log into the hub. It only sees locally
// captured entries; remote applies are suppressed out of the log and reach
// the hub through the apply engine's notify hook instead.
type Feeder struct {
	store    *changelog.Store
	hub      *Hub
	interval time.Duration
	kick     chan struct{}
	observe  func(n int)
}

// NewFeeder builds a feeder over the node's log.
func NewFeeder(store *changelog.Store, h *Hub) *Feeder {
	return &Feeder{
		store:    store,
		hub:      h,
		interval: DefaultFeedInterval,
		kick:     make(chan struct{}, 1),
	}
}

// SetInterval overrides the idle poll interval.
func (f *Feeder) SetInterval(d time.Duration) {
	if d > 0 {
		f.interval = d
	}
}

// SetObserver registers a callback invoked with the size of each batch of
// locally captured entries the feeder publishes.
func (f *Feeder) SetObserver(fn func(n int)) {
	f.observe = fn
}

// Kick prompts an immediate poll, for callers that know the log just grew.
func (f *Feeder) Kick() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Run tails the log until ctx is cancelled. Subscribers only receive entries
// committed after Run starts; history is the pull API's job.
func (f *Feeder) Run(ctx context.Context) error {
	cursor, err := f.store.MaxVersion(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-f.kick:
		}

		for {
			entries, hasMore, err := f.store.FetchChanges(ctx, cursor, 0, "")
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Printf("hub feeder: fetch from %d: %v", cursor, err)
				break
			}
			if len(entries) == 0 {
				break
			}
			f.hub.Publish(entries)
			if f.observe != nil {
				f.observe(len(entries))
			}
			cursor = entries[len(entries)-1].Version
			if !hasMore {
				break
			}
		}
	}
}
