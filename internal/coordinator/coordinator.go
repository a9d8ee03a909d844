// Package coordinator drives the periodic pull/push exchange with one
// configured peer: fetch remote changes, map and apply them, ship local
// changes mapped for the peer, track watermarks, back off on transient
// failures and quarantine on permanent rejection.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tandemsync/tandem/internal/apply"
	"github.com/tandemsync/tandem/internal/changelog"
	"github.com/tandemsync/tandem/internal/mapping"
	"github.com/tandemsync/tandem/internal/rpc"
	"github.com/tandemsync/tandem/internal/telemetry"
	"github.com/tandemsync/tandem/internal/types"
)

// DefaultPollInterval is the idle gap between sync cycles.
const DefaultPollInterval = 30 * time.Second

// DefaultBatchLimit is the page size requested from and shipped to peers.
const DefaultBatchLimit = 1000

// Coordinator syncs against a single peer. Run one per configured peer.
type Coordinator struct {
	store    *changelog.Store
	engine   *apply.Engine
	mappings *mapping.Provider
	client   *Client
	peerID   string

	pollInterval time.Duration
	batchLimit   int
	metrics      *telemetry.SyncMetrics

	bo       *backoff.ExponentialBackOff
	failures int
}

// New builds a coordinator for one registered peer.
func New(store *changelog.Store, engine *apply.Engine, mappings *mapping.Provider, peerID string, client *Client) *Coordinator {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever, quarantine handles the permanent cases
	bo.RandomizationFactor = 0
	bo.Reset()

	return &Coordinator{
		store:        store,
		engine:       engine,
		mappings:     mappings,
		client:       client,
		peerID:       peerID,
		pollInterval: DefaultPollInterval,
		batchLimit:   DefaultBatchLimit,
		bo:           bo,
	}
}

// SetPollInterval overrides the idle cycle interval.
func (c *Coordinator) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

// SetBatchLimit overrides the page size.
func (c *Coordinator) SetBatchLimit(n int) {
	if n > 0 {
		c.batchLimit = n
	}
}

// SetMetrics enables traffic counters for this coordinator's cycles.
func (c *Coordinator) SetMetrics(m *telemetry.SyncMetrics) {
	c.metrics = m
}

// Run cycles until ctx is cancelled. The first cycle starts immediately;
// transient failures stretch the gap exponentially (100 ms doubling, capped
// at 30 s) until a cycle succeeds, and the failure count survives restarts
// through the peer row.
func (c *Coordinator) Run(ctx context.Context) error {
	c.restoreBackoff(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}

		var delay time.Duration
		err := c.Cycle(ctx)
		switch {
		case err == nil:
			if c.failures > 0 {
				c.resetBackoff(ctx)
			}
			delay = c.pollInterval

		case ctx.Err() != nil:
			return nil

		default:
			var herr *HTTPError
			if errors.As(err, &herr) && herr.Permanent() {
				log.Printf("coordinator %s: permanent rejection, quarantining: %v", c.peerID, err)
				if qerr := c.store.SetPeerQuarantined(ctx, c.peerID, true); qerr != nil {
					log.Printf("coordinator %s: set quarantine: %v", c.peerID, qerr)
				}
				c.resetBackoff(ctx)
				delay = c.pollInterval
			} else {
				delay = c.nextBackoff(ctx)
				log.Printf("coordinator %s: cycle failed, retrying in %s: %v", c.peerID, delay, err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Cycle runs one pull phase and one push phase. A quarantined peer is left
// alone until an operator clears the flag.
func (c *Coordinator) Cycle(ctx context.Context) error {
	peer, err := c.store.GetPeer(ctx, c.peerID)
	if err != nil {
		return err
	}
	if peer.Quarantined {
		return nil
	}

	if peer.Origin == "" {
		state, err := c.client.State(ctx)
		if err != nil {
			return err
		}
		if err := c.store.SetPeerOrigin(ctx, c.peerID, state.OriginID); err != nil {
			return err
		}
		peer.Origin = state.OriginID
	}

	if err := c.pull(ctx, peer); err != nil {
		return fmt.Errorf("pull from %s: %w", c.peerID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.push(ctx, peer); err != nil {
		return fmt.Errorf("push to %s: %w", c.peerID, err)
	}
	return nil
}

func (c *Coordinator) pull(ctx context.Context, peer *changelog.Peer) error {
	self, err := c.store.Origin(ctx)
	if err != nil {
		return err
	}

	// Paging runs on a local cursor, not the watermark: a page whose head
	// entry stays deferred (its parent is on a later page) must not pin the
	// loop to the same page forever. The watermark only advances for clean
	// pages, so a restart refetches anything still outstanding.
	cursor, _, err := c.store.Watermark(ctx, c.peerID)
	if err != nil {
		return err
	}

	for {
		resp, err := c.client.FetchChanges(ctx, cursor, c.batchLimit, self)
		if err != nil {
			return err
		}
		if len(resp.Changes) == 0 {
			return nil
		}

		cfg := c.mappings.Current()
		mapped := make([]types.ChangeEntry, 0, len(resp.Changes))
		for _, entry := range resp.Changes {
			out, err := mapping.ApplyMapping(entry, cfg, mapping.DirectionPull)
			if err != nil {
				return fmt.Errorf("map entry %d: %w", entry.Version, err)
			}
			mapped = append(mapped, out...)
		}

		res, err := c.engine.ApplyBatch(ctx, c.peerID, mapped, cfg.ServerWinsTables())
		if err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.Pulled(ctx, int64(len(resp.Changes)))
			c.metrics.Applied(ctx, int64(res.Applied))
			c.metrics.Deferred(ctx, int64(res.Deferred))
			for i := 0; i < res.Skipped; i++ {
				c.metrics.Conflict(ctx, "local")
			}
		}
		if res.Applied > 0 || res.Skipped > 0 || res.Deferred > 0 {
			log.Printf("coordinator %s: pulled [%d, %d]: %d applied, %d skipped, %d deferred",
				c.peerID, cursor+1, resp.ToVersion, res.Applied, res.Skipped, res.Deferred)
		}

		// Entries the mapping filtered out never reach the engine, so its
		// prefix watermark can stop short of the page end. When everything
		// that did reach it succeeded, the whole page is consumed.
		if cleanBatch(res, mapped) {
			if err := c.store.SetWatermark(ctx, c.peerID, changelog.LastPulled, resp.ToVersion); err != nil {
				return err
			}
		}

		if resp.ToVersion <= cursor {
			// A peer that returns entries without moving the cursor would
			// otherwise spin this loop.
			return nil
		}
		cursor = resp.ToVersion

		if !resp.HasMore {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (c *Coordinator) push(ctx context.Context, peer *changelog.Peer) error {
	self, err := c.store.Origin(ctx)
	if err != nil {
		return err
	}

	for {
		_, lastPushed, err := c.store.Watermark(ctx, c.peerID)
		if err != nil {
			return err
		}
		entries, hasMore, err := c.store.FetchChanges(ctx, lastPushed, c.batchLimit, peer.Origin)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		toVersion := entries[len(entries)-1].Version

		cfg := c.mappings.Current()
		mapped := make([]types.ChangeEntry, 0, len(entries))
		for _, entry := range entries {
			out, err := mapping.ApplyMapping(entry, cfg, mapping.DirectionPush)
			if err != nil {
				return fmt.Errorf("map entry %d: %w", entry.Version, err)
			}
			mapped = append(mapped, out...)
		}

		if len(mapped) > 0 {
			resp, err := c.client.PushChanges(ctx, rpc.PushRequest{OriginID: self, Changes: mapped})
			if err != nil {
				return err
			}
			log.Printf("coordinator %s: pushed [%d, %d]: %d applied remotely",
				c.peerID, lastPushed+1, toVersion, resp.Applied)
			if c.metrics != nil {
				c.metrics.Pushed(ctx, c.peerID, int64(len(mapped)))
			}
		}

		if err := c.store.SetWatermark(ctx, c.peerID, changelog.LastPushed, toVersion); err != nil {
			return err
		}
		if !hasMore {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// cleanBatch reports whether every mapped entry of the page was consumed:
// nothing deferred, nothing unresolved, and the prefix watermark reached the
// last mapped version.
func cleanBatch(res apply.BatchResult, mapped []types.ChangeEntry) bool {
	if res.Deferred > 0 {
		return false
	}
	for _, o := range res.Outcomes {
		if o.Status == apply.StatusUnresolved {
			return false
		}
	}
	if len(mapped) == 0 {
		return true
	}
	var max int64
	for _, e := range mapped {
		if e.Version > max {
			max = e.Version
		}
	}
	return res.Watermark >= max
}

type backoffState struct {
	Failures int `json:"failures"`
}

func (c *Coordinator) nextBackoff(ctx context.Context) time.Duration {
	c.failures++
	delay := c.bo.NextBackOff()
	c.persistBackoff(ctx)
	return delay
}

func (c *Coordinator) resetBackoff(ctx context.Context) {
	c.failures = 0
	c.bo.Reset()
	c.persistBackoff(ctx)
}

func (c *Coordinator) persistBackoff(ctx context.Context) {
	data, err := json.Marshal(backoffState{Failures: c.failures})
	if err != nil {
		return
	}
	if err := c.store.SaveBackoffState(ctx, c.peerID, string(data)); err != nil {
		log.Printf("coordinator %s: save backoff state: %v", c.peerID, err)
	}
}

// restoreBackoff replays the persisted failure count so a restart does not
// reset a failing peer to a tight retry loop.
func (c *Coordinator) restoreBackoff(ctx context.Context) {
	peer, err := c.store.GetPeer(ctx, c.peerID)
	if err != nil || peer.BackoffState == "" {
		return
	}
	var st backoffState
	if json.Unmarshal([]byte(peer.BackoffState), &st) != nil {
		return
	}
	c.failures = st.Failures
	c.bo.Reset()
	for i := 0; i < st.Failures; i++ {
		c.bo.NextBackOff()
	}
}
