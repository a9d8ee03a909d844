package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const syncScopeName = "github.com/tandemsync/tandem/sync"

// SyncMetrics counts the sync engine's traffic. All methods are safe to call
// when telemetry is disabled; the global meter is a no-op then.
type SyncMetrics struct {
	captured  metric.Int64Counter
	pushed    metric.Int64Counter
	pulled    metric.Int64Counter
	applied   metric.Int64Counter
	conflicts metric.Int64Counter
	deferred  metric.Int64Counter
	overflows metric.Int64Counter
}

// NewSyncMetrics registers the tandem.sync.* counters.
func NewSyncMetrics() *SyncMetrics {
	m := Meter(syncScopeName)
	captured, _ := m.Int64Counter("tandem.sync.captured",
		metric.WithDescription("Change entries captured into the local log"))
	pushed, _ := m.Int64Counter("tandem.sync.pushed",
		metric.WithDescription("Change entries shipped to peers"))
	pulled, _ := m.Int64Counter("tandem.sync.pulled",
		metric.WithDescription("Change entries fetched from peers"))
	applied, _ := m.Int64Counter("tandem.sync.applied",
		metric.WithDescription("Remote change entries applied locally"))
	conflicts, _ := m.Int64Counter("tandem.sync.conflicts",
		metric.WithDescription("Conflicts resolved during apply"))
	deferred, _ := m.Int64Counter("tandem.sync.deferred",
		metric.WithDescription("Entries deferred on missing foreign-key parents"))
	overflows, _ := m.Int64Counter("tandem.sync.overflows",
		metric.WithDescription("Subscriptions closed because their sink overflowed"))
	return &SyncMetrics{
		captured:  captured,
		pushed:    pushed,
		pulled:    pulled,
		applied:   applied,
		conflicts: conflicts,
		deferred:  deferred,
		overflows: overflows,
	}
}

func (s *SyncMetrics) Captured(ctx context.Context, n int64) { s.captured.Add(ctx, n) }
func (s *SyncMetrics) Pulled(ctx context.Context, n int64)   { s.pulled.Add(ctx, n) }
func (s *SyncMetrics) Applied(ctx context.Context, n int64)  { s.applied.Add(ctx, n) }
func (s *SyncMetrics) Deferred(ctx context.Context, n int64) { s.deferred.Add(ctx, n) }
func (s *SyncMetrics) Overflow(ctx context.Context)          { s.overflows.Add(ctx, 1) }

// Pushed records entries shipped to one peer.
func (s *SyncMetrics) Pushed(ctx context.Context, peer string, n int64) {
	s.pushed.Add(ctx, n, metric.WithAttributes(attribute.String("peer", peer)))
}

// Conflict records one resolved conflict and which side won.
func (s *SyncMetrics) Conflict(ctx context.Context, winner string) {
	s.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("winner", winner)))
}
