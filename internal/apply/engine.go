// Package apply writes batches of remote change entries into the local
// store: suppressed capture, foreign-key ordering, per-entry conflict
// resolution, deferred retry for missing parents, and post-apply hash
// verification.
package apply

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tandemsync/tandem/internal/changelog"
	"github.com/tandemsync/tandem/internal/dialect"
	"github.com/tandemsync/tandem/internal/types"
)

// ErrUnresolvedDependency marks an entry whose foreign-key parent never
// arrived within the retry budget.
var ErrUnresolvedDependency = errors.New("unresolved foreign-key dependency")

// DefaultMaxRetries is how many batches a deferred entry is retried across
// before it is surfaced as unresolved.
const DefaultMaxRetries = 3

// maxDiagnostics bounds the retained hash-mismatch and unresolved records.
const maxDiagnostics = 100

// Status classifies the outcome of applying one entry.
type Status string

const (
	// StatusApplied means the entry's write reached the store.
	StatusApplied Status = "applied"
	// StatusSkipped means conflict resolution kept the local row.
	StatusSkipped Status = "skipped"
	// StatusDeferred means a foreign-key parent is missing; the entry is
	// queued for the next batch.
	StatusDeferred Status = "deferred"
	// StatusUnresolved means the retry budget ran out.
	StatusUnresolved Status = "unresolved"
)

// Ref names a row another entry depends on.
type Ref struct {
	Table   string `json:"table"`
	PkValue string `json:"pkValue"`
}

// Outcome is the per-entry result inside a batch.
type Outcome struct {
	Entry         types.ChangeEntry
	Status        Status
	MissingParent *Ref
	Err           error
}

// BatchResult aggregates one ApplyBatch call.
type BatchResult struct {
	Outcomes  []Outcome
	Applied   int
	Skipped   int
	Deferred  int
	Watermark int64 // largest version whose prefix fully succeeded
}

// HashMismatch records a post-apply verification failure. The row is left as
// applied; the mismatch is exposed through the diagnostics endpoint.
type HashMismatch struct {
	Table      string    `json:"table"`
	PkValue    string    `json:"pkValue"`
	Version    int64     `json:"version"`
	Origin     string    `json:"origin"`
	Expected   string    `json:"expected"`
	Actual     string    `json:"actual"`
	ObservedAt time.Time `json:"observedAt"`
}

type workItem struct {
	entry      types.ChangeEntry
	serverWins bool
	attempts   int
}

// entryKey identifies one change entry across batches. Versions are only
// unique per origin, so the origin is part of the key.
func entryKey(en types.ChangeEntry) string {
	return fmt.Sprintf("%s|%s|%s|%d", en.Origin, en.TableName, en.PkValue, en.Version)
}

// Engine applies mapped entries under a suppression session. One engine per
// node; deferred entries carry over between batches regardless of which peer
// delivered them, since any peer may supply a missing parent.
type Engine struct {
	store      *changelog.Store
	maxRetries int
	notify     func([]types.ChangeEntry)

	mu         sync.Mutex
	deferred   []workItem
	mismatches []HashMismatch
	unresolved []Outcome
}

// New builds an engine over the node's change log store.
func New(store *changelog.Store) *Engine {
	return &Engine{store: store, maxRetries: DefaultMaxRetries}
}

// SetMaxRetries overrides the deferred-entry retry budget.
func (e *Engine) SetMaxRetries(n int) {
	if n > 0 {
		e.maxRetries = n
	}
}

// SetNotify registers a hook invoked after each committed batch with the
// entries that were applied, in version order. The subscription hub uses it
// to observe remote changes, which suppression keeps out of the local log.
func (e *Engine) SetNotify(fn func([]types.ChangeEntry)) {
	e.notify = fn
}

// ApplyBatch applies a batch of mapped entries from one peer. peerID may be
// empty for direct HTTP ingestion; the conflict window then starts at
// version 0, which degrades to plain last-writer-wins against the newest
// local entry per row.
//
// The whole batch runs in a single suppressed transaction. On any failure
// the transaction rolls back, carried deferred entries are restored, and the
// caller retries the batch on its next cycle. The peer's pull watermark is
// advanced inside the same transaction, to the largest version whose prefix
// of outcomes succeeded.
func (e *Engine) ApplyBatch(ctx context.Context, peerID string, entries []types.ChangeEntry, serverWins map[string]bool) (BatchResult, error) {
	var res BatchResult

	e.mu.Lock()
	carried := e.deferred
	e.deferred = nil
	e.mu.Unlock()
	restore := func() {
		e.mu.Lock()
		e.deferred = carried
		e.mu.Unlock()
	}

	// A refetched page can hand us entries we are already carrying as
	// deferred; the carried copy keeps its attempt count.
	carrying := make(map[string]bool, len(carried))
	for _, w := range carried {
		carrying[entryKey(w.entry)] = true
	}

	work := make([]workItem, 0, len(carried)+len(entries))
	work = append(work, carried...)
	for _, en := range entries {
		if err := en.Validate(); err != nil {
			restore()
			return res, fmt.Errorf("entry %d: %w", en.Version, err)
		}
		if carrying[entryKey(en)] {
			continue
		}
		work = append(work, workItem{entry: en, serverWins: serverWins[en.TableName]})
	}
	if len(work) == 0 {
		return res, nil
	}

	window, err := e.conflictWindow(ctx, peerID)
	if err != nil {
		restore()
		return res, err
	}

	d := e.store.Dialect()
	db := e.store.DB()

	// Conflict resolution runs on plain reads before the write session
	// opens, so the session never blocks on its own pool.
	kept := make([]workItem, 0, len(work))
	for _, w := range work {
		local, err := e.store.LatestSince(ctx, w.entry.TableName, w.entry.PkValue, window)
		if err != nil {
			restore()
			return res, err
		}
		if local != nil && Resolve(w.entry, *local, w.serverWins) == LocalWins {
			res.Outcomes = append(res.Outcomes, Outcome{Entry: w.entry, Status: StatusSkipped})
			continue
		}
		kept = append(kept, w)
	}

	byTable := make(map[string][]workItem)
	var tables []string
	for _, w := range kept {
		if byTable[w.entry.TableName] == nil {
			tables = append(tables, w.entry.TableName)
		}
		byTable[w.entry.TableName] = append(byTable[w.entry.TableName], w)
	}

	var fks []dialect.ForeignKey
	if len(tables) > 0 {
		fks, err = d.ForeignKeys(ctx, db, tables)
		if err != nil {
			restore()
			return res, err
		}
	}
	order := tableOrder(tables, fks)

	sess, err := d.BeginSuppressed(ctx, db)
	if err != nil {
		restore()
		return res, err
	}
	// Rollback must still run when ctx was the reason we bailed out.
	defer sess.Close(context.WithoutCancel(ctx))

	var (
		applied     []types.ChangeEntry
		newDeferred []workItem
		newUnres    []Outcome
	)
	for _, table := range order {
		group := byTable[table]
		sort.Slice(group, func(i, j int) bool { return group[i].entry.Version < group[j].entry.Version })
		for _, w := range group {
			if err := ctx.Err(); err != nil {
				restore()
				return res, err
			}
			outcome, err := e.applyOne(ctx, sess, w, fks)
			if err != nil {
				restore()
				return res, err
			}
			res.Outcomes = append(res.Outcomes, outcome)
			switch outcome.Status {
			case StatusApplied:
				applied = append(applied, w.entry)
			case StatusDeferred:
				newDeferred = append(newDeferred, workItem{
					entry: w.entry, serverWins: w.serverWins, attempts: w.attempts + 1,
				})
			case StatusUnresolved:
				newUnres = append(newUnres, outcome)
			}
		}
	}

	mismatches := e.verifyHashes(ctx, sess, applied)

	sort.Slice(res.Outcomes, func(i, j int) bool {
		return res.Outcomes[i].Entry.Version < res.Outcomes[j].Entry.Version
	})
	for _, o := range res.Outcomes {
		switch o.Status {
		case StatusApplied:
			res.Applied++
		case StatusSkipped:
			res.Skipped++
		case StatusDeferred:
			res.Deferred++
		}
	}
	res.Watermark = successPrefix(res.Outcomes)

	if peerID != "" && res.Watermark > 0 {
		if err := e.store.SetWatermarkTx(ctx, sess.Tx, peerID, changelog.LastPulled, res.Watermark); err != nil {
			restore()
			return res, err
		}
	}

	if err := sess.Commit(ctx); err != nil {
		restore()
		return res, fmt.Errorf("commit apply batch: %w", err)
	}

	e.mu.Lock()
	e.deferred = append(e.deferred, newDeferred...)
	e.mismatches = appendBounded(e.mismatches, mismatches)
	e.unresolved = appendBounded(e.unresolved, newUnres)
	e.mu.Unlock()

	sort.Slice(applied, func(i, j int) bool { return applied[i].Version < applied[j].Version })
	if e.notify != nil && len(applied) > 0 {
		e.notify(applied)
	}
	return res, nil
}

func (e *Engine) conflictWindow(ctx context.Context, peerID string) (int64, error) {
	if peerID == "" {
		return 0, nil
	}
	lastPulled, _, err := e.store.Watermark(ctx, peerID)
	if errors.Is(err, changelog.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return lastPulled, nil
}

func (e *Engine) applyOne(ctx context.Context, sess *dialect.Session, w workItem, fks []dialect.ForeignKey) (Outcome, error) {
	en := w.entry
	d := e.store.Dialect()

	pk, err := en.PkMap()
	if err != nil {
		return Outcome{}, fmt.Errorf("entry %d: %w", en.Version, err)
	}

	var writeErr error
	if en.IsTombstone() {
		writeErr = d.Delete(ctx, sess.Tx, en.TableName, pk)
	} else {
		cols, err := en.PayloadMap()
		if err != nil {
			return Outcome{}, fmt.Errorf("entry %d: %w", en.Version, err)
		}
		for k := range pk {
			delete(cols, k)
		}
		writeErr = d.Upsert(ctx, sess.Tx, en.TableName, pk, cols)
	}

	if writeErr == nil {
		return Outcome{Entry: en, Status: StatusApplied}, nil
	}
	if !d.IsForeignKeyViolation(writeErr) {
		return Outcome{}, fmt.Errorf("apply entry %d to %s: %w", en.Version, en.TableName, writeErr)
	}

	missing := e.findMissingParent(ctx, sess.Tx, en, fks)
	attempts := w.attempts + 1
	if attempts > e.maxRetries {
		err := fmt.Errorf("entry %d for %s %s after %d attempts: %w",
			en.Version, en.TableName, en.PkValue, attempts, ErrUnresolvedDependency)
		log.Printf("apply: %v", err)
		return Outcome{Entry: en, Status: StatusUnresolved, MissingParent: missing, Err: err}, nil
	}
	return Outcome{Entry: en, Status: StatusDeferred, MissingParent: missing}, nil
}

// findMissingParent probes the entry's foreign-key parents inside the open
// transaction and names the first one that does not exist. Best effort; a
// probe error just means no annotation.
func (e *Engine) findMissingParent(ctx context.Context, tx *sql.Tx, en types.ChangeEntry, fks []dialect.ForeignKey) *Ref {
	d := e.store.Dialect()
	payload, err := en.PayloadMap()
	if err != nil {
		return nil
	}
	for _, fk := range fks {
		if fk.Table != en.TableName || fk.ParentColumn == "" {
			continue
		}
		v, ok := payload[fk.Column]
		if !ok || v == nil {
			continue
		}
		parentPK := map[string]any{fk.ParentColumn: v}
		_, err := d.SelectRow(ctx, tx, fk.ParentTable, parentPK, []string{fk.ParentColumn})
		if dialect.IsNotFound(err) {
			pkJSON, encErr := types.EncodeObject(parentPK)
			if encErr != nil {
				return &Ref{Table: fk.ParentTable}
			}
			return &Ref{Table: fk.ParentTable, PkValue: pkJSON}
		}
	}
	return nil
}

// verifyHashes reads each applied row back and compares its hash against the
// incoming entry's. Mismatches are diagnostics, never re-applies: the apply
// itself is idempotent and the row stands as written.
func (e *Engine) verifyHashes(ctx context.Context, sess *dialect.Session, applied []types.ChangeEntry) []HashMismatch {
	d := e.store.Dialect()
	var out []HashMismatch
	for _, en := range applied {
		if en.IsTombstone() || en.RowHash == nil {
			continue
		}
		pk, err := en.PkMap()
		if err != nil {
			continue
		}
		payload, err := en.PayloadMap()
		if err != nil {
			continue
		}
		cols := make([]string, 0, len(payload))
		for k := range payload {
			cols = append(cols, k)
		}
		sort.Strings(cols)

		row, err := d.SelectRow(ctx, sess.Tx, en.TableName, pk, cols)
		if err != nil {
			log.Printf("apply: verify %s %s: %v", en.TableName, en.PkValue, err)
			continue
		}
		stored, err := types.EncodeObject(row)
		if err != nil {
			continue
		}
		actual, err := types.RowHash(en.TableName, en.PkValue, &stored)
		if err != nil {
			continue
		}
		if actual != *en.RowHash {
			log.Printf("apply: hash mismatch on %s %s (version %d)", en.TableName, en.PkValue, en.Version)
			out = append(out, HashMismatch{
				Table:      en.TableName,
				PkValue:    en.PkValue,
				Version:    en.Version,
				Origin:     en.Origin,
				Expected:   *en.RowHash,
				Actual:     actual,
				ObservedAt: time.Now().UTC(),
			})
		}
	}
	return out
}

// successPrefix returns the largest version such that every outcome at or
// below it was applied or skipped.
func successPrefix(outcomes []Outcome) int64 {
	var wm int64
	for _, o := range outcomes {
		if o.Status != StatusApplied && o.Status != StatusSkipped {
			break
		}
		wm = o.Entry.Version
	}
	return wm
}

func appendBounded[T any](dst, src []T) []T {
	dst = append(dst, src...)
	if n := len(dst) - maxDiagnostics; n > 0 {
		dst = append(dst[:0], dst[n:]...)
	}
	return dst
}

// Mismatches returns the retained hash-mismatch diagnostics, oldest first.
func (e *Engine) Mismatches() []HashMismatch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]HashMismatch(nil), e.mismatches...)
}

// Unresolved returns entries whose dependency retries were exhausted.
func (e *Engine) Unresolved() []Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Outcome(nil), e.unresolved...)
}

// DeferredCount reports entries still waiting on a parent.
func (e *Engine) DeferredCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.deferred)
}
