package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tandemsync/tandem/internal/apply"
	"github.com/tandemsync/tandem/internal/changelog"
	sqlited "github.com/tandemsync/tandem/internal/dialect/sqlite"
	"github.com/tandemsync/tandem/internal/mapping"
	"github.com/tandemsync/tandem/internal/rpc"
	"github.com/tandemsync/tandem/internal/types"
)

// fakePeer scripts the remote side of a sync exchange.
type fakePeer struct {
	origin string

	mu          sync.Mutex
	pages       []rpc.ChangesResponse
	pulls       []string // raw query strings observed on GET /sync/changes
	pushed      []rpc.PushRequest
	failGET     int // status code to return on GET /sync/changes, 0 for ok
	failGETOnce bool
}

func (f *fakePeer) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/state", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpc.StateResponse{OriginID: f.origin})
	})
	mux.HandleFunc("/sync/changes", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			if f.failGET != 0 {
				code := f.failGET
				if f.failGETOnce {
					f.failGET = 0
				}
				w.WriteHeader(code)
				_ = json.NewEncoder(w).Encode(rpc.ErrorResponse{Error: "scripted failure"})
				return
			}
			f.pulls = append(f.pulls, r.URL.RawQuery)
			page := rpc.ChangesResponse{Changes: []types.ChangeEntry{}}
			if len(f.pages) > 0 {
				page = f.pages[0]
				f.pages = f.pages[1:]
			}
			_ = json.NewEncoder(w).Encode(page)
		case http.MethodPost:
			var req rpc.PushRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.pushed = append(f.pushed, req)
			_ = json.NewEncoder(w).Encode(rpc.PushResponse{Applied: len(req.Changes)})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestCoordinator(t *testing.T, peer *fakePeer, cfg *mapping.Config) (*Coordinator, *changelog.Store) {
	t.Helper()
	db, err := sqlited.Open(context.Background(), "file::memory:?mode=memory&cache=private")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	stmts := []string{
		`CREATE TABLE "User" ("Id" TEXT PRIMARY KEY, "FullName" TEXT, "EmailAddress" TEXT)`,
		`CREATE TABLE "customer" ("customer_id" TEXT PRIMARY KEY, "name" TEXT, "email" TEXT, "source" TEXT)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	store := changelog.New(db, sqlited.New())
	if err := store.Install(context.Background(), []changelog.TableConfig{{Name: "User"}}); err != nil {
		t.Fatalf("install: %v", err)
	}

	srv := peer.server(t)
	if err := store.UpsertPeer(context.Background(), "peer-b", srv.URL); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	if cfg == nil {
		cfg = &mapping.Config{Version: "1.0", UnmappedBehavior: mapping.UnmappedPassThrough}
	}
	engine := apply.New(store)
	coord := New(store, engine, mapping.NewStatic(cfg), "peer-b", NewClient(srv.URL, ""))
	coord.SetPollInterval(10 * time.Millisecond)
	return coord, store
}

func TestPullAppliesAndAdvancesWatermark(t *testing.T) {
	payload := `{"Id":"u1","FullName":"Alice","EmailAddress":"a@x.com"}`
	peer := &fakePeer{origin: "origin-b"}
	peer.pages = []rpc.ChangesResponse{{
		Changes: []types.ChangeEntry{{
			Version:   4,
			TableName: "User",
			PkValue:   `{"Id":"u1"}`,
			Operation: types.OpInsert,
			Payload:   &payload,
			Origin:    "origin-b",
			Timestamp: "2025-01-15T10:00:00.000Z",
		}},
		FromVersion: 0,
		ToVersion:   4,
	}}

	coord, store := newTestCoordinator(t, peer, nil)
	ctx := context.Background()
	if err := coord.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	var name string
	if err := store.DB().QueryRow(`SELECT "FullName" FROM "User" WHERE "Id"='u1'`).Scan(&name); err != nil {
		t.Fatalf("read applied row: %v", err)
	}
	if name != "Alice" {
		t.Errorf("applied name = %s", name)
	}
	pulled, _, err := store.Watermark(ctx, "peer-b")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if pulled != 4 {
		t.Errorf("last_pulled = %d, want 4", pulled)
	}
	// The peer learned its origin from /sync/state.
	p, _ := store.GetPeer(ctx, "peer-b")
	if p.Origin != "origin-b" {
		t.Errorf("peer origin = %s", p.Origin)
	}

	// The pull asked the peer to drop our own entries.
	self, _ := store.Origin(ctx)
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.pulls) == 0 {
		t.Fatal("no pull observed")
	}
	if want := "excludeOrigin=" + self; !strings.Contains(peer.pulls[0], want) {
		t.Errorf("pull query %q missing %q", peer.pulls[0], want)
	}
}

func TestPullAppliesMapping(t *testing.T) {
	cfg := &mapping.Config{
		Version:          "1.0",
		UnmappedBehavior: mapping.UnmappedStrict,
		Mappings: []mapping.TableMapping{{
			ID:          "user-to-customer",
			SourceTable: "User",
			TargetTable: "customer",
			Direction:   mapping.DirectionPull,
			Enabled:     true,
			PkMapping:   &mapping.PkMapping{Source: "Id", Target: "customer_id"},
			ColumnMappings: []mapping.ColumnMapping{
				{Source: strPtr("FullName"), Target: "name", Transform: mapping.TransformIdentity},
				{Source: strPtr("EmailAddress"), Target: "email", Transform: mapping.TransformIdentity},
				{Source: nil, Target: "source", Transform: mapping.TransformConstant, Value: "mobile-app"},
			},
		}},
	}

	payload := `{"Id":"u1","FullName":"Alice","EmailAddress":"a@x.com"}`
	peer := &fakePeer{origin: "origin-b"}
	peer.pages = []rpc.ChangesResponse{{
		Changes: []types.ChangeEntry{{
			Version:   1,
			TableName: "User",
			PkValue:   `{"Id":"u1"}`,
			Operation: types.OpInsert,
			Payload:   &payload,
			Origin:    "origin-b",
			Timestamp: "2025-01-15T10:00:00.000Z",
		}},
		ToVersion: 1,
	}}

	coord, store := newTestCoordinator(t, peer, cfg)
	if err := coord.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	var name, email, source string
	err := store.DB().QueryRow(
		`SELECT "name", "email", "source" FROM "customer" WHERE "customer_id"='u1'`).
		Scan(&name, &email, &source)
	if err != nil {
		t.Fatalf("read mapped row: %v", err)
	}
	if name != "Alice" || email != "a@x.com" || source != "mobile-app" {
		t.Errorf("mapped row = (%s, %s, %s)", name, email, source)
	}
	// The remote apply left no trace in the local log.
	entries, _, _ := store.FetchChanges(context.Background(), 0, 100, "")
	if len(entries) != 0 {
		t.Errorf("pull echoed into log: %d entries", len(entries))
	}
}

func TestPullPagesPastDeferredEntry(t *testing.T) {
	memberPayload := `{"Id":"m1","Name":"Alice","OrgId":"o1"}`
	orgPayload := `{"Id":"o1","Name":"Acme"}`
	peer := &fakePeer{origin: "origin-b"}
	peer.pages = []rpc.ChangesResponse{
		{
			// The member's parent org only arrives on the next page.
			Changes: []types.ChangeEntry{{
				Version:   1,
				TableName: "Member",
				PkValue:   `{"Id":"m1"}`,
				Operation: types.OpInsert,
				Payload:   &memberPayload,
				Origin:    "origin-b",
				Timestamp: "2025-01-15T10:00:00.000Z",
			}},
			ToVersion: 1,
			HasMore:   true,
		},
		{
			Changes: []types.ChangeEntry{{
				Version:   2,
				TableName: "Org",
				PkValue:   `{"Id":"o1"}`,
				Operation: types.OpInsert,
				Payload:   &orgPayload,
				Origin:    "origin-b",
				Timestamp: "2025-01-15T10:00:01.000Z",
			}},
			ToVersion: 2,
		},
	}

	coord, store := newTestCoordinator(t, peer, nil)
	ctx := context.Background()
	stmts := []string{
		`CREATE TABLE "Org" ("Id" TEXT PRIMARY KEY, "Name" TEXT)`,
		`CREATE TABLE "Member" (
			"Id" TEXT PRIMARY KEY,
			"Name" TEXT,
			"OrgId" TEXT NOT NULL REFERENCES "Org"("Id")
		)`,
	}
	for _, stmt := range stmts {
		if _, err := store.DB().Exec(stmt); err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	if err := coord.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	// The deferred member must not pin paging to the first page: the second
	// fetch asks for the next range even though the watermark has not moved.
	peer.mu.Lock()
	pulls := append([]string(nil), peer.pulls...)
	peer.mu.Unlock()
	if len(pulls) != 2 {
		t.Fatalf("pull requests = %d, want 2 (%v)", len(pulls), pulls)
	}
	if !strings.Contains(pulls[1], "fromVersion=1") {
		t.Errorf("second pull query %q did not advance past the deferred page", pulls[1])
	}

	for _, q := range []string{
		`SELECT COUNT(*) FROM "Org" WHERE "Id"='o1'`,
		`SELECT COUNT(*) FROM "Member" WHERE "Id"='m1'`,
	} {
		var n int
		if err := store.DB().QueryRow(q).Scan(&n); err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 1 {
			t.Errorf("row missing for %s", q)
		}
	}

	pulled, _, err := store.Watermark(ctx, "peer-b")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if pulled != 2 {
		t.Errorf("last_pulled = %d, want 2", pulled)
	}
}

func TestPushShipsLocalChanges(t *testing.T) {
	peer := &fakePeer{origin: "origin-b"}
	coord, store := newTestCoordinator(t, peer, nil)
	ctx := context.Background()

	if _, err := store.DB().Exec(
		`INSERT INTO "User" ("Id", "FullName", "EmailAddress") VALUES ('u1', 'Alice', 'a@x.com')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := coord.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	peer.mu.Lock()
	pushed := append([]rpc.PushRequest(nil), peer.pushed...)
	peer.mu.Unlock()
	if len(pushed) != 1 || len(pushed[0].Changes) != 1 {
		t.Fatalf("pushed = %+v", pushed)
	}
	self, _ := store.Origin(ctx)
	if pushed[0].OriginID != self {
		t.Errorf("push originId = %s, want %s", pushed[0].OriginID, self)
	}
	if pushed[0].Changes[0].PkValue != `{"Id":"u1"}` {
		t.Errorf("pushed entry = %+v", pushed[0].Changes[0])
	}

	_, lastPushed, err := store.Watermark(ctx, "peer-b")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if lastPushed != 1 {
		t.Errorf("last_pushed = %d, want 1", lastPushed)
	}

	// A second cycle has nothing new to ship.
	if err := coord.Cycle(ctx); err != nil {
		t.Fatalf("second Cycle: %v", err)
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.pushed) != 1 {
		t.Errorf("idempotent push repeated: %d requests", len(peer.pushed))
	}
}

func TestPermanentRejectionQuarantines(t *testing.T) {
	peer := &fakePeer{origin: "origin-b", failGET: http.StatusForbidden}
	coord, store := newTestCoordinator(t, peer, nil)

	err := coord.Cycle(context.Background())
	var herr *HTTPError
	if !errors.As(err, &herr) || !herr.Permanent() {
		t.Fatalf("expected permanent HTTPError, got %v", err)
	}

	// Run quarantines and then leaves the peer alone.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = coord.Run(ctx); close(done) }()

	deadline := time.After(5 * time.Second)
	for {
		p, err := store.GetPeer(context.Background(), "peer-b")
		if err == nil && p.Quarantined {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("peer not quarantined")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	// A quarantined peer's cycle is a no-op, not an error.
	if err := coord.Cycle(context.Background()); err != nil {
		t.Errorf("quarantined cycle: %v", err)
	}
}

func TestTransientFailureBacksOff(t *testing.T) {
	peer := &fakePeer{origin: "origin-b", failGET: http.StatusInternalServerError, failGETOnce: true}
	coord, store := newTestCoordinator(t, peer, nil)
	ctx := context.Background()

	err := coord.Cycle(ctx)
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Permanent() {
		t.Fatalf("expected transient HTTPError, got %v", err)
	}

	first := coord.nextBackoff(ctx)
	second := coord.nextBackoff(ctx)
	if first < 100*time.Millisecond || second != 2*first {
		t.Errorf("backoff progression = %s, %s", first, second)
	}

	// The failure count survives a restart through the peer row.
	p, err := store.GetPeer(ctx, "peer-b")
	if err != nil {
		t.Fatalf("GetPeer: %v", err)
	}
	if p.BackoffState == "" {
		t.Fatal("backoff state not persisted")
	}
	fresh := New(store, apply.New(store), coord.mappings, "peer-b", coord.client)
	fresh.restoreBackoff(ctx)
	if fresh.failures != 2 {
		t.Errorf("restored failures = %d, want 2", fresh.failures)
	}
	if next := fresh.bo.NextBackOff(); next != 2*second {
		t.Errorf("restored backoff = %s, want %s", next, 2*second)
	}

	// Success resets the ladder.
	coord.resetBackoff(ctx)
	if d := coord.nextBackoff(ctx); d != first {
		t.Errorf("post-reset backoff = %s, want %s", d, first)
	}
}

func TestCancellationBetweenPhases(t *testing.T) {
	peer := &fakePeer{origin: "origin-b"}
	coord, store := newTestCoordinator(t, peer, nil)

	if _, err := store.DB().Exec(
		`INSERT INTO "User" ("Id", "FullName", "EmailAddress") VALUES ('u1', 'A', 'a@x.com')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := coord.Cycle(ctx); err == nil {
		t.Fatal("cancelled cycle returned nil")
	}

	// Nothing was pushed and the watermark did not move.
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.pushed) != 0 {
		t.Errorf("cancelled cycle pushed %d batches", len(peer.pushed))
	}
	_, lastPushed, _ := store.Watermark(context.Background(), "peer-b")
	if lastPushed != 0 {
		t.Errorf("last_pushed = %d after cancelled cycle", lastPushed)
	}
}

func strPtr(s string) *string { return &s }
