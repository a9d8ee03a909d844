package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// WatermarkField selects which cursor SetWatermark advances.
type WatermarkField string

const (
	// LastPulled is the highest remote version pulled from a peer.
	LastPulled WatermarkField = "last_pulled"
	// LastPushed is the highest local version pushed to a peer.
	LastPushed WatermarkField = "last_pushed"
)

// Peer is one row of sync_peer.
type Peer struct {
	ID           string
	Origin       string
	Endpoint     string
	LastPulled   int64
	LastPushed   int64
	Quarantined  bool
	BackoffState string
}

// UpsertPeer registers a peer or updates its endpoint. Watermarks and
// quarantine state are preserved on update.
func (s *Store) UpsertPeer(ctx context.Context, id, endpoint string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_peer SET endpoint = ? WHERE peer_id = ?", endpoint, id)
	if err != nil {
		return fmt.Errorf("update peer %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO sync_peer (peer_id, endpoint) VALUES (?, ?)", id, endpoint)
	if err != nil {
		return fmt.Errorf("insert peer %s: %w", id, err)
	}
	return nil
}

// GetPeer reads one peer row, or ErrNotFound.
func (s *Store) GetPeer(ctx context.Context, id string) (*Peer, error) {
	var (
		p           Peer
		quarantined int
		backoff     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT peer_id, origin, endpoint, last_pulled, last_pushed, quarantined, backoff_state
		FROM sync_peer WHERE peer_id = ?`, id).
		Scan(&p.ID, &p.Origin, &p.Endpoint, &p.LastPulled, &p.LastPushed, &quarantined, &backoff)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("peer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read peer %s: %w", id, err)
	}
	p.Quarantined = quarantined != 0
	p.BackoffState = backoff.String
	return &p, nil
}

// ListPeers returns all registered peers.
func (s *Store) ListPeers(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT peer_id, origin, endpoint, last_pulled, last_pushed, quarantined, backoff_state
		FROM sync_peer ORDER BY peer_id`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Peer
	for rows.Next() {
		var (
			p           Peer
			quarantined int
			backoff     sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Origin, &p.Endpoint, &p.LastPulled, &p.LastPushed, &quarantined, &backoff); err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		p.Quarantined = quarantined != 0
		p.BackoffState = backoff.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// Watermark returns the pull and push cursors for a peer.
func (s *Store) Watermark(ctx context.Context, peerID string) (lastPulled, lastPushed int64, err error) {
	p, err := s.GetPeer(ctx, peerID)
	if err != nil {
		return 0, 0, err
	}
	return p.LastPulled, p.LastPushed, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SetWatermark advances one cursor for a peer. Updates are idempotent and
// monotonic: a value at or below the current one is a no-op.
func (s *Store) SetWatermark(ctx context.Context, peerID string, field WatermarkField, value int64) error {
	return setWatermark(ctx, s.db, peerID, field, value)
}

// SetWatermarkTx advances a cursor inside an open transaction, so the apply
// engine can commit the watermark atomically with the applied rows.
func (s *Store) SetWatermarkTx(ctx context.Context, tx *sql.Tx, peerID string, field WatermarkField, value int64) error {
	return setWatermark(ctx, tx, peerID, field, value)
}

func setWatermark(ctx context.Context, ex execer, peerID string, field WatermarkField, value int64) error {
	var col string
	switch field {
	case LastPulled:
		col = "last_pulled"
	case LastPushed:
		col = "last_pushed"
	default:
		return fmt.Errorf("unknown watermark field %q", field)
	}
	_, err := ex.ExecContext(ctx,
		fmt.Sprintf("UPDATE sync_peer SET %s = ? WHERE peer_id = ? AND %s < ?", col, col),
		value, peerID, value)
	if err != nil {
		return fmt.Errorf("advance %s for %s: %w", col, peerID, err)
	}
	return nil
}

// SetPeerOrigin records the origin id a peer reported about itself.
func (s *Store) SetPeerOrigin(ctx context.Context, peerID, origin string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_peer SET origin = ? WHERE peer_id = ?", origin, peerID)
	if err != nil {
		return fmt.Errorf("set origin for %s: %w", peerID, err)
	}
	return nil
}

// SetPeerQuarantined flips the quarantine flag. A quarantined peer is not
// cycled until an operator clears it.
func (s *Store) SetPeerQuarantined(ctx context.Context, peerID string, quarantined bool) error {
	v := 0
	if quarantined {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_peer SET quarantined = ? WHERE peer_id = ?", v, peerID)
	if err != nil {
		return fmt.Errorf("set quarantine for %s: %w", peerID, err)
	}
	return nil
}

// SaveBackoffState persists the coordinator's backoff bookkeeping so a
// restart does not reset a failing peer to a tight retry loop.
func (s *Store) SaveBackoffState(ctx context.Context, peerID, state string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_peer SET backoff_state = ? WHERE peer_id = ?", state, peerID)
	if err != nil {
		return fmt.Errorf("save backoff state for %s: %w", peerID, err)
	}
	return nil
}

// TrimLog removes entries every configured peer has already pushed past.
// Tombstones are preserved until all peers' push watermarks have advanced
// beyond them; with no peers registered nothing is trimmed. Returns the
// number of entries removed.
//
// The log head is persisted to sync_state before deleting, so version
// allocation stays strictly increasing even when the whole log is trimmed.
// The sqlite capture trigger consults the persisted head; mysql's
// AUTO_INCREMENT counter never reuses values on its own.
func (s *Store) TrimLog(ctx context.Context) (int64, error) {
	peers, err := s.ListPeers(ctx)
	if err != nil {
		return 0, err
	}
	if len(peers) == 0 {
		return 0, nil
	}

	safe := int64(-1)
	for _, p := range peers {
		if safe == -1 || p.LastPushed < safe {
			safe = p.LastPushed
		}
	}
	if safe <= 0 {
		return 0, nil
	}

	head, err := s.MaxVersion(ctx)
	if err != nil {
		return 0, err
	}
	if head > 0 {
		if err := s.saveHighWater(ctx, head); err != nil {
			return 0, err
		}
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM sync_log WHERE version <= ?", safe)
	if err != nil {
		return 0, fmt.Errorf("trim log to %d: %w", safe, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) saveHighWater(ctx context.Context, head int64) error {
	qk := s.d.QuoteIdent("key")
	value := fmt.Sprintf("%d", head)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE sync_state SET value = ? WHERE %s = 'log_high_water'", qk), value)
	if err != nil {
		return fmt.Errorf("save log high water: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO sync_state (%s, value) VALUES ('log_high_water', ?)", qk), value)
	if err != nil {
		return fmt.Errorf("save log high water: %w", err)
	}
	return nil
}
