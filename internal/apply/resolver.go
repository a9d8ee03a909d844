package apply

import (
	"github.com/tandemsync/tandem/internal/types"
)

// Resolution is the outcome of comparing a remote entry against a local one
// for the same row.
type Resolution int

const (
	// RemoteWins applies the incoming entry over the local state.
	RemoteWins Resolution = iota
	// LocalWins keeps the local state and skips the incoming entry.
	LocalWins
)

// Resolve picks a deterministic winner between a remote and a local entry
// for the same (table, pk). Last writer wins by (timestamp, origin): the
// larger tuple takes the row. Timestamps are parsed rather than compared as
// strings because the two dialects emit different sub-second precision.
// serverWins forces the incoming side regardless of timestamps.
//
// Every node running this rule over the same pair converges to the same
// winner; ties on both fields mean the entries are interchangeable and the
// remote one is applied (idempotent either way).
func Resolve(remote, local types.ChangeEntry, serverWins bool) Resolution {
	if serverWins {
		return RemoteWins
	}

	rt, rerr := remote.Time()
	lt, lerr := local.Time()
	if rerr == nil && lerr == nil {
		if rt.After(lt) {
			return RemoteWins
		}
		if lt.After(rt) {
			return LocalWins
		}
	} else if remote.Timestamp != local.Timestamp {
		// Unparseable stamps fall back to the raw string ordering.
		if remote.Timestamp > local.Timestamp {
			return RemoteWins
		}
		return LocalWins
	}

	if remote.Origin >= local.Origin {
		return RemoteWins
	}
	return LocalWins
}
