package rpc

import (
	"time"

	"github.com/tandemsync/tandem/internal/apply"
	"github.com/tandemsync/tandem/internal/types"
)

// Wire DTOs for the sync HTTP surface. The coordinator's client side decodes
// the same shapes, so both ends live here.

// StateResponse answers GET /sync/state.
type StateResponse struct {
	OriginID         string `json:"originId"`
	ConnectedClients int    `json:"connectedClients"`
}

// ChangesResponse answers GET /sync/changes.
type ChangesResponse struct {
	Changes     []types.ChangeEntry `json:"changes"`
	FromVersion int64               `json:"fromVersion"`
	ToVersion   int64               `json:"toVersion"`
	HasMore     bool                `json:"hasMore"`
}

// PushRequest is the body of POST /sync/changes.
type PushRequest struct {
	OriginID string              `json:"originId"`
	Changes  []types.ChangeEntry `json:"changes"`
}

// PushResponse answers POST /sync/changes.
type PushResponse struct {
	Applied int `json:"applied"`
}

// SubscribeFilter narrows a record subscription to specific keys.
type SubscribeFilter struct {
	RecordKeys []string `json:"recordKeys"`
}

// SubscribeRequest is the body of POST /sync/subscribe. OriginID, when set,
// suppresses delivery of the subscriber's own changes.
type SubscribeRequest struct {
	Type      string           `json:"type"`
	TableName string           `json:"tableName"`
	OriginID  string           `json:"originId"`
	Filter    *SubscribeFilter `json:"filter,omitempty"`
}

// SubscribeResponse answers POST /sync/subscribe.
type SubscribeResponse struct {
	SubscriptionID string `json:"subscriptionId"`
	Type           string `json:"type"`
	TableName      string `json:"tableName"`
}

// UnsubscribeResponse answers DELETE /sync/subscribe/{id}.
type UnsubscribeResponse struct {
	Deleted string `json:"deleted"`
}

// UnresolvedDiagnostic is one exhausted deferred entry in the diagnostics
// report.
type UnresolvedDiagnostic struct {
	Version       int64      `json:"version"`
	Table         string     `json:"table"`
	PkValue       string     `json:"pkValue"`
	MissingParent *apply.Ref `json:"missingParent,omitempty"`
	Error         string     `json:"error"`
}

// DiagnosticsResponse answers GET /sync/diagnostics.
type DiagnosticsResponse struct {
	HashMismatches   []apply.HashMismatch   `json:"hashMismatches"`
	Unresolved       []UnresolvedDiagnostic `json:"unresolved"`
	DeferredCount    int                    `json:"deferredCount"`
	QuarantinedPeers []string               `json:"quarantinedPeers"`
	GeneratedAt      time.Time              `json:"generatedAt"`
}

// ErrorResponse is the JSON error body for non-2xx answers.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse answers GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Origin string `json:"origin,omitempty"`
}
