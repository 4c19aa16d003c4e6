package offsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrInvalidConfig is returned by constructors handed an unusable configuration.
	ErrInvalidConfig = errors.New("offsync: invalid configuration")
	// ErrMaxAttemptsReached is returned by a scheduler that refuses to arm another timer.
	ErrMaxAttemptsReached = errors.New("offsync: max reconnect attempts reached")
	// ErrSyncInFlight is returned when an item already has a sync attempt running.
	ErrSyncInFlight = errors.New("offsync: sync already in flight for item")
	// ErrRealtimeUnavailable is returned when no realtime topic could be subscribed.
	ErrRealtimeUnavailable = errors.New("offsync: realtime unavailable")
	ErrStoreClosed         = errors.New("offsync: store closed")
	ErrNotFound            = errors.New("offsync: not found")
	ErrNotConnected        = errors.New("offsync: not connected")
)

// errSuperseded marks a stale copy of an item that now syncs under a server id.
var errSuperseded = errors.New("offsync: item superseded by server id")

// APIError represents a non-2xx answer from the remote service.
type APIError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// IsTransient reports whether err looks like a network or server-side failure
// that is expected to go away on its own. Client-side rejections (4xx) are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 ||
			apiErr.Status == http.StatusTooManyRequests ||
			apiErr.Status == http.StatusRequestTimeout
	}
	return true
}

// ============================================================================
// Sync Types
// ============================================================================

// SyncStatus is the per-item sync state.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
	StatusFailed  SyncStatus = "failed"
)

// SyncMeta carries the sync bookkeeping of a domain record. Embed it in a
// struct to make a pointer to that struct Syncable.
type SyncMeta struct {
	ID           string     `json:"id"`
	Status       SyncStatus `json:"syncStatus"`
	LastModified time.Time  `json:"lastModified"`
	LocalID      string     `json:"localId,omitempty"`
	LastError    string     `json:"syncError,omitempty"`
	Attempts     int        `json:"syncAttempts,omitempty"`
}

func (m *SyncMeta) Sync() *SyncMeta { return m }

// Syncable is any record the sync engine can queue.
type Syncable interface {
	Sync() *SyncMeta
}

// syncMetaKeys are the JSON keys owned by SyncMeta that never go to the server.
var syncMetaKeys = []string{"id", "syncStatus", "lastModified", "localId", "syncError", "syncAttempts"}

// Counts is the aggregate of non-synced items held by an adapter.
type Counts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

// SyncStatusSummary is derived on read and never stored.
type SyncStatusSummary struct {
	IsSyncing    bool       `json:"isSyncing"`
	PendingCount int        `json:"pendingCount"`
	FailedCount  int        `json:"failedCount"`
	LastSyncTime *time.Time `json:"lastSyncTime"`
}

// SweepSummary is reported once per sync sweep.
type SweepSummary struct {
	Queue      string `json:"queue"`
	Attempted  int    `json:"attempted"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skipReason,omitempty"`
}

const (
	skipInProgress = "sweep in progress"
	skipOffline    = "offline"
	skipNoFailed   = "no failed items"
	skipClosed     = "queue closed"
)

// PendingItem is the UI-facing projection of a not-yet-synced item.
type PendingItem struct {
	Feature      string     `json:"feature"`
	ID           string     `json:"id"`
	LocalID      string     `json:"localId,omitempty"`
	Description  string     `json:"description"`
	Status       SyncStatus `json:"syncStatus"`
	LastModified time.Time  `json:"lastModified"`
	LastError    string     `json:"syncError,omitempty"`
}

// ============================================================================
// Realtime Types
// ============================================================================

// Severity mirrors the notification variants published by the backend.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityLoading Severity = "loading"
)

// DefaultDuration is how long a notification of the given severity stays up.
// Zero means it is not dismissed automatically.
func DefaultDuration(s Severity) time.Duration {
	switch s {
	case SeveritySuccess, SeverityInfo:
		return 3 * time.Second
	case SeverityWarning:
		return 4 * time.Second
	case SeverityError:
		return 5 * time.Second
	default:
		return 0
	}
}

// RealtimeMessage is a push notification received on a topic.
type RealtimeMessage struct {
	Topic        string        `json:"topic"`
	Text         string        `json:"text"`
	Severity     Severity      `json:"severity"`
	DurationHint time.Duration `json:"durationHint"`
}

// notificationWire is the JSON body the backend publishes on notification topics.
type notificationWire struct {
	Message  string `json:"message"`
	Variant  string `json:"variant"`
	Duration int64  `json:"duration"`
}

// Record is a remote record as returned by the records API.
type Record map[string]any

func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}
