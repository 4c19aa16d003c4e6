package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CollectionAdapter syncs items of type T to one remote collection. Items
// still carrying their client-assigned id are created; the rest are updated.
type CollectionAdapter[T Syncable] struct {
	*ItemStore[T]
	remote     RemoteService
	collection string
	describe   func(T) string
}

// NewCollectionAdapter builds an Adapter over items for collection. describe
// may be nil.
func NewCollectionAdapter[T Syncable](remote RemoteService, collection string, items *ItemStore[T], describe func(T) string) (*CollectionAdapter[T], error) {
	if remote == nil || items == nil || collection == "" {
		return nil, fmt.Errorf("%w: collection adapter needs a remote, a collection and an item store", ErrInvalidConfig)
	}
	return &CollectionAdapter[T]{
		ItemStore:  items,
		remote:     remote,
		collection: collection,
		describe:   describe,
	}, nil
}

func (a *CollectionAdapter[T]) Collection() string { return a.collection }

func (a *CollectionAdapter[T]) Describe(item T) string {
	if a.describe != nil {
		return a.describe(item)
	}
	return a.collection + "/" + item.Sync().ID
}

func (a *CollectionAdapter[T]) SyncToServer(ctx context.Context, item T) (T, error) {
	var zero T
	meta := item.Sync()
	payload, err := toPayload(item)
	if err != nil {
		return zero, err
	}

	var rec Record
	if meta.LocalID != "" && meta.ID == meta.LocalID {
		rec, err = a.remote.Create(ctx, a.collection, payload)
	} else {
		rec, err = a.remote.Update(ctx, a.collection, meta.ID, payload)
	}
	if err != nil {
		return zero, err
	}

	out, err := a.fromRecord(rec)
	if err != nil {
		return zero, err
	}
	out.Sync().LocalID = meta.LocalID
	return out, nil
}

// Refresh pulls the collection and stores every record as synced. Local
// items that are still pending or failed are left alone so unsent edits are
// not overwritten.
func (a *CollectionAdapter[T]) Refresh(ctx context.Context, filter string) (int, error) {
	records, err := a.remote.List(ctx, a.collection, filter)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", a.collection, err)
	}
	stored := 0
	for _, rec := range records {
		item, err := a.fromRecord(rec)
		if err != nil {
			return stored, err
		}
		meta := item.Sync()
		if meta.ID == "" {
			continue
		}
		meta.Status = StatusSynced
		if meta.LastModified.IsZero() {
			meta.LastModified = recordUpdated(rec)
		}
		wrote, err := a.SaveRemote(ctx, item)
		if err != nil {
			return stored, err
		}
		if wrote {
			stored++
		}
	}
	return stored, nil
}

func (a *CollectionAdapter[T]) fromRecord(rec Record) (T, error) {
	var zero T
	data, err := json.Marshal(rec)
	if err != nil {
		return zero, fmt.Errorf("encode %s record: %w", a.collection, err)
	}
	item := a.newItem()
	if err := json.Unmarshal(data, item); err != nil {
		return zero, fmt.Errorf("decode %s record: %w", a.collection, err)
	}
	return item, nil
}

// recordSystemKeys are maintained by the server and never written back.
var recordSystemKeys = []string{"collectionId", "collectionName", "created", "updated", "expand"}

// toPayload encodes item without its sync bookkeeping.
func toPayload(item any) (map[string]any, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	for _, k := range syncMetaKeys {
		delete(payload, k)
	}
	for _, k := range recordSystemKeys {
		delete(payload, k)
	}
	return payload, nil
}

// recordUpdated reads the record's "updated" timestamp, falling back to now.
func recordUpdated(rec Record) time.Time {
	if s, ok := rec["updated"].(string); ok {
		for _, layout := range []string{"2006-01-02 15:04:05.000Z", time.RFC3339Nano} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return time.Now().UTC()
}
