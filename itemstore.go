package offsync

import (
	"context"
	"encoding/json"
	"fmt"
)

// ItemStore is a typed view of one Store bucket. It implements the storage
// half of Adapter so feature adapters only need to add the server call.
type ItemStore[T Syncable] struct {
	store   Store
	bucket  string
	newItem func() T
}

// NewItemStore binds bucket of store to item type T. newItem must return a
// fresh, non-nil T to decode into.
func NewItemStore[T Syncable](store Store, bucket string, newItem func() T) (*ItemStore[T], error) {
	if store == nil || bucket == "" || newItem == nil {
		return nil, fmt.Errorf("%w: item store needs a store, a bucket and an item constructor", ErrInvalidConfig)
	}
	return &ItemStore[T]{store: store, bucket: bucket, newItem: newItem}, nil
}

func (s *ItemStore[T]) Bucket() string { return s.bucket }

func (s *ItemStore[T]) Save(ctx context.Context, item T) error {
	e, err := s.encode(item)
	if err != nil {
		return err
	}
	return s.store.Save(ctx, s.bucket, e)
}

// SaveRemote stores a copy pulled from the server unless the local copy
// holds unsent changes. It reports whether the item was written.
func (s *ItemStore[T]) SaveRemote(ctx context.Context, item T) (bool, error) {
	e, err := s.encode(item)
	if err != nil {
		return false, err
	}
	return s.store.SaveIfSynced(ctx, s.bucket, e)
}

func (s *ItemStore[T]) encode(item T) (Entry, error) {
	meta := item.Sync()
	if meta.ID == "" {
		return Entry{}, fmt.Errorf("save %s item: empty id", s.bucket)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s/%s: %w", s.bucket, meta.ID, err)
	}
	return Entry{
		ID:           meta.ID,
		Status:       meta.Status,
		LastModified: meta.LastModified,
		Data:         data,
	}, nil
}

func (s *ItemStore[T]) Get(ctx context.Context, id string) (T, error) {
	e, err := s.store.Get(ctx, s.bucket, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.decode(e)
}

func (s *ItemStore[T]) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, s.bucket, id)
}

func (s *ItemStore[T]) List(ctx context.Context) ([]T, error) {
	entries, err := s.store.GetAll(ctx, s.bucket)
	if err != nil {
		return nil, err
	}
	return s.decodeAll(entries)
}

func (s *ItemStore[T]) ListPending(ctx context.Context) ([]T, error) {
	return s.listByStatus(ctx, StatusPending)
}

func (s *ItemStore[T]) ListFailed(ctx context.Context) ([]T, error) {
	return s.listByStatus(ctx, StatusFailed)
}

func (s *ItemStore[T]) Counts(ctx context.Context) (Counts, error) {
	pending, err := s.store.GetByStatus(ctx, s.bucket, StatusPending)
	if err != nil {
		return Counts{}, err
	}
	failed, err := s.store.GetByStatus(ctx, s.bucket, StatusFailed)
	if err != nil {
		return Counts{}, err
	}
	return Counts{Pending: len(pending), Failed: len(failed)}, nil
}

func (s *ItemStore[T]) listByStatus(ctx context.Context, status SyncStatus) ([]T, error) {
	entries, err := s.store.GetByStatus(ctx, s.bucket, status)
	if err != nil {
		return nil, err
	}
	return s.decodeAll(entries)
}

func (s *ItemStore[T]) decodeAll(entries []Entry) ([]T, error) {
	items := make([]T, 0, len(entries))
	for _, e := range entries {
		item, err := s.decode(e)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *ItemStore[T]) decode(e Entry) (T, error) {
	item := s.newItem()
	if err := json.Unmarshal(e.Data, item); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s/%s: %w", s.bucket, e.ID, err)
	}
	// the entry columns are authoritative over the encoded copy
	meta := item.Sync()
	meta.ID = e.ID
	meta.Status = e.Status
	meta.LastModified = e.LastModified
	return item, nil
}
