package offsync

import (
	"encoding/json"
	"maps"
)

// Document is a schemaless syncable record: free-form fields plus sync
// bookkeeping, flattened into one JSON object on the wire and on disk.
type Document struct {
	SyncMeta
	Fields map[string]any
}

// NewDocument returns a document holding a copy of fields.
func NewDocument(fields map[string]any) *Document {
	d := &Document{Fields: make(map[string]any, len(fields))}
	maps.Copy(d.Fields, fields)
	return d
}

// Field returns the named field.
func (d *Document) Field(name string) (any, bool) {
	v, ok := d.Fields[name]
	return v, ok
}

func (d *Document) MarshalJSON() ([]byte, error) {
	meta, err := json.Marshal(d.SyncMeta)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(d.Fields)+len(syncMetaKeys))
	maps.Copy(out, d.Fields)
	if err := json.Unmarshal(meta, &out); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var meta SyncMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}
	for _, k := range syncMetaKeys {
		delete(fields, k)
	}
	d.SyncMeta = meta
	d.Fields = fields
	return nil
}
