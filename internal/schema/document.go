// Package schema provides data structures for shelfsync documents.
//
// A document is an arbitrary JSON object owned by the organizer UI layer
// (the dashboard folder tree, or one organizational tree per notebook).
// Synchronization maintains a "_syncMeta" envelope at the top level of
// each document; everything else in the object is opaque payload.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// MetaKey is the top-level key holding the sync envelope.
const MetaKey = "_syncMeta"

// EnvelopeVersion is the envelope format version stamped on upload.
const EnvelopeVersion = "1.0.0"

// SyncMeta is the envelope synchronization maintains on each document.
//
// LastModified is milliseconds since epoch and reflects the true last
// local-mutation time stamped by the document owner. It is compared
// across devices for last-write-wins conflict resolution, so the sync
// layer must never overwrite it at upload time.
type SyncMeta struct {
	LastModified int64  `json:"lastModified"`
	Version      string `json:"version"`
}

// Document is a parsed syncable document: the owner's payload fields
// plus the optional envelope, all preserved as raw JSON.
type Document struct {
	fields map[string]json.RawMessage
}

// MalformedError indicates a remote or local document body that cannot
// be used (not valid JSON, or not a JSON object).
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed document: %s", e.Reason)
}

// ParseDocument parses a raw JSON document body.
//
// Returns a *MalformedError if the body is not a JSON object.
func ParseDocument(body []byte) (*Document, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &MalformedError{Reason: err.Error()}
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	return &Document{fields: fields}, nil
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{fields: make(map[string]json.RawMessage)}
}

// Encode serializes the document, envelope included.
func (d *Document) Encode() ([]byte, error) {
	data, err := json.Marshal(d.fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// Meta returns the sync envelope, or the zero value if the document
// has no envelope. A missing envelope compares as LastModified=0.
func (d *Document) Meta() SyncMeta {
	raw, ok := d.fields[MetaKey]
	if !ok {
		return SyncMeta{}
	}
	var meta SyncMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return SyncMeta{}
	}
	return meta
}

// HasMeta reports whether the document carries an envelope.
func (d *Document) HasMeta() bool {
	_, ok := d.fields[MetaKey]
	return ok
}

// SetMeta replaces the document's envelope.
func (d *Document) SetMeta(meta SyncMeta) {
	raw, err := json.Marshal(meta)
	if err != nil {
		// SyncMeta is two scalar fields; marshal cannot fail.
		panic(fmt.Sprintf("failed to marshal sync meta: %v", err))
	}
	d.fields[MetaKey] = raw
}

// EnsureMeta normalizes the envelope before upload without fabricating
// a mutation time: the version is always stamped, but LastModified is
// only set (to nowMillis) when the owner never stamped one. An existing
// owner-stamped timestamp is mirrored verbatim.
func (d *Document) EnsureMeta(nowMillis int64) {
	meta := d.Meta()
	if meta.LastModified == 0 {
		meta.LastModified = nowMillis
	}
	meta.Version = EnvelopeVersion
	d.SetMeta(meta)
}

// SetField sets a payload field to a JSON-marshalable value.
func (d *Document) SetField(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal field %s: %w", key, err)
	}
	d.fields[key] = raw
	return nil
}

// Field returns the raw JSON of a payload field.
func (d *Document) Field(key string) (json.RawMessage, bool) {
	raw, ok := d.fields[key]
	return raw, ok
}

// PayloadEquals compares the payload of two documents, ignoring
// envelopes. Comparison is on the canonical JSON encoding of each
// field.
func (d *Document) PayloadEquals(other *Document) bool {
	if other == nil {
		return false
	}
	count := 0
	for key, raw := range d.fields {
		if key == MetaKey {
			continue
		}
		otherRaw, ok := other.fields[key]
		if !ok || string(raw) != string(otherRaw) {
			return false
		}
		count++
	}
	otherCount := 0
	for key := range other.fields {
		if key != MetaKey {
			otherCount++
		}
	}
	return count == otherCount
}

// notebookIDPattern restricts notebook identifiers to characters that
// are stable and collision-free in remote object names.
var notebookIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// DocType identifies a logical document kind.
type DocType string

const (
	// DocTypeDashboard is the single dashboard folder-tree document.
	DocTypeDashboard DocType = "dashboard"

	// DocTypeNotebook is a per-notebook organizational tree document.
	DocTypeNotebook DocType = "notebook"
)

// DocRef identifies one logical document: the dashboard, or a specific
// notebook's tree.
type DocRef struct {
	Type       DocType
	NotebookID string
}

// Dashboard returns the ref for the dashboard document.
func Dashboard() DocRef {
	return DocRef{Type: DocTypeDashboard}
}

// Notebook returns the ref for a notebook document.
func Notebook(id string) DocRef {
	return DocRef{Type: DocTypeNotebook, NotebookID: id}
}

// Validate checks that the ref identifies a real document.
func (r DocRef) Validate() error {
	switch r.Type {
	case DocTypeDashboard:
		if r.NotebookID != "" {
			return fmt.Errorf("dashboard ref must not carry a notebook id")
		}
	case DocTypeNotebook:
		if r.NotebookID == "" {
			return fmt.Errorf("notebook ref requires a notebook id")
		}
		if !notebookIDPattern.MatchString(r.NotebookID) {
			return fmt.Errorf("invalid notebook id: %q", r.NotebookID)
		}
	default:
		return fmt.Errorf("unknown document type: %q", r.Type)
	}
	return nil
}

// RemoteName returns the stable remote object name for this document.
// The dashboard has a fixed name; notebook names are derived from the
// notebook identifier.
func (r DocRef) RemoteName() string {
	if r.Type == DocTypeDashboard {
		return "shelf-dashboard.json"
	}
	return fmt.Sprintf("shelf-notebook-%s.json", r.NotebookID)
}

// LocalKey returns the local storage key for this document.
func (r DocRef) LocalKey() string {
	if r.Type == DocTypeDashboard {
		return "dashboard"
	}
	return "notebook:" + r.NotebookID
}

// FileName returns the canonical filename for this document in the
// exported documents directory.
func (r DocRef) FileName() string {
	if r.Type == DocTypeDashboard {
		return "dashboard.json"
	}
	return fmt.Sprintf("notebook-%s.json", r.NotebookID)
}

// String implements fmt.Stringer.
func (r DocRef) String() string {
	if r.Type == DocTypeDashboard {
		return "dashboard"
	}
	return fmt.Sprintf("notebook %s", r.NotebookID)
}

// RefFromLocalKey parses a local storage key back into a DocRef.
func RefFromLocalKey(key string) (DocRef, bool) {
	if key == "dashboard" {
		return Dashboard(), true
	}
	const prefix = "notebook:"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		ref := Notebook(key[len(prefix):])
		if ref.Validate() == nil {
			return ref, true
		}
	}
	return DocRef{}, false
}

// RefFromFileName parses an exported document filename into a DocRef.
// Returns false for files that are not shelfsync documents.
func RefFromFileName(name string) (DocRef, bool) {
	if name == "dashboard.json" {
		return Dashboard(), true
	}
	const prefix = "notebook-"
	const suffix = ".json"
	if len(name) > len(prefix)+len(suffix) &&
		name[:len(prefix)] == prefix && name[len(name)-len(suffix):] == suffix {
		ref := Notebook(name[len(prefix) : len(name)-len(suffix)])
		if ref.Validate() == nil {
			return ref, true
		}
	}
	return DocRef{}, false
}
