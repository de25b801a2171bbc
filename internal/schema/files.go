package schema

import (
	"fmt"
	"os"
	"path/filepath"
)

// ReadDocumentFile reads and parses a document JSON file from the
// given path. Returns the parsed Document or an error if reading or
// parsing fails.
func ReadDocumentFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document file %s: %w", path, err)
	}

	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("invalid document file %s: %w", path, err)
	}

	return doc, nil
}

// WriteDocumentFile writes a document to docsDir under its canonical
// filename with pretty-printed formatting.
func WriteDocumentFile(docsDir string, ref DocRef, doc *Document) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("cannot write document: %w", err)
	}

	if err := os.MkdirAll(docsDir, 0755); err != nil {
		return fmt.Errorf("failed to create documents directory: %w", err)
	}

	data, err := doc.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", ref, err)
	}

	path := filepath.Join(docsDir, ref.FileName())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write document file %s: %w", path, err)
	}

	return nil
}

// ListDocumentFiles scans docsDir for shelfsync document files and
// returns their refs. Files that don't match the naming scheme are
// ignored. A missing directory is treated as empty.
func ListDocumentFiles(docsDir string) ([]DocRef, error) {
	entries, err := os.ReadDir(docsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read documents directory: %w", err)
	}

	var refs []DocRef
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ref, ok := RefFromFileName(entry.Name()); ok {
			refs = append(refs, ref)
		}
	}

	return refs, nil
}
