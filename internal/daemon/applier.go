package daemon

import (
	"context"
	"log"
	"os"

	"github.com/shelfsync/shelfsync/internal/schema"
)

// FileApplier applies remote documents in place by rewriting the
// exported document file, so local viewers pick up the change without
// a reload. When the write fails the orchestrator falls back to
// updating local storage directly and signalling a reload.
type FileApplier struct {
	docsDir string
	logger  *log.Logger
}

// NewFileApplier creates an applier over the documents directory.
func NewFileApplier(docsDir string, logger *log.Logger) *FileApplier {
	if logger == nil {
		logger = log.New(os.Stderr, "[applier] ", log.LstdFlags)
	}
	return &FileApplier{docsDir: docsDir, logger: logger}
}

// ApplyRemote writes the remote document to its canonical file.
func (a *FileApplier) ApplyRemote(ctx context.Context, ref schema.DocRef, doc *schema.Document) (bool, error) {
	if err := schema.WriteDocumentFile(a.docsDir, ref, doc); err != nil {
		return false, err
	}
	a.logger.Printf("Applied remote %s in place", ref)
	return true, nil
}
