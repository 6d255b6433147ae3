package services

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lumenlayer/usage-engine/pkg/models"
)

// changeDocument is the on-disk form of one change record: the record plus
// the time it was emitted.
type changeDocument struct {
	EmittedAt time.Time           `yaml:"emitted_at"`
	Change    models.ChangeRecord `yaml:"change"`
}

// FileChangeSink appends change records to a YAML stream on disk, one
// document per record. The file is the handoff point to the external
// metric/code generation layer, which consumes and truncates it.
type FileChangeSink struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

var _ ChangeSink = (*FileChangeSink)(nil)

// NewFileChangeSink creates a sink writing to path. The file is created on
// first emit.
func NewFileChangeSink(path string) *FileChangeSink {
	return &FileChangeSink{path: path, now: time.Now}
}

// Emit implements ChangeSink.
func (s *FileChangeSink) Emit(_ context.Context, record models.ChangeRecord) error {
	doc, err := yaml.Marshal(changeDocument{
		EmittedAt: s.now().UTC(),
		Change:    record,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal change record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open change log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "---\n%s", doc); err != nil {
		return fmt.Errorf("failed to append change record: %w", err)
	}
	return nil
}
