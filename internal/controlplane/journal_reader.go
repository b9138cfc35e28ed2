package controlplane

import (
	"context"

	"github.com/openmined/rcsync/internal/journal"
	"github.com/openmined/rcsync/internal/utils"
)

// JournalReader opens the journal file for every query, so that it can be
// read while the sync manager owns the writing handle.
type JournalReader struct {
	path string
}

func NewJournalReader(path string) *JournalReader {
	return &JournalReader{path: path}
}

func (r *JournalReader) Recent(ctx context.Context, limit int) ([]*journal.Run, error) {
	if !utils.FileExists(r.path) {
		return []*journal.Run{}, nil
	}

	j, err := journal.Open(journal.WithPath(r.path))
	if err != nil {
		return nil, err
	}
	defer j.Close()

	return j.Recent(ctx, limit)
}

func (r *JournalReader) Summary(ctx context.Context) (*journal.Summary, error) {
	if !utils.FileExists(r.path) {
		return &journal.Summary{}, nil
	}

	j, err := journal.Open(journal.WithPath(r.path))
	if err != nil {
		return nil, err
	}
	defer j.Close()

	return j.Summary(ctx)
}
