package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BatchIndexer keeps the note_embeddings table in step with the notes
// repository. It runs out of process (cmd/batch) on a timer.
type BatchIndexer struct {
	notes   *NotesService
	vectors *VectorService
	logger  *slog.Logger
	window  time.Duration
}

func NewBatchIndexer(notes *NotesService, vectors *VectorService, logger *slog.Logger) *BatchIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchIndexer{
		notes:   notes,
		vectors: vectors,
		logger:  logger,
		window:  3 * time.Hour,
	}
}

// ProcessNotes embeds every note updated inside the lookback window. One bad
// note does not stop the run.
func (bi *BatchIndexer) ProcessNotes(ctx context.Context) error {
	since := time.Now().Add(-bi.window)

	notes, err := bi.notes.ListNotesUpdatedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to list updated notes: %w", err)
	}
	if len(notes) == 0 {
		bi.logger.Info("no notes to index")
		return nil
	}

	indexed := 0
	for _, note := range notes {
		vector, err := bi.vectors.EmbedText(ctx, note.Title+"\n\n"+note.Body)
		if err != nil {
			bi.logger.Error("failed to embed note", "note_id", note.ID, "error", err)
			continue
		}
		if err := bi.vectors.UpsertNoteEmbedding(ctx, note, vector); err != nil {
			bi.logger.Error("failed to store embedding", "note_id", note.ID, "error", err)
			continue
		}
		indexed++
	}

	bi.logger.Info("indexed notes", "updated", len(notes), "indexed", indexed)
	return nil
}
