package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/sashabaranov/go-openai"

	"workbench/models"
)

// NoteMatch is one ranked result from the semantic index.
type NoteMatch struct {
	NoteID     string
	Title      string
	Collection string
}

// VectorService ranks notes against a query by embedding the query with
// OpenAI and running a cosine-distance search over the note_embeddings
// table. The batch indexer keeps that table current.
type VectorService struct {
	db     *sql.DB
	client *openai.Client
}

func NewVectorService(db *sql.DB, apiKey string) *VectorService {
	return &VectorService{
		db:     db,
		client: openai.NewClient(apiKey),
	}
}

// EmbedText turns text into the embedding the index stores.
func (vs *VectorService) EmbedText(ctx context.Context, text string) ([]float64, error) {
	resp, err := vs.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.AdaEmbeddingV2,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding creation failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings received")
	}

	embedding := make([]float64, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		embedding[i] = float64(v)
	}
	return embedding, nil
}

// UpsertNoteEmbedding stores or refreshes one note's vector.
func (vs *VectorService) UpsertNoteEmbedding(ctx context.Context, note models.Note, vector []float64) error {
	_, err := vs.db.ExecContext(ctx, `
        INSERT INTO note_embeddings (note_id, owner_id, collection, title, vector, updated_at)
        VALUES ($1, $2, $3, $4, $5::float8[]::vector, now())
        ON CONFLICT (note_id)
        DO UPDATE SET
            owner_id = EXCLUDED.owner_id,
            collection = EXCLUDED.collection,
            title = EXCLUDED.title,
            vector = EXCLUDED.vector,
            updated_at = now()
    `, note.ID, note.OwnerID, note.Collection, note.Title, pq.Float64Array(vector))
	if err != nil {
		return fmt.Errorf("failed to save note embedding: %w", err)
	}
	return nil
}

// SearchSimilar returns the owner's closest notes, optionally scoped to one
// collection.
func (vs *VectorService) SearchSimilar(ctx context.Context, ownerID, query, collection string, limit int) ([]NoteMatch, error) {
	queryVector, err := vs.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}

	sqlQuery := `
        SELECT note_id, title, collection
        FROM note_embeddings
        WHERE owner_id = $1 AND ($2 = '' OR collection = $2)
        ORDER BY vector <=> $3::float8[]::vector
        LIMIT $4
    `
	rows, err := vs.db.QueryContext(ctx, sqlQuery, ownerID, collection, pq.Float64Array(queryVector), limit)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	matches := make([]NoteMatch, 0, limit)
	for rows.Next() {
		var m NoteMatch
		if err := rows.Scan(&m.NoteID, &m.Title, &m.Collection); err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
