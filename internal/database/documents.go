package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"caseflow/internal/models"
)

// UpsertDocumentText stores OCR output for a document. The row is
// created if the web tier has not written it yet (upload and processing
// race on purpose).
func (d *DB) UpsertDocumentText(ctx context.Context, doc models.Document) error {
	query := `INSERT INTO documents (id, case_id, storage_path, mime_type, file_name, extracted_text, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                extracted_text = excluded.extracted_text,
                updated_at = excluded.updated_at`
	_, err := d.db.ExecContext(ctx, query,
		doc.ID, doc.CaseID, doc.StoragePath, doc.MimeType, doc.FileName, doc.ExtractedText, time.Now())
	if err != nil {
		return fmt.Errorf("upsert document text: %w", err)
	}
	return nil
}

func (d *DB) UpsertDocumentEmbedding(ctx context.Context, documentID, caseID, embeddingRef string) error {
	query := `INSERT INTO documents (id, case_id, embedding_ref, updated_at)
              VALUES (?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                embedding_ref = excluded.embedding_ref,
                updated_at = excluded.updated_at`
	if _, err := d.db.ExecContext(ctx, query, documentID, caseID, embeddingRef, time.Now()); err != nil {
		return fmt.Errorf("upsert document embedding: %w", err)
	}
	return nil
}

func (d *DB) UpsertDocumentPreview(ctx context.Context, documentID, caseID, previewPath string) error {
	query := `INSERT INTO documents (id, case_id, preview_path, updated_at)
              VALUES (?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                preview_path = excluded.preview_path,
                updated_at = excluded.updated_at`
	if _, err := d.db.ExecContext(ctx, query, documentID, caseID, previewPath, time.Now()); err != nil {
		return fmt.Errorf("upsert document preview: %w", err)
	}
	return nil
}

func (d *DB) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	query := `SELECT id, case_id, COALESCE(storage_path,''), COALESCE(mime_type,''), COALESCE(file_name,''),
                     COALESCE(extracted_text,''), COALESCE(embedding_ref,''), COALESCE(preview_path,''), updated_at
              FROM documents WHERE id = ?`
	var doc models.Document
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.CaseID, &doc.StoragePath, &doc.MimeType, &doc.FileName,
		&doc.ExtractedText, &doc.EmbeddingRef, &doc.PreviewPath, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}
