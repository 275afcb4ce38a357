package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"caseflow/internal/jobstore"
	"caseflow/internal/models"

	"github.com/rs/zerolog"
)

// OCRProcessor extracts text from an uploaded document, persists it,
// chains the embedding and preview jobs, and indexes the document.
type OCRProcessor struct {
	records   Records
	extractor TextExtractor
	indexer   Indexer
	jobs      Enqueuer
	bus       Publisher
	logger    zerolog.Logger
}

func NewOCRProcessor(records Records, extractor TextExtractor, indexer Indexer, jobs Enqueuer, bus Publisher, logger zerolog.Logger) *OCRProcessor {
	return &OCRProcessor{
		records:   records,
		extractor: extractor,
		indexer:   indexer,
		jobs:      jobs,
		bus:       bus,
		logger:    logger.With().Str("component", "ocr").Logger(),
	}
}

func (p *OCRProcessor) Kind() models.JobKind { return models.KindOCR }

func (p *OCRProcessor) Process(ctx context.Context, job *models.Job) (string, error) {
	decoded, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return "", err
	}
	payload := decoded.(models.OCRPayload)
	if payload.DocumentID == "" {
		return "", models.NewPermanentError(fmt.Errorf("ocr payload missing document_id"))
	}

	var text string
	if IsSpreadsheet(payload.MimeType) {
		text, err = SpreadsheetText(payload.StoragePath)
	} else {
		text, err = p.extractor.Extract(ctx, payload.StoragePath, payload.MimeType)
	}
	if err != nil {
		return "", fmt.Errorf("extract text for %s: %w", payload.DocumentID, err)
	}

	err = p.records.UpsertDocumentText(ctx, models.Document{
		ID:            payload.DocumentID,
		CaseID:        payload.CaseID,
		StoragePath:   payload.StoragePath,
		MimeType:      payload.MimeType,
		FileName:      payload.FileName,
		ExtractedText: text,
	})
	if err != nil {
		return "", err
	}

	if _, err := p.jobs.Enqueue(ctx, models.KindEmbedding, models.EmbeddingPayload{
		DocumentID:    payload.DocumentID,
		CaseID:        payload.CaseID,
		ExtractedText: text,
	}, jobstore.EnqueueOptions{}); err != nil {
		return "", fmt.Errorf("chain embedding job: %w", err)
	}
	if _, err := p.jobs.Enqueue(ctx, models.KindPreview, models.PreviewPayload{
		DocumentID:  payload.DocumentID,
		StoragePath: payload.StoragePath,
		MimeType:    payload.MimeType,
		FileName:    payload.FileName,
		CaseID:      payload.CaseID,
	}, jobstore.EnqueueOptions{}); err != nil {
		return "", fmt.Errorf("chain preview job: %w", err)
	}

	if err := p.indexer.Index(ctx, payload.DocumentID, map[string]string{
		"case_id":   payload.CaseID,
		"file_name": payload.FileName,
		"text":      text,
	}); err != nil {
		return "", fmt.Errorf("index document %s: %w", payload.DocumentID, err)
	}

	if err := p.bus.Publish(ctx, models.CaseRoom(payload.CaseID), models.NotificationEvent{
		Type:    models.EventDocumentProcessed,
		Title:   "Document processed",
		Message: payload.FileName,
		Data:    map[string]interface{}{"document_id": payload.DocumentID},
	}); err != nil {
		p.logger.Error().Err(err).Str("document_id", payload.DocumentID).Msg("event publish failed")
	}

	return fmt.Sprintf("extracted %d chars", len(text)), nil
}

// EmbeddingProcessor turns extracted text into a vector reference.
type EmbeddingProcessor struct {
	records  Records
	embedder Embedder
}

func NewEmbeddingProcessor(records Records, embedder Embedder) *EmbeddingProcessor {
	return &EmbeddingProcessor{records: records, embedder: embedder}
}

func (p *EmbeddingProcessor) Kind() models.JobKind { return models.KindEmbedding }

func (p *EmbeddingProcessor) Process(ctx context.Context, job *models.Job) (string, error) {
	decoded, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return "", err
	}
	payload := decoded.(models.EmbeddingPayload)
	if payload.DocumentID == "" {
		return "", models.NewPermanentError(fmt.Errorf("embedding payload missing document_id"))
	}

	vector, err := p.embedder.Embed(ctx, payload.ExtractedText)
	if err != nil {
		return "", fmt.Errorf("embed document %s: %w", payload.DocumentID, err)
	}
	ref, err := json.Marshal(vector)
	if err != nil {
		return "", err
	}
	if err := p.records.UpsertDocumentEmbedding(ctx, payload.DocumentID, payload.CaseID, string(ref)); err != nil {
		return "", err
	}
	return fmt.Sprintf("embedded %d dims", len(vector)), nil
}

// PreviewProcessor renders a browser-friendly preview artifact.
type PreviewProcessor struct {
	records   Records
	previewer Previewer
	bus       Publisher
}

func NewPreviewProcessor(records Records, previewer Previewer, bus Publisher) *PreviewProcessor {
	return &PreviewProcessor{records: records, previewer: previewer, bus: bus}
}

func (p *PreviewProcessor) Kind() models.JobKind { return models.KindPreview }

func (p *PreviewProcessor) Process(ctx context.Context, job *models.Job) (string, error) {
	decoded, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return "", err
	}
	payload := decoded.(models.PreviewPayload)
	if payload.DocumentID == "" {
		return "", models.NewPermanentError(fmt.Errorf("preview payload missing document_id"))
	}

	path, err := p.previewer.Render(ctx, payload.StoragePath, payload.MimeType, payload.FileName)
	if err != nil {
		return "", fmt.Errorf("render preview for %s: %w", payload.DocumentID, err)
	}
	if err := p.records.UpsertDocumentPreview(ctx, payload.DocumentID, payload.CaseID, path); err != nil {
		return "", err
	}

	_ = p.bus.Publish(ctx, models.CaseRoom(payload.CaseID), models.NotificationEvent{
		Type:    models.EventPreviewReady,
		Title:   "Preview ready",
		Message: payload.FileName,
		Data:    map[string]interface{}{"document_id": payload.DocumentID, "preview_path": path},
	})
	return path, nil
}
