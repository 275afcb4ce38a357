// Package pipeline holds the per-job-kind processors. Each processor is
// a function of (payload, collaborators) and is safe to re-run on
// redelivery: derived state is upserted, never blindly inserted.
package pipeline

import (
	"context"
	"time"

	"caseflow/internal/jobstore"
	"caseflow/internal/models"
)

// Processor handles one job kind.
type Processor interface {
	Kind() models.JobKind
	// Process returns a short result summary for the job record. Errors
	// are classified by the worker: wrap in models.PermanentError or
	// models.ConfigError to bypass retry.
	Process(ctx context.Context, job *models.Job) (string, error)
}

// Enqueuer lets processors chain follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.JobKind, payload interface{}, opts jobstore.EnqueueOptions) (string, error)
}

// Publisher emits notification events through the fan-out bridge.
type Publisher interface {
	Publish(ctx context.Context, room string, event models.NotificationEvent) error
}

// Records is the durable store boundary the processors write through.
type Records interface {
	UpsertDocumentText(ctx context.Context, doc models.Document) error
	UpsertDocumentEmbedding(ctx context.Context, documentID, caseID, embeddingRef string) error
	UpsertDocumentPreview(ctx context.Context, documentID, caseID, previewPath string) error
	SaveMessages(ctx context.Context, accountID string, msgs []models.MailMessage) (int, error)
	Watermark(ctx context.Context, accountID string) (uint64, error)
	UnreadCount(ctx context.Context, accountID string) (int, error)
	InsertFeedEntry(ctx context.Context, source string, item models.FeedItem) (bool, error)
	UpsertNotification(ctx context.Context, n models.Notification) (bool, error)
	DueDeadlines(ctx context.Context, now time.Time, window time.Duration) ([]models.CaseDeadline, error)
}

// Decision is the content-policy verdict for a feed item.
type Decision int

const (
	DecisionInsert Decision = iota
	DecisionReject
)

// PolicyGate classifies feed items before they become domain records.
type PolicyGate interface {
	Classify(ctx context.Context, item models.FeedItem) (Decision, error)
}

// Indexer pushes derived fields to the downstream search index.
type Indexer interface {
	Index(ctx context.Context, documentID string, fields map[string]string) error
}

// TextExtractor is the black-box OCR boundary.
type TextExtractor interface {
	Extract(ctx context.Context, storagePath, mimeType string) (string, error)
}

// Embedder is the black-box embedding-model boundary.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Previewer renders a preview artifact and returns its storage path.
type Previewer interface {
	Render(ctx context.Context, storagePath, mimeType, fileName string) (string, error)
}

// Source is one configured external feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]models.FeedItem, error)
}

// Registry maps job kinds to processors for exhaustive dispatch.
type Registry map[models.JobKind]Processor

func NewRegistry(procs ...Processor) Registry {
	r := make(Registry, len(procs))
	for _, p := range procs {
		r[p.Kind()] = p
	}
	return r
}
