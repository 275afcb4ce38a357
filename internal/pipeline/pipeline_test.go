package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/database"
	"caseflow/internal/jobstore"
	"caseflow/internal/mailbox"
	"caseflow/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(t *testing.T, kind models.JobKind, payload interface{}) *models.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &models.Job{ID: "job-1", Kind: kind, Payload: raw, Attempt: 1}
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type publishedEvent struct {
	Room  string
	Event models.NotificationEvent
}

type fakeBus struct {
	mu        sync.Mutex
	published []publishedEvent
}

func (b *fakeBus) Publish(ctx context.Context, room string, event models.NotificationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedEvent{Room: room, Event: event})
	return nil
}

func (b *fakeBus) toRoom(room string) []models.NotificationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.NotificationEvent
	for _, p := range b.published {
		if p.Room == room {
			out = append(out, p.Event)
		}
	}
	return out
}

type enqueuedJob struct {
	Kind    models.JobKind
	Payload interface{}
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueuedJob
}

func (e *fakeEnqueuer) Enqueue(ctx context.Context, kind models.JobKind, payload interface{}, opts jobstore.EnqueueOptions) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, enqueuedJob{Kind: kind, Payload: payload})
	return "chained-job", nil
}

func (e *fakeEnqueuer) kinds() []models.JobKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.JobKind, len(e.jobs))
	for i, j := range e.jobs {
		out[i] = j.Kind
	}
	return out
}

type fakeIndexer struct {
	mu   sync.Mutex
	docs map[string]map[string]string
}

func (i *fakeIndexer) Index(ctx context.Context, documentID string, fields map[string]string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.docs == nil {
		i.docs = make(map[string]map[string]string)
	}
	i.docs[documentID] = fields
	return nil
}

type fakeExtractor struct {
	text string
	err  error
}

func (e *fakeExtractor) Extract(ctx context.Context, storagePath, mimeType string) (string, error) {
	return e.text, e.err
}

type fakeEmbedder struct {
	vector []float64
	err    error
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return e.vector, e.err
}

type fakePreviewer struct {
	path string
	err  error
}

func (p *fakePreviewer) Render(ctx context.Context, storagePath, mimeType, fileName string) (string, error) {
	return p.path, p.err
}

func TestOCRProcessor(t *testing.T) {
	ctx := context.Background()

	t.Run("ExtractPersistChainIndexNotify", func(t *testing.T) {
		db := newTestDB(t)
		bus := &fakeBus{}
		jobs := &fakeEnqueuer{}
		indexer := &fakeIndexer{}
		p := NewOCRProcessor(db, &fakeExtractor{text: "scanned body"}, indexer, jobs, bus, zerolog.Nop())

		result, err := p.Process(ctx, newJob(t, models.KindOCR, models.OCRPayload{
			DocumentID:  "doc-1",
			CaseID:      "case-1",
			StoragePath: "/files/doc-1.pdf",
			MimeType:    "application/pdf",
			FileName:    "scan.pdf",
		}))
		require.NoError(t, err)
		assert.Contains(t, result, "extracted")

		doc, err := db.GetDocument(ctx, "doc-1")
		require.NoError(t, err)
		require.NotNil(t, doc)
		assert.Equal(t, "scanned body", doc.ExtractedText)

		assert.Equal(t, []models.JobKind{models.KindEmbedding, models.KindPreview}, jobs.kinds())
		assert.Equal(t, "case-1", indexer.docs["doc-1"]["case_id"])

		events := bus.toRoom(models.CaseRoom("case-1"))
		require.Len(t, events, 1)
		assert.Equal(t, models.EventDocumentProcessed, events[0].Type)
	})

	t.Run("MissingDocumentIDIsPermanent", func(t *testing.T) {
		p := NewOCRProcessor(newTestDB(t), &fakeExtractor{}, &fakeIndexer{}, &fakeEnqueuer{}, &fakeBus{}, zerolog.Nop())
		_, err := p.Process(ctx, newJob(t, models.KindOCR, models.OCRPayload{CaseID: "case-1"}))
		require.Error(t, err)
		assert.True(t, models.IsPermanent(err))
	})

	t.Run("MalformedPayloadIsPermanent", func(t *testing.T) {
		p := NewOCRProcessor(newTestDB(t), &fakeExtractor{}, &fakeIndexer{}, &fakeEnqueuer{}, &fakeBus{}, zerolog.Nop())
		_, err := p.Process(ctx, &models.Job{ID: "job-1", Kind: models.KindOCR, Payload: json.RawMessage(`{"document_id": 7}`)})
		require.Error(t, err)
		assert.True(t, models.IsPermanent(err))
	})

	t.Run("ExtractorFailureIsTransient", func(t *testing.T) {
		p := NewOCRProcessor(newTestDB(t), &fakeExtractor{err: errors.New("service down")},
			&fakeIndexer{}, &fakeEnqueuer{}, &fakeBus{}, zerolog.Nop())
		_, err := p.Process(ctx, newJob(t, models.KindOCR, models.OCRPayload{
			DocumentID: "doc-1", CaseID: "case-1", MimeType: "application/pdf",
		}))
		require.Error(t, err)
		assert.False(t, models.IsPermanent(err))
	})
}

func TestEmbeddingProcessor(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := NewEmbeddingProcessor(db, &fakeEmbedder{vector: []float64{0.25, -0.5}})

	result, err := p.Process(ctx, newJob(t, models.KindEmbedding, models.EmbeddingPayload{
		DocumentID: "doc-1", CaseID: "case-1", ExtractedText: "scanned body",
	}))
	require.NoError(t, err)
	assert.Equal(t, "embedded 2 dims", result)

	doc, err := db.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "[0.25,-0.5]", doc.EmbeddingRef)
}

func TestPreviewProcessor(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	bus := &fakeBus{}
	p := NewPreviewProcessor(db, &fakePreviewer{path: "/previews/doc-1.png"}, bus)

	result, err := p.Process(ctx, newJob(t, models.KindPreview, models.PreviewPayload{
		DocumentID: "doc-1", CaseID: "case-1", FileName: "scan.pdf",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/previews/doc-1.png", result)

	doc, err := db.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "/previews/doc-1.png", doc.PreviewPath)

	events := bus.toRoom(models.CaseRoom("case-1"))
	require.Len(t, events, 1)
	assert.Equal(t, models.EventPreviewReady, events[0].Type)
}

type scriptedMailClient struct {
	mu       sync.Mutex
	messages []models.MailMessage
}

func (c *scriptedMailClient) ListNewSince(ctx context.Context, sinceSeq uint64) ([]models.MailMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.MailMessage
	for _, m := range c.messages {
		if m.Seq > sinceSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *scriptedMailClient) Noop(ctx context.Context) error { return nil }
func (c *scriptedMailClient) Close() error                   { return nil }

func newTestMailboxManager(t *testing.T, client mailbox.Client) *mailbox.Manager {
	t.Helper()
	cfg := config.MailboxConfig{
		HeartbeatIntervalSec: 300,
		HeartbeatTimeoutSec:  10,
		ReconnectDelaySec:    15,
		Accounts: []config.MailboxAccount{
			{ID: "intake", OwnerUserID: "u-100", Host: "mail.example.com:993"},
		},
	}
	dial := func(ctx context.Context, account config.MailboxAccount) (mailbox.Client, error) {
		return client, nil
	}
	m := mailbox.NewManager(cfg, dial, mailbox.NewClock(), zerolog.Nop())
	t.Cleanup(m.Close)
	return m
}

func TestMailboxSyncProcessor(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	bus := &fakeBus{}
	indexer := &fakeIndexer{}
	client := &scriptedMailClient{messages: []models.MailMessage{
		{AccountID: "intake", Seq: 1, Subject: "Hearing moved", Sender: "clerk@court.example", ReceivedAt: time.Now()},
		{AccountID: "intake", Seq: 2, Subject: "Filing receipt", Sender: "noreply@court.example", ReceivedAt: time.Now()},
		{AccountID: "intake", Seq: 3, Subject: "Re: discovery", Sender: "counsel@firm.example", ReceivedAt: time.Now()},
	}}
	manager := newTestMailboxManager(t, client)
	p := NewMailboxSyncProcessor(manager, db, indexer, bus, zerolog.Nop())

	t.Run("FirstSyncPersistsAndNotifies", func(t *testing.T) {
		result, err := p.Process(ctx, newJob(t, models.KindMailboxSync,
			models.MailboxSyncPayload{AccountID: "intake"}))
		require.NoError(t, err)
		assert.Equal(t, "synced 3 message(s)", result)

		wm, err := db.Watermark(ctx, "intake")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), wm)

		unread, err := db.UnreadCount(ctx, "intake")
		require.NoError(t, err)
		assert.Equal(t, 3, unread)

		assert.Contains(t, indexer.docs, "mail:intake:1")
		assert.Contains(t, indexer.docs, "mail:intake:3")

		events := bus.toRoom(models.UserRoom("u-100"))
		require.Len(t, events, 1)
		assert.Equal(t, models.EventEmailReceived, events[0].Type)
		assert.Equal(t, "mail", events[0].SoundType)
		assert.Equal(t, 3, events[0].Data["count"])
	})

	t.Run("SecondSyncFromWatermarkIsQuiet", func(t *testing.T) {
		result, err := p.Process(ctx, newJob(t, models.KindMailboxSync,
			models.MailboxSyncPayload{AccountID: "intake"}))
		require.NoError(t, err)
		assert.Equal(t, "synced 0 message(s)", result)

		// No second notification.
		assert.Len(t, bus.toRoom(models.UserRoom("u-100")), 1)
	})

	t.Run("NewMessagePicksUpFromWatermark", func(t *testing.T) {
		client.mu.Lock()
		client.messages = append(client.messages,
			models.MailMessage{AccountID: "intake", Seq: 4, Subject: "New order", ReceivedAt: time.Now()})
		client.mu.Unlock()

		result, err := p.Process(ctx, newJob(t, models.KindMailboxSync,
			models.MailboxSyncPayload{AccountID: "intake"}))
		require.NoError(t, err)
		assert.Equal(t, "synced 1 message(s)", result)

		unread, err := db.UnreadCount(ctx, "intake")
		require.NoError(t, err)
		assert.Equal(t, 4, unread)
	})

	t.Run("UnknownAccountIsConfigError", func(t *testing.T) {
		_, err := p.Process(ctx, newJob(t, models.KindMailboxSync,
			models.MailboxSyncPayload{AccountID: "ghost"}))
		require.Error(t, err)
		assert.True(t, models.IsConfig(err))
	})
}

func TestDeadlineScanProcessor(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	bus := &fakeBus{}
	p := NewDeadlineScanProcessor(db, bus, 7*24*time.Hour)

	soon := time.Now().Add(2 * 24 * time.Hour)
	far := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, db.UpsertCase(ctx, "case-7", "Ivanov v. Registry", "u-100", &soon))
	require.NoError(t, db.UpsertCase(ctx, "case-8", "Far away", "u-200", &far))

	t.Run("FirstScanRaisesReminder", func(t *testing.T) {
		result, err := p.Process(ctx, newJob(t, models.KindDeadlineScan, models.DeadlineScanPayload{}))
		require.NoError(t, err)
		assert.Equal(t, "1 deadline(s) due, 1 reminder(s) raised", result)

		caseEvents := bus.toRoom(models.CaseRoom("case-7"))
		require.Len(t, caseEvents, 1)
		assert.Equal(t, models.EventDeadlineDue, caseEvents[0].Type)
		assert.Len(t, bus.toRoom(models.UserRoom("u-100")), 1)

		n, err := db.GetNotification(ctx, "deadline:case-7:"+unixStr(soon))
		require.NoError(t, err)
		require.NotNil(t, n)
	})

	t.Run("RescanStaysSilent", func(t *testing.T) {
		result, err := p.Process(ctx, newJob(t, models.KindDeadlineScan, models.DeadlineScanPayload{}))
		require.NoError(t, err)
		assert.Equal(t, "1 deadline(s) due, 0 reminder(s) raised", result)
		assert.Len(t, bus.toRoom(models.CaseRoom("case-7")), 1)
	})
}

func unixStr(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func TestSmokeTestProcessor(t *testing.T) {
	bus := &fakeBus{}
	p := NewSmokeTestProcessor(bus)

	result, err := p.Process(context.Background(), newJob(t, models.KindSmokeTest,
		models.SmokeTestPayload{Echo: "ping"}))
	require.NoError(t, err)
	assert.Equal(t, "ping", result)

	events := bus.toRoom(models.RoleRoom("admin"))
	require.Len(t, events, 1)
	assert.Equal(t, models.EventSystemSmoke, events[0].Type)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewSmokeTestProcessor(&fakeBus{}))
	require.Len(t, r, 1)
	assert.NotNil(t, r[models.KindSmokeTest])
	assert.Nil(t, r[models.KindOCR])
}
