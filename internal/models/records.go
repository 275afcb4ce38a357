package models

import "time"

// Document derived-state columns are filled in by the pipeline: extracted
// text by OCR, embedding reference by the embedder, preview path by the
// preview renderer. Upserts keyed by document id keep redelivery safe.
type Document struct {
	ID            string
	CaseID        string
	StoragePath   string
	MimeType      string
	FileName      string
	ExtractedText string
	EmbeddingRef  string
	PreviewPath   string
	UpdatedAt     time.Time
}

// MailMessage is one mailbox message persisted during sync. Seq is the
// server-side sequence number used as the sync high-watermark; the
// (account id, seq) pair is unique.
type MailMessage struct {
	AccountID  string
	Seq        uint64
	Subject    string
	Sender     string
	ReceivedAt time.Time
}

// FeedItem is one item fetched from an external source. UID is the
// opaque identifier tracked by the dedup cache.
type FeedItem struct {
	UID   string `json:"uid"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// CaseDeadline is the projection the deadline scan works over.
type CaseDeadline struct {
	CaseID     string
	Title      string
	AssigneeID string
	DueAt      time.Time
}

// Notification is the durable record behind a realtime event. DedupKey
// keeps rescans from inserting the same notification twice.
type Notification struct {
	ID        int64
	CaseID    string
	Kind      string
	DedupKey  string
	Title     string
	Body      string
	CreatedAt time.Time
}
