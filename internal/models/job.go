package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobKind string

const (
	KindOCR          JobKind = "ocr"
	KindEmbedding    JobKind = "embedding"
	KindPreview      JobKind = "preview"
	KindMailboxSync  JobKind = "mailbox_sync"
	KindFeedSync     JobKind = "feed_sync"
	KindDeadlineScan JobKind = "deadline_scan"
	KindSmokeTest    JobKind = "smoke_test"
)

// AllKinds lists every job kind a worker can lease. Order determines
// queue polling priority in the job store.
func AllKinds() []JobKind {
	return []JobKind{
		KindOCR,
		KindEmbedding,
		KindPreview,
		KindMailboxSync,
		KindFeedSync,
		KindDeadlineScan,
		KindSmokeTest,
	}
}

func ValidKind(k JobKind) bool {
	for _, known := range AllKinds() {
		if k == known {
			return true
		}
	}
	return false
}

type JobStatus string

const (
	StatusWaiting   JobStatus = "waiting"
	StatusDelayed   JobStatus = "delayed"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether a status allows no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one unit of asynchronous work. The Redis hash job:<id> is the
// source of truth; this struct is its decoded form.
type Job struct {
	ID             string          `json:"id"`
	Kind           JobKind         `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         JobStatus       `json:"status"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ScheduledAt    time.Time       `json:"scheduled_at,omitempty"`
	Result         string          `json:"result,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Permanent      bool            `json:"permanent,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Payload structs, one per job kind. DecodePayload is the only place
// raw payload bytes become typed values, so processors can rely on shape.

type OCRPayload struct {
	DocumentID  string `json:"document_id"`
	CaseID      string `json:"case_id"`
	StoragePath string `json:"storage_path"`
	MimeType    string `json:"mime_type"`
	FileName    string `json:"file_name"`
}

type EmbeddingPayload struct {
	DocumentID    string `json:"document_id"`
	CaseID        string `json:"case_id"`
	ExtractedText string `json:"extracted_text"`
}

type PreviewPayload struct {
	DocumentID  string `json:"document_id"`
	StoragePath string `json:"storage_path"`
	MimeType    string `json:"mime_type"`
	FileName    string `json:"file_name"`
	CaseID      string `json:"case_id"`
}

type MailboxSyncPayload struct {
	AccountID string `json:"account_id"`
}

// FeedSyncPayload is empty: the processor iterates all configured sources.
type FeedSyncPayload struct{}

// DeadlineScanPayload is empty: the scan window comes from configuration.
type DeadlineScanPayload struct{}

type SmokeTestPayload struct {
	Echo string `json:"echo,omitempty"`
}

// DecodePayload parses raw payload bytes into the struct matching kind.
func DecodePayload(kind JobKind, raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var (
		out interface{}
		err error
	)
	switch kind {
	case KindOCR:
		var p OCRPayload
		err = json.Unmarshal(raw, &p)
		out = p
	case KindEmbedding:
		var p EmbeddingPayload
		err = json.Unmarshal(raw, &p)
		out = p
	case KindPreview:
		var p PreviewPayload
		err = json.Unmarshal(raw, &p)
		out = p
	case KindMailboxSync:
		var p MailboxSyncPayload
		err = json.Unmarshal(raw, &p)
		out = p
	case KindFeedSync:
		var p FeedSyncPayload
		err = json.Unmarshal(raw, &p)
		out = p
	case KindDeadlineScan:
		var p DeadlineScanPayload
		err = json.Unmarshal(raw, &p)
		out = p
	case KindSmokeTest:
		var p SmokeTestPayload
		err = json.Unmarshal(raw, &p)
		out = p
	default:
		return nil, fmt.Errorf("unknown job kind: %s", kind)
	}
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("malformed %s payload: %w", kind, err))
	}
	return out, nil
}

// MailboxSyncKey builds the idempotency key for a manual mailbox sync.
// The coarse time bucket coalesces duplicate triggers inside one window.
func MailboxSyncKey(accountID string, at time.Time, window time.Duration) string {
	if window <= 0 {
		window = time.Minute
	}
	bucket := at.Unix() / int64(window.Seconds())
	return fmt.Sprintf("mailbox-sync:%s:%d", accountID, bucket)
}
