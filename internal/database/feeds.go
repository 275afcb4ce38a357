package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"caseflow/internal/models"
)

// InsertFeedEntry persists one ingested item. Returns false when the
// (source, uid) pair already exists; re-sees are skips, not errors.
func (d *DB) InsertFeedEntry(ctx context.Context, source string, item models.FeedItem) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO feed_entries (source, item_uid, title, body) VALUES (?, ?, ?, ?)`,
		source, item.UID, item.Title, item.Body)
	if err != nil {
		return false, fmt.Errorf("insert feed entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertNotification records a durable notification. Returns false when
// the dedup key already exists, so rescans emit each event once.
func (d *DB) UpsertNotification(ctx context.Context, n models.Notification) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications (case_id, kind, dedup_key, title, body) VALUES (?, ?, ?, ?, ?)`,
		n.CaseID, n.Kind, n.DedupKey, n.Title, n.Body)
	if err != nil {
		return false, fmt.Errorf("upsert notification: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// DueDeadlines returns cases whose deadline falls inside the warning
// window starting at now.
func (d *DB) DueDeadlines(ctx context.Context, now time.Time, window time.Duration) ([]models.CaseDeadline, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, title, COALESCE(assignee_id,''), deadline_at
         FROM cases
         WHERE deadline_at IS NOT NULL AND deadline_at >= ? AND deadline_at <= ?
         ORDER BY deadline_at ASC`,
		now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("scan deadlines: %w", err)
	}
	defer rows.Close()

	var out []models.CaseDeadline
	for rows.Next() {
		var cd models.CaseDeadline
		if err := rows.Scan(&cd.CaseID, &cd.Title, &cd.AssigneeID, &cd.DueAt); err != nil {
			return nil, fmt.Errorf("scan deadline row: %w", err)
		}
		out = append(out, cd)
	}
	return out, rows.Err()
}

// UpsertCase exists for the web tier and tests; the pipeline only reads
// cases.
func (d *DB) UpsertCase(ctx context.Context, id, title, assigneeID string, deadline *time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO cases (id, title, assignee_id, deadline_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
           title = excluded.title,
           assignee_id = excluded.assignee_id,
           deadline_at = excluded.deadline_at`,
		id, title, assigneeID, deadline)
	if err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	return nil
}

// GetNotification loads a notification by dedup key, mainly for tests.
func (d *DB) GetNotification(ctx context.Context, dedupKey string) (*models.Notification, error) {
	var n models.Notification
	err := d.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(case_id,''), kind, dedup_key, COALESCE(title,''), COALESCE(body,''), created_at
         FROM notifications WHERE dedup_key = ?`, dedupKey).Scan(
		&n.ID, &n.CaseID, &n.Kind, &n.DedupKey, &n.Title, &n.Body, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return &n, nil
}
