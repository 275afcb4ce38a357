package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"caseflow/internal/models"
)

// SaveMessages persists newly synced messages, bumps the unread counter,
// and advances the watermark in one transaction, so a crash never leaves
// the counter out of step with the rows. Re-delivered batches are safe:
// INSERT OR IGNORE skips rows already present and the counter only moves
// by the number actually inserted.
func (d *DB) SaveMessages(ctx context.Context, accountID string, msgs []models.MailMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin save messages: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	var maxSeq uint64
	for _, msg := range msgs {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO mail_messages (account_id, seq, subject, sender, received_at)
             VALUES (?, ?, ?, ?, ?)`,
			accountID, msg.Seq, msg.Subject, msg.Sender, msg.ReceivedAt)
		if err != nil {
			return 0, fmt.Errorf("insert message seq %d: %w", msg.Seq, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
		if msg.Seq > maxSeq {
			maxSeq = msg.Seq
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO mail_state (account_id, watermark, unread_count, updated_at)
         VALUES (?, ?, ?, CURRENT_TIMESTAMP)
         ON CONFLICT(account_id) DO UPDATE SET
           watermark = MAX(watermark, excluded.watermark),
           unread_count = unread_count + ?,
           updated_at = CURRENT_TIMESTAMP`,
		accountID, maxSeq, inserted, inserted)
	if err != nil {
		return 0, fmt.Errorf("update mail state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit save messages: %w", err)
	}
	return inserted, nil
}

// Watermark returns the highest message sequence number already synced
// for the account; zero means never synced.
func (d *DB) Watermark(ctx context.Context, accountID string) (uint64, error) {
	var wm uint64
	err := d.db.QueryRowContext(ctx,
		`SELECT watermark FROM mail_state WHERE account_id = ?`, accountID).Scan(&wm)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load watermark: %w", err)
	}
	return wm, nil
}

func (d *DB) UnreadCount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT unread_count FROM mail_state WHERE account_id = ?`, accountID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load unread count: %w", err)
	}
	return n, nil
}
