package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"caseflow/internal/mailbox"
	"caseflow/internal/models"

	"github.com/rs/zerolog"
)

// MailboxSyncProcessor pulls new messages for one account through the
// connection manager and persists them with their counters in one
// transaction.
type MailboxSyncProcessor struct {
	manager *mailbox.Manager
	records Records
	indexer Indexer
	bus     Publisher
	logger  zerolog.Logger
}

func NewMailboxSyncProcessor(manager *mailbox.Manager, records Records, indexer Indexer, bus Publisher, logger zerolog.Logger) *MailboxSyncProcessor {
	return &MailboxSyncProcessor{
		manager: manager,
		records: records,
		indexer: indexer,
		bus:     bus,
		logger:  logger.With().Str("component", "mailbox_sync").Logger(),
	}
}

func (p *MailboxSyncProcessor) Kind() models.JobKind { return models.KindMailboxSync }

func (p *MailboxSyncProcessor) Process(ctx context.Context, job *models.Job) (string, error) {
	decoded, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return "", err
	}
	payload := decoded.(models.MailboxSyncPayload)
	if payload.AccountID == "" {
		return "", models.NewPermanentError(fmt.Errorf("mailbox sync payload missing account_id"))
	}

	client, err := p.manager.Conn(ctx, payload.AccountID)
	if err != nil {
		if errors.Is(err, mailbox.ErrUnknownAccount) {
			return "", models.NewConfigError(err)
		}
		return "", fmt.Errorf("obtain mailbox session: %w", err)
	}

	watermark, err := p.records.Watermark(ctx, payload.AccountID)
	if err != nil {
		return "", err
	}

	msgs, err := client.ListNewSince(ctx, watermark)
	if err != nil {
		return "", fmt.Errorf("list new messages for %s: %w", payload.AccountID, err)
	}

	inserted, err := p.records.SaveMessages(ctx, payload.AccountID, msgs)
	if err != nil {
		return "", err
	}

	for _, msg := range msgs {
		docID := fmt.Sprintf("mail:%s:%d", payload.AccountID, msg.Seq)
		if err := p.indexer.Index(ctx, docID, map[string]string{
			"account_id": payload.AccountID,
			"subject":    msg.Subject,
			"sender":     msg.Sender,
		}); err != nil {
			return "", fmt.Errorf("index message %d: %w", msg.Seq, err)
		}
	}

	if inserted > 0 {
		unread, err := p.records.UnreadCount(ctx, payload.AccountID)
		if err != nil {
			return "", err
		}
		acct, _ := p.manager.Account(payload.AccountID)
		if err := p.bus.Publish(ctx, models.UserRoom(acct.OwnerUserID), models.NotificationEvent{
			Type:      models.EventEmailReceived,
			Title:     "New mail",
			Message:   strconv.Itoa(inserted) + " new message(s)",
			Data:      map[string]interface{}{"account_id": payload.AccountID, "count": inserted, "unread": unread},
			SoundType: "mail",
		}); err != nil {
			p.logger.Error().Err(err).Str("account", payload.AccountID).Msg("event publish failed")
		}
	}

	return fmt.Sprintf("synced %d message(s)", inserted), nil
}
