package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"caseflow/internal/dedup"
	"caseflow/internal/models"

	"github.com/rs/zerolog"
)

// Stats aggregates one feed sync cycle for observability.
type Stats struct {
	Inserted    int `json:"inserted"`
	Skipped     int `json:"skipped"`
	PIIRejected int `json:"pii_rejected"`
	Failed      int `json:"failed"`
}

// FeedSyncProcessor ingests every configured external source. Per item:
// already-seen identifiers are skipped; the policy gate decides between
// insert and reject; both outcomes mark the identifier seen (a rejection
// is a permanent skip, never retried), while an error leaves it unseen
// so the next cycle picks it up again. The seen-set is saved after each
// source completes, so a crash mid-cycle re-processes only the sources
// that had not finished.
type FeedSyncProcessor struct {
	store    *dedup.Store
	records  Records
	gate     PolicyGate
	sources  []Source
	bus      Publisher
	cycleTTL time.Duration
	logger   zerolog.Logger
}

func NewFeedSyncProcessor(store *dedup.Store, records Records, gate PolicyGate, sources []Source, bus Publisher, cycleTTL time.Duration, logger zerolog.Logger) *FeedSyncProcessor {
	return &FeedSyncProcessor{
		store:    store,
		records:  records,
		gate:     gate,
		sources:  sources,
		bus:      bus,
		cycleTTL: cycleTTL,
		logger:   logger.With().Str("component", "feed_sync").Logger(),
	}
}

func (p *FeedSyncProcessor) Kind() models.JobKind { return models.KindFeedSync }

func (p *FeedSyncProcessor) Process(ctx context.Context, job *models.Job) (string, error) {
	var total Stats
	for _, source := range p.sources {
		stats, err := p.syncSource(ctx, source)
		if err != nil {
			return "", fmt.Errorf("sync source %s: %w", source.Name(), err)
		}
		total.Inserted += stats.Inserted
		total.Skipped += stats.Skipped
		total.PIIRejected += stats.PIIRejected
		total.Failed += stats.Failed
	}

	_ = p.bus.Publish(ctx, models.RoleRoom("admin"), models.NotificationEvent{
		Type:    models.EventFeedSynced,
		Title:   "Feed sync finished",
		Message: fmt.Sprintf("%d inserted, %d skipped, %d rejected, %d failed", total.Inserted, total.Skipped, total.PIIRejected, total.Failed),
		Data: map[string]interface{}{
			"inserted": total.Inserted, "skipped": total.Skipped,
			"pii_rejected": total.PIIRejected, "failed": total.Failed,
		},
	})

	return fmt.Sprintf("inserted=%d skipped=%d rejected=%d failed=%d",
		total.Inserted, total.Skipped, total.PIIRejected, total.Failed), nil
}

func (p *FeedSyncProcessor) syncSource(ctx context.Context, source Source) (Stats, error) {
	var stats Stats

	if err := p.store.AcquireCycle(ctx, source.Name(), p.cycleTTL); err != nil {
		if errors.Is(err, dedup.ErrCycleRunning) {
			p.logger.Warn().Str("source", source.Name()).Msg("cycle already running, skipped")
			return stats, nil
		}
		return stats, err
	}
	defer func() {
		if err := p.store.ReleaseCycle(context.WithoutCancel(ctx), source.Name()); err != nil {
			p.logger.Error().Err(err).Str("source", source.Name()).Msg("cycle release failed")
		}
	}()

	cache, err := p.store.Load(ctx, source.Name())
	if err != nil {
		return stats, err
	}

	items, err := source.Fetch(ctx)
	if err != nil {
		return stats, fmt.Errorf("fetch items: %w", err)
	}

	for _, item := range items {
		if cache.Seen(item.UID) {
			stats.Skipped++
			continue
		}
		decision, err := p.gate.Classify(ctx, item)
		if err != nil {
			// Identifier stays unseen; the next cycle retries it.
			stats.Failed++
			p.logger.Error().Err(err).Str("source", source.Name()).Str("uid", item.UID).Msg("classification failed")
			continue
		}
		switch decision {
		case DecisionReject:
			cache.MarkSeen(item.UID)
			stats.PIIRejected++
		case DecisionInsert:
			if _, err := p.records.InsertFeedEntry(ctx, source.Name(), item); err != nil {
				stats.Failed++
				p.logger.Error().Err(err).Str("source", source.Name()).Str("uid", item.UID).Msg("insert failed")
				continue
			}
			cache.MarkSeen(item.UID)
			stats.Inserted++
		}
	}

	// One save per source, not per item: the batch bounds crash
	// re-processing to the unfinished sources.
	if err := p.store.Save(ctx, cache); err != nil {
		return stats, err
	}
	return stats, nil
}
