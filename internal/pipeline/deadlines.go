package pipeline

import (
	"context"
	"fmt"
	"time"

	"caseflow/internal/models"
)

// DeadlineScanProcessor runs on a cron trigger and raises one reminder
// per (case, deadline); the notification dedup key makes repeated scans
// emit each reminder once.
type DeadlineScanProcessor struct {
	records Records
	bus     Publisher
	window  time.Duration
}

func NewDeadlineScanProcessor(records Records, bus Publisher, window time.Duration) *DeadlineScanProcessor {
	return &DeadlineScanProcessor{records: records, bus: bus, window: window}
}

func (p *DeadlineScanProcessor) Kind() models.JobKind { return models.KindDeadlineScan }

func (p *DeadlineScanProcessor) Process(ctx context.Context, job *models.Job) (string, error) {
	due, err := p.records.DueDeadlines(ctx, time.Now(), p.window)
	if err != nil {
		return "", err
	}

	raised := 0
	for _, cd := range due {
		dedupKey := fmt.Sprintf("deadline:%s:%d", cd.CaseID, cd.DueAt.Unix())
		inserted, err := p.records.UpsertNotification(ctx, models.Notification{
			CaseID:   cd.CaseID,
			Kind:     models.EventDeadlineDue,
			DedupKey: dedupKey,
			Title:    "Deadline approaching",
			Body:     cd.Title,
		})
		if err != nil {
			return "", err
		}
		if !inserted {
			continue
		}
		raised++

		event := models.NotificationEvent{
			Type:      models.EventDeadlineDue,
			Title:     "Deadline approaching",
			Message:   cd.Title,
			Data:      map[string]interface{}{"case_id": cd.CaseID, "due_at": cd.DueAt},
			SoundType: "alert",
		}
		_ = p.bus.Publish(ctx, models.CaseRoom(cd.CaseID), event)
		if cd.AssigneeID != "" {
			_ = p.bus.Publish(ctx, models.UserRoom(cd.AssigneeID), event)
		}
	}

	return fmt.Sprintf("%d deadline(s) due, %d reminder(s) raised", len(due), raised), nil
}

// SmokeTestProcessor verifies the queue and fan-out path end to end.
type SmokeTestProcessor struct {
	bus Publisher
}

func NewSmokeTestProcessor(bus Publisher) *SmokeTestProcessor {
	return &SmokeTestProcessor{bus: bus}
}

func (p *SmokeTestProcessor) Kind() models.JobKind { return models.KindSmokeTest }

func (p *SmokeTestProcessor) Process(ctx context.Context, job *models.Job) (string, error) {
	decoded, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return "", err
	}
	payload := decoded.(models.SmokeTestPayload)

	_ = p.bus.Publish(ctx, models.RoleRoom("admin"), models.NotificationEvent{
		Type:    models.EventSystemSmoke,
		Title:   "Smoke test",
		Message: payload.Echo,
	})
	if payload.Echo == "" {
		return "ok", nil
	}
	return payload.Echo, nil
}
