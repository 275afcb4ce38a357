package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"caseflow/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Schedule is a named repeating trigger stored in the schedules hash.
type Schedule struct {
	Cron    string          `json:"cron"`
	Kind    models.JobKind  `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterSchedule upserts a repeating trigger. Calling it again with the
// same name replaces the schedule, so process start can always register.
func (s *Store) RegisterSchedule(ctx context.Context, name, cronExpr string, kind models.JobKind, payload interface{}) error {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	if !models.ValidKind(kind) {
		return fmt.Errorf("unknown job kind: %s", kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode schedule payload: %w", err)
	}
	data, err := json.Marshal(Schedule{Cron: cronExpr, Kind: kind, Payload: raw})
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, schedulesKey, name, data).Err()
}

// Schedules returns all registered triggers by name.
func (s *Store) Schedules(ctx context.Context) (map[string]Schedule, error) {
	fields, err := s.rdb.HGetAll(ctx, schedulesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	out := make(map[string]Schedule, len(fields))
	for name, data := range fields {
		var sched Schedule
		if err := json.Unmarshal([]byte(data), &sched); err != nil {
			return nil, fmt.Errorf("decode schedule %s: %w", name, err)
		}
		out[name] = sched
	}
	return out, nil
}

// Scheduler fires cron triggers and runs the queue housekeeping loop
// (due-delayed mover, expired-lease reclaim). Any number of instances
// may run; a per-tick Redis lock ensures each trigger fires once.
type Scheduler struct {
	store        *Store
	cron         *cron.Cron
	logger       zerolog.Logger
	pollInterval time.Duration
	refreshEvery time.Duration
	entries      map[string]cron.EntryID
	specs        map[string]Schedule
}

func NewScheduler(store *Store, pollInterval time.Duration, logger zerolog.Logger) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Scheduler{
		store:        store,
		cron:         cron.New(),
		logger:       logger.With().Str("component", "scheduler").Logger(),
		pollInterval: pollInterval,
		refreshEvery: time.Minute,
		entries:      make(map[string]cron.EntryID),
		specs:        make(map[string]Schedule),
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.refresh(ctx); err != nil {
		return err
	}
	s.cron.Start()
	defer s.cron.Stop()

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	refresh := time.NewTicker(s.refreshEvery)
	defer refresh.Stop()

	s.logger.Info().Msg("scheduler started")
	defer s.logger.Info().Msg("scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			s.housekeep(ctx)
		case <-refresh.C:
			if err := s.refresh(ctx); err != nil {
				s.logger.Error().Err(err).Msg("schedule refresh failed")
			}
		}
	}
}

func (s *Scheduler) housekeep(ctx context.Context) {
	now := time.Now()
	for _, kind := range models.AllKinds() {
		if _, err := s.store.MoveDue(ctx, kind, now, 200); err != nil {
			s.logger.Error().Err(err).Str("kind", string(kind)).Msg("move due failed")
		}
	}
	if _, err := s.store.ReclaimExpired(ctx, now); err != nil {
		s.logger.Error().Err(err).Msg("lease reclaim failed")
	}
}

// refresh re-reads the schedules hash and rebuilds changed cron entries,
// so upserts from other processes take effect within a minute.
func (s *Scheduler) refresh(ctx context.Context) error {
	schedules, err := s.store.Schedules(ctx)
	if err != nil {
		return err
	}
	for name, id := range s.entries {
		sched, ok := schedules[name]
		if ok && sameSchedule(sched, s.specs[name]) {
			continue
		}
		s.cron.Remove(id)
		delete(s.entries, name)
		delete(s.specs, name)
	}
	for name, sched := range schedules {
		if _, ok := s.entries[name]; ok {
			continue
		}
		name, sched := name, sched
		id, err := s.cron.AddFunc(sched.Cron, func() { s.fire(name, sched) })
		if err != nil {
			s.logger.Error().Err(err).Str("schedule", name).Msg("bad cron expression")
			continue
		}
		s.entries[name] = id
		s.specs[name] = sched
	}
	return nil
}

func sameSchedule(a, b Schedule) bool {
	return a.Cron == b.Cron && a.Kind == b.Kind && string(a.Payload) == string(b.Payload)
}

// fire enqueues one job for a trigger tick. The lock key includes the
// minute so concurrent scheduler instances fire each tick exactly once.
func (s *Scheduler) fire(name string, sched Schedule) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tick := time.Now().Truncate(time.Minute).Unix()
	lockKey := fmt.Sprintf("sched:lock:%s:%d", name, tick)
	ok, err := s.store.rdb.SetNX(ctx, lockKey, "1", 90*time.Second).Result()
	if err != nil {
		s.logger.Error().Err(err).Str("schedule", name).Msg("trigger lock failed")
		return
	}
	if !ok {
		return
	}

	id, err := s.store.Enqueue(ctx, sched.Kind, sched.Payload, EnqueueOptions{})
	if err != nil {
		s.logger.Error().Err(err).Str("schedule", name).Msg("trigger enqueue failed")
		return
	}
	s.logger.Info().Str("schedule", name).Str("job_id", id).Msg("schedule fired")
}
