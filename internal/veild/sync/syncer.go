// Package sync periodically pulls per-key traffic counters from the
// running xray process and persists them, so the API can answer traffic
// queries even while the process is down.
package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/merdocx/veil-xray/internal/veild/db"
	"github.com/merdocx/veil-xray/internal/veild/events"
	"github.com/merdocx/veil-xray/internal/veild/keys"
	"github.com/merdocx/veil-xray/internal/veild/xray"
	"github.com/merdocx/veil-xray/pkg/logger"
)

// Syncer runs the periodic traffic collection job.
type Syncer struct {
	store    db.Store
	control  *xray.ControlClient
	bus      events.Bus
	schedule string
	cron     *cron.Cron
	unsub    events.UnsubscribeFunc
	logger   *logger.Logger
}

// NewSyncer creates a Syncer with a cron schedule such as "@every 5m".
func NewSyncer(store db.Store, control *xray.ControlClient, bus events.Bus, schedule string, log *logger.Logger) *Syncer {
	if schedule == "" {
		schedule = "@every 5m"
	}
	return &Syncer{
		store:    store,
		control:  control,
		bus:      bus,
		schedule: schedule,
		logger:   log.WithComponent("sync"),
	}
}

// Start schedules the job and begins running it. New keys get their
// stats row refreshed right away instead of waiting a full interval.
func (s *Syncer) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.RunOnce(ctx)
	})
	if err != nil {
		return err
	}

	s.unsub, err = s.bus.Subscribe(events.TypeKeyCreated, func(ctx context.Context, e events.Event) error {
		keyID, ok := e.Metadata()["key_id"].(int64)
		if !ok {
			return nil
		}
		s.seedKey(ctx, keyID)
		return nil
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("traffic sync scheduled", slog.String("schedule", s.schedule))
	return nil
}

// Stop cancels the schedule and waits for a running pass to finish.
func (s *Syncer) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.cron == nil {
		return nil
	}
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// seedKey refreshes one key's counters outside the normal schedule.
func (s *Syncer) seedKey(ctx context.Context, keyID int64) {
	if !s.control.CheckHealth(ctx) {
		return
	}

	row, err := s.store.GetKey(ctx, keyID)
	if err != nil {
		return
	}

	traffic := s.control.UserStats(ctx, keys.Email(row.ID, row.UUID))
	if err := s.store.UpsertTrafficStat(ctx, db.UpsertTrafficStatParams{
		KeyID:     row.ID,
		Upload:    traffic.Upload,
		Download:  traffic.Download,
		UpdatedAt: time.Now().Unix(),
	}); err != nil {
		s.logger.Debug("failed to seed traffic stats",
			slog.Int64("key_id", row.ID),
			slog.String("error", err.Error()))
	}
}

// RunOnce performs one sync pass over all active keys. Skips entirely
// when the process is unreachable; stored counters stay as they were.
func (s *Syncer) RunOnce(ctx context.Context) {
	if !s.control.CheckHealth(ctx) {
		s.logger.Debug("skipping traffic sync, xray unreachable")
		return
	}

	rows, err := s.store.ListActiveKeys(ctx)
	if err != nil {
		s.logger.ErrorCtx(ctx, "traffic sync failed to list keys", err)
		return
	}

	synced := 0
	now := time.Now().Unix()
	for _, row := range rows {
		email := keys.Email(row.ID, row.UUID)
		traffic := s.control.UserStats(ctx, email)

		err := s.store.UpsertTrafficStat(ctx, db.UpsertTrafficStatParams{
			KeyID:     row.ID,
			Upload:    traffic.Upload,
			Download:  traffic.Download,
			UpdatedAt: now,
		})
		if err != nil {
			s.logger.WarnContext(ctx, "failed to persist traffic stats",
				slog.Int64("key_id", row.ID),
				slog.String("error", err.Error()))
			continue
		}
		synced++
	}

	s.logger.InfoContext(ctx, "traffic sync pass complete",
		slog.Int("keys", synced))

	if err := s.bus.Publish(ctx, events.TrafficSynced(synced)); err != nil {
		s.logger.Debug("failed to publish traffic.synced",
			slog.String("error", err.Error()))
	}
}
