// Package keys implements credential lifecycle: provisioning, revoking,
// listing, access links and traffic lookups. It is the only writer of
// the keys table and the only producer of config mutation tasks.
package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/merdocx/veil-xray/internal/veild/config"
	"github.com/merdocx/veil-xray/internal/veild/db"
	"github.com/merdocx/veil-xray/internal/veild/events"
	"github.com/merdocx/veil-xray/internal/veild/queue"
	"github.com/merdocx/veil-xray/internal/veild/xray"
	apperrors "github.com/merdocx/veil-xray/pkg/errors"
	"github.com/merdocx/veil-xray/pkg/logger"
	"github.com/merdocx/veil-xray/pkg/vless"
)

// Key is the API-facing view of a credential.
type Key struct {
	ID        int64  `json:"id"`
	UUID      string `json:"uuid"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email"`
	CreatedAt int64  `json:"created_at"`
	IsActive  bool   `json:"is_active"`
	Link      string `json:"link,omitempty"`
}

// Traffic is one key's counters.
type Traffic struct {
	KeyID     int64 `json:"key_id"`
	Upload    int64 `json:"upload"`
	Download  int64 `json:"download"`
	UpdatedAt int64 `json:"updated_at"`
}

// Service owns the key lifecycle. Durable config writes are routed
// through the task queue; the running xray process is updated on a
// best-effort basis alongside.
type Service struct {
	store   db.Store
	queue   *queue.ConfigTaskQueue
	control *xray.ControlClient
	bus     events.Bus
	reality config.RealityConfig
	wait    time.Duration
	logger  *logger.Logger
}

// NewService wires the key service.
func NewService(
	store db.Store,
	q *queue.ConfigTaskQueue,
	control *xray.ControlClient,
	bus events.Bus,
	reality config.RealityConfig,
	mutationWait time.Duration,
	log *logger.Logger,
) *Service {
	if mutationWait <= 0 {
		mutationWait = 30 * time.Second
	}
	return &Service{
		store:   store,
		queue:   q,
		control: control,
		bus:     bus,
		reality: reality,
		wait:    mutationWait,
		logger:  log.WithComponent("keys"),
	}
}

// Email returns the identity label xray sees for a key. It encodes both
// the row ID and a UUID prefix so stats stay unambiguous even if a UUID
// is ever reused.
func Email(id int64, keyUUID string) string {
	short := keyUUID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("user_%d_%s", id, short)
}

// Create provisions a new key: a fresh UUID, a database row, a durable
// config write, and a best-effort push into the running process. The
// durable write is strict; if it fails the row is rolled back and the
// caller gets an error. A wait timeout is not a failure: the task is
// re-applied directly so the caller leaves with a definite answer.
func (s *Service) Create(ctx context.Context, name string) (Key, error) {
	keyUUID := uuid.NewString()
	op := s.logger.StartOp(ctx, "key.create", slog.String("uuid", keyUUID))

	row, err := s.store.CreateKey(ctx, db.CreateKeyParams{
		UUID:      keyUUID,
		Name:      sql.NullString{String: name, Valid: name != ""},
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		op.Fail(err, "")
		return Key{}, apperrors.WrapWithDomain(err,
			apperrors.DomainDB, apperrors.ErrCodeDatabase, "failed to insert key", true)
	}

	email := Email(row.ID, keyUUID)
	task := queue.Task{
		Kind:    queue.KindAddUser,
		UUID:    keyUUID,
		Email:   email,
		ShortID: s.reality.CommonShortID,
	}

	err = s.queue.ExecuteAndWait(ctx, task, s.wait)
	if errors.Is(err, queue.ErrWaitTimeout) {
		s.logger.WarnContext(ctx, "config task wait timed out, applying directly",
			slog.String("uuid", keyUUID))
		err = s.queue.Apply(ctx, task)
	}
	if err != nil {
		// Roll the row back; a key the proxy will never accept must not
		// exist in the database.
		if delErr := s.store.DeleteKey(ctx, row.ID); delErr != nil && !errors.Is(delErr, sql.ErrNoRows) {
			s.logger.ErrorCtx(ctx, "failed to roll back key row after provision failure", delErr,
				slog.Int64("key_id", row.ID))
		}
		op.Fail(err, "")
		return Key{}, apperrors.WrapWithDomain(err,
			apperrors.DomainKey, apperrors.ErrCodeProvisionFailed, "failed to provision key", apperrors.IsRetryable(err))
	}

	// Advisory only. The config write above is what provisions the key;
	// a restartless push into the running process is a bonus.
	s.control.AddUserLive(ctx, keyUUID, email, s.reality.Flow)

	if err := s.store.UpsertTrafficStat(ctx, db.UpsertTrafficStatParams{
		KeyID:     row.ID,
		UpdatedAt: time.Now().Unix(),
	}); err != nil {
		s.logger.WarnContext(ctx, "failed to init traffic stats row",
			slog.Int64("key_id", row.ID),
			slog.String("error", err.Error()))
	}

	if err := s.bus.Publish(ctx, events.KeyCreated(row.ID, keyUUID)); err != nil {
		s.logger.WarnContext(ctx, "failed to publish key.created",
			slog.String("error", err.Error()))
	}

	op.Complete("key provisioned", slog.Int64("key_id", row.ID))
	return s.view(row), nil
}

// Revoke removes a key. Revocation is lenient where provisioning is
// strict: the database row is deleted even if the durable config write
// fails, because a dangling row would block the operator from retrying
// while the config-side entry can always be cleaned up by a later
// reconcile.
func (s *Service) Revoke(ctx context.Context, id int64) error {
	op := s.logger.StartOp(ctx, "key.revoke", slog.Int64("key_id", id))

	row, err := s.store.GetKey(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			op.Fail(err, "")
			return apperrors.NewKeyError(apperrors.ErrCodeKeyNotFound,
				fmt.Sprintf("key %d not found", id), false, err)
		}
		op.Fail(err, "")
		return apperrors.WrapWithDomain(err,
			apperrors.DomainDB, apperrors.ErrCodeDatabase, "failed to load key", true)
	}

	email := Email(row.ID, row.UUID)
	s.control.RemoveUserLive(ctx, email)

	task := queue.Task{
		Kind:    queue.KindRemoveUser,
		UUID:    row.UUID,
		Email:   email,
		ShortID: s.reality.CommonShortID,
	}
	err = s.queue.ExecuteAndWait(ctx, task, s.wait)
	if errors.Is(err, queue.ErrWaitTimeout) {
		s.logger.WarnContext(ctx, "config task wait timed out, applying directly",
			slog.String("uuid", row.UUID))
		err = s.queue.Apply(ctx, task)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "durable remove failed, deleting row anyway",
			slog.String("uuid", row.UUID),
			slog.String("error", err.Error()))
	}

	if err := s.store.DeleteKey(ctx, row.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		op.Fail(err, "")
		return apperrors.WrapWithDomain(err,
			apperrors.DomainDB, apperrors.ErrCodeDatabase, "failed to delete key row", true)
	}

	if err := s.bus.Publish(ctx, events.KeyRevoked(row.ID, row.UUID)); err != nil {
		s.logger.WarnContext(ctx, "failed to publish key.revoked",
			slog.String("error", err.Error()))
	}

	op.Complete("key revoked")
	return nil
}

// Get returns one key.
func (s *Service) Get(ctx context.Context, id int64) (Key, error) {
	row, err := s.store.GetKey(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Key{}, apperrors.NewKeyError(apperrors.ErrCodeKeyNotFound,
				fmt.Sprintf("key %d not found", id), false, err)
		}
		return Key{}, apperrors.WrapWithDomain(err,
			apperrors.DomainDB, apperrors.ErrCodeDatabase, "failed to load key", true)
	}
	return s.view(row), nil
}

// List returns all keys.
func (s *Service) List(ctx context.Context) ([]Key, error) {
	rows, err := s.store.ListKeys(ctx)
	if err != nil {
		return nil, apperrors.WrapWithDomain(err,
			apperrors.DomainDB, apperrors.ErrCodeDatabase, "failed to list keys", true)
	}

	keys := make([]Key, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, s.view(row))
	}
	return keys, nil
}

// Traffic returns a key's counters: fresh from the running process when
// reachable, last persisted values otherwise.
func (s *Service) Traffic(ctx context.Context, id int64) (Traffic, error) {
	row, err := s.store.GetKey(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Traffic{}, apperrors.NewKeyError(apperrors.ErrCodeKeyNotFound,
				fmt.Sprintf("key %d not found", id), false, err)
		}
		return Traffic{}, apperrors.WrapWithDomain(err,
			apperrors.DomainDB, apperrors.ErrCodeDatabase, "failed to load key", true)
	}

	email := Email(row.ID, row.UUID)
	if s.control.CheckHealth(ctx) {
		live := s.control.UserStats(ctx, email)
		now := time.Now().Unix()
		if err := s.store.UpsertTrafficStat(ctx, db.UpsertTrafficStatParams{
			KeyID:     row.ID,
			Upload:    live.Upload,
			Download:  live.Download,
			UpdatedAt: now,
		}); err != nil {
			s.logger.WarnContext(ctx, "failed to persist traffic stats",
				slog.Int64("key_id", row.ID),
				slog.String("error", err.Error()))
		}
		return Traffic{KeyID: row.ID, Upload: live.Upload, Download: live.Download, UpdatedAt: now}, nil
	}

	stored, err := s.store.GetTrafficStat(ctx, row.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Traffic{KeyID: row.ID}, nil
		}
		return Traffic{}, apperrors.WrapWithDomain(err,
			apperrors.DomainDB, apperrors.ErrCodeDatabase, "failed to load traffic stats", true)
	}
	return Traffic{
		KeyID:     stored.KeyID,
		Upload:    stored.Upload,
		Download:  stored.Download,
		UpdatedAt: stored.UpdatedAt,
	}, nil
}

// Link returns a key's VLESS access link.
func (s *Service) Link(ctx context.Context, id int64) (string, error) {
	row, err := s.store.GetKey(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperrors.NewKeyError(apperrors.ErrCodeKeyNotFound,
				fmt.Sprintf("key %d not found", id), false, err)
		}
		return "", apperrors.WrapWithDomain(err,
			apperrors.DomainDB, apperrors.ErrCodeDatabase, "failed to load key", true)
	}
	return s.link(row), nil
}

func (s *Service) link(row db.Key) string {
	label := row.UUID
	if row.Name.Valid && row.Name.String != "" {
		label = row.Name.String
	}
	return vless.BuildLink(vless.LinkParams{
		UUID:          row.UUID,
		ServerAddress: s.reality.ServerName,
		Port:          s.reality.Port,
		SNI:           s.reality.SNI,
		Fingerprint:   s.reality.Fingerprint,
		PublicKey:     s.reality.PublicKey,
		ShortID:       s.reality.CommonShortID,
		SpiderX:       "/",
		Flow:          s.reality.Flow,
		Label:         label,
	})
}

func (s *Service) view(row db.Key) Key {
	return Key{
		ID:        row.ID,
		UUID:      row.UUID,
		Name:      row.Name.String,
		Email:     Email(row.ID, row.UUID),
		CreatedAt: row.CreatedAt,
		IsActive:  row.IsActive,
		Link:      s.link(row),
	}
}

// Reconcile brings the durable config back in line with the database at
// startup: the shared short ID first, then an add for every active key.
// Add tasks are idempotent, so re-adding a present key is harmless. The
// adds are fire-and-forget; the service comes up while they drain.
func (s *Service) Reconcile(ctx context.Context) error {
	if s.reality.CommonShortID != "" {
		if err := s.queue.Enqueue(queue.Task{
			Kind:    queue.KindEnsureShortID,
			ShortID: s.reality.CommonShortID,
		}); err != nil {
			return err
		}
	}

	rows, err := s.store.ListActiveKeys(ctx)
	if err != nil {
		return apperrors.WrapWithDomain(err,
			apperrors.DomainDB, apperrors.ErrCodeDatabase, "failed to list keys for reconcile", true)
	}

	for _, row := range rows {
		task := queue.Task{
			Kind:    queue.KindAddUser,
			UUID:    row.UUID,
			Email:   Email(row.ID, row.UUID),
			ShortID: s.reality.CommonShortID,
		}
		if err := s.queue.Enqueue(task); err != nil {
			return err
		}
	}

	s.logger.InfoContext(ctx, "startup reconcile enqueued",
		slog.Int("keys", len(rows)))
	return nil
}
