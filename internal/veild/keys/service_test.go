package keys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/merdocx/veil-xray/internal/veild/config"
	"github.com/merdocx/veil-xray/internal/veild/db"
	"github.com/merdocx/veil-xray/internal/veild/events"
	"github.com/merdocx/veil-xray/internal/veild/queue"
	"github.com/merdocx/veil-xray/internal/veild/xray"
	apperrors "github.com/merdocx/veil-xray/pkg/errors"
	"github.com/merdocx/veil-xray/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.LoggerConfig{
		Level:  logger.LevelError,
		Format: logger.FormatJSON,
	})
}

var testReality = config.RealityConfig{
	ServerName:    "vpn.example.com",
	SNI:           "microsoft.com",
	Fingerprint:   "chrome",
	Port:          443,
	PublicKey:     "pbk-test",
	CommonShortID: "g1",
	Flow:          "none",
}

// taskRecorder is a queue mutator that records executed tasks.
type taskRecorder struct {
	mu    sync.Mutex
	tasks []queue.Task
	fail  error
}

func (r *taskRecorder) Apply(_ context.Context, task queue.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return r.fail
}

func (r *taskRecorder) recorded() []queue.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]queue.Task, len(r.tasks))
	copy(out, r.tasks)
	return out
}

func newTestService(t *testing.T, rec *taskRecorder) (*Service, db.Store, *queue.ConfigTaskQueue) {
	t.Helper()

	_, store := db.NewTestDB(t)
	log := testLogger()

	q := queue.New(rec, log)
	q.Start()
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	// Nonexistent binary: health probes fail and every live call is a
	// silent no-op, which is exactly the degraded path under test.
	control := xray.NewControlClient(xray.ClientConfig{
		APIBaseURL:  "http://127.0.0.1:1",
		BinaryPath:  "/nonexistent/xray",
		StatsServer: "127.0.0.1:1",
	}, log)

	bus := events.NewBus(log)
	t.Cleanup(func() { _ = bus.Close() })

	svc := NewService(store, q, control, bus, testReality, 5*time.Second, log)
	return svc, store, q
}

func TestEmailFormat(t *testing.T) {
	assert.Equal(t, "user_7_12345678", Email(7, "12345678-aaaa-bbbb-cccc-dddddddddddd"))
	assert.Equal(t, "user_1_short", Email(1, "short"))
}

func TestCreateProvisionsKey(t *testing.T) {
	rec := &taskRecorder{}
	svc, store, _ := newTestService(t, rec)
	ctx := context.Background()

	key, err := svc.Create(ctx, "alice")
	require.NoError(t, err)
	assert.Positive(t, key.ID)
	assert.NotEmpty(t, key.UUID)
	assert.Equal(t, "alice", key.Name)
	assert.Equal(t, Email(key.ID, key.UUID), key.Email)

	// The link carries the shared Reality parameters.
	assert.True(t, strings.HasPrefix(key.Link, "vless://"+key.UUID+"@vpn.example.com:443?"))
	assert.Contains(t, key.Link, "pbk=pbk-test")
	assert.Contains(t, key.Link, "sid=g1")
	assert.Contains(t, key.Link, "#alice")

	tasks := rec.recorded()
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.KindAddUser, tasks[0].Kind)
	assert.Equal(t, key.UUID, tasks[0].UUID)
	assert.Equal(t, key.Email, tasks[0].Email)
	assert.Equal(t, "g1", tasks[0].ShortID)

	row, err := store.GetKeyByUUID(ctx, key.UUID)
	require.NoError(t, err)
	assert.Equal(t, key.ID, row.ID)

	stat, err := store.GetTrafficStat(ctx, key.ID)
	require.NoError(t, err)
	assert.Zero(t, stat.Upload)
}

func TestCreateRollsBackOnConfigFailure(t *testing.T) {
	rec := &taskRecorder{fail: fmt.Errorf("disk full")}
	svc, store, _ := newTestService(t, rec)
	ctx := context.Background()

	_, err := svc.Create(ctx, "bob")
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeProvisionFailed))

	// Strict provisioning: no row may survive a failed config write.
	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRevokeDeletesKey(t *testing.T) {
	rec := &taskRecorder{}
	svc, store, _ := newTestService(t, rec)
	ctx := context.Background()

	key, err := svc.Create(ctx, "")
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, key.ID))

	_, err = store.GetKey(ctx, key.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	tasks := rec.recorded()
	require.Len(t, tasks, 2)
	assert.Equal(t, queue.KindRemoveUser, tasks[1].Kind)
	assert.Equal(t, key.UUID, tasks[1].UUID)
}

func TestRevokeDeletesRowEvenWhenConfigFails(t *testing.T) {
	rec := &taskRecorder{}
	svc, store, _ := newTestService(t, rec)
	ctx := context.Background()

	key, err := svc.Create(ctx, "")
	require.NoError(t, err)

	rec.mu.Lock()
	rec.fail = errors.New("config locked")
	rec.mu.Unlock()

	// Lenient revocation: the row goes away regardless.
	require.NoError(t, svc.Revoke(ctx, key.ID))

	_, err = store.GetKey(ctx, key.ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRevokeNotFound(t *testing.T) {
	svc, _, _ := newTestService(t, &taskRecorder{})

	err := svc.Revoke(context.Background(), 424242)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeKeyNotFound))
}

func TestGetAndList(t *testing.T) {
	svc, _, _ := newTestService(t, &taskRecorder{})
	ctx := context.Background()

	created, err := svc.Create(ctx, "carol")
	require.NoError(t, err)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.UUID, got.UUID)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	_, err = svc.Get(ctx, 999)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeKeyNotFound))
}

func TestTrafficFallsBackToStored(t *testing.T) {
	svc, store, _ := newTestService(t, &taskRecorder{})
	ctx := context.Background()

	key, err := svc.Create(ctx, "")
	require.NoError(t, err)

	require.NoError(t, store.UpsertTrafficStat(ctx, db.UpsertTrafficStatParams{
		KeyID:     key.ID,
		Upload:    512,
		Download:  2048,
		UpdatedAt: 1234,
	}))

	// xray is unreachable in tests, so the stored counters win.
	traffic, err := svc.Traffic(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(512), traffic.Upload)
	assert.Equal(t, int64(2048), traffic.Download)
	assert.Equal(t, int64(1234), traffic.UpdatedAt)
}

func TestLink(t *testing.T) {
	svc, _, _ := newTestService(t, &taskRecorder{})
	ctx := context.Background()

	key, err := svc.Create(ctx, "dave")
	require.NoError(t, err)

	link, err := svc.Link(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, key.Link, link)
	assert.Contains(t, link, "security=reality")
	assert.Contains(t, link, "sni=microsoft.com")
	assert.Contains(t, link, "fp=chrome")
	assert.Contains(t, link, "flow=none")
}

func TestReconcileEnqueuesActiveKeys(t *testing.T) {
	rec := &taskRecorder{}
	svc, _, q := newTestService(t, rec)
	ctx := context.Background()

	first, err := svc.Create(ctx, "")
	require.NoError(t, err)
	second, err := svc.Create(ctx, "")
	require.NoError(t, err)

	require.NoError(t, svc.Reconcile(ctx))
	require.NoError(t, q.Stop(ctx))

	tasks := rec.recorded()
	// Two creates, then the reconcile: short ID first, then both keys.
	require.Len(t, tasks, 5)
	assert.Equal(t, queue.KindEnsureShortID, tasks[2].Kind)
	assert.Equal(t, "g1", tasks[2].ShortID)
	assert.Equal(t, queue.KindAddUser, tasks[3].Kind)
	assert.Equal(t, first.UUID, tasks[3].UUID)
	assert.Equal(t, second.UUID, tasks[4].UUID)
}
