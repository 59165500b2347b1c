package xray

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/merdocx/veil-xray/pkg/errors"
	"github.com/merdocx/veil-xray/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.LoggerConfig{
		Level:  logger.LevelError,
		Format: logger.FormatJSON,
	})
}

func newTestStore(t *testing.T) (*ConfigStore, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	store := NewConfigStore(StoreConfig{
		ConfigPath: path,
		// No binary path: the offline engine test is skipped.
	}, testLogger())
	return store, path
}

func TestLoadMissingFile(t *testing.T) {
	store := NewConfigStore(StoreConfig{
		ConfigPath: filepath.Join(t.TempDir(), "absent.json"),
	}, testLogger())

	_, err := store.Load()
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeConfigUnreadable))
}

func TestSaveRejectsInvalidStructure(t *testing.T) {
	store, path := newTestStore(t)

	err := store.Save(context.Background(), Document{"outbounds": []any{}}, DefaultSaveOptions())
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeConfigInvalid))

	// The original file must be untouched after a rejected save.
	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.JSONEq(t, sampleConfig, string(data))
}

func TestSaveWritesBackup(t *testing.T) {
	store, path := newTestStore(t)

	doc, err := store.Load()
	require.NoError(t, err)
	_, err = doc.AddClient("44444444-4444-4444-4444-444444444444", "user_4_44444444", "none")
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), doc, DefaultSaveOptions()))

	backup, err := os.ReadFile(path + ".backup")
	require.NoError(t, err)
	assert.JSONEq(t, sampleConfig, string(backup))

	current, err := store.Load()
	require.NoError(t, err)
	assert.True(t, current.HasClient("44444444-4444-4444-4444-444444444444"))
}

func TestAddUserPersistsClientAndShortID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddUser(ctx, "55555555-5555-5555-5555-555555555555", "h2", "alice"))

	doc, err := store.Load()
	require.NoError(t, err)
	assert.True(t, doc.HasClient("55555555-5555-5555-5555-555555555555"))
	assert.Equal(t, []string{"g1", "h2"}, doc.ShortIDs())
}

func TestAddUserTwiceDoesNotRewrite(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddUser(ctx, "55555555-5555-5555-5555-555555555555", "g1", "alice"))

	firstWrite, err := os.ReadFile(path)
	require.NoError(t, err)

	// Second add is a no-op: no save, so no new backup of the first write.
	require.NoError(t, store.AddUser(ctx, "55555555-5555-5555-5555-555555555555", "g1", "alice"))

	backup, err := os.ReadFile(path + ".backup")
	require.NoError(t, err)
	assert.NotEqual(t, string(firstWrite), string(backup))
}

func TestAddUserDerivesEmail(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.AddUser(context.Background(), "66666666-7777-8888-9999-000000000000", "g1", ""))

	doc, err := store.Load()
	require.NoError(t, err)
	for _, client := range doc.Clients() {
		if client["id"] == "66666666-7777-8888-9999-000000000000" {
			assert.Equal(t, "user_66666666", client["email"])
			return
		}
	}
	t.Fatal("client not found")
}

func TestRemoveUserKeepsShortID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RemoveUser(ctx, "11111111-1111-1111-1111-111111111111", "g1"))

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Clients())
	assert.Equal(t, []string{"g1"}, doc.ShortIDs())
}

func TestRemoveUserAbsentIsNoop(t *testing.T) {
	store, path := newTestStore(t)

	require.NoError(t, store.RemoveUser(context.Background(), "99999999-9999-9999-9999-999999999999", "g1"))

	// No save happened, so no backup exists.
	_, err := os.Stat(path + ".backup")
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureShortIDIdempotent(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureShortID(ctx, "g1"))
	_, err := os.Stat(path + ".backup")
	assert.True(t, os.IsNotExist(err), "present short ID must not trigger a save")

	require.NoError(t, store.EnsureShortID(ctx, "h2"))
	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "h2"}, doc.ShortIDs())
}
