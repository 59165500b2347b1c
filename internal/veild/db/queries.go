package db

import (
	"context"
	"database/sql"
)

// DBTX is the subset of *sql.DB / *sql.Tx the query layer needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries executes the application's SQL statements against a DBTX.
type Queries struct {
	db DBTX
}

// New creates a Queries instance bound to the given connection or transaction
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries instance bound to tx
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// Querier defines all query operations, allowing stores and transactions
// to be used interchangeably.
type Querier interface {
	CreateKey(ctx context.Context, arg CreateKeyParams) (Key, error)
	GetKey(ctx context.Context, id int64) (Key, error)
	GetKeyByUUID(ctx context.Context, uuid string) (Key, error)
	ListKeys(ctx context.Context) ([]Key, error)
	ListActiveKeys(ctx context.Context) ([]Key, error)
	DeleteKey(ctx context.Context, id int64) error
	UpsertTrafficStat(ctx context.Context, arg UpsertTrafficStatParams) error
	GetTrafficStat(ctx context.Context, keyID int64) (TrafficStat, error)
}

// CreateKeyParams holds the column values for a new key row.
type CreateKeyParams struct {
	UUID      string
	Name      sql.NullString
	CreatedAt int64
}

const createKey = `
INSERT INTO keys (uuid, name, created_at, is_active)
VALUES (?, ?, ?, 1)
RETURNING id, uuid, name, created_at, is_active, last_used_at
`

// CreateKey inserts a key row and returns it.
func (q *Queries) CreateKey(ctx context.Context, arg CreateKeyParams) (Key, error) {
	row := q.db.QueryRowContext(ctx, createKey, arg.UUID, arg.Name, arg.CreatedAt)
	return scanKey(row)
}

const getKey = `
SELECT id, uuid, name, created_at, is_active, last_used_at FROM keys WHERE id = ?
`

// GetKey fetches a key by its numeric ID.
func (q *Queries) GetKey(ctx context.Context, id int64) (Key, error) {
	return scanKey(q.db.QueryRowContext(ctx, getKey, id))
}

const getKeyByUUID = `
SELECT id, uuid, name, created_at, is_active, last_used_at FROM keys WHERE uuid = ?
`

// GetKeyByUUID fetches a key by its VLESS UUID.
func (q *Queries) GetKeyByUUID(ctx context.Context, uuid string) (Key, error) {
	return scanKey(q.db.QueryRowContext(ctx, getKeyByUUID, uuid))
}

const listKeys = `
SELECT id, uuid, name, created_at, is_active, last_used_at FROM keys ORDER BY id
`

// ListKeys returns all keys ordered by ID.
func (q *Queries) ListKeys(ctx context.Context) ([]Key, error) {
	return q.queryKeys(ctx, listKeys)
}

const listActiveKeys = `
SELECT id, uuid, name, created_at, is_active, last_used_at FROM keys WHERE is_active = 1 ORDER BY id
`

// ListActiveKeys returns all active keys ordered by ID.
func (q *Queries) ListActiveKeys(ctx context.Context) ([]Key, error) {
	return q.queryKeys(ctx, listActiveKeys)
}

const deleteKey = `
DELETE FROM keys WHERE id = ?
`

// DeleteKey removes a key row; traffic stats cascade.
func (q *Queries) DeleteKey(ctx context.Context, id int64) error {
	result, err := q.db.ExecContext(ctx, deleteKey, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpsertTrafficStatParams holds the counters to persist for one key.
type UpsertTrafficStatParams struct {
	KeyID     int64
	Upload    int64
	Download  int64
	UpdatedAt int64
}

const upsertTrafficStat = `
INSERT INTO traffic_stats (key_id, upload, download, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (key_id) DO UPDATE SET
    upload = excluded.upload,
    download = excluded.download,
    updated_at = excluded.updated_at
`

// UpsertTrafficStat inserts or replaces the counters for a key.
func (q *Queries) UpsertTrafficStat(ctx context.Context, arg UpsertTrafficStatParams) error {
	_, err := q.db.ExecContext(ctx, upsertTrafficStat, arg.KeyID, arg.Upload, arg.Download, arg.UpdatedAt)
	return err
}

const getTrafficStat = `
SELECT id, key_id, upload, download, updated_at FROM traffic_stats WHERE key_id = ?
`

// GetTrafficStat fetches the stored counters for a key.
func (q *Queries) GetTrafficStat(ctx context.Context, keyID int64) (TrafficStat, error) {
	var t TrafficStat
	err := q.db.QueryRowContext(ctx, getTrafficStat, keyID).
		Scan(&t.ID, &t.KeyID, &t.Upload, &t.Download, &t.UpdatedAt)
	return t, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (Key, error) {
	var k Key
	err := row.Scan(&k.ID, &k.UUID, &k.Name, &k.CreatedAt, &k.IsActive, &k.LastUsedAt)
	return k, err
}

func (q *Queries) queryKeys(ctx context.Context, query string) ([]Key, error) {
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
