package db

import "database/sql"

// Key is a provisioned VPN access credential.
type Key struct {
	ID         int64
	UUID       string
	Name       sql.NullString
	CreatedAt  int64
	IsActive   bool
	LastUsedAt sql.NullInt64
}

// TrafficStat holds the last polled counters for one key.
type TrafficStat struct {
	ID        int64
	KeyID     int64
	Upload    int64
	Download  int64
	UpdatedAt int64
}
