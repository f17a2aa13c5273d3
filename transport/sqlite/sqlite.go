// Package sqlite stores dead letters in a SQLite file. Replays read them back
// from the same table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3"

	"github.com/drblury/actorflow/transport"
	"github.com/drblury/actorflow/transport/internal/sqlstore"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// Dialect is the SQLite flavour of the dead-letter table.
var Dialect = sqlstore.Dialect{
	Schema: `
	CREATE TABLE IF NOT EXISTS ` + sqlstore.Table + ` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		event TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		payload BLOB NOT NULL,
		headers TEXT NOT NULL,
		stored_at INTEGER NOT NULL,
		locked_until INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS ` + sqlstore.Table + `_topic ON ` + sqlstore.Table + `(topic, id);`,
	Insert: `INSERT OR IGNORE INTO ` + sqlstore.Table + `
		(uuid, topic, event, actor, reason, payload, headers, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
}

// Register adds the sqlite transport to reg.
func Register(reg *transport.Registry) {
	reg.Register(TransportName, Build)
}

// Build opens the file named by cfg.GetSQLiteFile().
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	store, err := Open(ctx, cfg.GetSQLiteFile(), sqlstore.Config{}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: store, Subscriber: store}, nil
}

// Open opens or creates the database at path. ":memory:" keeps the table in
// memory for the lifetime of the store.
func Open(ctx context.Context, path string, cfg sqlstore.Config, logger watermill.LoggerAdapter) (*sqlstore.Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: file is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// SQLite serialises writers; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store, err := sqlstore.New(ctx, db, Dialect, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
