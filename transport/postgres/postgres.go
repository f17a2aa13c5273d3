// Package postgres stores dead letters in a PostgreSQL table. Several replay
// processes can drain the table at once; rows are claimed with SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq"

	"github.com/drblury/actorflow/transport"
	"github.com/drblury/actorflow/transport/internal/sqlstore"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// Dialect is the PostgreSQL flavour of the dead-letter table.
var Dialect = sqlstore.Dialect{
	Schema: `
	CREATE TABLE IF NOT EXISTS ` + sqlstore.Table + ` (
		id BIGSERIAL PRIMARY KEY,
		uuid TEXT NOT NULL UNIQUE,
		topic TEXT NOT NULL,
		event TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		payload BYTEA NOT NULL,
		headers TEXT NOT NULL,
		stored_at BIGINT NOT NULL,
		locked_until BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS ` + sqlstore.Table + `_topic ON ` + sqlstore.Table + `(topic, id);`,
	Insert: `INSERT INTO ` + sqlstore.Table + `
		(uuid, topic, event, actor, reason, payload, headers, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uuid) DO NOTHING`,
	ClaimSuffix: ` FOR UPDATE SKIP LOCKED`,
	Numbered:    true,
}

// Register adds the postgres transport to reg.
func Register(reg *transport.Registry) {
	reg.Register(TransportName, Build)
}

// Build connects to cfg.GetPostgresURL().
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	store, err := Open(ctx, cfg.GetPostgresURL(), sqlstore.Config{}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: store, Subscriber: store}, nil
}

// Open connects to the database at url and creates the table if needed.
func Open(ctx context.Context, url string, cfg sqlstore.Config, logger watermill.LoggerAdapter) (*sqlstore.Store, error) {
	if url == "" {
		return nil, fmt.Errorf("postgres: URL is required")
	}
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	store, err := sqlstore.New(ctx, db, Dialect, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
