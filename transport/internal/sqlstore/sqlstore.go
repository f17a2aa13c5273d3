// Package sqlstore keeps dead letters in a SQL table and exposes the table as
// a watermill publisher and subscriber. Dialect packages supply the driver
// and the statements that differ between databases.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/actorflow/internal/runtime/codec"
	"github.com/drblury/actorflow/internal/runtime/metadata"
)

// Table is the name of the dead-letter table.
const Table = "actorflow_dead_letters"

const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultLockFor      = 30 * time.Second
)

// ErrClosed is returned by a store used after Close.
var ErrClosed = errors.New("sqlstore: closed")

// Dialect holds the database specific parts.
type Dialect struct {
	// Schema creates the table and its indexes if they are missing.
	Schema string
	// Insert stores one row and skips rows whose uuid is already stored. It
	// takes uuid, topic, event, actor, reason, payload, headers, stored_at.
	Insert string
	// ClaimSuffix is appended to the query selecting the next row, e.g. a
	// row lock clause.
	ClaimSuffix string
	// Numbered selects $1 style placeholders instead of ?.
	Numbered bool
}

func (d Dialect) bind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Config tunes the subscriber side.
type Config struct {
	// PollInterval is how often an idle subscription looks for new rows.
	PollInterval time.Duration
	// LockFor hides a delivered row from other subscribers until it is
	// acked or nacked, or until the lock expires.
	LockFor time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LockFor <= 0 {
		c.LockFor = DefaultLockFor
	}
	return c
}

// Record is one stored dead letter.
type Record struct {
	ID       int64
	UUID     string
	Topic    string
	Event    string
	Actor    string
	Reason   string
	Payload  []byte
	Headers  metadata.Metadata
	StoredAt time.Time
}

// Store is a watermill publisher and subscriber backed by the dead-letter
// table.
type Store struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  watermill.LoggerAdapter
	now     func() time.Time

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var (
	_ message.Publisher  = (*Store)(nil)
	_ message.Subscriber = (*Store)(nil)
)

// New creates the schema on db and returns a store owning db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Store, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if _, err := db.ExecContext(ctx, dialect.Schema); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter schema: %w", err)
	}
	return &Store{
		db:      db,
		dialect: dialect,
		config:  cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
		closing: make(chan struct{}),
	}, nil
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) closed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// Publish stores messages under topic in one transaction.
func (s *Store) Publish(topic string, messages ...*message.Message) error {
	if s.closed() {
		return ErrClosed
	}
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx, s.logger)

	insert := s.dialect.bind(s.dialect.Insert)
	storedAt := s.now().UnixNano()
	for _, msg := range messages {
		headers, err := codec.Marshal(map[string]string(msg.Metadata))
		if err != nil {
			return fmt.Errorf("failed to encode headers of %s: %w", msg.UUID, err)
		}
		_, err = tx.ExecContext(ctx, insert,
			msg.UUID,
			topic,
			msg.Metadata.Get(metadata.HeaderDeadEvent),
			msg.Metadata.Get(metadata.HeaderDeadActor),
			msg.Metadata.Get(metadata.HeaderDeadReason),
			[]byte(msg.Payload),
			string(headers),
			storedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to store %s: %w", msg.UUID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Subscribe delivers the rows of topic oldest first, one at a time. An acked
// row is deleted; a nacked one is released for the next subscription.
func (s *Store) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	out := make(chan *message.Message)
	s.wg.Add(1)
	go s.poll(ctx, topic, out)
	return out, nil
}

func (s *Store) poll(ctx context.Context, topic string, out chan<- *message.Message) {
	defer s.wg.Done()
	defer close(out)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		for {
			rec, ok := s.claim(ctx, topic)
			if !ok {
				break
			}
			if !s.deliver(ctx, rec, out) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
		}
	}
}

func (s *Store) claim(ctx context.Context, topic string) (Record, bool) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Failed to begin claim", err, watermill.LogFields{"topic": topic})
		}
		return Record{}, false
	}
	defer rollback(tx, s.logger)

	now := s.now()
	row := tx.QueryRowContext(ctx, s.dialect.bind(`
		SELECT id, uuid, payload, headers
		FROM `+Table+`
		WHERE topic = ? AND locked_until < ?
		ORDER BY id
		LIMIT 1`+s.dialect.ClaimSuffix), topic, now.UnixNano())

	var (
		rec     = Record{Topic: topic}
		headers string
	)
	if err := row.Scan(&rec.ID, &rec.UUID, &rec.Payload, &headers); err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			s.logger.Error("Failed to read dead letter", err, watermill.LogFields{"topic": topic})
		}
		return Record{}, false
	}
	if err := codec.Unmarshal([]byte(headers), &rec.Headers); err != nil {
		s.logger.Error("Failed to decode dead-letter headers", err, watermill.LogFields{"uuid": rec.UUID})
	}

	lockUntil := now.Add(s.config.LockFor).UnixNano()
	if _, err := tx.ExecContext(ctx, s.dialect.bind(`UPDATE `+Table+` SET locked_until = ? WHERE id = ?`), lockUntil, rec.ID); err != nil {
		s.logger.Error("Failed to lock dead letter", err, watermill.LogFields{"uuid": rec.UUID})
		return Record{}, false
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("Failed to commit claim", err, watermill.LogFields{"uuid": rec.UUID})
		return Record{}, false
	}
	return rec, true
}

// deliver hands rec to the subscriber and resolves the row. It reports
// false when the subscription ended.
func (s *Store) deliver(ctx context.Context, rec Record, out chan<- *message.Message) bool {
	msg := message.NewMessage(rec.UUID, rec.Payload)
	msg.Metadata = metadata.ToWatermill(rec.Headers)
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-ctx.Done():
		s.release(rec.ID)
		return false
	case <-s.closing:
		s.release(rec.ID)
		return false
	}

	select {
	case <-msg.Acked():
		s.exec(`DELETE FROM `+Table+` WHERE id = ?`, rec.ID)
		return true
	case <-msg.Nacked():
		// Hidden for one poll interval so a failing row does not spin.
		s.exec(`UPDATE `+Table+` SET locked_until = ? WHERE id = ?`, s.now().Add(s.config.PollInterval).UnixNano(), rec.ID)
		return true
	case <-ctx.Done():
		s.release(rec.ID)
		return false
	case <-s.closing:
		s.release(rec.ID)
		return false
	}
}

func (s *Store) release(id int64) {
	s.exec(`UPDATE `+Table+` SET locked_until = 0 WHERE id = ?`, id)
}

func (s *Store) exec(query string, args ...any) {
	if _, err := s.db.Exec(s.dialect.bind(query), args...); err != nil {
		s.logger.Error("Dead-letter statement failed", err, watermill.LogFields{"query": query})
	}
}

// Count returns the number of stored dead letters on topic.
func (s *Store) Count(ctx context.Context, topic string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT COUNT(*) FROM `+Table+` WHERE topic = ?`), topic).Scan(&n)
	return n, err
}

// List returns up to limit dead letters of topic, oldest first.
func (s *Store) List(ctx context.Context, topic string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.bind(`
		SELECT id, uuid, topic, event, actor, reason, payload, headers, stored_at
		FROM `+Table+`
		WHERE topic = ?
		ORDER BY id
		LIMIT ?`), topic, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec      Record
			headers  string
			storedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.UUID, &rec.Topic, &rec.Event, &rec.Actor, &rec.Reason, &rec.Payload, &headers, &storedAt); err != nil {
			return nil, err
		}
		if err := codec.Unmarshal([]byte(headers), &rec.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode headers of %s: %w", rec.UUID, err)
		}
		rec.StoredAt = time.Unix(0, storedAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Purge deletes every dead letter of topic and returns how many were removed.
func (s *Store) Purge(ctx context.Context, topic string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.bind(`DELETE FROM `+Table+` WHERE topic = ?`), topic)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close stops the subscriptions and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func rollback(tx *sql.Tx, logger watermill.LoggerAdapter) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Error("Failed to roll back transaction", err, nil)
	}
}
