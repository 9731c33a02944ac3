// Package store persists order records and, in the same transaction, the
// outbox rows that mirror each status change onto Kafka.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ismaiel54/limit-order-pipeline/internal/msg"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
)

var _ order.Store = (*SQLStore)(nil)

// Drivers accepted by Open
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the SQL backend
type Config struct {
	Driver string
	// Path is the SQLite database file
	Path string
	// DSN is the Postgres connection string
	DSN string
	// Outbox records every status event for the Kafka publisher
	Outbox bool
}

// OutboxEvent represents an event waiting to be published
type OutboxEvent struct {
	ID                  int64
	OrderID             string
	EventID             string
	Topic               string
	Key                 string
	PayloadJSON         string
	CreatedUnixMillis   int64
	PublishedUnixMillis sql.NullInt64
}

// SQLStore keeps orders in SQLite or Postgres
type SQLStore struct {
	db       *sql.DB
	postgres bool
	outbox   bool
}

// Open creates or opens the order store
func Open(cfg Config) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Driver {
	case DriverSQLite, "":
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		db, err = sql.Open("sqlite", cfg.Path)
		if err == nil {
			// SQLite allows one writer; serialize to avoid SQLITE_BUSY
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLStore{
		db:       db,
		postgres: cfg.Driver == DriverPostgres,
		outbox:   cfg.Outbox,
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// rebind rewrites ? placeholders as $n for Postgres
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate creates the necessary tables
func (s *SQLStore) migrate(ctx context.Context) error {
	outboxID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		outboxID = "id BIGSERIAL PRIMARY KEY"
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			token_in TEXT NOT NULL,
			token_out TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			target_price DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			selected_dex TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			executed_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			created_unix_millis BIGINT NOT NULL,
			updated_unix_millis BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			` + outboxID + `,
			order_id TEXT NOT NULL,
			event_id TEXT NOT NULL UNIQUE,
			topic TEXT NOT NULL,
			key TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_unix_millis BIGINT NOT NULL,
			published_unix_millis BIGINT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
			ON outbox_events(published_unix_millis)
			WHERE published_unix_millis IS NULL`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}

	return nil
}

// Create inserts a new order
func (s *SQLStore) Create(ctx context.Context, o order.Order) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO orders (id, token_in, token_out, amount, target_price, status,
			selected_dex, tx_hash, executed_price, failure_reason, created_unix_millis, updated_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`),
		o.ID, o.TokenIn, o.TokenOut, o.Amount, o.TargetPrice, string(o.Status),
		o.SelectedVenue, o.TxHash, o.ExecutedPrice, o.FailureReason,
		o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("order %s: %w", o.ID, order.ErrAlreadyExists)
	}
	return nil
}

// Update applies u to the order and, when the outbox is enabled and u
// carries an event, queues the event for publishing in the same transaction.
func (s *SQLStore) Update(ctx context.Context, id string, u order.Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE orders SET
			status = COALESCE(NULLIF(?, ''), status),
			selected_dex = COALESCE(?, selected_dex),
			tx_hash = COALESCE(?, tx_hash),
			executed_price = COALESCE(?, executed_price),
			failure_reason = COALESCE(?, failure_reason),
			updated_unix_millis = ?
		 WHERE id = ?`),
		string(u.Status), nullString(u.SelectedVenue), nullString(u.TxHash),
		nullFloat(u.ExecutedPrice), nullString(u.FailureReason), now.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", id, order.ErrNotFound)
	}

	if s.outbox && u.Event != nil {
		if err := s.insertOutbox(ctx, tx, *u.Event, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) insertOutbox(ctx context.Context, tx *sql.Tx, ev order.StatusEvent, now time.Time) error {
	eventID := uuid.NewString()
	payload, err := json.Marshal(msg.OrderEventMsg{
		EventID:      eventID,
		Event:        ev,
		TsUnixMillis: now.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal order event: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO outbox_events (order_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`),
		ev.OrderID, eventID, msg.TopicOrdersEvents, ev.OrderID, string(payload), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// Get returns an order by id
func (s *SQLStore) Get(ctx context.Context, id string) (order.Order, error) {
	var (
		o                order.Order
		status           string
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, token_in, token_out, amount, target_price, status, selected_dex,
			tx_hash, executed_price, failure_reason, created_unix_millis, updated_unix_millis
		 FROM orders WHERE id = ?`), id,
	).Scan(&o.ID, &o.TokenIn, &o.TokenOut, &o.Amount, &o.TargetPrice, &status, &o.SelectedVenue,
		&o.TxHash, &o.ExecutedPrice, &o.FailureReason, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, fmt.Errorf("order %s: %w", id, order.ErrNotFound)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to get order: %w", err)
	}

	o.Status = order.Status(status)
	o.CreatedAt = time.UnixMilli(created).UTC()
	o.UpdatedAt = time.UnixMilli(updated).UTC()
	return o, nil
}

// ListUnpublished returns unpublished outbox events, oldest first
func (s *SQLStore) ListUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, order_id, event_id, topic, key, payload_json, created_unix_millis, published_unix_millis
		 FROM outbox_events
		 WHERE published_unix_millis IS NULL
		 ORDER BY id ASC
		 LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unpublished events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		err := rows.Scan(
			&e.ID, &e.OrderID, &e.EventID, &e.Topic, &e.Key,
			&e.PayloadJSON, &e.CreatedUnixMillis, &e.PublishedUnixMillis,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// MarkPublished marks an event as published
func (s *SQLStore) MarkPublished(ctx context.Context, eventID string, nowMillis int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE outbox_events SET published_unix_millis = ? WHERE event_id = ?"),
		nowMillis, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event as published: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
