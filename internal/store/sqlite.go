package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashida/shopquest/internal/domain"
	"github.com/ashida/shopquest/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	questMu sync.Mutex // serializes quest session writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS shopping_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		priority TEXT NOT NULL,
		completed INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_items_user ON shopping_items(user_id, id);

	CREATE TABLE IF NOT EXISTS quest_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		current_index INTEGER DEFAULT 0,
		transcript_json TEXT NOT NULL,
		items_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_quest_sessions_updated ON quest_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS purchases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		item_name TEXT NOT NULL,
		location TEXT,
		purchased_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases(user_id, purchased_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT user_id, last_seen_at, created_at, updated_at FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// ListItems returns the user's shopping list in insertion order.
func (s *SQLiteStore) ListItems(ctx context.Context, userID string) ([]*domain.ListItem, error) {
	query := `
		SELECT id, user_id, name, category, priority, completed, created_at
		FROM shopping_items WHERE user_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query shopping items: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close shopping item rows", "error", closeErr)
		}
	}()

	var items []*domain.ListItem
	for rows.Next() {
		var item domain.ListItem
		var createdAt int64

		if err := rows.Scan(
			&item.ID, &item.UserID, &item.Name, &item.Category,
			&item.Priority, &item.Completed, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan shopping item row: %w", err)
		}

		item.CreatedAt = time.Unix(createdAt, 0)
		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shopping items: %w", err)
	}

	return items, nil
}

// AddListItem inserts one shopping list entry and returns its ID.
func (s *SQLiteStore) AddListItem(ctx context.Context, item *domain.ListItem) (int64, error) {
	query := `
	INSERT INTO shopping_items (user_id, name, category, priority, completed, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		item.UserID, item.Name, item.Category, item.Priority,
		item.Completed, item.CreatedAt.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert shopping item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("shopping item insert id: %w", err)
	}
	return id, nil
}

// AddListItems inserts a batch of entries in one transaction.
func (s *SQLiteStore) AddListItems(ctx context.Context, items []*domain.ListItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin item batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
	INSERT INTO shopping_items (user_id, name, category, priority, completed, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, query,
			item.UserID, item.Name, item.Category, item.Priority,
			item.Completed, item.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert batch item %q: %w", item.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit item batch: %w", err)
	}
	return nil
}

// SetItemCompleted toggles the completed flag of one entry.
func (s *SQLiteStore) SetItemCompleted(ctx context.Context, userID string, itemID int64, completed bool) error {
	query := `UPDATE shopping_items SET completed = ? WHERE user_id = ? AND id = ?`
	result, err := s.db.ExecContext(ctx, query, completed, userID, itemID)
	if err != nil {
		return fmt.Errorf("update item completed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("shopping item not found")
	}
	return nil
}

// DeleteListItem removes one entry owned by the user.
func (s *SQLiteStore) DeleteListItem(ctx context.Context, userID string, itemID int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM shopping_items WHERE user_id = ? AND id = ?`, userID, itemID)
	if err != nil {
		return fmt.Errorf("delete shopping item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("shopping item not found")
	}
	return nil
}

// GetQuestSession retrieves a persisted quest snapshot, nil if absent.
func (s *SQLiteStore) GetQuestSession(ctx context.Context, userID, sessionID string) (*domain.QuestRecord, error) {
	s.questMu.Lock()
	defer s.questMu.Unlock()

	query := `
		SELECT user_id, session_id, stage, current_index, transcript_json, items_json,
		       created_at, updated_at
		FROM quest_sessions WHERE user_id = ? AND session_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID, sessionID)

	var rec domain.QuestRecord
	var stage string
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.UserID, &rec.SessionID, &stage, &rec.CurrentIndex,
		&rec.TranscriptJSON, &rec.ItemsJSON, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan quest session: %w", err)
	}

	rec.Stage = domain.Stage(stage)
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)

	return &rec, nil
}

// UpsertQuestSession creates or updates a quest snapshot.
func (s *SQLiteStore) UpsertQuestSession(ctx context.Context, rec *domain.QuestRecord) error {
	s.questMu.Lock()
	defer s.questMu.Unlock()

	query := `
		INSERT INTO quest_sessions (
			user_id, session_id, stage, current_index, transcript_json, items_json,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, session_id) DO UPDATE SET
			stage = excluded.stage,
			current_index = excluded.current_index,
			transcript_json = excluded.transcript_json,
			items_json = excluded.items_json,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		rec.UserID, rec.SessionID, string(rec.Stage), rec.CurrentIndex,
		rec.TranscriptJSON, rec.ItemsJSON,
		rec.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert quest session: %w", err)
	}
	return nil
}

// DeleteQuestSession removes a quest snapshot.
// Retries with exponential backoff to ride out SQLITE_BUSY.
func (s *SQLiteStore) DeleteQuestSession(ctx context.Context, userID, sessionID string) error {
	err := shared.RetrySQLite(3, 100*time.Millisecond, func() error {
		s.questMu.Lock()
		defer s.questMu.Unlock()

		_, err := s.db.ExecContext(ctx,
			`DELETE FROM quest_sessions WHERE user_id = ? AND session_id = ?`,
			userID, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete quest session %s/%s: %w", userID, sessionID, err)
	}
	return nil
}

// GetIdleQuestSessions returns snapshots not updated within ttl.
func (s *SQLiteStore) GetIdleQuestSessions(ctx context.Context, ttl time.Duration) ([]*domain.QuestRecord, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT user_id, session_id, stage, current_index, transcript_json, items_json,
		       created_at, updated_at
		FROM quest_sessions WHERE updated_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle quest sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle quest session rows", "error", closeErr)
		}
	}()

	var recs []*domain.QuestRecord
	for rows.Next() {
		var rec domain.QuestRecord
		var stage string
		var createdAt, updatedAt int64

		if err := rows.Scan(
			&rec.UserID, &rec.SessionID, &stage, &rec.CurrentIndex,
			&rec.TranscriptJSON, &rec.ItemsJSON, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan idle quest session row: %w", err)
		}

		rec.Stage = domain.Stage(stage)
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle quest sessions: %w", err)
	}

	return recs, nil
}

// AddPurchases records purchases made during a completed quest.
func (s *SQLiteStore) AddPurchases(ctx context.Context, purchases []*domain.Purchase) error {
	if len(purchases) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purchase batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `INSERT INTO purchases (user_id, item_name, location, purchased_at) VALUES (?, ?, ?, ?)`
	for _, p := range purchases {
		if _, err := tx.ExecContext(ctx, query,
			p.UserID, p.ItemName, p.Location, p.PurchasedAt.Unix(),
		); err != nil {
			return fmt.Errorf("insert purchase %q: %w", p.ItemName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purchase batch: %w", err)
	}
	return nil
}

// ListPurchases returns the user's purchase history, newest first.
func (s *SQLiteStore) ListPurchases(ctx context.Context, userID string) ([]*domain.Purchase, error) {
	query := `
		SELECT id, user_id, item_name, location, purchased_at
		FROM purchases WHERE user_id = ? ORDER BY purchased_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query purchases: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close purchase rows", "error", closeErr)
		}
	}()

	var purchases []*domain.Purchase
	for rows.Next() {
		var p domain.Purchase
		var location sql.NullString
		var purchasedAt int64

		if err := rows.Scan(&p.ID, &p.UserID, &p.ItemName, &location, &purchasedAt); err != nil {
			return nil, fmt.Errorf("scan purchase row: %w", err)
		}

		p.Location = location.String
		p.PurchasedAt = time.Unix(purchasedAt, 0)
		purchases = append(purchases, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purchases: %w", err)
	}

	return purchases, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
