package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
	id TEXT PRIMARY KEY,
	number TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	direction TEXT NOT NULL,
	status TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	end_time INTEGER NOT NULL,
	duration INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_call_history_start ON call_history(start_time);
`

// ErrNotFound записи с таким id нет
var ErrNotFound = errors.New("запись журнала не найдена")

// Store журнал вызовов в SQLite. Новые записи первыми.
type Store struct {
	db         *sql.DB
	maxEntries int
}

// Open открывает или создает журнал
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// одно соединение: база в памяти существует только в нем
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db, maxEntries: cfg.MaxEntries}, nil
}

// Close закрывает базу
func (s *Store) Close() error {
	return s.db.Close()
}

// Add добавляет запись и удаляет самые старые сверх предела
func (s *Store) Add(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO call_history (id, number, display_name, direction, status, start_time, end_time, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Number, e.DisplayName, string(e.Direction), string(e.Status),
		e.StartTime.UnixMilli(), e.EndTime.UnixMilli(), e.Duration)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM call_history WHERE id NOT IN (
			SELECT id FROM call_history ORDER BY start_time DESC, rowid DESC LIMIT ?
		)
	`, s.maxEntries)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return tx.Commit()
}

// List последние записи, limit <= 0 означает все
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.maxEntries {
		limit = s.maxEntries
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, display_name, direction, status, start_time, end_time, duration
		FROM call_history ORDER BY start_time DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e          Entry
			dir, st    string
			start, end int64
		)
		if err := rows.Scan(&e.ID, &e.Number, &e.DisplayName, &dir, &st, &start, &end, &e.Duration); err != nil {
			return nil, err
		}
		e.Direction = Direction(dir)
		e.Status = Status(st)
		e.StartTime = time.UnixMilli(start)
		e.EndTime = time.UnixMilli(end)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete удаляет одну запись
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM call_history WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// Clear очищает журнал
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM call_history`)
	return err
}
