package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coachpo/last-whisper-backend/internal/tasks"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore implements tasks.Store over a single SQLite file. One
// connection keeps every statement serialized; each call is its own
// transaction.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename
// (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

const taskColumns = `id, text, text_hash, status, output_path, custom_name,
	created_at, submitted_at, started_at, completed_at, failed_at,
	error_message, device, file_size, sampling_rate, metadata, item_id`

func (s *SQLiteStore) Create(ctx context.Context, task *tasks.Task) error {
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	metadata, err := marshalMetadata(task.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.Text,
		task.TextHash,
		string(task.Status),
		nullString(task.OutputPath),
		nullString(task.CustomName),
		task.CreatedAt.UTC(),
		task.SubmittedAt.UTC(),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		nullTime(task.FailedAt),
		nullString(task.ErrorMessage),
		nullString(task.Device),
		nullInt64(task.FileSize),
		nullInt(task.SamplingRate),
		metadata,
		nullInt64(task.ItemID),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return tasks.ErrDuplicateInFlight
	}
	return err
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*tasks.Task, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`,
		id,
	)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, tasks.ErrNotFound
	}
	return task, err
}

func (s *SQLiteStore) GetByHash(ctx context.Context, hash string) (*tasks.Task, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE text_hash = ? AND status != 'failed'
		 ORDER BY CASE status
			WHEN 'completed' THEN 0
			WHEN 'processing' THEN 1
			WHEN 'queued' THEN 2
			ELSE 3 END,
			created_at DESC
		 LIMIT 1`,
		hash,
	)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return task, true, nil
}

func (s *SQLiteStore) List(ctx context.Context, status tasks.Status, limit int) ([]*tasks.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, 2)
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*tasks.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, task)
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string, update tasks.ProcessingUpdate) error {
	metadata, err := marshalMetadata(update.Metadata)
	if err != nil {
		return err
	}
	return s.exec(ctx,
		`UPDATE tasks SET
			status = 'processing',
			started_at = ?,
			device = ?,
			metadata = ?
		 WHERE id = ?`,
		update.StartedAt.UTC(),
		nullString(update.Device),
		metadata,
		id,
	)
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, update tasks.CompletedUpdate) error {
	metadata, err := marshalMetadata(update.Metadata)
	if err != nil {
		return err
	}
	return s.exec(ctx,
		`UPDATE tasks SET
			status = 'completed',
			completed_at = ?,
			output_path = ?,
			file_size = ?,
			sampling_rate = ?,
			device = ?,
			metadata = ?
		 WHERE id = ?`,
		update.CompletedAt.UTC(),
		nullString(update.OutputPath),
		nullInt64(update.FileSize),
		nullInt(update.SamplingRate),
		nullString(update.Device),
		metadata,
		id,
	)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, update tasks.FailedUpdate) error {
	metadata, err := marshalMetadata(update.Metadata)
	if err != nil {
		return err
	}
	return s.exec(ctx,
		`UPDATE tasks SET
			status = 'failed',
			failed_at = ?,
			error_message = ?,
			device = ?,
			metadata = ?
		 WHERE id = ?`,
		update.FailedAt.UTC(),
		nullString(update.ErrorMessage),
		nullString(update.Device),
		metadata,
		id,
	)
}

func (s *SQLiteStore) AttachItem(ctx context.Context, id string, itemID int64) error {
	return s.exec(ctx, `UPDATE tasks SET item_id = ? WHERE id = ?`, itemID, id)
}

// exec runs one UPDATE and maps a zero-row result to ErrNotFound.
func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return tasks.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM tasks WHERE status = 'failed' AND failed_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) OrphanedCompletedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM tasks
		 WHERE status = 'completed' AND item_id IS NULL AND completed_at < ?
		 ORDER BY completed_at ASC`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[tasks.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[tasks.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[tasks.Status(status)] = count
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*tasks.Statistics, error) {
	stats := &tasks.Statistics{StatusCounts: make(map[tasks.Status]int)}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for status, count := range counts {
		stats.StatusCounts[status] = count
		stats.TotalTasks += count
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(
		ctx,
		`SELECT AVG(file_size) FROM tasks WHERE status = 'completed' AND file_size IS NOT NULL`,
	).Scan(&avg); err != nil {
		return nil, err
	}
	if avg.Valid {
		stats.AverageFileSize = avg.Float64
	}

	if err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM (
			SELECT text_hash FROM tasks GROUP BY text_hash HAVING COUNT(*) > 1
		)`,
	).Scan(&stats.DuplicateTexts); err != nil {
		return nil, err
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*tasks.Task, error) {
	var task tasks.Task
	var status string
	var outputPath, customName, errorMessage, device, metadata sql.NullString
	var startedAt, completedAt, failedAt sql.NullTime
	var fileSize, itemID sql.NullInt64
	var samplingRate sql.NullInt64

	if err := row.Scan(
		&task.ID,
		&task.Text,
		&task.TextHash,
		&status,
		&outputPath,
		&customName,
		&task.CreatedAt,
		&task.SubmittedAt,
		&startedAt,
		&completedAt,
		&failedAt,
		&errorMessage,
		&device,
		&fileSize,
		&samplingRate,
		&metadata,
		&itemID,
	); err != nil {
		return nil, err
	}

	task.Status = tasks.Status(status)
	task.OutputPath = outputPath.String
	task.CustomName = customName.String
	task.ErrorMessage = errorMessage.String
	task.Device = device.String
	if startedAt.Valid {
		ts := startedAt.Time
		task.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		task.CompletedAt = &ts
	}
	if failedAt.Valid {
		ts := failedAt.Time
		task.FailedAt = &ts
	}
	if fileSize.Valid {
		n := fileSize.Int64
		task.FileSize = &n
	}
	if samplingRate.Valid {
		n := int(samplingRate.Int64)
		task.SamplingRate = &n
	}
	if itemID.Valid {
		n := itemID.Int64
		task.ItemID = &n
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("decode task metadata: %w", err)
		}
	}
	return &task, nil
}

func marshalMetadata(md map[string]any) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode task metadata: %w", err)
	}
	return string(payload), nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
