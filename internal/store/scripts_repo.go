package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"devconsole/internal/console"
)

var (
	ErrScriptNotFound  = errors.New("script not found")
	ErrScriptNameTaken = errors.New("script name already in use")
)

func (s *Store) InsertScript(ctx context.Context, script *console.Script) error {
	if _, err := s.GetScriptByName(ctx, script.Name); err == nil {
		return ErrScriptNameTaken
	} else if !errors.Is(err, ErrScriptNotFound) {
		return err
	}
	now := time.Now().UTC()
	script.CreatedAt = now
	script.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO scripts (id, name, source, cron, status, last_run_at, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, script.ID, script.Name, script.Source, nullableString(script.Cron), script.Status,
		nullableTime(script.LastRunAt), nullableTime(script.NextRunAt),
		script.CreatedAt.Format(time.RFC3339Nano), script.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert script: %w", err)
	}
	return nil
}

func (s *Store) UpdateScript(ctx context.Context, script *console.Script) error {
	if other, err := s.GetScriptByName(ctx, script.Name); err == nil && other.ID != script.ID {
		return ErrScriptNameTaken
	} else if err != nil && !errors.Is(err, ErrScriptNotFound) {
		return err
	}
	script.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE scripts
		SET name = ?, source = ?, cron = ?, status = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, script.Name, script.Source, nullableString(script.Cron), script.Status,
		nullableTime(script.NextRunAt), script.UpdatedAt.Format(time.RFC3339Nano), script.ID)
	if err != nil {
		return fmt.Errorf("update script: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update script rows: %w", err)
	}
	if rows == 0 {
		return ErrScriptNotFound
	}
	return nil
}

func (s *Store) DeleteScript(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete script: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrScriptNotFound
	}
	return nil
}

func (s *Store) GetScript(ctx context.Context, id string) (*console.Script, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, source, cron, status, last_run_at, next_run_at, created_at, updated_at
		FROM scripts WHERE id = ?
	`, id)
	script, err := scanScript(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScriptNotFound
		}
		return nil, err
	}
	return script, nil
}

func (s *Store) GetScriptByName(ctx context.Context, name string) (*console.Script, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, source, cron, status, last_run_at, next_run_at, created_at, updated_at
		FROM scripts WHERE name = ?
	`, name)
	script, err := scanScript(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScriptNotFound
		}
		return nil, err
	}
	return script, nil
}

func (s *Store) ListScripts(ctx context.Context, status *console.ScriptStatus) ([]*console.Script, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, name, source, cron, status, last_run_at, next_run_at, created_at, updated_at
			FROM scripts
			WHERE status = ?
			ORDER BY name ASC
		`, *status)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT id, name, source, cron, status, last_run_at, next_run_at, created_at, updated_at
			FROM scripts
			ORDER BY name ASC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("query scripts: %w", err)
	}
	defer rows.Close()
	var scripts []*console.Script
	for rows.Next() {
		script, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return scripts, nil
}

// UpdateScriptRunInfo records a run. A nil nextRunAt leaves the stored
// next_run_at unchanged.
func (s *Store) UpdateScriptRunInfo(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE scripts
		SET last_run_at = ?, next_run_at = COALESCE(?, next_run_at), updated_at = ?
		WHERE id = ?
	`, nullableTime(lastRunAt), nullableTime(nextRunAt), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update script run info: %w", err)
	}
	return nil
}

func (s *Store) UpdateScriptNextRun(ctx context.Context, id string, nextRunAt *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE scripts
		SET next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, nullableTime(nextRunAt), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update next_run_at: %w", err)
	}
	return nil
}

func scanScript(scanner interface {
	Scan(dest ...any) error
}) (*console.Script, error) {
	var (
		id        string
		name      string
		source    string
		cronExpr  sql.NullString
		status    string
		lastRun   sql.NullString
		nextRun   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&id, &name, &source, &cronExpr, &status, &lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan script: %w", err)
	}
	script := &console.Script{
		ID:     id,
		Name:   name,
		Source: source,
		Status: console.ScriptStatus(status),
	}
	if cronExpr.Valid {
		script.Cron = &cronExpr.String
	}
	if lastRun.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastRun.String); err == nil {
			script.LastRunAt = &t
		}
	}
	if nextRun.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextRun.String); err == nil {
			script.NextRunAt = &t
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		script.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		script.UpdatedAt = t
	}
	return script, nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}
