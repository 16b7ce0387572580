package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stakeline/internal/config"
	"stakeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when set, otherwise the pool.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertConfig stores cfg as a new version and returns its number.
func (r Repo) InsertConfig(ctx context.Context, tx *sql.Tx, cfg *config.Config, actorID, now string) (int64, error) {
	if cfg == nil {
		return 0, fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return 0, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO protocol_configs(config_json,created_by,created_at) VALUES (?,?,?)`, string(payload), actorID, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CurrentConfig returns the latest config version.
func (r Repo) CurrentConfig(ctx context.Context, tx *sql.Tx) (*config.Config, int64, error) {
	var (
		version int64
		payload string
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT version, config_json FROM protocol_configs ORDER BY version DESC LIMIT 1`).Scan(&version, &payload)
	if err == sql.ErrNoRows {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	cfg, err := decodeConfig(payload)
	return cfg, version, err
}

// ConfigAt returns a specific config version.
func (r Repo) ConfigAt(ctx context.Context, tx *sql.Tx, version int64) (*config.Config, error) {
	var payload string
	err := r.q(tx).QueryRowContext(ctx, `SELECT config_json FROM protocol_configs WHERE version=?`, version).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeConfig(payload)
}

func decodeConfig(payload string) (*config.Config, error) {
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func (r Repo) ListConfigVersions(ctx context.Context) ([]domain.ConfigVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version, created_by, created_at FROM protocol_configs ORDER BY version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConfigVersion
	for rows.Next() {
		var v domain.ConfigVersion
		if err := rows.Scan(&v.Version, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

type EventFilters struct {
	Type    string
	TaskID  int64
	ActorID string
	Limit   int
	Cursor  int64
}

// LatestEvents returns events newest first, below Cursor when set.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.TaskID > 0 {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,task_id,actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.scanEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.scanEvents(ctx, `SELECT id,ts,type,task_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) scanEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var taskID sql.NullInt64
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &taskID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if taskID.Valid {
			e.TaskID = taskID.Int64
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
