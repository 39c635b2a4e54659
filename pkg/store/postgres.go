package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kbagent/core/pkg/model"
)

// Config holds PostgreSQL connection pool settings, mirroring the shape
// tarsy's pkg/database.Config uses for its pgx-backed pool.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

func (c Config) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Postgres is the pgx-backed Store implementation. Hand-written SQL is
// used throughout rather than an ORM/codegen layer — see DESIGN.md for
// why ent was dropped from this module.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool against cfg and verifies
// connectivity with a ping. Callers are expected to have already applied
// schema.sql to the target database.
func NewPostgres(ctx context.Context, cfg Config) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("store: parsing pool config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: opening pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (p *Postgres) GetItem(ctx context.Context, itemID string) (model.Item, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, source_url, is_thread, segments, media, urls,
		       main_category, sub_category, item_name,
		       article_title, article_markdown, article_raw_json, kb_dir_path, kb_media_paths,
		       cache_complete, media_processed, categories_processed, article_created, db_synced,
		       phase_errors, created_at, updated_at
		FROM items WHERE id = $1`, itemID)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Item{}, ErrNotFound
	}
	if err != nil {
		return model.Item{}, fmt.Errorf("store: get item %s: %w", itemID, err)
	}
	return item, nil
}

func (p *Postgres) PutItem(ctx context.Context, item model.Item) error {
	segments, err := json.Marshal(item.Segments)
	if err != nil {
		return fmt.Errorf("store: marshal segments: %w", err)
	}
	media, err := json.Marshal(item.Media)
	if err != nil {
		return fmt.Errorf("store: marshal media: %w", err)
	}
	urls, err := json.Marshal(item.URLs)
	if err != nil {
		return fmt.Errorf("store: marshal urls: %w", err)
	}
	kbMediaPaths, err := json.Marshal(item.KBMediaPaths)
	if err != nil {
		return fmt.Errorf("store: marshal kb_media_paths: %w", err)
	}
	var phaseErrors []byte
	if len(item.PhaseErrors) > 0 {
		phaseErrors, err = json.Marshal(item.PhaseErrors)
		if err != nil {
			return fmt.Errorf("store: marshal phase_errors: %w", err)
		}
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO items (
			id, source_url, is_thread, segments, media, urls,
			main_category, sub_category, item_name,
			article_title, article_markdown, article_raw_json, kb_dir_path, kb_media_paths,
			cache_complete, media_processed, categories_processed, article_created, db_synced,
			phase_errors, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, now()
		)
		ON CONFLICT (id) DO UPDATE SET
			source_url = EXCLUDED.source_url,
			is_thread = EXCLUDED.is_thread,
			segments = EXCLUDED.segments,
			media = EXCLUDED.media,
			urls = EXCLUDED.urls,
			main_category = EXCLUDED.main_category,
			sub_category = EXCLUDED.sub_category,
			item_name = EXCLUDED.item_name,
			article_title = EXCLUDED.article_title,
			article_markdown = EXCLUDED.article_markdown,
			article_raw_json = EXCLUDED.article_raw_json,
			kb_dir_path = EXCLUDED.kb_dir_path,
			kb_media_paths = EXCLUDED.kb_media_paths,
			cache_complete = EXCLUDED.cache_complete,
			media_processed = EXCLUDED.media_processed,
			categories_processed = EXCLUDED.categories_processed,
			article_created = EXCLUDED.article_created,
			db_synced = EXCLUDED.db_synced,
			phase_errors = EXCLUDED.phase_errors,
			updated_at = now()
	`,
		item.ID, item.SourceURL, item.IsThread, segments, media, urls,
		item.MainCategory, item.SubCategory, item.ItemName,
		item.ArticleTitle, item.ArticleMarkdown, item.ArticleRawJSON, item.KBDirPath, kbMediaPaths,
		item.CacheComplete, item.MediaProcessed, item.CategoriesProcessed, item.ArticleCreated, item.DBSynced,
		phaseErrors, item.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrKBDirPathCollision
	}
	if err != nil {
		return fmt.Errorf("store: put item %s: %w", item.ID, err)
	}
	return nil
}

func (p *Postgres) BulkListEligible(ctx context.Context) ([]model.Item, error) {
	return p.queryItems(ctx, `
		SELECT id, source_url, is_thread, segments, media, urls,
		       main_category, sub_category, item_name,
		       article_title, article_markdown, article_raw_json, kb_dir_path, kb_media_paths,
		       cache_complete, media_processed, categories_processed, article_created, db_synced,
		       phase_errors, created_at, updated_at
		FROM items
		WHERE NOT (cache_complete AND media_processed AND categories_processed AND article_created AND db_synced)
		ORDER BY created_at ASC`)
}

func (p *Postgres) ListAll(ctx context.Context) ([]model.Item, error) {
	return p.queryItems(ctx, `
		SELECT id, source_url, is_thread, segments, media, urls,
		       main_category, sub_category, item_name,
		       article_title, article_markdown, article_raw_json, kb_dir_path, kb_media_paths,
		       cache_complete, media_processed, categories_processed, article_created, db_synced,
		       phase_errors, created_at, updated_at
		FROM items ORDER BY id ASC`)
}

func (p *Postgres) queryItems(ctx context.Context, sql string, args ...interface{}) ([]model.Item, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query items: %w", err)
	}
	defer rows.Close()

	var out []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// rowScanner abstracts pgx.Row and pgx.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (model.Item, error) {
	var item model.Item
	var segments, media, urls, kbMediaPaths []byte
	var phaseErrors []byte

	err := row.Scan(
		&item.ID, &item.SourceURL, &item.IsThread, &segments, &media, &urls,
		&item.MainCategory, &item.SubCategory, &item.ItemName,
		&item.ArticleTitle, &item.ArticleMarkdown, &item.ArticleRawJSON, &item.KBDirPath, &kbMediaPaths,
		&item.CacheComplete, &item.MediaProcessed, &item.CategoriesProcessed, &item.ArticleCreated, &item.DBSynced,
		&phaseErrors, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return model.Item{}, err
	}

	if err := json.Unmarshal(segments, &item.Segments); err != nil {
		return model.Item{}, fmt.Errorf("unmarshal segments: %w", err)
	}
	if err := json.Unmarshal(media, &item.Media); err != nil {
		return model.Item{}, fmt.Errorf("unmarshal media: %w", err)
	}
	if err := json.Unmarshal(urls, &item.URLs); err != nil {
		return model.Item{}, fmt.Errorf("unmarshal urls: %w", err)
	}
	if len(kbMediaPaths) > 0 {
		if err := json.Unmarshal(kbMediaPaths, &item.KBMediaPaths); err != nil {
			return model.Item{}, fmt.Errorf("unmarshal kb_media_paths: %w", err)
		}
	}
	if len(phaseErrors) > 0 {
		if err := json.Unmarshal(phaseErrors, &item.PhaseErrors); err != nil {
			return model.Item{}, fmt.Errorf("unmarshal phase_errors: %w", err)
		}
	}
	return item, nil
}

func (p *Postgres) CreateTask(ctx context.Context, task model.Task) error {
	prefs, err := json.Marshal(task.Preferences)
	if err != nil {
		return fmt.Errorf("store: marshal preferences: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO tasks (id, kind, status, preferences, created_at, progress_percent)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.Kind, task.Status, prefs, task.CreatedAt, task.ProgressPercent,
	)
	if err != nil {
		return fmt.Errorf("store: create task %s: %w", task.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, errMsg string, result *model.ResultSummary) error {
	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("store: marshal result summary: %w", err)
		}
	}

	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now()
		completedAt = &now
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, error_message = $3, result_summary = $4, completed_at = COALESCE($5, completed_at)
		WHERE id = $1`,
		taskID, status, nullIfEmpty(errMsg), resultJSON, completedAt,
	)
	if err != nil {
		return fmt.Errorf("store: update task status %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, kind, status, preferences, created_at, started_at, completed_at,
		       last_heartbeat_at, current_phase, current_phase_message, progress_percent,
		       error_message, result_summary
		FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("store: get task %s: %w", taskID, err)
	}
	return task, nil
}

func (p *Postgres) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]model.Task, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, kind, status, preferences, created_at, started_at, completed_at,
		       last_heartbeat_at, current_phase, current_phase_message, progress_percent,
		       error_message, result_summary
		FROM tasks WHERE status = $1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks by status: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// ClaimNextTask atomically claims the oldest pending task using
// SELECT ... FOR UPDATE SKIP LOCKED, mirroring tarsy's claimNextSession:
// multiple daemons can poll the same table concurrently and never claim
// the same row twice, with no application-level locking.
func (p *Postgres) ClaimNextTask(ctx context.Context) (model.Task, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return model.Task{}, false, fmt.Errorf("store: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, kind, status, preferences, created_at, started_at, completed_at,
		       last_heartbeat_at, current_phase, current_phase_message, progress_percent,
		       error_message, result_summary
		FROM tasks
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, model.TaskStatusPending)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, false, nil
	}
	if err != nil {
		return model.Task{}, false, fmt.Errorf("store: claim next task: %w", err)
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = $2, started_at = $3, last_heartbeat_at = $3
		WHERE id = $1`, task.ID, model.TaskStatusRunning, now)
	if err != nil {
		return model.Task{}, false, fmt.Errorf("store: claim next task %s: %w", task.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Task{}, false, fmt.Errorf("store: commit claim tx: %w", err)
	}

	task.Status = model.TaskStatusRunning
	task.StartedAt = &now
	task.LastHeartbeatAt = &now
	return task, true, nil
}

// ClaimTaskByID claims taskID the same way ClaimNextTask claims the head
// of the backlog, but keyed by id instead of by ORDER BY — used when a
// Redis sorted set, not Postgres's own ordering, picked the candidate.
func (p *Postgres) ClaimTaskByID(ctx context.Context, taskID string) (model.Task, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return model.Task{}, false, fmt.Errorf("store: begin claim-by-id tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, kind, status, preferences, created_at, started_at, completed_at,
		       last_heartbeat_at, current_phase, current_phase_message, progress_percent,
		       error_message, result_summary
		FROM tasks
		WHERE id = $1 AND status = $2
		FOR UPDATE SKIP LOCKED`, taskID, model.TaskStatusPending)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, false, nil
	}
	if err != nil {
		return model.Task{}, false, fmt.Errorf("store: claim task %s: %w", taskID, err)
	}

	now := time.Now()
	_, err = tx.Exec(ctx, `
		UPDATE tasks SET status = $2, started_at = $3, last_heartbeat_at = $3
		WHERE id = $1`, task.ID, model.TaskStatusRunning, now)
	if err != nil {
		return model.Task{}, false, fmt.Errorf("store: claim task %s: %w", taskID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Task{}, false, fmt.Errorf("store: commit claim-by-id tx: %w", err)
	}

	task.Status = model.TaskStatusRunning
	task.StartedAt = &now
	task.LastHeartbeatAt = &now
	return task, true, nil
}

// CancelTask marks taskID canceled unless it has already reached a
// terminal status, in which case it's a no-op — mirroring tarsy's
// orphan-recovery update, which only ever moves a session forward to a
// terminal state, never overwrites one that already got there first.
func (p *Postgres) CancelTask(ctx context.Context, taskID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, completed_at = now()
		WHERE id = $1 AND status NOT IN ($3, $4, $5)`,
		taskID, model.TaskStatusCanceled,
		model.TaskStatusSucceeded, model.TaskStatusFailed, model.TaskStatusCanceled,
	)
	if err != nil {
		return false, fmt.Errorf("store: cancel task %s: %w", taskID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanTask(row rowScanner) (model.Task, error) {
	var task model.Task
	var prefs []byte
	var resultJSON []byte

	err := row.Scan(
		&task.ID, &task.Kind, &task.Status, &prefs, &task.CreatedAt, &task.StartedAt, &task.CompletedAt,
		&task.LastHeartbeatAt, &task.CurrentPhase, &task.CurrentPhaseMessage, &task.ProgressPercent,
		&task.ErrorMessage, &resultJSON,
	)
	if err != nil {
		return model.Task{}, err
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &task.Preferences); err != nil {
			return model.Task{}, fmt.Errorf("unmarshal preferences: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		task.ResultSummary = &model.ResultSummary{}
		if err := json.Unmarshal(resultJSON, task.ResultSummary); err != nil {
			return model.Task{}, fmt.Errorf("unmarshal result summary: %w", err)
		}
	}
	return task, nil
}

func (p *Postgres) HeartbeatTask(ctx context.Context, taskID string, phase, phaseMessage string, progressPercent int) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE tasks SET last_heartbeat_at = now(), current_phase = $2,
		       current_phase_message = $3, progress_percent = $4
		WHERE id = $1`,
		taskID, phase, phaseMessage, progressPercent,
	)
	if err != nil {
		return fmt.Errorf("store: heartbeat task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpsertPhaseStats(ctx context.Context, phaseID string, itemsDelta int64, durationDelta float64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO phase_stats (phase_id, items_processed_total, duration_seconds_total)
		VALUES ($1, $2, $3)
		ON CONFLICT (phase_id) DO UPDATE SET
			items_processed_total = phase_stats.items_processed_total + EXCLUDED.items_processed_total,
			duration_seconds_total = phase_stats.duration_seconds_total + EXCLUDED.duration_seconds_total`,
		phaseID, itemsDelta, durationDelta,
	)
	if err != nil {
		return fmt.Errorf("store: upsert phase stats %s: %w", phaseID, err)
	}
	return nil
}

func (p *Postgres) GetPhaseStats(ctx context.Context) ([]model.PhaseStat, error) {
	rows, err := p.pool.Query(ctx, `SELECT phase_id, items_processed_total, duration_seconds_total FROM phase_stats ORDER BY phase_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: get phase stats: %w", err)
	}
	defer rows.Close()

	var out []model.PhaseStat
	for rows.Next() {
		var s model.PhaseStat
		if err := rows.Scan(&s.PhaseID, &s.ItemsProcessedTotal, &s.DurationSecondsTotal); err != nil {
			return nil, fmt.Errorf("store: scan phase stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertKBItem(ctx context.Context, row KBItemRow) error {
	kbMediaPaths, err := json.Marshal(row.KBMediaPaths)
	if err != nil {
		return fmt.Errorf("store: marshal kb_media_paths for %s: %w", row.ItemID, err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO kb_items (item_id, content, main_category, sub_category, item_name, article_title, kb_dir_path, kb_media_paths, source_url, created_at_source, updated_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), $11)
		ON CONFLICT (item_id) DO UPDATE SET
			content = EXCLUDED.content,
			main_category = EXCLUDED.main_category,
			sub_category = EXCLUDED.sub_category,
			item_name = EXCLUDED.item_name,
			article_title = EXCLUDED.article_title,
			kb_dir_path = EXCLUDED.kb_dir_path,
			kb_media_paths = EXCLUDED.kb_media_paths,
			source_url = EXCLUDED.source_url,
			created_at_source = EXCLUDED.created_at_source,
			updated_at = now(),
			synced_at = EXCLUDED.synced_at`,
		row.ItemID, row.Content, row.MainCategory, row.SubCategory, row.ItemName, row.ArticleTitle,
		row.KBDirPath, kbMediaPaths, row.SourceURL, row.CreatedAtSource, row.SyncedAt,
	)
	if isUniqueViolation(err) {
		return ErrKBDirPathCollision
	}
	if err != nil {
		return fmt.Errorf("store: upsert kb_item %s: %w", row.ItemID, err)
	}
	return nil
}

func (p *Postgres) KBDirPathInUse(ctx context.Context, dirPath, excludeItemID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM items WHERE kb_dir_path = $1 AND id != $2
			UNION
			SELECT 1 FROM kb_items WHERE kb_dir_path = $1 AND item_id != $2
		)`, dirPath, excludeItemID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: check kb_dir_path in use: %w", err)
	}
	return exists, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*Postgres)(nil)
