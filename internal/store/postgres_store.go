package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/dunamismax/catalogfit/internal/domain"
	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS catalog_records (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	published_at TIMESTAMPTZ NOT NULL,
	primary_image_id TEXT NOT NULL DEFAULT '',
	gallery_image_ids TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS catalog_records_selection_idx
	ON catalog_records (type, status, published_at);

CREATE TABLE IF NOT EXISTS image_assets (
	id TEXT PRIMARY KEY,
	file TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS batch_runs (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	records INTEGER NOT NULL DEFAULT 0,
	candidates INTEGER NOT NULL DEFAULT 0,
	processed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	watermark_before TIMESTAMPTZ NOT NULL,
	watermark_after TIMESTAMPTZ,
	error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
`

// PostgresStore backs the record, asset, settings and run stores with one
// database.
type PostgresStore struct {
	db         *sql.DB
	uploadsDir string
}

func NewPostgresStore(ctx context.Context, dsn, uploadsDir string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, uploadsDir: uploadsDir}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure catalog schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) QueryRecords(ctx context.Context, q RecordQuery) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var after sql.NullTime
		if q.PublishedAfter != nil {
			after = sql.NullTime{Time: q.PublishedAfter.UTC(), Valid: true}
		}

		order := "published_at, id"
		if q.NewestFirst {
			order = "published_at DESC, id DESC"
		}
		rows, err := s.db.QueryContext(
			ctx,
			`SELECT id
			 FROM catalog_records
			 WHERE ($1 = '' OR type = $1)
			   AND ($2 = '' OR status = $2)
			   AND ($3::timestamptz IS NULL OR published_at > $3)
			 ORDER BY `+order,
			q.Type,
			q.Status,
			after,
		)
		if err != nil {
			yield("", fmt.Errorf("query catalog records: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				yield("", fmt.Errorf("scan catalog record: %w", err))
				return
			}
			if !yield(id, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", fmt.Errorf("iterate catalog records: %w", err))
		}
	}
}

func (s *PostgresStore) PrimaryImageID(ctx context.Context, recordID string) (string, error) {
	return s.recordColumn(ctx, recordID, "primary_image_id")
}

func (s *PostgresStore) GalleryImageIDs(ctx context.Context, recordID string) (string, error) {
	return s.recordColumn(ctx, recordID, "gallery_image_ids")
}

func (s *PostgresStore) recordColumn(ctx context.Context, recordID, column string) (string, error) {
	var value string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT `+column+` FROM catalog_records WHERE id = $1`,
		recordID,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("record %s: %w", recordID, ErrNotFound)
		}
		return "", fmt.Errorf("query record %s %s: %w", recordID, column, err)
	}
	return value, nil
}

func (s *PostgresStore) BackingFilePath(ctx context.Context, imageID string) (string, error) {
	var file string
	err := s.db.QueryRowContext(ctx, `SELECT file FROM image_assets WHERE id = $1`, imageID).Scan(&file)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query asset %s file: %w", imageID, err)
	}
	return resolvePath(s.uploadsDir, file), nil
}

func (s *PostgresStore) Metadata(ctx context.Context, imageID string) (*domain.AttachmentMetadata, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT metadata FROM image_assets WHERE id = $1`, imageID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query asset %s metadata: %w", imageID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var meta domain.AttachmentMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal asset %s metadata: %w", imageID, err)
	}
	return &meta, nil
}

func (s *PostgresStore) SetMetadata(ctx context.Context, imageID string, meta domain.AttachmentMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal asset %s metadata: %w", imageID, err)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE image_assets
		 SET metadata = $1, updated_at = $2
		 WHERE id = $3`,
		raw,
		time.Now().UTC(),
		imageID,
	)
	if err != nil {
		return fmt.Errorf("update asset %s metadata: %w", imageID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("asset %s: %w", imageID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fallback, nil
		}
		return "", fmt.Errorf("query setting %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO settings (key, value, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key,
		value,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run domain.Run) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO batch_runs (id, mode, status, source, watermark_before, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID,
		string(run.Mode),
		run.Status,
		run.Source,
		run.WatermarkBefore.UTC(),
		run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, run domain.Run) error {
	var after sql.NullTime
	if !run.WatermarkAfter.IsZero() {
		after = sql.NullTime{Time: run.WatermarkAfter.UTC(), Valid: true}
	}
	var finished sql.NullTime
	if run.FinishedAt != nil {
		finished = sql.NullTime{Time: run.FinishedAt.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE batch_runs
		 SET status = $1, records = $2, candidates = $3, processed = $4, failed = $5,
		     watermark_after = $6, error = $7, finished_at = $8
		 WHERE id = $9`,
		run.Status,
		run.Records,
		run.Candidates,
		run.Processed,
		run.Failed,
		after,
		run.Error,
		finished,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

const runColumns = `id, mode, status, source, records, candidates, processed, failed,
	watermark_before, watermark_after, error, started_at, finished_at`

func (s *PostgresStore) GetRun(ctx context.Context, id string) (domain.Run, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM batch_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, false, nil
		}
		return domain.Run{}, false, fmt.Errorf("query run: %w", err)
	}
	return run, true, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+` FROM batch_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run      domain.Run
		mode     string
		after    sql.NullTime
		finished sql.NullTime
	)
	if err := row.Scan(
		&run.ID,
		&mode,
		&run.Status,
		&run.Source,
		&run.Records,
		&run.Candidates,
		&run.Processed,
		&run.Failed,
		&run.WatermarkBefore,
		&after,
		&run.Error,
		&run.StartedAt,
		&finished,
	); err != nil {
		return domain.Run{}, err
	}
	run.Mode = domain.RunMode(mode)
	if after.Valid {
		run.WatermarkAfter = after.Time
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}
