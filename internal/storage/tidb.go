package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/hookvault/internal/models"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		id          VARCHAR(64)   NOT NULL PRIMARY KEY,
		seq         BIGINT        NOT NULL AUTO_INCREMENT,
		name        VARCHAR(1024) NOT NULL,
		size        BIGINT        NOT NULL,
		chunk_size  BIGINT        NOT NULL,
		chunk_count INT           NOT NULL,
		created_at  DATETIME(6)   NOT NULL,
		UNIQUE KEY files_seq (seq)
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		file_id     VARCHAR(64) NOT NULL,
		order_index INT         NOT NULL,
		locator     TEXT        NOT NULL,
		size        BIGINT      NOT NULL,
		hash        VARCHAR(64) NOT NULL DEFAULT '',
		PRIMARY KEY (file_id, order_index)
	)`,
}

// SQLStore keeps the catalog in MySQL-compatible tables (MySQL, TiDB)
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore initializes a new database client
func NewSQLStore(dsn string) (*SQLStore, error) {
	dsn, err := withParseTime(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &SQLStore{db: db}, nil
}

// withParseTime makes the driver scan DATETIME columns into time.Time.
func withParseTime(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid catalog dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// Close closes the database connection
func (ss *SQLStore) Close() error {
	return ss.db.Close()
}

// EnsureSchema creates the catalog tables if they are missing
func (ss *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := ss.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Load implements catalog.Store. Records come back in insertion order:
// imported records keep their original created_at, so seq decides.
func (ss *SQLStore) Load(ctx context.Context) ([]models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "tidb.load_catalog")
	defer span.End()

	rows, err := ss.db.QueryContext(ctx,
		`SELECT id, name, size, chunk_size, created_at FROM files ORDER BY seq ASC`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var recs []models.FileRecord
	index := map[string]int{}
	for rows.Next() {
		var rec models.FileRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Size, &rec.ChunkSize, &rec.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		index[rec.ID] = len(recs)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	chunkRows, err := ss.db.QueryContext(ctx,
		`SELECT file_id, order_index, locator, size, hash
		 FROM chunks
		 ORDER BY file_id ASC, order_index ASC`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer chunkRows.Close()

	for chunkRows.Next() {
		var fileID string
		var ref models.ChunkRef
		if err := chunkRows.Scan(&fileID, &ref.Index, &ref.Locator, &ref.Size, &ref.Hash); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if i, ok := index[fileID]; ok {
			recs[i].Chunks = append(recs[i].Chunks, ref)
		}
	}
	if err := chunkRows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}

	span.SetAttributes(
		attribute.Int("file_count", len(recs)),
		attribute.Bool("query_success", true),
	)
	return recs, nil
}

// Put implements catalog.Store. The file row and its chunk rows are written
// in one transaction.
func (ss *SQLStore) Put(ctx context.Context, rec *models.FileRecord) error {
	ctx, span := tracer.Start(ctx, "tidb.put_file",
		trace.WithAttributes(
			attribute.String("file_id", rec.ID),
			attribute.String("file_name", rec.Name),
			attribute.Int64("file_size", rec.Size),
		),
	)
	defer span.End()

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (id, name, size, chunk_size, chunk_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE name = VALUES(name), size = VALUES(size),
		   chunk_size = VALUES(chunk_size), chunk_count = VALUES(chunk_count)`,
		rec.ID, rec.Name, rec.Size, rec.ChunkSize, len(rec.Chunks), rec.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert file: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, rec.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (file_id, order_index, locator, size, hash) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range rec.Chunks {
		if _, err := stmt.ExecContext(ctx, rec.ID, c.Index, c.Locator, c.Size, c.Hash); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to insert chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit file: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// Delete implements catalog.Store
func (ss *SQLStore) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "tidb.delete_file",
		trace.WithAttributes(
			attribute.String("file_id", id),
		),
	)
	defer span.End()

	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	span.SetAttributes(attribute.Bool("delete_success", true))
	return nil
}
