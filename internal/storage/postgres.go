package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"luau-runner/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS snippets (
	id         SERIAL PRIMARY KEY,
	code       TEXT NOT NULL,
	output     TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT NOW()
)`

// maxOutputColumn bounds a stored transcript.
const maxOutputColumn = 1 << 20

// DB wraps a PostgreSQL connection pool holding the snippet history.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pcfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// EnsureSchema creates the snippets table if it does not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating snippets table: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// Append inserts a snippet and returns it as stored.
func (db *DB) Append(ctx context.Context, code, output string) (*Snippet, error) {
	query := `
		INSERT INTO snippets (code, output)
		VALUES ($1, $2)
		RETURNING id, code, output, created_at`

	var s Snippet
	err := db.pool.QueryRow(ctx, query, sanitizeText(code), truncateForDB(sanitizeText(output), maxOutputColumn)).
		Scan(&s.ID, &s.Code, &s.Output, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting snippet: %w", err)
	}
	return &s, nil
}

// ListRecent returns up to limit snippets, newest first.
func (db *DB) ListRecent(ctx context.Context, limit int) ([]Snippet, error) {
	query := `
		SELECT id, code, output, created_at
		FROM snippets
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	rows, err := db.pool.Query(ctx, query, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying snippets: %w", err)
	}
	defer rows.Close()

	results := make([]Snippet, 0, ClampLimit(limit))
	for rows.Next() {
		var s Snippet
		if err := rows.Scan(&s.ID, &s.Code, &s.Output, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning snippet row: %w", err)
		}
		results = append(results, s)
	}

	return results, rows.Err()
}

// sanitizeText makes s storable in a TEXT column, which rejects NUL bytes
// and invalid UTF-8. Both become U+FFFD.
func sanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}

// truncateForDB cuts s to at most maxLen bytes without splitting a rune.
func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
