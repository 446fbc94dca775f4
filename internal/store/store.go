package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rpa-flow/internal/browser"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Block is a persisted block event. Records are never updated after insert.
type Block struct {
	ID          int64     `json:"id"`
	TargetID    string    `json:"target_id"`
	OrderID     *int64    `json:"order_id,omitempty"`
	UserID      *int64    `json:"user_id,omitempty"`
	BlockType   string    `json:"block_type"`
	HTTPStatus  *int      `json:"http_status,omitempty"`
	Reason      string    `json:"block_reason,omitempty"`
	BlockedURL  string    `json:"blocked_url"`
	HTMLSnippet string    `json:"html_snippet,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Session is the authenticated state of one identity on one target.
type Session struct {
	Identity       string
	Target         string
	Cookies        []browser.Cookie
	LocalStorage   map[string]string
	SessionStorage map[string]string
	Metadata       map[string]interface{}
}

// Store provides a PostgreSQL implementation of the block and session records.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS lsd_blocks (
    id BIGSERIAL PRIMARY KEY,
    lsd_config_id TEXT NOT NULL,
    order_id BIGINT,
    user_id BIGINT,
    block_type TEXT NOT NULL,
    http_status INTEGER,
    block_reason TEXT,
    blocked_url TEXT NOT NULL,
    html_snippet TEXT,
    detected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS lsd_blocks_config_detected_idx ON lsd_blocks (lsd_config_id, detected_at DESC);
CREATE TABLE IF NOT EXISTS user_sessions (
    identity TEXT NOT NULL,
    target TEXT NOT NULL,
    cookies JSONB NOT NULL DEFAULT '[]',
    local_storage JSONB,
    session_storage JSONB,
    metadata JSONB,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (identity, target)
);
`

// EnsureSchema creates the tables the store writes to if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveBlock inserts a block event and returns its id.
func (s *Store) SaveBlock(ctx context.Context, b Block) (int64, error) {
	query := `
        INSERT INTO lsd_blocks (lsd_config_id, order_id, user_id, block_type, http_status, block_reason, blocked_url, html_snippet)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id;
    `
	var id int64
	err := s.pool.QueryRow(ctx, query,
		b.TargetID, b.OrderID, b.UserID, b.BlockType, b.HTTPStatus,
		nullable(b.Reason), b.BlockedURL, nullable(b.HTMLSnippet),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert block: %w", err)
	}

	s.log.Info("Block recorded",
		zap.Int64("id", id),
		zap.String("target", b.TargetID),
		zap.String("block_type", b.BlockType))
	return id, nil
}

// SaveSession upserts the session for (identity, target).
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	cookies := sess.Cookies
	if cookies == nil {
		cookies = []browser.Cookie{}
	}
	cookiesJSON, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to marshal cookies: %w", err)
	}
	localJSON, err := marshalOptional(sess.LocalStorage)
	if err != nil {
		return fmt.Errorf("failed to marshal local storage: %w", err)
	}
	sessionJSON, err := marshalOptional(sess.SessionStorage)
	if err != nil {
		return fmt.Errorf("failed to marshal session storage: %w", err)
	}
	metadataJSON, err := marshalOptional(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
        INSERT INTO user_sessions (identity, target, cookies, local_storage, session_storage, metadata, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        ON CONFLICT (identity, target) DO UPDATE SET
            cookies = EXCLUDED.cookies,
            local_storage = EXCLUDED.local_storage,
            session_storage = EXCLUDED.session_storage,
            metadata = EXCLUDED.metadata,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := s.pool.Exec(ctx, query,
		sess.Identity, sess.Target, cookiesJSON, localJSON, sessionJSON, metadataJSON,
	); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetRecentBlocks returns the blocks recorded for target in the last hours, newest first.
func (s *Store) GetRecentBlocks(ctx context.Context, target string, hours int) ([]Block, error) {
	query := `
        SELECT id, lsd_config_id, order_id, user_id, block_type, http_status, block_reason, blocked_url, html_snippet, detected_at
        FROM lsd_blocks
        WHERE lsd_config_id = $1 AND detected_at > NOW() - make_interval(hours => $2)
        ORDER BY detected_at DESC;
    `
	rows, err := s.pool.Query(ctx, query, target, hours)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		var reason, snippet *string
		err := rows.Scan(
			&b.ID, &b.TargetID, &b.OrderID, &b.UserID, &b.BlockType,
			&b.HTTPStatus, &reason, &b.BlockedURL, &snippet, &b.DetectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block row: %w", err)
		}
		if reason != nil {
			b.Reason = *reason
		}
		if snippet != nil {
			b.HTMLSnippet = *snippet
		}
		blocks = append(blocks, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return blocks, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// marshalOptional encodes v, mapping an empty map to SQL NULL.
func marshalOptional[M ~map[string]V, V any](v M) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}
