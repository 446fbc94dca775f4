package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/rpa-flow/internal/browser"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// jsonArg matches a marshaled jsonb argument containing want.
func jsonArg(want string) ArgumentMatcherFunc {
	return func(v interface{}) bool {
		b, ok := v.([]byte)
		return ok && strings.Contains(string(b), want)
	}
}

var nullArg = ArgumentMatcherFunc(func(v interface{}) bool {
	b, ok := v.([]byte)
	return ok && b == nil
})

const (
	sqlInsertBlock = `
        INSERT INTO lsd_blocks (lsd_config_id, order_id, user_id, block_type, http_status, block_reason, blocked_url, html_snippet)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id;
    `
	sqlUpsertSession = `
        INSERT INTO user_sessions (identity, target, cookies, local_storage, session_storage, metadata, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        ON CONFLICT (identity, target) DO UPDATE SET
    `
	sqlRecentBlocks = `
        SELECT id, lsd_config_id, order_id, user_id, block_type, http_status, block_reason, blocked_url, html_snippet, detected_at
        FROM lsd_blocks
        WHERE lsd_config_id = $1 AND detected_at > NOW() - make_interval(hours => $2)
        ORDER BY detected_at DESC;
    `
)

func newTestStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())

	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS lsd_blocks").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveBlock(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts and returns the id", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		s, mockPool := newTestStore(t, zap.New(core))

		status := 403
		userID := int64(42)
		block := Block{
			TargetID:    "samokat",
			UserID:      &userID,
			BlockType:   "qrator",
			HTTPStatus:  &status,
			Reason:      "matched keyword: qrator",
			BlockedURL:  "https://samokat.ru/",
			HTMLSnippet: "<html>qrator</html>",
		}

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlInsertBlock)).
			WithArgs("samokat", (*int64)(nil), &userID, "qrator", &status,
				pgxmock.AnyArg(), "https://samokat.ru/", pgxmock.AnyArg()).
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

		id, err := s.SaveBlock(ctx, block)
		require.NoError(t, err)
		assert.Equal(t, int64(7), id)
		assert.Equal(t, 1, logs.FilterMessage("Block recorded").Len())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("propagates insert errors", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		dbErr := errors.New("relation does not exist")

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlInsertBlock)).WillReturnError(dbErr)

		_, err := s.SaveBlock(ctx, Block{TargetID: "lavka", BlockType: "captcha", BlockedURL: "https://lavka.yandex.ru/"})
		assert.ErrorIs(t, err, dbErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSaveSession(t *testing.T) {
	ctx := context.Background()

	t.Run("upserts cookies and storage as jsonb", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())

		sess := Session{
			Identity:     "79991234567",
			Target:       "samokat",
			Cookies:      []browser.Cookie{{Name: "sid", Value: "abc", Domain: ".samokat.ru", Path: "/"}},
			LocalStorage: map[string]string{"token": "t"},
			Metadata:     map[string]interface{}{"last_url": "https://samokat.ru/"},
		}

		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSession)).
			WithArgs("79991234567", "samokat", jsonArg(`"name":"sid"`), jsonArg(`"token":"t"`), nullArg, jsonArg("last_url")).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.SaveSession(ctx, sess))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("nil cookies are stored as an empty array", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())

		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSession)).
			WithArgs("u", "lavka", jsonArg("[]"), nullArg, nullArg, nullArg).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.SaveSession(ctx, Session{Identity: "u", Target: "lavka"}))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("propagates exec errors", func(t *testing.T) {
		s, mockPool := newTestStore(t, zap.NewNop())
		dbErr := errors.New("connection reset")

		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSession)).WillReturnError(dbErr)

		err := s.SaveSession(ctx, Session{Identity: "u", Target: "lavka"})
		assert.ErrorIs(t, err, dbErr)
	})
}

func TestGetRecentBlocks(t *testing.T) {
	s, mockPool := newTestStore(t, zap.NewNop())

	now := time.Now().UTC()
	status := 429
	reason := "matched keyword: 429"
	columns := []string{"id", "lsd_config_id", "order_id", "user_id", "block_type", "http_status", "block_reason", "blocked_url", "html_snippet", "detected_at"}

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecentBlocks)).
		WithArgs("samokat", 24).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow(int64(2), "samokat", (*int64)(nil), (*int64)(nil), "rate_limit", &status, &reason, "https://samokat.ru/", (*string)(nil), now).
			AddRow(int64(1), "samokat", (*int64)(nil), (*int64)(nil), "captcha", (*int)(nil), (*string)(nil), "https://samokat.ru/", (*string)(nil), now.Add(-time.Hour)))

	blocks, err := s.GetRecentBlocks(context.Background(), "samokat", 24)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, int64(2), blocks[0].ID)
	assert.Equal(t, "rate_limit", blocks[0].BlockType)
	require.NotNil(t, blocks[0].HTTPStatus)
	assert.Equal(t, 429, *blocks[0].HTTPStatus)
	assert.Equal(t, reason, blocks[0].Reason)

	assert.Nil(t, blocks[1].HTTPStatus)
	assert.Empty(t, blocks[1].Reason)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
