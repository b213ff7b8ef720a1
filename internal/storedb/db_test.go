package storedb_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/storedb"
)

func TestOpen_BootstrapsSchema(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	db, err := storedb.Open(ctx, root, post.StoreName("alice"))
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	row := db.QueryRow(ctx, "SELECT COUNT(*) FROM posts")

	var count int
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 0, count)
}

func TestOpen_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	first, err := storedb.Open(ctx, root, post.StoreName("bob"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := storedb.Open(ctx, root, post.StoreName("bob"))
	require.NoError(t, err)

	defer func() {
		require.NoError(t, second.Close())
	}()

	row := second.QueryRow(ctx, "SELECT COUNT(*) FROM event_log")

	var count int
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 0, count)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	db, err := storedb.Open(ctx, root, post.StoreName("carol"))
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	errBoom := errors.New("boom")

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx,
			"INSERT INTO posts (uri, author, text, created_at, created_date, indexed_at, raw_json) VALUES (?, ?, ?, ?, ?, ?, ?)",
			"at://did:plc:x/app.bsky.feed.post/1", "alice", "hello", "2026-01-01T00:00:00Z", "2026-01-01", "2026-01-01T00:00:00Z", "{}",
		)
		require.NoError(t, execErr)

		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	row := db.QueryRow(ctx, "SELECT COUNT(*) FROM posts")

	var count int
	require.NoError(t, row.Scan(&count))
	require.Equal(t, 0, count)
}
