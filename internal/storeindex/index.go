// Package storeindex projects a store's event log into queryable relational
// shape: the posts table plus its hashtag/mention/link join tables.
package storeindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/skygent-io/skygent/internal/event"
	"github.com/skygent-io/skygent/internal/eventlog"
	"github.com/skygent-io/skygent/internal/post"
	"github.com/skygent-io/skygent/internal/skyerr"
	"github.com/skygent-io/skygent/internal/storedb"
)

// Index projects one store's event log into its relational index.
type Index struct {
	db  *storedb.DB
	log *eventlog.Log
}

// New constructs an Index backed by db, rebuilding from log when needed.
func New(db *storedb.DB, log *eventlog.Log) *Index {
	return &Index{db: db, log: log}
}

// EnsureBootstrapped compares COUNT(*) FROM posts against the number of
// PostUpsert events seen so far; if they disagree (including on a brand new
// store that has never been bootstrapped), it runs Rebuild. Rebuild is
// idempotent, so calling this on every read path is safe.
func (idx *Index) EnsureBootstrapped(ctx context.Context) error {
	var postCount int

	row := idx.db.QueryRow(ctx, "SELECT COUNT(*) FROM posts")
	if err := row.Scan(&postCount); err != nil {
		return skyerr.Wrap(skyerr.KindStoreIndex, "count posts", err)
	}

	upsertCount := 0

	err := idx.log.Stream(ctx, "", func(r event.Record) error {
		if r.Event.Kind == event.KindPostUpsert {
			upsertCount++
		}

		return nil
	})
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIndex, "count upsert events", err)
	}

	if postCount == upsertCount {
		return nil
	}

	return idx.Rebuild(ctx)
}

// Rebuild clears every index table and re-applies the full event log.
func (idx *Index) Rebuild(ctx context.Context) error {
	err := idx.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"post_links", "post_langs", "post_mentions", "post_hashtags", "posts"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		return nil
	})
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIndex, "rebuild: clear tables", err)
	}

	err = idx.log.Stream(ctx, "", func(r event.Record) error {
		return idx.Apply(ctx, r)
	})
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIndex, "rebuild: replay log", err)
	}

	return nil
}

// Apply projects one decoded record into the index: insert-or-ignore for
// PostUpsert (join-table rows are written only when the post row is new; an
// existing row and its join rows are left unchanged), row+cascade delete for
// PostDelete.
func (idx *Index) Apply(ctx context.Context, record event.Record) error {
	err := idx.db.WithTx(ctx, func(tx *sql.Tx) error {
		return idx.ApplyTx(ctx, tx, record)
	})
	if err != nil {
		return skyerr.Wrap(skyerr.KindStoreIndex, "apply event", err)
	}

	return nil
}

// ApplyTx is Apply's logic run against a caller-supplied transaction, so a
// committer can fold the append and the projection into one transaction.
func (idx *Index) ApplyTx(ctx context.Context, tx *sql.Tx, record event.Record) error {
	switch record.Event.Kind {
	case event.KindPostUpsert:
		return idx.applyUpsertTx(ctx, tx, record.Event.Post)
	case event.KindPostDelete:
		return idx.applyDeleteTx(ctx, tx, record.Event.URI)
	default:
		return skyerr.New(skyerr.KindStoreIndex, fmt.Sprintf("apply: unknown event kind %q", record.Event.Kind))
	}
}

func (idx *Index) applyUpsertTx(ctx context.Context, tx *sql.Tx, p *post.Post) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode post: %w", err)
	}

	var replyRoot sql.NullString
	if p.Reply != nil {
		replyRoot = sql.NullString{String: string(p.Reply.Root.URI), Valid: true}
	}

	metrics := post.Metrics{}
	if p.Metrics != nil {
		metrics = *p.Metrics
	}

	createdAt := p.CreatedAt.String()

	createdDate := createdAt
	if len(createdDate) > 10 {
		createdDate = createdDate[:10]
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO posts
			(uri, cid, author, author_did, text, created_at, created_date, indexed_at, reply_root,
			 is_reply, is_repost, is_quote, has_images, has_video, has_links,
			 likes, reposts, replies, quotes, bookmarks, raw_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.URI), string(p.CID), string(p.Author), string(p.AuthorDid), p.Text,
		createdAt, createdDate, p.IndexedAt.String(), replyRoot,
		boolInt(p.IsReply()), boolInt(p.IsRepost()), boolInt(p.IsQuote()),
		boolInt(p.Embed.HasImages()), boolInt(p.Embed.HasVideo()), boolInt(len(p.Links) > 0),
		metrics.Likes, metrics.Reposts, metrics.Replies, metrics.Quotes, metrics.Bookmarks,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("insert post row: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check insert result: %w", err)
	}

	if inserted == 0 {
		// Dedup skip: row already exists, nothing to do for join tables
		// either (they were populated the first time this URI landed).
		return nil
	}

	for _, h := range p.Hashtags {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO post_hashtags (post_uri, hashtag) VALUES (?, ?)",
			string(p.URI), string(h),
		); err != nil {
			return fmt.Errorf("insert hashtag row: %w", err)
		}
	}

	for i, m := range p.Mentions {
		var did sql.NullString
		if i < len(p.MentionDids) {
			did = sql.NullString{String: string(p.MentionDids[i]), Valid: true}
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO post_mentions (post_uri, handle, did) VALUES (?, ?, ?)",
			string(p.URI), string(m), did,
		); err != nil {
			return fmt.Errorf("insert mention row: %w", err)
		}
	}

	for _, lang := range p.Langs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO post_langs (post_uri, lang) VALUES (?, ?)",
			string(p.URI), lang,
		); err != nil {
			return fmt.Errorf("insert lang row: %w", err)
		}
	}

	for _, link := range p.Links {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO post_links (post_uri, url) VALUES (?, ?)",
			string(p.URI), link,
		); err != nil {
			return fmt.Errorf("insert link row: %w", err)
		}
	}

	return nil
}

func (idx *Index) applyDeleteTx(ctx context.Context, tx *sql.Tx, uri post.PostURI) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM posts WHERE uri = ?", string(uri)); err != nil {
		return fmt.Errorf("delete post row: %w", err)
	}

	return nil
}

// HasURI reports whether a live row exists for uri.
func (idx *Index) HasURI(ctx context.Context, uri post.PostURI) (bool, error) {
	if err := idx.EnsureBootstrapped(ctx); err != nil {
		return false, err
	}

	var count int

	row := idx.db.QueryRow(ctx, "SELECT COUNT(*) FROM posts WHERE uri = ?", string(uri))
	if err := row.Scan(&count); err != nil {
		return false, skyerr.Wrap(skyerr.KindStoreIndex, "check uri", err)
	}

	return count > 0, nil
}

// HasURITx is HasURI run against a caller-supplied transaction, for callers
// that need the check to be atomic with a subsequent append (the
// committer's check-then-append-then-apply).
func (idx *Index) HasURITx(ctx context.Context, tx *sql.Tx, uri post.PostURI) (bool, error) {
	var count int

	row := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts WHERE uri = ?", string(uri))
	if err := row.Scan(&count); err != nil {
		return false, skyerr.Wrap(skyerr.KindStoreIndex, "check uri", err)
	}

	return count > 0, nil
}

// DB returns the storedb.DB the index is backed by, so a committer sharing
// this index and its log can run both under one transaction.
func (idx *Index) DB() *storedb.DB {
	return idx.db
}

// Count returns the number of live posts.
func (idx *Index) Count(ctx context.Context) (int, error) {
	if err := idx.EnsureBootstrapped(ctx); err != nil {
		return 0, err
	}

	var count int

	row := idx.db.QueryRow(ctx, "SELECT COUNT(*) FROM posts")
	if err := row.Scan(&count); err != nil {
		return 0, skyerr.Wrap(skyerr.KindStoreIndex, "count posts", err)
	}

	return count, nil
}

// GetPost fetches one post's full snapshot by URI, decoded from its stored
// raw_json, or ok=false if no live row exists.
func (idx *Index) GetPost(ctx context.Context, uri post.PostURI) (post.Post, bool, error) {
	if err := idx.EnsureBootstrapped(ctx); err != nil {
		return post.Post{}, false, err
	}

	var raw string

	row := idx.db.QueryRow(ctx, "SELECT raw_json FROM posts WHERE uri = ?", string(uri))
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return post.Post{}, false, nil
		}

		return post.Post{}, false, skyerr.Wrap(skyerr.KindStoreIndex, "get post", err)
	}

	var p post.Post
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return post.Post{}, false, skyerr.Wrap(skyerr.KindStoreIndex, "decode post", err)
	}

	return p, true, nil
}

// GetByDate returns the URIs of posts whose created_at falls on the given
// UTC calendar date (YYYY-MM-DD).
func (idx *Index) GetByDate(ctx context.Context, date string) ([]post.PostURI, error) {
	if err := idx.EnsureBootstrapped(ctx); err != nil {
		return nil, err
	}

	rows, err := idx.db.Query(ctx,
		"SELECT uri FROM posts WHERE created_date = ? ORDER BY created_at ASC",
		date,
	)
	if err != nil {
		return nil, skyerr.Wrap(skyerr.KindStoreIndex, "get by date", err)
	}
	defer rows.Close()

	return scanURIs(rows)
}

// GetByHashtag returns the URIs of posts tagged with hashtag.
func (idx *Index) GetByHashtag(ctx context.Context, hashtag post.Hashtag) ([]post.PostURI, error) {
	if err := idx.EnsureBootstrapped(ctx); err != nil {
		return nil, err
	}

	rows, err := idx.db.Query(ctx,
		`SELECT p.uri FROM posts p
		 JOIN post_hashtags h ON h.post_uri = p.uri
		 WHERE h.hashtag = ?
		 ORDER BY p.created_at ASC`,
		string(hashtag),
	)
	if err != nil {
		return nil, skyerr.Wrap(skyerr.KindStoreIndex, "get by hashtag", err)
	}
	defer rows.Close()

	return scanURIs(rows)
}

// Query runs a StoreQuery against the index, returning decoded posts.
// IndexFilter predicates translate to WHERE clauses; anything broader is
// the caller's (filterrt's) job to apply on the returned stream.
func (idx *Index) Query(ctx context.Context, q StoreQuery) ([]post.Post, error) {
	if err := idx.EnsureBootstrapped(ctx); err != nil {
		return nil, err
	}

	var (
		clauses []string
		args    []interface{}
	)

	if q.Cursor != "" {
		op := ">"
		if q.Order == SortDesc {
			op = "<"
		}

		clauses = append(clauses, fmt.Sprintf("p.uri %s ?", op))
		args = append(args, string(q.Cursor))
	}

	dateRange := q.DateRange
	if q.Filter != nil && q.Filter.DateRange != nil {
		dateRange = q.Filter.DateRange
	}

	if dateRange != nil {
		clauses = append(clauses, "p.created_at >= ? AND p.created_at < ?")
		args = append(args, dateRange.Start.String(), dateRange.End.String())
	}

	author := q.Author
	if q.Filter != nil && q.Filter.Author != "" {
		author = q.Filter.Author
	}

	if author != "" {
		clauses = append(clauses, "p.author = ?")
		args = append(args, string(author))
	}

	hashtag := q.Hashtag
	if q.Filter != nil && q.Filter.Hashtag != "" {
		hashtag = q.Filter.Hashtag
	}

	joinHashtag := ""
	if hashtag != "" {
		joinHashtag = "JOIN post_hashtags h ON h.post_uri = p.uri"
		clauses = append(clauses, "h.hashtag = ?")
		args = append(args, string(hashtag))
	}

	if q.Filter != nil && q.Filter.HasImages {
		clauses = append(clauses, "p.has_images = 1")
	}

	if q.Filter != nil && q.Filter.HasVideo {
		clauses = append(clauses, "p.has_video = 1")
	}

	if q.Filter != nil && q.Filter.HasLinks {
		clauses = append(clauses, "p.has_links = 1")
	}

	order := "ASC"
	if q.Order == SortDesc {
		order = "DESC"
	}

	limit := q.ScanLimit
	if limit <= 0 {
		limit = 500
	}

	query := fmt.Sprintf(
		"SELECT p.raw_json FROM posts p %s %s ORDER BY p.created_at %s LIMIT ?",
		joinHashtag, whereClause(clauses), order,
	)
	args = append(args, limit)

	rows, err := idx.db.Query(ctx, query, args...)
	if err != nil {
		return nil, skyerr.Wrap(skyerr.KindStoreIndex, "query index", err)
	}
	defer rows.Close()

	return scanPosts(rows)
}

// SearchPosts runs a LIKE-based substring search over post text, paginated
// by an integer row-offset cursor.
func (idx *Index) SearchPosts(ctx context.Context, q SearchQuery) ([]post.Post, error) {
	if err := idx.EnsureBootstrapped(ctx); err != nil {
		return nil, err
	}

	order := "ASC"
	if q.Sort == SortDesc {
		order = "DESC"
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := idx.db.Query(ctx,
		fmt.Sprintf("SELECT raw_json FROM posts WHERE text LIKE ? ORDER BY created_at %s LIMIT ? OFFSET ?", order),
		"%"+q.Query+"%", limit, q.Cursor,
	)
	if err != nil {
		return nil, skyerr.Wrap(skyerr.KindStoreIndex, "search posts", err)
	}
	defer rows.Close()

	return scanPosts(rows)
}

// ThreadPosts returns every post (including the root itself, if present)
// belonging to the thread rooted at rootURI, ordered oldest first.
func (idx *Index) ThreadPosts(ctx context.Context, rootURI post.PostURI) ([]post.Post, error) {
	rows, err := idx.db.Query(ctx,
		`SELECT raw_json FROM posts WHERE uri = ? OR reply_root = ? ORDER BY created_at ASC`,
		string(rootURI), string(rootURI),
	)
	if err != nil {
		return nil, skyerr.Wrap(skyerr.KindStoreIndex, "thread posts", err)
	}
	defer rows.Close()

	return scanPosts(rows)
}

// ThreadGroups returns the distinct reply_root URIs that have at least one
// reply indexed, i.e. the set of active threads.
func (idx *Index) ThreadGroups(ctx context.Context) ([]post.PostURI, error) {
	rows, err := idx.db.Query(ctx,
		"SELECT DISTINCT reply_root FROM posts WHERE reply_root IS NOT NULL ORDER BY reply_root ASC",
	)
	if err != nil {
		return nil, skyerr.Wrap(skyerr.KindStoreIndex, "thread groups", err)
	}
	defer rows.Close()

	return scanURIs(rows)
}

func scanURIs(rows *sql.Rows) ([]post.PostURI, error) {
	var out []post.PostURI

	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, skyerr.Wrap(skyerr.KindStoreIndex, "scan uri", err)
		}

		out = append(out, post.PostURI(uri))
	}

	if err := rows.Err(); err != nil {
		return nil, skyerr.Wrap(skyerr.KindStoreIndex, "iterate uris", err)
	}

	return out, nil
}

func scanPosts(rows *sql.Rows) ([]post.Post, error) {
	var out []post.Post

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, skyerr.Wrap(skyerr.KindStoreIndex, "scan post", err)
		}

		var p post.Post
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, skyerr.Wrap(skyerr.KindStoreIndex, "decode post", err)
		}

		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		return nil, skyerr.Wrap(skyerr.KindStoreIndex, "iterate posts", err)
	}

	return out, nil
}

func whereClause(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}

	return "WHERE " + strings.Join(clauses, " AND ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
