package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver registered as "pgx"
	_ "modernc.org/sqlite"             // Pure Go SQLite driver
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		id BIGINT PRIMARY KEY,                  -- CMS post ID
		parent_id BIGINT NOT NULL DEFAULT 0,     -- 0 for top-level posts
		post_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'publish',
		title TEXT NOT NULL DEFAULT '',
		excerpt TEXT NOT NULL DEFAULT '',
		permalink TEXT NOT NULL DEFAULT '',
		post_date TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS postmeta (
		post_id BIGINT NOT NULL,
		meta_key TEXT NOT NULL,
		meta_value TEXT NOT NULL,
		PRIMARY KEY (post_id, meta_key)
	)`,
	`CREATE TABLE IF NOT EXISTS terms (
		term_id BIGINT PRIMARY KEY,
		taxonomy TEXT NOT NULL,
		slug TEXT NOT NULL,
		name TEXT NOT NULL,
		parent BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS term_relationships (
		post_id BIGINT NOT NULL,
		term_id BIGINT NOT NULL,
		term_order INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (post_id, term_id)
	)`,
	`CREATE TABLE IF NOT EXISTS object_cache (
		bucket TEXT NOT NULL,
		cache_key TEXT NOT NULL,
		value TEXT NOT NULL,
		expires_at BIGINT NOT NULL,             -- unix seconds
		PRIMARY KEY (bucket, cache_key)
	)`,
	"CREATE INDEX IF NOT EXISTS idx_posts_date ON posts(post_date)",
	"CREATE INDEX IF NOT EXISTS idx_posts_permalink ON posts(permalink)",
	"CREATE INDEX IF NOT EXISTS idx_postmeta_key_value ON postmeta(meta_key, meta_value)",
	"CREATE INDEX IF NOT EXISTS idx_term_relationships_term ON term_relationships(term_id)",
	"CREATE INDEX IF NOT EXISTS idx_terms_parent ON terms(parent)",
	"CREATE INDEX IF NOT EXISTS idx_object_cache_expires ON object_cache(expires_at)",
}

// openDB opens the content database and makes sure the schema exists.
// driver is "sqlite" or "pgx".
func openDB(driver, dsn string) (*sql.DB, error) {
	slog.Debug("Initializing database", "driver", driver, "dsn", dsn)

	if driver == "sqlite" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" {
		// A single connection keeps :memory: databases shared and serialises writers.
		db.SetMaxOpenConns(1)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	slog.Debug("Database initialized successfully")
	return db, nil
}

func initSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for the pgx driver
func rebind(driver, query string) string {
	if driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLContent is the ContentBackend backed by the posts/postmeta/terms tables
type SQLContent struct {
	db     *sql.DB
	driver string
}

// NewSQLContent wraps an opened database
func NewSQLContent(db *sql.DB, driver string) *SQLContent {
	return &SQLContent{db: db, driver: driver}
}

func (s *SQLContent) q(query string) string {
	return rebind(s.driver, query)
}

const postColumns = "p.id, p.parent_id, p.post_type, p.status, p.title, p.excerpt, p.permalink, p.post_date"

func scanPost(row interface{ Scan(...any) error }) (Post, error) {
	var p Post
	err := row.Scan(&p.ID, &p.ParentID, &p.PostType, &p.Status, &p.Title, &p.Excerpt, &p.Permalink, &p.Date)
	return p, err
}

// Post returns the post with the given ID, or nil if it does not exist
func (s *SQLContent) Post(ctx context.Context, id int64) (*Post, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+postColumns+" FROM posts p WHERE p.id = ?"), id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query post %d: %w", id, err)
	}
	return &p, nil
}

// Meta returns a single meta value; ok is false when the key is not set
func (s *SQLContent) Meta(ctx context.Context, postID int64, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q("SELECT meta_value FROM postmeta WHERE post_id = ? AND meta_key = ?"), postID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to query meta %s for post %d: %w", key, postID, err)
	}
	return value, true, nil
}

// SetMeta stores a single meta value, replacing any previous one
func (s *SQLContent) SetMeta(ctx context.Context, postID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO postmeta (post_id, meta_key, meta_value)
		VALUES (?, ?, ?)
		ON CONFLICT(post_id, meta_key) DO UPDATE SET
			meta_value = excluded.meta_value`), postID, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s for post %d: %w", key, postID, err)
	}
	return nil
}

// Term returns the term with termID in taxonomy, or nil
func (s *SQLContent) Term(ctx context.Context, taxonomy string, termID int64) (*Term, error) {
	var t Term
	err := s.db.QueryRowContext(ctx, s.q("SELECT term_id, taxonomy, slug, name, parent FROM terms WHERE term_id = ? AND taxonomy = ?"), termID, taxonomy).
		Scan(&t.ID, &t.Taxonomy, &t.Slug, &t.Name, &t.Parent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query term %d: %w", termID, err)
	}
	return &t, nil
}

// PostTerms returns the terms of taxonomy assigned to a post, in assignment order
func (s *SQLContent) PostTerms(ctx context.Context, postID int64, taxonomy string) ([]Term, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT t.term_id, t.taxonomy, t.slug, t.name, t.parent
		FROM term_relationships tr
		JOIN terms t ON t.term_id = tr.term_id
		WHERE tr.post_id = ? AND t.taxonomy = ?
		ORDER BY tr.term_order, t.term_id`), postID, taxonomy)
	if err != nil {
		return nil, fmt.Errorf("failed to query terms for post %d: %w", postID, err)
	}
	defer func() { _ = rows.Close() }()

	var terms []Term
	for rows.Next() {
		var t Term
		if err := rows.Scan(&t.ID, &t.Taxonomy, &t.Slug, &t.Name, &t.Parent); err != nil {
			return nil, fmt.Errorf("failed to scan term: %w", err)
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

// QueryPosts returns published top-level posts matching q, newest first
func (s *SQLContent) QueryPosts(ctx context.Context, q PostQuery) ([]Post, error) {
	var (
		joins []string
		where []string
		args  []any
	)

	switch {
	case q.MetaKey != "":
		joins = append(joins, "JOIN postmeta m ON m.post_id = p.id AND m.meta_key = ? AND m.meta_value = ?")
		args = append(args, q.MetaKey, q.MetaValue)
	case q.Taxonomy != "":
		// Posts filed under the term or any of its descendants
		where = append(where, `EXISTS (
			SELECT 1 FROM term_relationships tr
			WHERE tr.post_id = p.id AND tr.term_id IN (
				WITH RECURSIVE subtree(term_id) AS (
					SELECT term_id FROM terms WHERE term_id = ? AND taxonomy = ?
					UNION
					SELECT t.term_id FROM terms t JOIN subtree s ON t.parent = s.term_id
				)
				SELECT term_id FROM subtree))`)
		args = append(args, q.TermID, q.Taxonomy)
	default:
		return nil, fmt.Errorf("post query needs a meta key or a taxonomy")
	}

	if len(q.PostTypes) > 0 {
		placeholders := make([]string, len(q.PostTypes))
		for i, pt := range q.PostTypes {
			placeholders[i] = "?"
			args = append(args, pt)
		}
		where = append(where, "p.post_type IN ("+strings.Join(placeholders, ",")+")")
	}
	where = append(where, "p.parent_id = 0", "p.status = 'publish'")
	if q.ExcludeID != 0 {
		where = append(where, "p.id <> ?")
		args = append(args, q.ExcludeID)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	args = append(args, limit)

	query := "SELECT " + postColumns + " FROM posts p " + strings.Join(joins, " ") +
		" WHERE " + strings.Join(where, " AND ") +
		" ORDER BY p.post_date DESC, p.id DESC LIMIT ?"

	slog.Debug("Querying posts", "metaKey", q.MetaKey, "taxonomy", q.Taxonomy, "limit", limit)
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// URLToPostID maps a permalink to a post ID, returning 0 when nothing matches
func (s *SQLContent) URLToPostID(ctx context.Context, rawURL string) (int64, error) {
	candidates := []string{rawURL}
	if trimmed := strings.TrimSuffix(rawURL, "/"); trimmed != rawURL {
		candidates = append(candidates, trimmed)
	} else {
		candidates = append(candidates, rawURL+"/")
	}

	for _, candidate := range candidates {
		var id int64
		err := s.db.QueryRowContext(ctx, s.q("SELECT id FROM posts WHERE permalink = ? ORDER BY id LIMIT 1"), candidate).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("failed to resolve url %s: %w", rawURL, err)
		}
	}

	// Plain ?p=123 / ?page_id=123 permalinks
	if id := queryPostID(rawURL); id != 0 {
		p, err := s.Post(ctx, id)
		if err != nil {
			return 0, err
		}
		if p != nil {
			return p.ID, nil
		}
	}
	return 0, nil
}

// UpsertPost inserts or replaces a post
func (s *SQLContent) UpsertPost(ctx context.Context, p Post) error {
	status := p.Status
	if status == "" {
		status = "publish"
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO posts (id, parent_id, post_type, status, title, excerpt, permalink, post_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			post_type = excluded.post_type,
			status = excluded.status,
			title = excluded.title,
			excerpt = excluded.excerpt,
			permalink = excluded.permalink,
			post_date = excluded.post_date`),
		p.ID, p.ParentID, p.PostType, status, p.Title, p.Excerpt, p.Permalink, p.Date.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert post %d: %w", p.ID, err)
	}
	return nil
}

// UpsertTerm inserts or replaces a term
func (s *SQLContent) UpsertTerm(ctx context.Context, t Term) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO terms (term_id, taxonomy, slug, name, parent)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(term_id) DO UPDATE SET
			taxonomy = excluded.taxonomy,
			slug = excluded.slug,
			name = excluded.name,
			parent = excluded.parent`), t.ID, t.Taxonomy, t.Slug, t.Name, t.Parent)
	if err != nil {
		return fmt.Errorf("failed to upsert term %d: %w", t.ID, err)
	}
	return nil
}

// AssignTerms attaches terms to a post; order follows the slice
func (s *SQLContent) AssignTerms(ctx context.Context, postID int64, termIDs ...int64) error {
	for i, termID := range termIDs {
		_, err := s.db.ExecContext(ctx, s.q(`
			INSERT INTO term_relationships (post_id, term_id, term_order)
			VALUES (?, ?, ?)
			ON CONFLICT(post_id, term_id) DO UPDATE SET
				term_order = excluded.term_order`), postID, termID, i)
		if err != nil {
			return fmt.Errorf("failed to assign term %d to post %d: %w", termID, postID, err)
		}
	}
	return nil
}

// termIDFromMeta parses a primary-term meta value
func termIDFromMeta(value string) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
