package rag

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
	"github.com/zookeeper-run/zoo/internal/engine"
)

// ContextDB is a durable lexical archive: a memory_messages table plus
// an FTS5 virtual table when available, falling back to OR'd LIKE
// queries when the SQLite build lacks FTS5. Writes are serialized
// through a single *sql.DB connection.
type ContextDB struct {
	db       *sql.DB
	writeMu  sync.Mutex
	ftsReady bool

	stmtInsert    *sql.Stmt
	stmtInsertFTS *sql.Stmt
	stmtSearchFTS *sql.Stmt
}

// OpenContextDB opens (creating if necessary) a Context DB at path. Use
// ":memory:" for an ephemeral store.
func OpenContextDB(path string) (*ContextDB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, engine.Wrap(engine.KindBackendInitFailed, "open context db", err)
	}
	db.SetMaxOpenConns(1) // the writer mutex below serializes anyway; this avoids sqlite lock contention

	c := &ContextDB{db: db}
	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *ContextDB) init() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS memory_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return engine.Wrap(engine.KindBackendInitFailed, "create memory_messages", err)
	}

	_, ftsErr := c.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(message_id UNINDEXED, content)
	`)
	c.ftsReady = ftsErr == nil

	if err := c.prepareStatements(); err != nil {
		return err
	}
	return nil
}

func (c *ContextDB) prepareStatements() error {
	var err error
	c.stmtInsert, err = c.db.Prepare(`INSERT INTO memory_messages (role, content, source, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return engine.Wrap(engine.KindBackendInitFailed, "prepare insert", err)
	}

	if c.ftsReady {
		c.stmtInsertFTS, err = c.db.Prepare(`INSERT INTO memory_fts (message_id, content) VALUES (?, ?)`)
		if err != nil {
			return engine.Wrap(engine.KindBackendInitFailed, "prepare insert fts", err)
		}
		c.stmtSearchFTS, err = c.db.Prepare(`
			SELECT m.id, m.content, m.source, bm25(memory_fts) AS rank
			FROM memory_fts
			JOIN memory_messages m ON m.id = memory_fts.message_id
			WHERE memory_fts MATCH ?
			ORDER BY rank ASC
			LIMIT ?
		`)
		if err != nil {
			return engine.Wrap(engine.KindBackendInitFailed, "prepare search fts", err)
		}
	}
	return nil
}

// Archive inserts a message into the durable store with role/content and
// optional source (e.g. "conversation" for pruned turns).
func (c *ContextDB) Archive(role, content, source string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	res, err := c.stmtInsert.Exec(role, content, nullableString(source), time.Now().Unix())
	if err != nil {
		return engine.Wrap(engine.KindUnknown, "archive message", err)
	}

	if c.ftsReady {
		id, err := res.LastInsertId()
		if err != nil {
			return engine.Wrap(engine.KindUnknown, "read inserted id", err)
		}
		if _, err := c.stmtInsertFTS.Exec(id, content); err != nil {
			return engine.Wrap(engine.KindUnknown, "index message for fts", err)
		}
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Retrieve implements engine.Retriever. With FTS5 available it ranks by
// bm25(memory_fts) ascending; otherwise it falls back to OR'd LIKE
// queries over the same tokenization used by Store, ordered by id DESC.
func (c *ContextDB) Retrieve(query engine.RetrievalQuery) ([]engine.RagChunk, error) {
	topK := query.TopK
	if topK <= 0 {
		topK = 10
	}

	if c.ftsReady {
		return c.retrieveFTS(query.Text, topK)
	}
	return c.retrieveLike(query.Text, topK)
}

func (c *ContextDB) retrieveFTS(queryText string, topK int) ([]engine.RagChunk, error) {
	terms := tokenize(queryText)
	if len(terms) == 0 {
		return nil, nil
	}
	match := strings.Join(terms, " OR ")

	rows, err := c.stmtSearchFTS.Query(match, topK)
	if err != nil {
		return nil, engine.Wrap(engine.KindUnknown, "fts search", err)
	}
	defer rows.Close()

	var out []engine.RagChunk
	for rows.Next() {
		var id int64
		var content string
		var source sql.NullString
		var rank float64
		if err := rows.Scan(&id, &content, &source, &rank); err != nil {
			return nil, engine.Wrap(engine.KindUnknown, "scan fts row", err)
		}
		out = append(out, engine.RagChunk{
			ID:      fmt.Sprintf("%d", id),
			Content: content,
			Score:   -rank, // bm25 is "lower is better"; invert so higher score == more relevant
			Source:  source.String,
		})
	}
	return out, rows.Err()
}

func (c *ContextDB) retrieveLike(queryText string, topK int) ([]engine.RagChunk, error) {
	terms := tokenize(queryText)
	if len(terms) == 0 {
		return nil, nil
	}

	clauses := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms)+1)
	for _, t := range terms {
		clauses = append(clauses, "content LIKE ?")
		args = append(args, "%"+t+"%")
	}
	args = append(args, topK)

	sqlText := fmt.Sprintf(`
		SELECT id, content, source FROM memory_messages
		WHERE %s
		ORDER BY id DESC
		LIMIT ?
	`, strings.Join(clauses, " OR "))

	rows, err := c.db.Query(sqlText, args...)
	if err != nil {
		return nil, engine.Wrap(engine.KindUnknown, "like search", err)
	}
	defer rows.Close()

	var out []engine.RagChunk
	rank := 0.0
	for rows.Next() {
		var id int64
		var content string
		var source sql.NullString
		if err := rows.Scan(&id, &content, &source); err != nil {
			return nil, engine.Wrap(engine.KindUnknown, "scan like row", err)
		}
		out = append(out, engine.RagChunk{
			ID:      fmt.Sprintf("%d", id),
			Content: content,
			Score:   1 - rank/1000, // preserve id DESC ordering as a decreasing score
			Source:  source.String,
		})
		rank++
	}
	return out, rows.Err()
}

// Count returns the number of archived messages.
func (c *ContextDB) Count() (int, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM memory_messages`).Scan(&n)
	return n, err
}

// Close releases the underlying database handle.
func (c *ContextDB) Close() error {
	return c.db.Close()
}
