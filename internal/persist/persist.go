// Package persist snapshots the symbol index to SQLite so a restart
// can warm-start instead of scanning cold. The snapshot is advisory:
// file hashes are verified on load and stale files re-indexed.
package persist

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zeebo/xxh3"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Querier abstracts *sql.DB and *sql.Tx so store methods work in both.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store wraps a SQLite connection holding one workspace's snapshot.
type Store struct {
	db     *sql.DB
	q      Querier
	dbPath string
}

// FileRecord is the content hash of one indexed file.
type FileRecord struct {
	URI  string
	Hash uint64
}

// SymbolRecord is one persisted definition, flattened to strings so
// loading does not depend on the in-memory interner.
type SymbolRecord struct {
	URI       string
	FQN       string
	Kind      int
	StartByte uint32
	EndByte   uint32
	NameStart uint32
	NameEnd   uint32
	Detail    string // kind-specific JSON payload
}

// cacheDir returns the snapshot directory, creating it if needed.
func cacheDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	dir := filepath.Join(home, ".cache", "ruby-fast-lsp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir cache: %w", err)
	}
	return dir, nil
}

// Open opens or creates the snapshot database for a workspace root.
// Roots map to files by content hash of the path, so moving a
// workspace starts a fresh snapshot.
func Open(workspaceRoot string) (*Store, error) {
	dir, err := cacheDir()
	if err != nil {
		return nil, err
	}
	name := strconv.FormatUint(xxh3.HashString(workspaceRoot), 16)
	return OpenPath(filepath.Join(dir, name+".db"))
}

// OpenPath opens a snapshot database at the given path.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &Store{db: db, dbPath: dbPath}
	s.q = s.db
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory snapshot database (for testing).
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	s := &Store{db: db, dbPath: ":memory:"}
	s.q = s.db
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// WithTransaction executes fn within a single transaction. The callback
// receives a transaction-scoped Store; the receiver is never mutated.
func (s *Store) WithTransaction(fn func(txStore *Store) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &Store{db: s.db, q: tx, dbPath: s.dbPath}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	var version int
	_ = s.db.QueryRow(`SELECT version FROM meta LIMIT 1`).Scan(&version)
	if version != 0 && version != schemaVersion {
		// Old snapshot shape. It is only a cache, so drop it.
		for _, table := range []string{"symbols", "files", "meta"} {
			if _, err := s.db.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
				return err
			}
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS files (
		uri TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS symbols (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uri TEXT NOT NULL REFERENCES files(uri) ON DELETE CASCADE,
		fqn TEXT NOT NULL,
		kind INTEGER NOT NULL,
		start_byte INTEGER NOT NULL,
		end_byte INTEGER NOT NULL,
		name_start INTEGER NOT NULL,
		name_end INTEGER NOT NULL,
		detail TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_symbols_uri ON symbols(uri);
	CREATE INDEX IF NOT EXISTS idx_symbols_fqn ON symbols(fqn);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if version != schemaVersion {
		if _, err := s.db.Exec(`DELETE FROM meta`); err != nil {
			return err
		}
		if _, err := s.db.Exec(`INSERT INTO meta (version) VALUES (?)`, schemaVersion); err != nil {
			return err
		}
	}
	return nil
}

// SaveFile replaces the stored hash and symbols for one file.
func (s *Store) SaveFile(file FileRecord, syms []SymbolRecord) error {
	return s.WithTransaction(func(tx *Store) error {
		if _, err := tx.q.Exec(`DELETE FROM files WHERE uri = ?`, file.URI); err != nil {
			return err
		}
		if _, err := tx.q.Exec(`INSERT INTO files (uri, hash) VALUES (?, ?)`,
			file.URI, strconv.FormatUint(file.Hash, 16)); err != nil {
			return err
		}
		for _, sym := range syms {
			if _, err := tx.q.Exec(
				`INSERT INTO symbols (uri, fqn, kind, start_byte, end_byte, name_start, name_end, detail)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				file.URI, sym.FQN, sym.Kind, sym.StartByte, sym.EndByte,
				sym.NameStart, sym.NameEnd, sym.Detail); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteFile drops one file and its symbols from the snapshot.
func (s *Store) DeleteFile(uri string) error {
	_, err := s.q.Exec(`DELETE FROM files WHERE uri = ?`, uri)
	return err
}

// Files returns the stored content hash per file URI.
func (s *Store) Files() (map[string]uint64, error) {
	rows, err := s.q.Query(`SELECT uri, hash FROM files`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var uri, hex string
		if err := rows.Scan(&uri, &hex); err != nil {
			return nil, err
		}
		h, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			continue
		}
		out[uri] = h
	}
	return out, rows.Err()
}

// SymbolsFor returns the stored symbols of one file.
func (s *Store) SymbolsFor(uri string) ([]SymbolRecord, error) {
	return s.querySymbols(`SELECT uri, fqn, kind, start_byte, end_byte, name_start, name_end, detail
		FROM symbols WHERE uri = ? ORDER BY id`, uri)
}

// MatchSymbols returns stored symbols whose FQN contains the query,
// case-insensitive. Used to serve workspace/symbol before the initial
// scan completes.
func (s *Store) MatchSymbols(query string, limit int) ([]SymbolRecord, error) {
	return s.querySymbols(`SELECT uri, fqn, kind, start_byte, end_byte, name_start, name_end, detail
		FROM symbols WHERE fqn LIKE '%' || ? || '%' COLLATE NOCASE ORDER BY fqn LIMIT ?`, query, limit)
}

func (s *Store) querySymbols(query string, args ...any) ([]SymbolRecord, error) {
	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SymbolRecord
	for rows.Next() {
		var sym SymbolRecord
		if err := rows.Scan(&sym.URI, &sym.FQN, &sym.Kind, &sym.StartByte,
			&sym.EndByte, &sym.NameStart, &sym.NameEnd, &sym.Detail); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// HashContent is the content hash used for snapshot verification.
func HashContent(content []byte) uint64 {
	return xxh3.Hash(content)
}
