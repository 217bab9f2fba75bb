// Package store keeps a log of verification attempts in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("dwexpr.store")

// ErrAttemptNotFound indicates the requested attempt doesn't exist
var ErrAttemptNotFound = errors.New("attempt not found")

// Attempt is one evaluated candidate. The candidate itself is never
// stored, only its MD5.
type Attempt struct {
	ID           uuid.UUID
	BundleHash   [32]byte
	CandidateMD5 [16]byte
	Accepted     bool
	Steps        int
	Error        string // evaluation error, empty when the expression ran
	Created      time.Time
}

// Stats summarizes the attempts against one bundle.
type Stats struct {
	Total    int
	Accepted int
	Failed   int // attempts whose evaluation errored
}

// Store handles SQLite storage for attempts
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var schema = []string{`CREATE TABLE IF NOT EXISTS attempts (
	id TEXT PRIMARY KEY,
	bundle_hash TEXT NOT NULL,
	candidate_md5 TEXT NOT NULL,
	accepted INTEGER NOT NULL,
	steps INTEGER NOT NULL,
	error TEXT NOT NULL,
	created INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS attempts_bundle ON attempts (bundle_hash, created)`,
}

// Open opens (creating if needed) the attempt database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating table: %w", err)
		}
	}
	log.Debugf("opened attempt log %s", path)
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record saves a. A zero ID or Created is filled in.
func (s *Store) Record(ctx context.Context, a *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Created.IsZero() {
		a.Created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO attempts (id, bundle_hash, candidate_md5, accepted, steps, error, created) VALUES (?, ?, ?, ?, ?, ?, ?)",
		a.ID.String(), hex.EncodeToString(a.BundleHash[:]), hex.EncodeToString(a.CandidateMD5[:]),
		a.Accepted, a.Steps, a.Error, a.Created.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving attempt: %w", err)
	}
	return nil
}

const columns = "id, bundle_hash, candidate_md5, accepted, steps, error, created"

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*Attempt, error) {
	var (
		a                    Attempt
		id, bundleHash, cand string
		created              int64
	)
	if err := row.Scan(&id, &bundleHash, &cand, &a.Accepted, &a.Steps, &a.Error, &created); err != nil {
		return nil, err
	}
	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("attempt id %q: %w", id, err)
	}
	if err := decodeHex(a.BundleHash[:], bundleHash); err != nil {
		return nil, fmt.Errorf("attempt %s bundle hash: %w", id, err)
	}
	if err := decodeHex(a.CandidateMD5[:], cand); err != nil {
		return nil, fmt.Errorf("attempt %s candidate md5: %w", id, err)
	}
	a.Created = time.Unix(0, created).UTC()
	return &a, nil
}

func decodeHex(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%d bytes, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

// Get retrieves an attempt by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+columns+" FROM attempts WHERE id = ?", id.String())
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("querying attempt: %w", err)
	}
	return a, nil
}

// List returns up to limit attempts against the bundle, newest first.
// A limit of zero or less returns all of them.
func (s *Store) List(ctx context.Context, bundleHash [32]byte, limit int) ([]*Attempt, error) {
	q := "SELECT " + columns + " FROM attempts WHERE bundle_hash = ? ORDER BY created DESC, id"
	args := []any{hex.EncodeToString(bundleHash[:])}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing attempts: %w", err)
	}
	defer rows.Close()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Stats counts the attempts against the bundle.
func (s *Store) Stats(ctx context.Context, bundleHash [32]byte) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(accepted), 0), COALESCE(SUM(error != ''), 0)
		 FROM attempts WHERE bundle_hash = ?`,
		hex.EncodeToString(bundleHash[:]),
	).Scan(&st.Total, &st.Accepted, &st.Failed)
	if err != nil {
		return Stats{}, fmt.Errorf("counting attempts: %w", err)
	}
	return st, nil
}
