// Package statestore persists the authoritative record of every path the
// server has seen, together with an append-only log of applied changes.
package statestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caltaylor/dirwatch/internal/db"
	"github.com/caltaylor/dirwatch/internal/fingerprint"
	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	DefaultCacheSize = 10_000
	snapshotPageSize = 500
	maxChangesLimit  = 1000
)

var (
	ErrRecordNotFound   = errors.New("record not found")
	ErrSequenceConflict = errors.New("stored sequence does not match the expected one")
	ErrStoreClosed      = errors.New("state store is closed")
	ErrInvalidPattern   = errors.New("invalid path pattern")
)

type RecordStatus string

const (
	StatusPresent RecordStatus = "present"
	StatusDeleted RecordStatus = "deleted"
)

// Record is the authoritative state of one path
type Record struct {
	Path        string                   `json:"path"`
	Fingerprint *fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	Status      RecordStatus             `json:"status"`
	Sequence    uint64                   `json:"sequence"`
	ClientID    string                   `json:"clientId"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

// Change is one entry of the change log
type Change struct {
	ID          int64                    `json:"id"`
	Path        string                   `json:"path"`
	Kind        transition.Kind          `json:"kind"`
	Sequence    uint64                   `json:"sequence"`
	Fingerprint *fingerprint.Fingerprint `json:"fingerprint,omitempty"`
	FromPath    string                   `json:"fromPath,omitempty"`
	ClientID    string                   `json:"clientId"`
	BatchID     string                   `json:"batchId"`
	AppliedAt   time.Time                `json:"appliedAt"`
}

// Update replaces the record at Record.Path if its stored sequence equals Expected.
// Expected is 0 when no record is stored yet. Change, when set, is appended to the log.
type Update struct {
	Expected uint64
	Record   Record
	Change   *Change
}

type Config struct {
	Path      string // db.MemoryPath for an in-memory store
	CacheSize int
}

type recordRow struct {
	Path      string `db:"path"`
	Status    string `db:"status"`
	Size      int64  `db:"size"`
	Hash      string `db:"hash"`
	ModTimeNs int64  `db:"mtime_ns"`
	Seq       int64  `db:"seq"`
	ClientID  string `db:"client_id"`
	UpdatedAt int64  `db:"updated_at"`
}

type changeRow struct {
	ID        int64  `db:"id"`
	Path      string `db:"path"`
	Kind      string `db:"kind"`
	Seq       int64  `db:"seq"`
	Size      int64  `db:"size"`
	Hash      string `db:"hash"`
	ModTimeNs int64  `db:"mtime_ns"`
	FromPath  string `db:"from_path"`
	ClientID  string `db:"client_id"`
	BatchID   string `db:"batch_id"`
	AppliedAt int64  `db:"applied_at"`
}

type Store struct {
	db    *sqlx.DB
	cache *lru.Cache[string, Record]

	// fillMu and writes keep a lookup that raced with a commit from caching a stale row
	fillMu sync.Mutex
	writes atomic.Uint64

	closed atomic.Bool
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = db.MemoryPath
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	opts := []db.Option{db.WithPath(cfg.Path)}
	if cfg.Path == db.MemoryPath {
		opts = append(opts, db.WithMaxOpenConns(1))
	} else {
		opts = append(opts, db.WithMaxOpenConns(4))
	}
	conn, err := db.NewSqliteDB(opts...)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.Migrate(ctx, conn, sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate state store: %w", err)
	}

	cache, err := lru.New[string, Record](cfg.CacheSize)
	if err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("state store open", "path", cfg.Path, "cache", cfg.CacheSize)
	return &Store{db: conn, cache: cache}, nil
}

// Get returns the record for path or ErrRecordNotFound
func (s *Store) Get(ctx context.Context, path string) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if rec, ok := s.cache.Get(path); ok {
		return &rec, nil
	}

	gen := s.writes.Load()
	var row recordRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM records WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get record %s: %w", path, err)
	}

	rec := row.record()
	s.fillMu.Lock()
	if s.writes.Load() == gen {
		s.cache.ContainsOrAdd(path, rec)
	}
	s.fillMu.Unlock()
	return &rec, nil
}

// CompareAndSwap applies all updates in one transaction. If any stored sequence
// differs from its Expected value nothing is written and ErrSequenceConflict is returned.
// The appended changes are returned with their log ids.
func (s *Store) CompareAndSwap(ctx context.Context, updates []Update) ([]Change, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if len(updates) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var changes []Change
	for _, u := range updates {
		var stored int64
		err := tx.GetContext(ctx, &stored, "SELECT seq FROM records WHERE path = ?", u.Record.Path)
		if errors.Is(err, sql.ErrNoRows) {
			stored = 0
		} else if err != nil {
			return nil, fmt.Errorf("read sequence %s: %w", u.Record.Path, err)
		}
		if uint64(stored) != u.Expected {
			return nil, fmt.Errorf("%w: %s stored=%d expected=%d", ErrSequenceConflict, u.Record.Path, stored, u.Expected)
		}

		row := toRecordRow(&u.Record)
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO records (path, status, size, hash, mtime_ns, seq, client_id, updated_at)
			VALUES (:path, :status, :size, :hash, :mtime_ns, :seq, :client_id, :updated_at)
			ON CONFLICT(path) DO UPDATE SET
				status = excluded.status,
				size = excluded.size,
				hash = excluded.hash,
				mtime_ns = excluded.mtime_ns,
				seq = excluded.seq,
				client_id = excluded.client_id,
				updated_at = excluded.updated_at`, row)
		if err != nil {
			return nil, fmt.Errorf("write record %s: %w", u.Record.Path, err)
		}

		if u.Change == nil {
			continue
		}
		crow := toChangeRow(u.Change)
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO changes (path, kind, seq, size, hash, mtime_ns, from_path, client_id, batch_id, applied_at)
			VALUES (:path, :kind, :seq, :size, :hash, :mtime_ns, :from_path, :client_id, :batch_id, :applied_at)`, crow)
		if err != nil {
			return nil, fmt.Errorf("append change %s: %w", u.Change.Path, err)
		}
		change := *u.Change
		if change.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("change id: %w", err)
		}
		changes = append(changes, change)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.fillMu.Lock()
	s.writes.Add(1)
	for _, u := range updates {
		s.cache.Add(u.Record.Path, u.Record)
	}
	s.fillMu.Unlock()

	return changes, nil
}

// Snapshot yields every record in path order, optionally filtered by a glob pattern
// where '*' stays within one path segment and '**' crosses segments.
func (s *Store) Snapshot(ctx context.Context, pattern string) iter.Seq2[Record, error] {
	var matcher glob.Glob
	var patternErr error
	if pattern != "" {
		if matcher, patternErr = glob.Compile(pattern, '/'); patternErr != nil {
			patternErr = fmt.Errorf("%w: %v", ErrInvalidPattern, patternErr)
		}
	}

	return func(yield func(Record, error) bool) {
		if patternErr != nil {
			yield(Record{}, patternErr)
			return
		}
		if s.closed.Load() {
			yield(Record{}, ErrStoreClosed)
			return
		}

		after := ""
		for {
			var rows []recordRow
			err := s.db.SelectContext(ctx, &rows,
				"SELECT * FROM records WHERE path > ? ORDER BY path LIMIT ?", after, snapshotPageSize)
			if err != nil {
				yield(Record{}, fmt.Errorf("snapshot: %w", err))
				return
			}
			for _, row := range rows {
				if matcher != nil && !matcher.Match(row.Path) {
					continue
				}
				if !yield(row.record(), nil) {
					return
				}
			}
			if len(rows) < snapshotPageSize {
				return
			}
			after = rows[len(rows)-1].Path
		}
	}
}

// Changes returns up to limit log entries with an id greater than since, oldest first
func (s *Store) Changes(ctx context.Context, since int64, limit int) ([]Change, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if limit <= 0 || limit > maxChangesLimit {
		limit = maxChangesLimit
	}

	var rows []changeRow
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM changes WHERE id > ? ORDER BY id LIMIT ?", since, limit); err != nil {
		return nil, fmt.Errorf("changes: %w", err)
	}

	changes := make([]Change, 0, len(rows))
	for _, row := range rows {
		changes = append(changes, row.change())
	}
	return changes, nil
}

// Len returns the number of stored records, deleted ones included
func (s *Store) Len(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM records"); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cache.Purge()
	return s.db.Close()
}

func toRecordRow(r *Record) recordRow {
	row := recordRow{
		Path:      r.Path,
		Status:    string(r.Status),
		Seq:       int64(r.Sequence),
		ClientID:  r.ClientID,
		UpdatedAt: r.UpdatedAt.UnixNano(),
	}
	if r.Fingerprint != nil {
		row.Size = r.Fingerprint.Size
		row.Hash = r.Fingerprint.Hash
		row.ModTimeNs = r.Fingerprint.ModTime.UnixNano()
	}
	return row
}

func (row recordRow) record() Record {
	return Record{
		Path:        row.Path,
		Fingerprint: toFingerprint(row.Size, row.Hash, row.ModTimeNs),
		Status:      RecordStatus(row.Status),
		Sequence:    uint64(row.Seq),
		ClientID:    row.ClientID,
		UpdatedAt:   time.Unix(0, row.UpdatedAt).UTC(),
	}
}

func toChangeRow(c *Change) changeRow {
	row := changeRow{
		Path:      c.Path,
		Kind:      string(c.Kind),
		Seq:       int64(c.Sequence),
		FromPath:  c.FromPath,
		ClientID:  c.ClientID,
		BatchID:   c.BatchID,
		AppliedAt: c.AppliedAt.UnixNano(),
	}
	if c.Fingerprint != nil {
		row.Size = c.Fingerprint.Size
		row.Hash = c.Fingerprint.Hash
		row.ModTimeNs = c.Fingerprint.ModTime.UnixNano()
	}
	return row
}

func (row changeRow) change() Change {
	return Change{
		ID:          row.ID,
		Path:        row.Path,
		Kind:        transition.Kind(row.Kind),
		Sequence:    uint64(row.Seq),
		Fingerprint: toFingerprint(row.Size, row.Hash, row.ModTimeNs),
		FromPath:    row.FromPath,
		ClientID:    row.ClientID,
		BatchID:     row.BatchID,
		AppliedAt:   time.Unix(0, row.AppliedAt).UTC(),
	}
}

func toFingerprint(size int64, hash string, mtimeNs int64) *fingerprint.Fingerprint {
	if hash == "" {
		return nil
	}
	return &fingerprint.Fingerprint{Size: size, Hash: hash, ModTime: time.Unix(0, mtimeNs).UTC()}
}
