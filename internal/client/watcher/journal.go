package watcher

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caltaylor/dirwatch/internal/db"
	"github.com/caltaylor/dirwatch/internal/fingerprint"
	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var ErrJournalClosed = errors.New("journal is closed")

type journalRow struct {
	Path           string `db:"path"`
	Status         string `db:"status"`
	Size           int64  `db:"size"`
	Hash           string `db:"hash"`
	ModTimeNs      int64  `db:"mtime_ns"`
	Seq            int64  `db:"seq"`
	AckedSeq       int64  `db:"acked_seq"`
	LastKind       string `db:"last_kind"`
	LastTransition int64  `db:"last_transition"`
}

// Journal persists the engine's per-path state in the client state dir, so
// sequence numbers keep increasing across restarts and unacknowledged
// transitions can be reported again.
type Journal struct {
	db *sqlx.DB
}

// OpenJournal opens (or creates) the journal at dbPath. Use db.MemoryPath for tests.
func OpenJournal(ctx context.Context, dbPath string) (*Journal, error) {
	conn, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.Migrate(ctx, conn, sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	return &Journal{db: conn}, nil
}

// Load returns every path the journal knows about, present or not
func (j *Journal) Load(ctx context.Context) (map[string]*WatchedPath, error) {
	if j.db == nil {
		return nil, ErrJournalClosed
	}

	var rows []journalRow
	if err := j.db.SelectContext(ctx, &rows, "SELECT * FROM journal"); err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}

	paths := make(map[string]*WatchedPath, len(rows))
	for _, r := range rows {
		wp := &WatchedPath{
			Path:          r.Path,
			Status:        Status(r.Status),
			Sequence:      uint64(r.Seq),
			AckedSequence: uint64(r.AckedSeq),
			LastKind:      transition.Kind(r.LastKind),
		}
		if r.LastTransition > 0 {
			wp.LastTransition = time.Unix(0, r.LastTransition)
		}
		if r.Hash != "" {
			wp.Fingerprint = &fingerprint.Fingerprint{
				Size:    r.Size,
				Hash:    r.Hash,
				ModTime: time.Unix(0, r.ModTimeNs),
			}
		}
		paths[r.Path] = wp
	}
	slog.Debug("journal loaded", "paths", len(paths))
	return paths, nil
}

// Put stores the state of a path. The acknowledged sequence is left untouched.
func (j *Journal) Put(ctx context.Context, wp *WatchedPath) error {
	if j.db == nil {
		return ErrJournalClosed
	}

	row := journalRow{
		Path:     wp.Path,
		Status:   string(wp.Status),
		Seq:      int64(wp.Sequence),
		LastKind: string(wp.LastKind),
	}
	if !wp.LastTransition.IsZero() {
		row.LastTransition = wp.LastTransition.UnixNano()
	}
	if wp.Fingerprint != nil {
		row.Size = wp.Fingerprint.Size
		row.Hash = wp.Fingerprint.Hash
		row.ModTimeNs = wp.Fingerprint.ModTime.UnixNano()
	}

	query := `INSERT INTO journal (path, status, size, hash, mtime_ns, seq, last_kind, last_transition)
	          VALUES (:path, :status, :size, :hash, :mtime_ns, :seq, :last_kind, :last_transition)
	          ON CONFLICT(path) DO UPDATE SET
	              status = excluded.status,
	              size = excluded.size,
	              hash = excluded.hash,
	              mtime_ns = excluded.mtime_ns,
	              seq = excluded.seq,
	              last_kind = excluded.last_kind,
	              last_transition = excluded.last_transition`
	if _, err := j.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("journal put %s: %w", wp.Path, err)
	}
	return nil
}

// Ack records that the server applied (or already had) the given transitions.
// A rename acknowledges the vacated path too.
func (j *Journal) Ack(ctx context.Context, transitions []transition.Transition) error {
	if j.db == nil {
		return ErrJournalClosed
	}

	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal ack: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `UPDATE journal SET acked_seq = MAX(acked_seq, ?) WHERE path = ?`
	for _, t := range transitions {
		if _, err := tx.ExecContext(ctx, query, int64(t.Sequence), t.Path); err != nil {
			return fmt.Errorf("journal ack %s: %w", t.Path, err)
		}
		if t.Kind == transition.Renamed && t.FromPath != "" {
			if _, err := tx.ExecContext(ctx, query, int64(t.FromSequence), t.FromPath); err != nil {
				return fmt.Errorf("journal ack %s: %w", t.FromPath, err)
			}
		}
	}
	return tx.Commit()
}

// Unacked counts paths whose latest emitted sequence has not been acknowledged
func (j *Journal) Unacked(ctx context.Context) (int, error) {
	if j.db == nil {
		return 0, ErrJournalClosed
	}
	var n int
	if err := j.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM journal WHERE seq > acked_seq"); err != nil {
		return 0, fmt.Errorf("journal unacked: %w", err)
	}
	return n, nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return ErrJournalClosed
	}
	err := j.db.Close()
	j.db = nil
	if err != nil {
		slog.Error("journal close", "error", err)
		return err
	}
	slog.Debug("journal closed")
	return nil
}
