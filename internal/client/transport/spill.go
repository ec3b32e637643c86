package transport

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caltaylor/dirwatch/internal/db"
	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SpilledBatch is a batch that could not be delivered and waits for the next flush
type SpilledBatch struct {
	ID        int64
	Batch     *transition.Batch
	Attempts  int
	LastError string
	CreatedAt time.Time
}

type spillRow struct {
	ID          int64  `db:"id"`
	BatchID     string `db:"batch_id"`
	Body        []byte `db:"body"`
	Transitions int    `db:"transitions"`
	Attempts    int    `db:"attempts"`
	LastError   string `db:"last_error"`
	CreatedAt   int64  `db:"created_at"`
}

// RejectedBatch was refused by the server as malformed and is kept for inspection only
type RejectedBatch struct {
	ID          int64  `db:"id"`
	BatchID     string `db:"batch_id"`
	Transitions int    `db:"transitions"`
	Reason      string `db:"reason"`
	RejectedAt  int64  `db:"rejected_at"`
}

// SpillLog is a durable FIFO of undelivered batches in the client state dir
type SpillLog struct {
	db *sqlx.DB
}

func OpenSpillLog(ctx context.Context, dbPath string) (*SpillLog, error) {
	conn, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open spill log: %w", err)
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := db.Migrate(ctx, conn, sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate spill log: %w", err)
	}

	return &SpillLog{db: conn}, nil
}

// Push appends a batch at the tail. Pushing a batch id that is already spilled is a no-op.
func (s *SpillLog) Push(ctx context.Context, batch *transition.Batch, reason error) error {
	body, err := transition.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	lastError := ""
	if reason != nil {
		lastError = reason.Error()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spill (batch_id, body, transitions, attempts, last_error, created_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(batch_id) DO NOTHING`,
		batch.BatchID, body, len(batch.Transitions), lastError, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("spill batch %s: %w", batch.BatchID, err)
	}

	slog.Warn("transport batch spilled", "batch", batch.BatchID, "transitions", len(batch.Transitions), "size", humanize.Bytes(uint64(len(body))), "reason", lastError)
	return nil
}

// Peek returns the oldest spilled batch, or nil when the log is empty
func (s *SpillLog) Peek(ctx context.Context) (*SpilledBatch, error) {
	var row spillRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM spill ORDER BY id LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peek spill log: %w", err)
	}

	var batch transition.Batch
	if err := transition.Unmarshal(row.Body, &batch); err != nil {
		return nil, fmt.Errorf("decode spilled batch %s: %w", row.BatchID, err)
	}

	return &SpilledBatch{
		ID:        row.ID,
		Batch:     &batch,
		Attempts:  row.Attempts,
		LastError: row.LastError,
		CreatedAt: time.Unix(0, row.CreatedAt),
	}, nil
}

// Remove deletes a delivered batch
func (s *SpillLog) Remove(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM spill WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove spilled batch %d: %w", id, err)
	}
	return nil
}

// Bump records another failed attempt for a spilled batch
func (s *SpillLog) Bump(ctx context.Context, id int64, reason error) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE spill SET attempts = attempts + 1, last_error = ? WHERE id = ?", reason.Error(), id)
	if err != nil {
		return fmt.Errorf("bump spilled batch %d: %w", id, err)
	}
	return nil
}

// Reject stores a batch the server refused. When id is non-zero the batch is moved
// out of the spill log in the same transaction.
func (s *SpillLog) Reject(ctx context.Context, id int64, batch *transition.Batch, reason error) error {
	body, err := transition.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rejected (batch_id, body, transitions, reason, rejected_at) VALUES (?, ?, ?, ?, ?)`,
		batch.BatchID, body, len(batch.Transitions), reason.Error(), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("reject batch %s: %w", batch.BatchID, err)
	}
	if id != 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM spill WHERE id = ?", id); err != nil {
			return fmt.Errorf("reject batch %s: %w", batch.BatchID, err)
		}
	}
	return tx.Commit()
}

// Len is the number of batches waiting for delivery
func (s *SpillLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM spill"); err != nil {
		return 0, fmt.Errorf("count spill log: %w", err)
	}
	return n, nil
}

func (s *SpillLog) Rejected(ctx context.Context) ([]RejectedBatch, error) {
	var out []RejectedBatch
	err := s.db.SelectContext(ctx, &out,
		"SELECT id, batch_id, transitions, reason, rejected_at FROM rejected ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list rejected batches: %w", err)
	}
	return out, nil
}

func (s *SpillLog) Close() error {
	return s.db.Close()
}
