// Package store keeps a SQLite log of batch runs: one row per run, its item
// outcomes and every delivery attempt.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"batchbot/internal/domain"

	_ "modernc.org/sqlite"
)

// Trigger says what started a run.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// Run is the summary row of one recorded batch.
type Run struct {
	ID         string         `json:"id"`
	MessageID  string         `json:"message_id"`
	Trigger    string         `json:"trigger"`
	Overall    domain.Overall `json:"overall"`
	Recipients int            `json:"recipients"`
	Delivered  int            `json:"delivered"`
	Abandoned  int            `json:"abandoned"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// SQLiteStore is the delivery log.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// RecordReport stores a finished report. A report without a RunID is rejected.
func (s *SQLiteStore) RecordReport(ctx context.Context, report *domain.BatchReport, trigger string) error {
	if report.RunID == "" {
		return fmt.Errorf("record report: missing run id")
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	delivered, abandoned := report.Counts()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record report: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, message_id, triggered_by, overall, recipients, delivered, abandoned, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID, report.MessageID, trigger, string(report.Overall),
		len(report.Recipients), delivered, abandoned,
		report.StartedAt.UnixNano(), report.FinishedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert run %s: %w", report.RunID, err)
	}

	for pos, rr := range report.Recipients {
		for _, it := range rr.Items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO items (run_id, recipient_pos, recipient, item_index, type, state, abandon_reason)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				report.RunID, pos, rr.Recipient, it.Index, string(it.Type), string(it.State), string(it.AbandonReason),
			); err != nil {
				return fmt.Errorf("insert item: %w", err)
			}
			for _, a := range it.Attempts {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO attempts (run_id, recipient, item_index, attempt, stage, outcome, reason, duration_ns)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					report.RunID, a.Recipient, a.ItemIndex, a.Attempt, string(a.Stage), string(a.Outcome), a.Reason, int64(a.Duration),
				); err != nil {
					return fmt.Errorf("insert attempt: %w", err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record report: %w", err)
	}
	s.logger.Debug("run recorded", "run_id", report.RunID, "message", report.MessageID)
	return nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, triggered_by, overall, recipients, delivered, abandoned, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var overall string
	var started, finished int64
	if err := sc.Scan(&r.ID, &r.MessageID, &r.Trigger, &overall,
		&r.Recipients, &r.Delivered, &r.Abandoned, &started, &finished); err != nil {
		return Run{}, err
	}
	r.Overall = domain.Overall(overall)
	r.StartedAt = time.Unix(0, started)
	r.FinishedAt = time.Unix(0, finished)
	return r, nil
}

// GetRun rebuilds the report of one run. It returns nil, nil when the run
// does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, *domain.BatchReport, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, message_id, triggered_by, overall, recipients, delivered, abandoned, started_at, finished_at
		 FROM runs WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	report := &domain.BatchReport{
		RunID:      run.ID,
		MessageID:  run.MessageID,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Overall:    run.Overall,
	}

	attempts, err := s.attempts(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_pos, recipient, item_index, type, state, abandon_reason
		 FROM items WHERE run_id = ? ORDER BY recipient_pos, item_index`, id,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	lastPos := -1
	for rows.Next() {
		var pos int
		var recipient, typ, state, reason string
		var it domain.ItemResult
		if err := rows.Scan(&pos, &recipient, &it.Index, &typ, &state, &reason); err != nil {
			return nil, nil, err
		}
		it.Type = domain.ContentType(typ)
		it.State = domain.State(state)
		it.AbandonReason = domain.AbandonReason(reason)
		it.Attempts = attempts[attemptKey{recipient, it.Index}]

		if pos != lastPos {
			report.Recipients = append(report.Recipients, domain.RecipientReport{Recipient: recipient})
			lastPos = pos
		}
		rr := &report.Recipients[len(report.Recipients)-1]
		rr.Items = append(rr.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return &run, report, nil
}

type attemptKey struct {
	recipient string
	item      int
}

func (s *SQLiteStore) attempts(ctx context.Context, runID string) (map[attemptKey][]domain.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient, item_index, attempt, stage, outcome, reason, duration_ns
		 FROM attempts WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[attemptKey][]domain.DeliveryAttempt)
	for rows.Next() {
		var a domain.DeliveryAttempt
		var stage, outcome string
		var ns int64
		if err := rows.Scan(&a.Recipient, &a.ItemIndex, &a.Attempt, &stage, &outcome, &a.Reason, &ns); err != nil {
			return nil, err
		}
		a.Stage = domain.Stage(stage)
		a.Outcome = domain.Outcome(outcome)
		a.Duration = time.Duration(ns)
		k := attemptKey{a.Recipient, a.ItemIndex}
		out[k] = append(out[k], a)
	}
	return out, rows.Err()
}

// Prune deletes runs started before now-olderThan and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	old := `SELECT id FROM runs WHERE started_at < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE run_id IN (`+old+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE run_id IN (`+old+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune items: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("delivery log pruned", "runs", n, "older_than", olderThan)
	}
	return n, nil
}

// Ping checks the database is reachable and writable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schema_version SET description = description WHERE version = 0`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
