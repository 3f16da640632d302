package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"leadpulse/internal/jobs"
	"leadpulse/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const jobColumns = `id, name, data, unique_key, scheduled_at, state, locked_at, claim_token,
	last_run_at, finished_at, fail_count, reclaims, dead_runs, last_error, recurrence_spec,
	recurrence_tz, next_run_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// sqliteStore serializes writers through a single connection; every
// mutation runs in a BEGIN IMMEDIATE transaction (_txlock=immediate) and
// applies the shared transitions in Go.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite job store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Enqueue(ctx context.Context, j jobs.Job, now time.Time) (jobs.Job, error) {
	j, err := prepareInsert(j.Clone(), now)
	if err != nil {
		return jobs.Job{}, err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if j.UniqueKey != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET state = 'cancelled', finished_at = ?, updated_at = ? WHERE unique_key = ? AND state = 'pending'`,
				ms(norm(now)), ms(norm(now)), j.UniqueKey); err != nil {
				return err
			}
		}
		return sqliteInsert(ctx, tx, j)
	})
	if err != nil {
		return jobs.Job{}, err
	}
	return j, nil
}

func (s *sqliteStore) UpsertRecurring(ctx context.Context, j jobs.Job, now time.Time) (jobs.Job, error) {
	if j.UniqueKey == "" || !j.Recurring() {
		return jobs.Job{}, ErrInvalid
	}
	var out jobs.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := sqliteScanOne(tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE unique_key = ? AND state IN ('pending','running') LIMIT 1`, j.UniqueKey))
		switch {
		case err == nil:
			if err := applyRecurringUpdate(&cur, j, now); err != nil {
				return err
			}
			out = cur
			return sqliteSave(ctx, tx, cur)
		case errors.Is(err, ErrNotFound):
			fresh, err := prepareInsert(j.Clone(), now)
			if err != nil {
				return err
			}
			out = fresh
			return sqliteInsert(ctx, tx, fresh)
		default:
			return err
		}
	})
	if err != nil {
		return jobs.Job{}, err
	}
	return out, nil
}

func (s *sqliteStore) ClaimDue(ctx context.Context, req ClaimRequest) ([]jobs.Job, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	now := norm(req.Now)
	var claimed []jobs.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
			WHERE (? = '' OR name = ?)
			  AND ((state = 'pending' AND scheduled_at <= ?)
			    OR (state = 'running' AND (locked_at IS NULL OR locked_at <= ?)))
			ORDER BY scheduled_at, id
			LIMIT ?`,
			req.Name, req.Name, ms(now), ms(now.Add(-req.Lease)), req.Limit)
		if err != nil {
			return err
		}
		due, err := sqliteScanAll(rows)
		if err != nil {
			return err
		}
		for _, j := range due {
			reclaimed := applyClaim(&j, now, jobs.NewToken())
			if err := sqliteSave(ctx, tx, j); err != nil {
				return err
			}
			j.Reclaimed = reclaimed
			claimed = append(claimed, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// modify loads id, applies fn and saves the result in one transaction. fn
// learns whether another pending job already holds the same unique key.
func (s *sqliteStore) modify(ctx context.Context, id string, fn func(j *jobs.Job, superseded bool) error) (jobs.Job, error) {
	var out jobs.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := sqliteScanOne(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		if err != nil {
			return err
		}
		superseded := false
		if j.UniqueKey != "" {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM jobs WHERE unique_key = ? AND state = 'pending' AND id <> ?`,
				j.UniqueKey, j.ID).Scan(&n); err != nil {
				return err
			}
			superseded = n > 0
		}
		if err := fn(&j, superseded); err != nil {
			return err
		}
		out = j
		return sqliteSave(ctx, tx, j)
	})
	return out, err
}

func (s *sqliteStore) Complete(ctx context.Context, id, token string, now time.Time) (jobs.Job, error) {
	return s.modify(ctx, id, func(j *jobs.Job, superseded bool) error {
		return applyComplete(j, token, now, superseded)
	})
}

func (s *sqliteStore) Fail(ctx context.Context, id, token string, f Failure) (FailResult, error) {
	var res FailResult
	j, err := s.modify(ctx, id, func(j *jobs.Job, superseded bool) error {
		var err error
		res, err = applyFail(j, token, f, superseded)
		return err
	})
	if err != nil {
		return FailResult{}, err
	}
	res.Job = j
	return res, nil
}

var errNoChange = errors.New("no change")

func (s *sqliteStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	_, err := s.modify(ctx, id, func(j *jobs.Job, _ bool) error {
		if !applyCancel(j, now) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, errNoChange) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) CancelByKey(ctx context.Context, key string, now time.Time) (bool, error) {
	if key == "" {
		return false, nil
	}
	n := ms(norm(now))
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = 'cancelled', finished_at = ?, updated_at = ? WHERE unique_key = ? AND state = 'pending'`,
		n, n, key)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (jobs.Job, error) {
	return sqliteScanOne(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (s *sqliteStore) List(ctx context.Context, f ListFilter) ([]jobs.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.State != "" {
		q += ` AND state = ?`
		args = append(args, string(f.State))
	}
	if f.Name != "" {
		q += ` AND name = ?`
		args = append(args, f.Name)
	}
	if f.UniqueKey != "" {
		q += ` AND unique_key = ?`
		args = append(args, f.UniqueKey)
	}
	q += ` ORDER BY scheduled_at, id`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return sqliteScanAll(rows)
}

func (s *sqliteStore) Counts(ctx context.Context) (map[jobs.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[jobs.State]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[jobs.State(st)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state IN ('completed','failed','cancelled') AND finished_at IS NOT NULL AND finished_at < ?`,
		ms(norm(before)))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func sqliteInsert(ctx context.Context, tx *sql.Tx, j jobs.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, sqliteArgs(j)...)
	return err
}

func sqliteSave(ctx context.Context, tx *sql.Tx, j jobs.Job) error {
	args := sqliteArgs(j)
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET
		name = ?, data = ?, unique_key = ?, scheduled_at = ?, state = ?, locked_at = ?, claim_token = ?,
		last_run_at = ?, finished_at = ?, fail_count = ?, reclaims = ?, dead_runs = ?, last_error = ?,
		recurrence_spec = ?, recurrence_tz = ?, next_run_at = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, append(args[1:], j.ID)...)
	return err
}

func sqliteArgs(j jobs.Job) []any {
	var spec, tz any
	if j.Recurrence != nil {
		spec, tz = j.Recurrence.Spec, j.Recurrence.Timezone
	}
	return []any{
		j.ID, j.Name, []byte(j.Data), nullStr(j.UniqueKey), ms(j.ScheduledAt), string(j.State),
		msPtr(j.LockedAt), nullStr(j.ClaimToken), msPtr(j.LastRunAt), msPtr(j.FinishedAt),
		j.FailCount, j.Reclaims, j.DeadRuns, nullStr(j.LastError), spec, tz, msPtr(j.NextRunAt),
		ms(j.CreatedAt), ms(j.UpdatedAt),
	}
}

func sqliteScanOne(row rowScanner) (jobs.Job, error) {
	j, err := sqliteScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, ErrNotFound
	}
	return j, err
}

func sqliteScanAll(rows *sql.Rows) ([]jobs.Job, error) {
	defer rows.Close()
	var out []jobs.Job
	for rows.Next() {
		j, err := sqliteScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func sqliteScan(row rowScanner) (jobs.Job, error) {
	var (
		j                                        jobs.Job
		state                                    string
		data                                     []byte
		uniqueKey, token, lastErr, spec, tz      sql.NullString
		scheduled, created, updated              int64
		lockedAt, lastRunAt, finishedAt, nextRun sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Name, &data, &uniqueKey, &scheduled, &state, &lockedAt, &token,
		&lastRunAt, &finishedAt, &j.FailCount, &j.Reclaims, &j.DeadRuns, &lastErr, &spec, &tz,
		&nextRun, &created, &updated)
	if err != nil {
		return jobs.Job{}, err
	}
	if len(data) > 0 {
		j.Data = data
	}
	j.State = jobs.State(state)
	j.UniqueKey = uniqueKey.String
	j.ClaimToken = token.String
	j.LastError = lastErr.String
	j.ScheduledAt = fromMS(scheduled)
	j.CreatedAt = fromMS(created)
	j.UpdatedAt = fromMS(updated)
	j.LockedAt = fromNullMS(lockedAt)
	j.LastRunAt = fromNullMS(lastRunAt)
	j.FinishedAt = fromNullMS(finishedAt)
	j.NextRunAt = fromNullMS(nextRun)
	if spec.Valid && spec.String != "" {
		j.Recurrence = &jobs.Recurrence{Spec: spec.String, Timezone: tz.String}
	}
	return j, nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
