package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"leadpulse/internal/jobs"
	"leadpulse/pkg/logx"
)

// pgStore claims with FOR UPDATE SKIP LOCKED so several dispatcher
// processes can share one table without double-claiming a row.
type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, string(b)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres job store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &pgStore{pool: pool, log: log}, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) Enqueue(ctx context.Context, j jobs.Job, now time.Time) (jobs.Job, error) {
	j, err := prepareInsert(j.Clone(), now)
	if err != nil {
		return jobs.Job{}, err
	}
	// A concurrent enqueue for the same key can win the partial unique
	// index between our cancel and insert; one retry replaces it.
	for attempt := 0; attempt < 2; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if j.UniqueKey != "" {
				if _, err := tx.Exec(ctx,
					`UPDATE jobs SET state = 'cancelled', finished_at = $1, updated_at = $1 WHERE unique_key = $2 AND state = 'pending'`,
					norm(now), j.UniqueKey); err != nil {
					return err
				}
			}
			return pgInsert(ctx, tx, j)
		})
		if !isUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return jobs.Job{}, err
	}
	return j, nil
}

func (s *pgStore) UpsertRecurring(ctx context.Context, j jobs.Job, now time.Time) (jobs.Job, error) {
	if j.UniqueKey == "" || !j.Recurring() {
		return jobs.Job{}, ErrInvalid
	}
	var out jobs.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialize registrations of the same key.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, j.UniqueKey); err != nil {
			return err
		}
		cur, err := pgScanOne(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE unique_key = $1 AND state IN ('pending','running') LIMIT 1 FOR UPDATE`, j.UniqueKey))
		switch {
		case err == nil:
			if err := applyRecurringUpdate(&cur, j, now); err != nil {
				return err
			}
			out = cur
			return pgSave(ctx, tx, cur)
		case errors.Is(err, ErrNotFound):
			fresh, err := prepareInsert(j.Clone(), now)
			if err != nil {
				return err
			}
			out = fresh
			return pgInsert(ctx, tx, fresh)
		default:
			return err
		}
	})
	if err != nil {
		return jobs.Job{}, err
	}
	return out, nil
}

func (s *pgStore) ClaimDue(ctx context.Context, req ClaimRequest) ([]jobs.Job, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	now := norm(req.Now)
	rows, err := s.pool.Query(ctx, `
WITH due AS (
  SELECT id, state AS prev_state FROM jobs
  WHERE ($1 = '' OR name = $1)
    AND ((state = 'pending' AND scheduled_at <= $2)
      OR (state = 'running' AND (locked_at IS NULL OR locked_at <= $3)))
  ORDER BY scheduled_at, id
  LIMIT $4
  FOR UPDATE SKIP LOCKED
)
UPDATE jobs AS j SET
  reclaims    = j.reclaims + CASE WHEN j.state = 'running' THEN 1 ELSE 0 END,
  state       = 'running',
  locked_at   = $2,
  last_run_at = $2,
  claim_token = gen_random_uuid()::text,
  updated_at  = $2
FROM due
WHERE j.id = due.id
RETURNING `+prefixed("j.", jobColumns)+`, due.prev_state = 'running'`,
		req.Name, now, now.Add(-req.Lease), req.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var claimed []jobs.Job
	for rows.Next() {
		var reclaimed bool
		j, err := pgScan(extraScanner{row: rows, extra: []any{&reclaimed}})
		if err != nil {
			return nil, err
		}
		j.Reclaimed = reclaimed
		claimed = append(claimed, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortBySchedule(claimed)
	return claimed, nil
}

func (s *pgStore) modify(ctx context.Context, id string, fn func(j *jobs.Job, superseded bool) error) (jobs.Job, error) {
	var out jobs.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := pgScanOne(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		superseded := false
		if j.UniqueKey != "" {
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM jobs WHERE unique_key = $1 AND state = 'pending' AND id <> $2)`,
				j.UniqueKey, j.ID).Scan(&superseded); err != nil {
				return err
			}
		}
		if err := fn(&j, superseded); err != nil {
			return err
		}
		out = j
		return pgSave(ctx, tx, j)
	})
	return out, err
}

func (s *pgStore) Complete(ctx context.Context, id, token string, now time.Time) (jobs.Job, error) {
	return s.modify(ctx, id, func(j *jobs.Job, superseded bool) error {
		return applyComplete(j, token, now, superseded)
	})
}

func (s *pgStore) Fail(ctx context.Context, id, token string, f Failure) (FailResult, error) {
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

func (s *pgStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = 'cancelled', finished_at = $1, updated_at = $1 WHERE id = $2 AND state = 'pending'`,
		norm(now), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) CancelByKey(ctx context.Context, key string, now time.Time) (bool, error) {
	if key == "" {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET state = 'cancelled', finished_at = $1, updated_at = $1 WHERE unique_key = $2 AND state = 'pending'`,
		norm(now), key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) Get(ctx context.Context, id string) (jobs.Job, error) {
	return pgScanOne(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (s *pgStore) List(ctx context.Context, f ListFilter) ([]jobs.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		q += " AND " + clause + " = $" + strconv.Itoa(len(args))
	}
	if f.State != "" {
		add("state", string(f.State))
	}
	if f.Name != "" {
		add("name", f.Name)
	}
	if f.UniqueKey != "" {
		add("unique_key", f.UniqueKey)
	}
	q += ` ORDER BY scheduled_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT $" + strconv.Itoa(len(args))
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgScanAll(rows)
}

func (s *pgStore) Counts(ctx context.Context) (map[jobs.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[jobs.State]int{}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[jobs.State(st)] = int(n)
	}
	return out, rows.Err()
}

func (s *pgStore) Purge(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE state IN ('completed','failed','cancelled') AND finished_at < $1`, norm(before))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func pgInsert(ctx context.Context, tx pgx.Tx, j jobs.Job) error {
	_, err := tx.Exec(ctx, `INSERT INTO jobs(`+jobColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`, pgArgs(j)...)
	return err
}

func pgSave(ctx context.Context, tx pgx.Tx, j jobs.Job) error {
	_, err := tx.Exec(ctx, `UPDATE jobs SET
		name = $2, data = $3, unique_key = $4, scheduled_at = $5, state = $6, locked_at = $7, claim_token = $8,
		last_run_at = $9, finished_at = $10, fail_count = $11, reclaims = $12, dead_runs = $13,
		last_error = $14, recurrence_spec = $15, recurrence_tz = $16, next_run_at = $17, created_at = $18,
		updated_at = $19
		WHERE id = $1`, pgArgs(j)...)
	return err
}

func pgArgs(j jobs.Job) []any {
	var spec, tz *string
	if j.Recurrence != nil {
		spec, tz = &j.Recurrence.Spec, &j.Recurrence.Timezone
	}
	return []any{
		j.ID, j.Name, []byte(j.Data), nullStr(j.UniqueKey), j.ScheduledAt, string(j.State),
		j.LockedAt, nullStr(j.ClaimToken), j.LastRunAt, j.FinishedAt,
		j.FailCount, j.Reclaims, j.DeadRuns, nullStr(j.LastError), spec, tz, j.NextRunAt,
		j.CreatedAt, j.UpdatedAt,
	}
}

func pgScanOne(row pgx.Row) (jobs.Job, error) {
	j, err := pgScan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, ErrNotFound
	}
	return j, err
}

func pgScanAll(rows pgx.Rows) ([]jobs.Job, error) {
	defer rows.Close()
	var out []jobs.Job
	for rows.Next() {
		j, err := pgScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func pgScan(row rowScanner) (jobs.Job, error) {
	var (
		j                                   jobs.Job
		state                               string
		data                                []byte
		uniqueKey, token, lastErr, spec, tz *string
	)
	err := row.Scan(&j.ID, &j.Name, &data, &uniqueKey, &j.ScheduledAt, &state, &j.LockedAt, &token,
		&j.LastRunAt, &j.FinishedAt, &j.FailCount, &j.Reclaims, &j.DeadRuns, &lastErr, &spec, &tz,
		&j.NextRunAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return jobs.Job{}, err
	}
	if len(data) > 0 {
		j.Data = data
	}
	j.State = jobs.State(state)
	j.UniqueKey = deref(uniqueKey)
	j.ClaimToken = deref(token)
	j.LastError = deref(lastErr)
	if s := deref(spec); s != "" {
		j.Recurrence = &jobs.Recurrence{Spec: s, Timezone: deref(tz)}
	}
	j.ScheduledAt = j.ScheduledAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	for _, p := range []**time.Time{&j.LockedAt, &j.LastRunAt, &j.FinishedAt, &j.NextRunAt} {
		if *p != nil {
			t := (*p).UTC()
			*p = &t
		}
	}
	return j, nil
}

// extraScanner appends destinations for columns following the job columns.
type extraScanner struct {
	row   rowScanner
	extra []any
}

func (e extraScanner) Scan(dest ...any) error { return e.row.Scan(append(dest, e.extra...)...) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
