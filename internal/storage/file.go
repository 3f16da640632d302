package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"leadpulse/internal/jobs"
	"leadpulse/pkg/logx"
)

// fileStore is the memory store made durable with two files:
//   - <prefix>.jobs.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.jobs.journal.jsonl (append-only change records, fsynced per write)
//
// Startup loads the snapshot then replays the journal.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op  string    `json:"op"` // put | del
	Job *jobs.Job `json:"job,omitempty"`
	ID  string    `json:"id,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{
		memStore:     newMemStore(),
		log:          log,
		snapshotPath: prefix + ".jobs.snapshot.json",
		compactEvery: 1000,
	}
	journalPath := prefix + ".jobs.journal.jsonl"

	if err := fs.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	replayed, err := fs.replay(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	fs.journal = jf
	fs.memStore.journal = fs.appendJournal
	log.Info("file job store opened", logx.String("path", prefix), logx.Int("jobs", len(fs.jobs)), logx.Int("replayed", replayed))
	return fs, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var all []jobs.Job
	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return err
	}
	for _, j := range all {
		s.apply(j)
	}
	return nil
}

func (s *fileStore) replay(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn trailing line after a crash is expected.
			s.log.Warn("skipping unreadable journal record", logx.Err(err))
			continue
		}
		switch {
		case r.Op == "put" && r.Job != nil:
			s.apply(*r.Job)
		case r.Op == "del" && r.ID != "":
			s.remove(r.ID)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}

// appendJournal runs under memStore.mu.
func (s *fileStore) appendJournal(put []jobs.Job, deleted []string) error {
	if s.journal == nil {
		return ErrClosed
	}
	w := bufio.NewWriter(s.journal)
	enc := json.NewEncoder(w)
	for i := range put {
		if err := enc.Encode(journalRecord{Op: "put", Job: &put[i]}); err != nil {
			return err
		}
	}
	for _, id := range deleted {
		if err := enc.Encode(journalRecord{Op: "del", ID: id}); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes++
	return nil
}

func (s *fileStore) maybeCompact() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil || s.writes < s.compactEvery {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("job journal compaction failed", logx.Err(err))
		return
	}
	s.writes = 0
}

func (s *fileStore) compactLocked() error {
	all := make([]jobs.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, j)
	}
	sortBySchedule(all)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(all); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Enqueue(ctx context.Context, j jobs.Job, now time.Time) (jobs.Job, error) {
	defer s.maybeCompact()
	return s.memStore.Enqueue(ctx, j, now)
}

func (s *fileStore) UpsertRecurring(ctx context.Context, j jobs.Job, now time.Time) (jobs.Job, error) {
	defer s.maybeCompact()
	return s.memStore.UpsertRecurring(ctx, j, now)
}

func (s *fileStore) ClaimDue(ctx context.Context, req ClaimRequest) ([]jobs.Job, error) {
	defer s.maybeCompact()
	return s.memStore.ClaimDue(ctx, req)
}

func (s *fileStore) Complete(ctx context.Context, id, token string, now time.Time) (jobs.Job, error) {
	defer s.maybeCompact()
	return s.memStore.Complete(ctx, id, token, now)
}

func (s *fileStore) Fail(ctx context.Context, id, token string, f Failure) (FailResult, error) {
	defer s.maybeCompact()
	return s.memStore.Fail(ctx, id, token, f)
}

func (s *fileStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	defer s.maybeCompact()
	return s.memStore.Cancel(ctx, id, now)
}

func (s *fileStore) CancelByKey(ctx context.Context, key string, now time.Time) (bool, error) {
	defer s.maybeCompact()
	return s.memStore.CancelByKey(ctx, key, now)
}

func (s *fileStore) Purge(ctx context.Context, before time.Time) (int, error) {
	defer s.maybeCompact()
	return s.memStore.Purge(ctx, before)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}
