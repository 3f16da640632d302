package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"leadpulse/internal/jobs"
)

// journalFunc persists a batch of changes before they become visible.
type journalFunc func(put []jobs.Job, deleted []string) error

// memStore keeps all jobs in a map guarded by one mutex. Mutations are
// staged in a memTx and applied only after the journal (if any) accepted them.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]jobs.Job
	pending map[string]string // unique key -> id of the pending job
	journal journalFunc
	closed  bool
}

// NewMemory returns an empty in-process store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{jobs: map[string]jobs.Job{}, pending: map[string]string{}}
}

type memTx struct {
	s       *memStore
	put     map[string]jobs.Job
	order   []string
	deleted []string
}

func (tx *memTx) get(id string) (jobs.Job, bool) {
	if j, ok := tx.put[id]; ok {
		return j, true
	}
	j, ok := tx.s.jobs[id]
	return j, ok
}

func (tx *memTx) set(j jobs.Job) {
	if _, ok := tx.put[j.ID]; !ok {
		tx.order = append(tx.order, j.ID)
	}
	tx.put[j.ID] = j
}

// pendingByKey sees staged writes before committed state.
func (tx *memTx) pendingByKey(key string) (jobs.Job, bool) {
	for _, id := range tx.order {
		if j := tx.put[id]; j.UniqueKey == key && j.State == jobs.StatePending {
			return j, true
		}
	}
	id, ok := tx.s.pending[key]
	if !ok {
		return jobs.Job{}, false
	}
	j, ok := tx.get(id)
	if !ok || j.State != jobs.StatePending {
		return jobs.Job{}, false
	}
	return j, true
}

// superseded reports whether a pending job other than j holds j's key.
func (tx *memTx) superseded(j jobs.Job) bool {
	if j.UniqueKey == "" {
		return false
	}
	other, ok := tx.pendingByKey(j.UniqueKey)
	return ok && other.ID != j.ID
}

func (s *memStore) mutate(fn func(tx *memTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	tx := &memTx{s: s, put: map[string]jobs.Job{}}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.put) == 0 && len(tx.deleted) == 0 {
		return nil
	}
	if s.journal != nil {
		batch := make([]jobs.Job, 0, len(tx.order))
		for _, id := range tx.order {
			batch = append(batch, tx.put[id])
		}
		if err := s.journal(batch, tx.deleted); err != nil {
			return err
		}
	}
	for _, id := range tx.order {
		s.apply(tx.put[id])
	}
	for _, id := range tx.deleted {
		s.remove(id)
	}
	return nil
}

func (s *memStore) apply(j jobs.Job) {
	if old, ok := s.jobs[j.ID]; ok && old.UniqueKey != "" && s.pending[old.UniqueKey] == j.ID {
		delete(s.pending, old.UniqueKey)
	}
	s.jobs[j.ID] = j
	if j.UniqueKey != "" && j.State == jobs.StatePending {
		s.pending[j.UniqueKey] = j.ID
	}
}

func (s *memStore) remove(id string) {
	if old, ok := s.jobs[id]; ok && old.UniqueKey != "" && s.pending[old.UniqueKey] == id {
		delete(s.pending, old.UniqueKey)
	}
	delete(s.jobs, id)
}

func (s *memStore) Enqueue(_ context.Context, j jobs.Job, now time.Time) (jobs.Job, error) {
	j, err := prepareInsert(j.Clone(), now)
	if err != nil {
		return jobs.Job{}, err
	}
	err = s.mutate(func(tx *memTx) error {
		if _, exists := tx.get(j.ID); exists {
			return ErrDuplicateID
		}
		if j.UniqueKey != "" {
			if prev, ok := tx.pendingByKey(j.UniqueKey); ok {
				applyCancel(&prev, now)
				tx.set(prev)
			}
		}
		tx.set(j)
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}
	return j.Clone(), nil
}

func (s *memStore) UpsertRecurring(_ context.Context, j jobs.Job, now time.Time) (jobs.Job, error) {
	if j.UniqueKey == "" || !j.Recurring() {
		return jobs.Job{}, ErrInvalid
	}
	var out jobs.Job
	err := s.mutate(func(tx *memTx) error {
		for _, cur := range tx.s.jobs {
			if cur.UniqueKey != j.UniqueKey || cur.State.Terminal() {
				continue
			}
			if err := applyRecurringUpdate(&cur, j, now); err != nil {
				return err
			}
			tx.set(cur)
			out = cur
			return nil
		}
		fresh, err := prepareInsert(j.Clone(), now)
		if err != nil {
			return err
		}
		tx.set(fresh)
		out = fresh
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}
	return out.Clone(), nil
}

func (s *memStore) ClaimDue(_ context.Context, req ClaimRequest) ([]jobs.Job, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	var claimed []jobs.Job
	err := s.mutate(func(tx *memTx) error {
		var due []jobs.Job
		for _, j := range tx.s.jobs {
			if req.Name != "" && j.Name != req.Name {
				continue
			}
			if claimable(j, req.Now, req.Lease) {
				due = append(due, j)
			}
		}
		sortBySchedule(due)
		if len(due) > req.Limit {
			due = due[:req.Limit]
		}
		for _, j := range due {
			reclaimed := applyClaim(&j, req.Now, jobs.NewToken())
			tx.set(j)
			c := j.Clone()
			c.Reclaimed = reclaimed
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *memStore) Complete(_ context.Context, id, token string, now time.Time) (jobs.Job, error) {
	var out jobs.Job
	err := s.mutate(func(tx *memTx) error {
		j, ok := tx.get(id)
		if !ok {
			return ErrNotFound
		}
		if err := applyComplete(&j, token, now, tx.superseded(j)); err != nil {
			return err
		}
		tx.set(j)
		out = j
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}
	return out.Clone(), nil
}

func (s *memStore) Fail(_ context.Context, id, token string, f Failure) (FailResult, error) {
	var res FailResult
	err := s.mutate(func(tx *memTx) error {
		j, ok := tx.get(id)
		if !ok {
			return ErrNotFound
		}
		r, err := applyFail(&j, token, f, tx.superseded(j))
		if err != nil {
			return err
		}
		tx.set(j)
		r.Job = j.Clone()
		res = r
		return nil
	})
	if err != nil {
		return FailResult{}, err
	}
	return res, nil
}

func (s *memStore) Cancel(_ context.Context, id string, now time.Time) (bool, error) {
	var ok bool
	err := s.mutate(func(tx *memTx) error {
		j, found := tx.get(id)
		if !found {
			return nil
		}
		if ok = applyCancel(&j, now); ok {
			tx.set(j)
		}
		return nil
	})
	return ok, err
}

func (s *memStore) CancelByKey(_ context.Context, key string, now time.Time) (bool, error) {
	if key == "" {
		return false, nil
	}
	var ok bool
	err := s.mutate(func(tx *memTx) error {
		j, found := tx.pendingByKey(key)
		if !found {
			return nil
		}
		ok = applyCancel(&j, now)
		tx.set(j)
		return nil
	})
	return ok, err
}

func (s *memStore) Get(_ context.Context, id string) (jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return jobs.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *memStore) List(_ context.Context, f ListFilter) ([]jobs.Job, error) {
	s.mu.Lock()
	out := make([]jobs.Job, 0)
	for _, j := range s.jobs {
		if matches(j, f) {
			out = append(out, j.Clone())
		}
	}
	s.mu.Unlock()
	sortBySchedule(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) Counts(context.Context) (map[jobs.State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[jobs.State]int{}
	for _, j := range s.jobs {
		out[j.State]++
	}
	return out, nil
}

func (s *memStore) Purge(_ context.Context, before time.Time) (int, error) {
	n := 0
	err := s.mutate(func(tx *memTx) error {
		for id, j := range tx.s.jobs {
			if j.State.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(before) {
				tx.deleted = append(tx.deleted, id)
			}
		}
		n = len(tx.deleted)
		return nil
	})
	return n, err
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortBySchedule(js []jobs.Job) {
	sort.Slice(js, func(i, k int) bool {
		if !js[i].ScheduledAt.Equal(js[k].ScheduledAt) {
			return js[i].ScheduledAt.Before(js[k].ScheduledAt)
		}
		return js[i].ID < js[k].ID
	})
}
