package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store used to exercise the core without a
// database.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]Job)}
}

func (s *memStore) Put(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memStore) DeleteByPrefix(_ context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id := range s.jobs {
		if strings.HasPrefix(id, prefix) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = make(map[string]Job)
	return nil
}

func (s *memStore) List(_ context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].NextFireAt.Before(jobs[j].NextFireAt) })
	return jobs, nil
}

func (s *memStore) SetNextFire(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.NextFireAt = at
		s.jobs[id] = job
	}
	return nil
}

func newTestCore(store Store) *Core {
	return New(store, time.UTC, Config{MisfireGrace: time.Hour, Workers: 1}, zerolog.Nop())
}

func TestAddComputesNextFire(t *testing.T) {
	store := newMemStore()
	core := newTestCore(store)
	ctx := context.Background()

	at := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, core.Add(ctx, "instant_reminder_1", Once(at), Payload{TaskID: 1, ChatID: 7}))

	job, err := core.Get(ctx, "instant_reminder_1")
	require.NoError(t, err)
	require.True(t, job.NextFireAt.Equal(at))
	require.Equal(t, uint(1), job.Payload.TaskID)
}

func TestAddRejectsPastOneShot(t *testing.T) {
	core := newTestCore(newMemStore())
	err := core.Add(context.Background(), "instant_reminder_1", Once(time.Now().Add(-time.Minute)), Payload{})
	require.ErrorIs(t, err, ErrNoFutureFire)
}

func TestAddReplacesExisting(t *testing.T) {
	store := newMemStore()
	core := newTestCore(store)
	ctx := context.Background()

	first := time.Now().Add(time.Hour)
	second := time.Now().Add(2 * time.Hour)
	require.NoError(t, core.Add(ctx, "instant_reminder_1", Once(first), Payload{}))
	require.NoError(t, core.Add(ctx, "instant_reminder_1", Once(second), Payload{}))

	jobs, err := core.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.True(t, jobs[0].NextFireAt.Equal(second))
}

func TestRemoveIsNoOpWhenAbsent(t *testing.T) {
	core := newTestCore(newMemStore())
	require.NoError(t, core.Remove(context.Background(), "no_such_job"))
}

func TestRemoveByPrefix(t *testing.T) {
	store := newMemStore()
	core := newTestCore(store)
	ctx := context.Background()

	at := time.Now().Add(time.Hour)
	require.NoError(t, core.Add(ctx, "recurring_task_42_weekly", Cron("0 0 9 * * 1"), Payload{}))
	require.NoError(t, core.Add(ctx, "recurring_task_421_daily", Cron("0 0 9 * * *"), Payload{}))
	require.NoError(t, core.Add(ctx, "instant_reminder_42", Once(at), Payload{}))

	n, err := core.RemoveByPrefix(ctx, "recurring_task_42_")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	jobs, err := core.ListAll(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	require.ElementsMatch(t, []string{"recurring_task_421_daily", "instant_reminder_42"}, ids)
}

func TestSkipMisfireDropsStaleOneShot(t *testing.T) {
	store := newMemStore()
	core := newTestCore(store)
	ctx := context.Background()

	now := time.Now()
	stale := Job{
		ID:         "instant_reminder_9",
		Trigger:    Once(now.Add(-3 * time.Hour)),
		NextFireAt: now.Add(-3 * time.Hour),
	}
	require.NoError(t, store.Put(ctx, stale))

	core.skipMisfire(ctx, stale, now, 3*time.Hour)

	_, err := store.Get(ctx, stale.ID)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestSkipMisfireAdvancesCyclical(t *testing.T) {
	store := newMemStore()
	core := newTestCore(store)
	ctx := context.Background()

	now := time.Now()
	stale := Job{
		ID:         "recurring_task_9_daily",
		Trigger:    Cron("0 0 9 * * *"),
		NextFireAt: now.Add(-3 * time.Hour),
	}
	require.NoError(t, store.Put(ctx, stale))

	core.skipMisfire(ctx, stale, now, 3*time.Hour)

	job, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.True(t, job.NextFireAt.After(now), "occurrence skipped, next fire must be in the future")
}

func TestFireOneShotRetiresJob(t *testing.T) {
	store := newMemStore()
	core := newTestCore(store)

	fired := make(chan Job, 1)
	core.SetCallback(func(_ context.Context, job Job) error {
		fired <- job
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, core.Add(ctx, "instant_reminder_5", Once(time.Now().Add(200*time.Millisecond)), Payload{TaskID: 5}))

	core.Start(ctx)
	defer core.Stop()

	select {
	case job := <-fired:
		require.Equal(t, "instant_reminder_5", job.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("job never fired")
	}

	// The one-shot job is removed once delivered.
	require.Eventually(t, func() bool {
		_, err := core.Get(ctx, "instant_reminder_5")
		return err == ErrJobNotFound
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFailedDeliveryStillRetiresOneShot(t *testing.T) {
	store := newMemStore()
	core := newTestCore(store)

	fired := make(chan struct{}, 1)
	core.SetCallback(func(_ context.Context, _ Job) error {
		fired <- struct{}{}
		return errors.New("transport down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, core.Add(ctx, "instant_reminder_6", Once(time.Now().Add(200*time.Millisecond)), Payload{TaskID: 6}))

	core.Start(ctx)
	defer core.Stop()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("job never fired")
	}

	// A one-shot fires exactly once; a failed send does not keep it
	// registered for another attempt.
	require.Eventually(t, func() bool {
		_, err := core.Get(ctx, "instant_reminder_6")
		return errors.Is(err, ErrJobNotFound)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	core := newTestCore(newMemStore())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core.Start(ctx)
	core.Stop()
	core.Stop()
}
