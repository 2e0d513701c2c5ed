package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"habit-reminder/internal/scheduler"
)

// JobRecord is the durable row behind the scheduler's job store. It
// survives process restarts; the in-memory scheduler state is rebuilt
// from it (and from the task table) on boot.
type JobRecord struct {
	JobID      string `gorm:"primaryKey;column:job_id"`
	Kind       string
	RunAt      *time.Time // one-shot fire instant (UTC)
	Spec       string     // cron spec for cyclical jobs
	TaskID     uint
	ChatID     int64
	Message    string
	NextFireAt time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (JobRecord) TableName() string { return "scheduler_jobs" }

// JobStore is the gorm-backed implementation of scheduler.Store.
type JobStore struct {
	db *gorm.DB
}

var _ scheduler.Store = (*JobStore)(nil)

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Put(ctx context.Context, job scheduler.Job) error {
	rec := recordFromJob(job)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, id string) (*scheduler.Job, error) {
	var rec JobRecord
	err := s.db.WithContext(ctx).Where("job_id = ?", id).First(&rec).Error
	switch {
	case err == nil:
		job := rec.toJob()
		return &job, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, scheduler.ErrJobNotFound
	default:
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("job_id = ?", id).
		Delete(&JobRecord{}).Error; err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *JobStore) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("job_id LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").
		Delete(&JobRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete jobs by prefix %s: %w", prefix, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *JobStore) DeleteAll(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&JobRecord{}).Error; err != nil {
		return fmt.Errorf("delete all jobs: %w", err)
	}
	return nil
}

func (s *JobStore) List(ctx context.Context) ([]scheduler.Job, error) {
	var recs []JobRecord
	if err := s.db.WithContext(ctx).Order("next_fire_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]scheduler.Job, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, rec.toJob())
	}
	return jobs, nil
}

func (s *JobStore) SetNextFire(ctx context.Context, id string, at time.Time) error {
	if err := s.db.WithContext(ctx).Model(&JobRecord{}).Where("job_id = ?", id).
		Update("next_fire_at", at.UTC()).Error; err != nil {
		return fmt.Errorf("set next fire for %s: %w", id, err)
	}
	return nil
}

// escapeLike neutralizes LIKE wildcards in job id prefixes. Job ids
// contain underscores, which LIKE would otherwise treat as "any char"
// and make recurring_task_42_ also match recurring_task_421.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func recordFromJob(job scheduler.Job) JobRecord {
	rec := JobRecord{
		JobID:      job.ID,
		Kind:       string(job.Trigger.Kind),
		Spec:       job.Trigger.Spec,
		TaskID:     job.Payload.TaskID,
		ChatID:     job.Payload.ChatID,
		Message:    job.Payload.Message,
		NextFireAt: job.NextFireAt.UTC(),
	}
	if job.Trigger.Kind == scheduler.TriggerOnce {
		at := job.Trigger.At.UTC()
		rec.RunAt = &at
	}
	return rec
}

func (rec JobRecord) toJob() scheduler.Job {
	trig := scheduler.Trigger{Kind: scheduler.TriggerKind(rec.Kind), Spec: rec.Spec}
	if rec.RunAt != nil {
		trig.At = rec.RunAt.UTC()
	}
	return scheduler.Job{
		ID:      rec.JobID,
		Trigger: trig,
		Payload: scheduler.Payload{
			TaskID:  rec.TaskID,
			ChatID:  rec.ChatID,
			Message: rec.Message,
		},
		NextFireAt: rec.NextFireAt.UTC(),
	}
}
