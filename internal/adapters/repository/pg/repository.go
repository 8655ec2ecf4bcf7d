package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"simrun.engine/internal/core/apperrors"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/ports"
)

var (
	_ ports.JobRegistry = (*Repository)(nil)
	_ ports.LogStore    = (*Repository)(nil)
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	return NewRepositoryFromDB(db)
}

// NewRepositoryFromDB migrates the schema on an existing connection.
func NewRepositoryFromDB(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&domain.Job{}, &domain.LogLine{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Create(ctx context.Context, job *domain.Job) error {
	return r.CreateBatch(ctx, []*domain.Job{job})
}

func (r *Repository) CreateBatch(ctx context.Context, jobs []*domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(jobs).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperrors.Conflict("job", jobs[0].ID, "job already exists")
	}
	if err != nil {
		return apperrors.Internal("registry.create", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("job", id)
		}
		return nil, apperrors.Internal("registry.get", err)
	}
	return &job, nil
}

func (r *Repository) List(ctx context.Context, filter domain.JobFilter, page, size int) (*domain.JobPage, error) {
	query := r.db.WithContext(ctx).Model(&domain.Job{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.CreatedBy != "" {
		query = query.Where("created_by = ?", filter.CreatedBy)
	}
	if filter.SweepID != "" {
		query = query.Where("sweep_id = ?", filter.SweepID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, apperrors.Internal("registry.count", err)
	}

	var jobs []*domain.Job
	offset := (page - 1) * size
	if err := query.Order("created_at desc").Order("id desc").Offset(offset).Limit(size).Find(&jobs).Error; err != nil {
		return nil, apperrors.Internal("registry.list", err)
	}

	return &domain.JobPage{
		Jobs:    jobs,
		Total:   total,
		Page:    page,
		Size:    size,
		HasNext: total > int64(page*size),
	}, nil
}

func (r *Repository) ListQueued(ctx context.Context, limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.JobStatusQueued).
		Order("created_at asc").Order("sweep_index asc").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, apperrors.Internal("registry.list_queued", err)
	}
	return jobs, nil
}

func (r *Repository) ListBySweep(ctx context.Context, sweepID string) ([]*domain.Job, error) {
	var jobs []*domain.Job
	if err := r.db.WithContext(ctx).Where("sweep_id = ?", sweepID).Order("sweep_index asc").Find(&jobs).Error; err != nil {
		return nil, apperrors.Internal("registry.list_sweep", err)
	}
	return jobs, nil
}

// CompareAndSetStatus is a single conditional UPDATE. Timestamps use
// COALESCE so a value once written is never replaced.
func (r *Repository) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.JobStatus, fields domain.Transition) (*domain.Job, error) {
	if !domain.CanTransition(expected, next) {
		return nil, apperrors.Conflict("job", id, fmt.Sprintf("illegal transition %s -> %s", expected, next))
	}

	updates := map[string]interface{}{
		"status":     next,
		"updated_at": time.Now(),
	}
	if fields.StartedAt != nil {
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", *fields.StartedAt)
	}
	if fields.FinishedAt != nil {
		updates["finished_at"] = gorm.Expr("COALESCE(finished_at, ?)", *fields.FinishedAt)
	}
	if fields.ExitCode != nil {
		updates["exit_code"] = *fields.ExitCode
	}
	if fields.Error != nil {
		updates["error"] = *fields.Error
	}
	if fields.CancelRequested != nil {
		updates["cancel_requested"] = *fields.CancelRequested
	}

	var job domain.Job
	res := r.db.WithContext(ctx).Model(&job).
		Clauses(clause.Returning{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return nil, apperrors.Internal("registry.compare_and_set", res.Error)
	}
	if res.RowsAffected == 0 {
		current, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, apperrors.Conflict("job", id, fmt.Sprintf("job %s is %s, expected %s", id, current.Status, expected))
	}
	return &job, nil
}

func (r *Repository) Stats(ctx context.Context) (*domain.JobStats, error) {
	var rows []struct {
		Status domain.JobStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, apperrors.Internal("registry.stats", err)
	}

	counts := make(map[domain.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}

	var avg sql.NullFloat64
	err = r.db.WithContext(ctx).Model(&domain.Job{}).
		Select("AVG(EXTRACT(EPOCH FROM (finished_at - started_at)))").
		Where("status = ? AND started_at IS NOT NULL AND finished_at IS NOT NULL", domain.JobStatusSuccess).
		Row().Scan(&avg)
	if err != nil {
		return nil, apperrors.Internal("registry.stats", err)
	}

	var avgRuntime *float64
	if avg.Valid {
		avgRuntime = &avg.Float64
	}
	return domain.NewJobStats(counts, avgRuntime), nil
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repository) AppendLog(ctx context.Context, line *domain.LogLine) error {
	if err := r.db.WithContext(ctx).Create(line).Error; err != nil {
		return apperrors.Internal("logs.append", err)
	}
	return nil
}

func (r *Repository) ListLogs(ctx context.Context, jobID string) ([]*domain.LogLine, error) {
	var lines []*domain.LogLine
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("seq asc").Find(&lines).Error; err != nil {
		return nil, apperrors.Internal("logs.list", err)
	}
	return lines, nil
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}
