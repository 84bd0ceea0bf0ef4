package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"skipper/internal/store"
	"skipper/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// GormStore implements store.Store using Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

// NewGormStore opens (or creates) the database at path.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	// DriverName "sqlite" routes gorm through the cgo-free driver.
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&model.RunModel{},
		&model.JobModel{},
		&model.ExecutionModel{},
		&model.FailedJobModel{},
		&model.OrderModel{},
		&model.PositionModel{},
		&model.IdempotencyModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a little parallelism for concurrent HTTP reads
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Runs() store.RunRepository                { return runRepo{s.db} }
func (s *GormStore) Jobs() store.JobRepository                { return jobRepo{s.db} }
func (s *GormStore) Executions() store.ExecutionRepository    { return execRepo{s.db} }
func (s *GormStore) FailedJobs() store.FailedJobRepository    { return failedJobRepo{s.db} }
func (s *GormStore) Orders() store.OrderRepository            { return orderRepo{s.db} }
func (s *GormStore) Positions() store.PositionRepository      { return positionRepo{s.db} }
func (s *GormStore) Idempotency() store.IdempotencyRepository { return idemRepo{s.db} }

func (s *GormStore) Transact(ctx context.Context, fn func(tx store.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// --------------------- Runs -------------------------

type runRepo struct{ db *gorm.DB }

func (r runRepo) Save(ctx context.Context, run *model.RunModel) error {
	run.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			UpdateAll: true,
		}).
		Create(run).Error
}

func (r runRepo) FindByID(ctx context.Context, runID string) (*model.RunModel, error) {
	var m model.RunModel
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&m).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

func (r runRepo) ListByStatus(ctx context.Context, statuses ...model.RunStatus) ([]model.RunModel, error) {
	var out []model.RunModel
	q := r.db.WithContext(ctx)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Order("started_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Delete cascades run -> jobs -> executions in one transaction.
func (r runRepo) Delete(ctx context.Context, runID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobIDs []string
		if err := tx.Model(&model.JobModel{}).Where("run_id = ?", runID).Pluck("job_id", &jobIDs).Error; err != nil {
			return err
		}
		if len(jobIDs) > 0 {
			if err := tx.Where("job_id IN ?", jobIDs).Delete(&model.ExecutionModel{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("run_id = ?", runID).Delete(&model.JobModel{}).Error; err != nil {
			return err
		}
		return tx.Where("run_id = ?", runID).Delete(&model.RunModel{}).Error
	})
}

// --------------------- Jobs -------------------------

type jobRepo struct{ db *gorm.DB }

func (r jobRepo) Save(ctx context.Context, job *model.JobModel) error {
	job.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			UpdateAll: true,
		}).
		Create(job).Error
}

func (r jobRepo) FindByID(ctx context.Context, jobID string) (*model.JobModel, error) {
	var m model.JobModel
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&m).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

func (r jobRepo) ListByRun(ctx context.Context, runID string) ([]model.JobModel, error) {
	var out []model.JobModel
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// --------------------- Executions -------------------------

type execRepo struct{ db *gorm.DB }

func (r execRepo) Insert(ctx context.Context, exec *model.ExecutionModel) error {
	return r.db.WithContext(ctx).Create(exec).Error
}

// Finish writes the terminal snapshot of an execution. Rows already in
// a terminal status are left untouched (append-only audit trail).
func (r execRepo) Finish(ctx context.Context, exec *model.ExecutionModel) error {
	return r.db.WithContext(ctx).
		Model(&model.ExecutionModel{}).
		Where("execution_id = ? AND status = ?", exec.ExecutionID, model.ExecutionStatusStarted).
		Updates(map[string]interface{}{
			"status":        exec.Status,
			"duration_ms":   exec.DurationMS,
			"cpu_percent":   exec.CPUPercent,
			"memory_mb":     exec.MemoryMB,
			"error_message": exec.ErrorMessage,
			"ended_at":      exec.EndedAt,
		}).Error
}

func (r execRepo) ListByJob(ctx context.Context, jobID string) ([]model.ExecutionModel, error) {
	var out []model.ExecutionModel
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Order("started_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// --------------------- FailedJobs -------------------------

type failedJobRepo struct{ db *gorm.DB }

func (r failedJobRepo) Insert(ctx context.Context, rec *model.FailedJobModel) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r failedJobRepo) ListByRun(ctx context.Context, runID string) ([]model.FailedJobModel, error) {
	var out []model.FailedJobModel
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// --------------------- Orders -------------------------

type orderRepo struct{ db *gorm.DB }

func (r orderRepo) Save(ctx context.Context, order *model.OrderModel) error {
	order.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			UpdateAll: true,
		}).
		Create(order).Error
}

func (r orderRepo) FindByID(ctx context.Context, orderID string) (*model.OrderModel, error) {
	var m model.OrderModel
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&m).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

func (r orderRepo) FindByClientID(ctx context.Context, runID, clientID string) (*model.OrderModel, error) {
	var m model.OrderModel
	if err := r.db.WithContext(ctx).Where("run_id = ? AND client_id = ?", runID, clientID).First(&m).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

func (r orderRepo) ListByRun(ctx context.Context, runID string) ([]model.OrderModel, error) {
	var out []model.OrderModel
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// --------------------- Positions -------------------------

type positionRepo struct{ db *gorm.DB }

func (r positionRepo) Save(ctx context.Context, pos *model.PositionModel) error {
	pos.UpdatedAt = time.Now()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "symbol"}},
			UpdateAll: true,
		}).
		Create(pos).Error
}

func (r positionRepo) Find(ctx context.Context, runID, symbol string) (*model.PositionModel, error) {
	var m model.PositionModel
	if err := r.db.WithContext(ctx).Where("run_id = ? AND symbol = ?", runID, symbol).First(&m).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

func (r positionRepo) ListByRun(ctx context.Context, runID string) ([]model.PositionModel, error) {
	var out []model.PositionModel
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("symbol ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r positionRepo) Delete(ctx context.Context, runID, symbol string) error {
	return r.db.WithContext(ctx).Where("run_id = ? AND symbol = ?", runID, symbol).Delete(&model.PositionModel{}).Error
}

// --------------------- Idempotency -------------------------

type idemRepo struct{ db *gorm.DB }

func (r idemRepo) Get(ctx context.Context, key string) (*model.IdempotencyModel, error) {
	var m model.IdempotencyModel
	if err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&m).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	if time.Now().After(m.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (r idemRepo) Put(ctx context.Context, rec *model.IdempotencyModel) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(rec).Error
}

func (r idemRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at < ?", time.Now()).
		Delete(&model.IdempotencyModel{})
	return res.RowsAffected, res.Error
}
