package repos

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/pkg/dbctx"
	"github.com/noetl/noetl/internal/pkg/logger"
)

var (
	ErrJobNotFound = errors.New("queue job not found")
)

// QueueJobRepo persists the durable FIFO-with-leases queue. Leasing locks
// candidate rows with SKIP LOCKED so many workers can lease concurrently
// without contention; terminal transitions are compare-and-set on
// (status, worker_id).
type QueueJobRepo interface {
	Insert(dbc dbctx.Context, job *types.QueueJob) (*types.QueueJob, error)
	GetByID(dbc dbctx.Context, jobID int64) (*types.QueueJob, error)
	// FindActiveByNode returns the pending or leased job for
	// (execution_id, node_id), if any; used for idempotent enqueue.
	FindActiveByNode(dbc dbctx.Context, executionID int64, nodeID string) (*types.QueueJob, error)
	LeaseNext(dbc dbctx.Context, workerID string, maxJobs int, leaseUntil time.Time) ([]*types.QueueJob, error)
	// CompleteLeased / FailLeased flip a leased row terminal, guarded by the
	// worker id; they report false when the guard rejects the write.
	CompleteLeased(dbc dbctx.Context, jobID int64, workerID string) (bool, error)
	FailLeased(dbc dbctx.Context, jobID int64, workerID string, errMsg string) (bool, error)
	ExtendLease(dbc dbctx.Context, jobID int64, workerID string, leaseUntil time.Time) (bool, error)
	CancelByExecution(dbc dbctx.Context, executionID int64) (int64, error)
	// ReapExpired moves leased rows whose lease passed back to pending.
	// Attempts are kept: a reaped job still counts the lost attempt.
	ReapExpired(dbc dbctx.Context, now time.Time) (int64, error)
	CountActiveByExecution(dbc dbctx.Context, executionID int64) (int64, error)
	ListByExecution(dbc dbctx.Context, executionID int64) ([]*types.QueueJob, error)
	// PurgeDone removes done rows older than the grace cutoff. Only
	// successful jobs are ever physically deleted.
	PurgeDone(dbc dbctx.Context, doneBefore time.Time) (int64, error)
}

type queueJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueueJobRepo(db *gorm.DB, baseLog *logger.Logger) QueueJobRepo {
	return &queueJobRepo{
		db:  db,
		log: baseLog.With("repo", "QueueJobRepo"),
	}
}

func (r *queueJobRepo) Insert(dbc dbctx.Context, job *types.QueueJob) (*types.QueueJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if job.Status == "" {
		job.Status = types.JobPending
	}
	if err := transaction.WithContext(dbc.Ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *queueJobRepo) GetByID(dbc dbctx.Context, jobID int64) (*types.QueueJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.QueueJob
	err := transaction.WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *queueJobRepo) FindActiveByNode(dbc dbctx.Context, executionID int64, nodeID string) (*types.QueueJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.QueueJob
	err := transaction.WithContext(dbc.Ctx).
		Where("execution_id = ? AND node_id = ? AND status IN ?",
			executionID, nodeID, []string{types.JobPending, types.JobLeased}).
		Order("job_id ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *queueJobRepo) LeaseNext(dbc dbctx.Context, workerID string, maxJobs int, leaseUntil time.Time) ([]*types.QueueJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if maxJobs < 1 {
		maxJobs = 1
	}
	now := time.Now()
	var leased []*types.QueueJob
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		q := txx.Where("status = ?", types.JobPending).
			Order("job_id ASC").
			Limit(maxJobs)
		// sqlite (tests, local analytics) has no row locks; its single
		// writer serialises claims instead.
		if txx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var candidates []*types.QueueJob
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		ids := make([]int64, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.JobID)
		}
		uErr := txx.Model(&types.QueueJob{}).
			Where("job_id IN ? AND status = ?", ids, types.JobPending).
			Updates(map[string]interface{}{
				"status":      types.JobLeased,
				"worker_id":   workerID,
				"lease_until": leaseUntil,
				"attempts":    gorm.Expr("attempts + 1"),
				"updated_at":  now,
			}).Error
		if uErr != nil {
			return uErr
		}
		for _, c := range candidates {
			c.Status = types.JobLeased
			c.WorkerID = workerID
			lu := leaseUntil
			c.LeaseUntil = &lu
			c.Attempts++
			c.UpdatedAt = now
		}
		leased = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

func (r *queueJobRepo) CompleteLeased(dbc dbctx.Context, jobID int64, workerID string) (bool, error) {
	return r.finishLeased(dbc, jobID, workerID, types.JobDone, "")
}

func (r *queueJobRepo) FailLeased(dbc dbctx.Context, jobID int64, workerID string, errMsg string) (bool, error) {
	return r.finishLeased(dbc, jobID, workerID, types.JobFailed, errMsg)
}

func (r *queueJobRepo) finishLeased(dbc dbctx.Context, jobID int64, workerID string, status string, errMsg string) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":      status,
		"lease_until": nil,
		"updated_at":  now,
		"done_at":     now,
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueJob{}).
		Where("job_id = ? AND status = ? AND worker_id = ?", jobID, types.JobLeased, workerID).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *queueJobRepo) ExtendLease(dbc dbctx.Context, jobID int64, workerID string, leaseUntil time.Time) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueJob{}).
		Where("job_id = ? AND status = ? AND worker_id = ?", jobID, types.JobLeased, workerID).
		Updates(map[string]interface{}{
			"lease_until": leaseUntil,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *queueJobRepo) CancelByExecution(dbc dbctx.Context, executionID int64) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueJob{}).
		Where("execution_id = ? AND status IN ?",
			executionID, []string{types.JobPending, types.JobLeased}).
		Updates(map[string]interface{}{
			"status":      types.JobCancelled,
			"lease_until": nil,
			"updated_at":  now,
			"done_at":     now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *queueJobRepo) ReapExpired(dbc dbctx.Context, now time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueJob{}).
		Where("status = ? AND lease_until IS NOT NULL AND lease_until < ?", types.JobLeased, now).
		Updates(map[string]interface{}{
			"status":      types.JobPending,
			"worker_id":   "",
			"lease_until": nil,
			"updated_at":  now,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *queueJobRepo) CountActiveByExecution(dbc dbctx.Context, executionID int64) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.QueueJob{}).
		Where("execution_id = ? AND status IN ?",
			executionID, []string{types.JobPending, types.JobLeased}).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *queueJobRepo) ListByExecution(dbc dbctx.Context, executionID int64) ([]*types.QueueJob, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.QueueJob
	err := transaction.WithContext(dbc.Ctx).
		Where("execution_id = ?", executionID).
		Order("job_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *queueJobRepo) PurgeDone(dbc dbctx.Context, doneBefore time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND done_at IS NOT NULL AND done_at < ?", types.JobDone, doneBefore).
		Delete(&types.QueueJob{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
