// Package gormstore provides the relational reference driver, backed by GORM.
//
// Two tables: an active tasks table indexed on (queue, status, available_at)
// for lease selection, and a dead_tasks table holding terminal failures.
// Lease selection runs inside a transaction with FOR UPDATE SKIP LOCKED on
// backends that support row locks, so concurrent pollers partition the
// eligible set instead of blocking on each other.
package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/internal/guard"
)

// Driver implements the lease protocol over a relational database.
type Driver struct {
	db       *gorm.DB
	rowLocks bool
}

// New creates a GORM-backed driver.
func New(db *gorm.DB) *Driver {
	return &Driver{
		db: db,
		// sqlite serializes writers; the locking clause is a syntax error
		// there and unnecessary anyway.
		rowLocks: db.Dialector.Name() != "sqlite",
	}
}

// Setup creates the task and dead-letter tables.
func (d *Driver) Setup(ctx context.Context) error {
	if err := d.db.WithContext(ctx).AutoMigrate(&core.Task{}, &core.DeadTask{}); err != nil {
		return core.Unavailable(err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (d *Driver) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enqueue inserts a pending task.
func (d *Driver) Enqueue(ctx context.Context, task *core.Task, delay time.Duration) (string, error) {
	t := *task
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Queue == "" {
		t.Queue = "default"
	}
	t.Status = core.StatusPending
	now := time.Now()
	t.AvailableAt = now
	if delay > 0 {
		t.AvailableAt = now.Add(delay)
	}
	t.VisibilityDeadline = nil

	if err := d.db.WithContext(ctx).Create(&t).Error; err != nil {
		return "", core.Unavailable(err)
	}
	return t.ID, nil
}

// Lease claims up to batch eligible tasks, scanning queues in priority
// order. Each queue is drained inside its own transaction; the conditional
// predicate admits pending-and-available tasks and expired leases alike, so
// crash recovery is the same query as normal selection.
func (d *Driver) Lease(ctx context.Context, queues []string, visibility time.Duration, batch int) ([]*core.Task, error) {
	if batch <= 0 {
		return nil, nil
	}

	var leased []*core.Task
	for _, q := range queues {
		if len(leased) >= batch {
			break
		}
		got, err := d.leaseQueue(ctx, q, visibility, batch-len(leased))
		if err != nil {
			return leased, err
		}
		leased = append(leased, got...)
	}
	return leased, nil
}

func (d *Driver) leaseQueue(ctx context.Context, queue string, visibility time.Duration, limit int) ([]*core.Task, error) {
	var claimed []*core.Task

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		deadline := now.Add(visibility)

		q := tx.
			Where("queue = ?", queue).
			Where(
				tx.Where("status = ? AND available_at <= ?", core.StatusPending, now).
					Or("status = ? AND visibility_deadline < ?", core.StatusLeased, now),
			).
			Order("available_at ASC").
			Limit(limit)

		if d.rowLocks {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []*core.Task
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		for _, t := range candidates {
			t.Status = core.StatusLeased
			t.Attempts++
			dl := deadline
			t.VisibilityDeadline = &dl
			if err := tx.Save(t).Error; err != nil {
				return err
			}
		}
		claimed = candidates
		return nil
	})

	if err != nil {
		return nil, core.Unavailable(err)
	}
	return claimed, nil
}

// Extend refreshes the visibility deadline of a still-valid lease. The
// conditional update doubles as the ownership check: zero rows means the
// deadline already expired or the task moved on.
func (d *Driver) Extend(ctx context.Context, id string, visibility time.Duration) error {
	now := time.Now()
	deadline := now.Add(visibility)

	result := d.db.WithContext(ctx).
		Model(&core.Task{}).
		Where("id = ? AND status = ? AND visibility_deadline >= ?", id, core.StatusLeased, now).
		Update("visibility_deadline", deadline)

	if result.Error != nil {
		return core.Unavailable(result.Error)
	}
	if result.RowsAffected == 0 {
		return d.missing(ctx, id)
	}
	return nil
}

// Ack marks a leased task completed.
func (d *Driver) Ack(ctx context.Context, id string) error {
	result := d.db.WithContext(ctx).
		Model(&core.Task{}).
		Where("id = ? AND status = ?", id, core.StatusLeased).
		Updates(map[string]any{
			"status":              core.StatusCompleted,
			"visibility_deadline": nil,
		})

	if result.Error != nil {
		return core.Unavailable(result.Error)
	}
	if result.RowsAffected == 0 {
		return d.missing(ctx, id)
	}
	return nil
}

// Release returns a leased task to pending with a fresh available_at.
func (d *Driver) Release(ctx context.Context, id string, delay time.Duration) error {
	result := d.db.WithContext(ctx).
		Model(&core.Task{}).
		Where("id = ? AND status = ?", id, core.StatusLeased).
		Updates(map[string]any{
			"status":              core.StatusPending,
			"available_at":        time.Now().Add(delay),
			"visibility_deadline": nil,
		})

	if result.Error != nil {
		return core.Unavailable(result.Error)
	}
	if result.RowsAffected == 0 {
		return d.missing(ctx, id)
	}
	return nil
}

// DeadLetter archives the task in the dead-letter table and marks the
// active row terminal, in one transaction.
func (d *Driver) DeadLetter(ctx context.Context, id string, reason string) error {
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t core.Task
		res := tx.Where("id = ? AND status = ?", id, core.StatusLeased).First(&t)
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrRecordNotFound) {
				return d.missingTx(tx, id)
			}
			return res.Error
		}

		now := time.Now()
		dead := core.NewDeadTask(&t, guard.SanitizeFailureReason(reason), now)
		if err := tx.Create(dead).Error; err != nil {
			return err
		}

		return tx.Model(&core.Task{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":              core.StatusDeadLettered,
				"visibility_deadline": nil,
				"last_error":          dead.FailureReason,
			}).Error
	})

	if err != nil {
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrLeaseLost) {
			return err
		}
		return core.Unavailable(err)
	}
	return nil
}

// Size counts pending tasks in a queue.
func (d *Driver) Size(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).
		Model(&core.Task{}).
		Where("queue = ? AND status = ?", queue, core.StatusPending).
		Count(&n).Error
	if err != nil {
		return 0, core.Unavailable(err)
	}
	return n, nil
}

// DeadTasks lists dead-lettered tasks for inspection.
func (d *Driver) DeadTasks(ctx context.Context, queue string, limit int) ([]*core.DeadTask, error) {
	q := d.db.WithContext(ctx).Order("dead_lettered_at ASC")
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var dead []*core.DeadTask
	if err := q.Find(&dead).Error; err != nil {
		return nil, core.Unavailable(err)
	}
	return dead, nil
}

// GetTask retrieves a task by ID, for inspection and tests.
func (d *Driver) GetTask(ctx context.Context, id string) (*core.Task, error) {
	var t core.Task
	err := d.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, core.Unavailable(err)
	}
	return &t, nil
}

// missing classifies a zero-row conditional update: unknown id vs. a lease
// that moved on without us.
func (d *Driver) missing(ctx context.Context, id string) error {
	return d.missingTx(d.db.WithContext(ctx), id)
}

func (d *Driver) missingTx(tx *gorm.DB, id string) error {
	var n int64
	if err := tx.Model(&core.Task{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return core.Unavailable(err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return core.ErrLeaseLost
}
