package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/meterly/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

var liveStatuses = []domain.Status{domain.StatusNotStarted, domain.StatusActive}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, record *domain.Record) error {
	res := db.WithContext(ctx).
		Model(&domain.Record{}).
		Where("org_id = ? AND id = ? AND lock_version = ?", record.OrgID, record.ID, record.LockVersion).
		Updates(map[string]any{
			"parent_id":                record.ParentID,
			"end_at":                   record.End,
			"status":                   record.Status,
			"replaced_by_id":           record.ReplacedByID,
			"usage_transferred_at":     record.UsageTransferredAt,
			"cancel_flat_fee_behavior": record.CancelFlatFeeBehavior,
			"cancel_usage_behavior":    record.CancelUsageBehavior,
			"auto_renew":               record.AutoRenew,
			"lock_version":             record.LockVersion + 1,
			"updated_at":               record.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	record.LockVersion++
	return nil
}

func (r *repo) AdvanceBilling(ctx context.Context, db *gorm.DB, orgID snowflake.ID, advance domain.BillingAdvance) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscription_records
		 SET billed_through = COALESCE(?, billed_through),
		     advance_billed_through = COALESCE(?, advance_billed_through),
		     amount_billed = amount_billed + ?,
		     lock_version = lock_version + 1
		 WHERE org_id = ? AND id = ? AND lock_version = ?`,
		advance.BilledThrough,
		advance.AdvanceBilledThrough,
		advance.AmountDelta,
		orgID,
		advance.RecordID,
		advance.LockVersion,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentUpdate
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Record, error) {
	return take(db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Record, error) {
	return take(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("org_id = ? AND id = ?", orgID, id))
}

// FindByIDsForUpdate locks rows in id order.
func (r *repo) FindByIDsForUpdate(ctx context.Context, db *gorm.DB, orgID snowflake.ID, ids []snowflake.ID) ([]domain.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var records []domain.Record
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("org_id = ? AND id IN ?", orgID, lo.Uniq(ids)).
		Order("id asc").
		Find(&records).Error
	return records, err
}

func (r *repo) ListLiveForPlan(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, planCode string) ([]domain.Record, error) {
	var records []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT r.* FROM subscription_records r
		 JOIN plan_versions v ON v.id = r.plan_version_id AND v.org_id = r.org_id
		 WHERE r.org_id = ? AND r.customer_id = ? AND v.plan_code = ? AND r.status IN ?
		 ORDER BY r.id`,
		orgID,
		customerID,
		planCode,
		liveStatuses,
	).Scan(&records).Error
	return records, err
}

func (r *repo) ListChildren(ctx context.Context, db *gorm.DB, orgID, parentID snowflake.ID) ([]domain.Record, error) {
	var records []domain.Record
	err := db.WithContext(ctx).
		Where("org_id = ? AND parent_id = ?", orgID, parentID).
		Order("id asc").
		Find(&records).Error
	return records, err
}

func (r *repo) ListByCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) ([]domain.Record, error) {
	var records []domain.Record
	err := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ?", orgID, customerID).
		Order("start_at asc, id asc").
		Find(&records).Error
	return records, err
}

// ListByStatus lists records across all orgs when orgID is zero.
func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, orgID snowflake.ID, statuses []domain.Status) ([]domain.Record, error) {
	q := db.WithContext(ctx).Where("status IN ?", statuses)
	if orgID != 0 {
		q = q.Where("org_id = ?", orgID)
	}
	var records []domain.Record
	err := q.Order("org_id asc, customer_id asc, id asc").Find(&records).Error
	return records, err
}

func (r *repo) ListDueActivation(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.Record, error) {
	records, err := r.ListByStatus(ctx, db, 0, []domain.Status{domain.StatusNotStarted})
	if err != nil {
		return nil, err
	}
	return lo.Filter(records, func(rec domain.Record, _ int) bool {
		return !now.Before(rec.Start)
	}), nil
}

func (r *repo) ListDueRenewal(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.Record, error) {
	records, err := r.ListByStatus(ctx, db, 0, liveStatuses)
	if err != nil {
		return nil, err
	}
	return lo.Filter(records, func(rec domain.Record, _ int) bool {
		return rec.AutoRenew && rec.End != nil && !now.Before(*rec.End)
	}), nil
}

func (r *repo) ListUnbilled(ctx context.Context, db *gorm.DB) ([]domain.Record, error) {
	var records []domain.Record
	err := db.WithContext(ctx).
		Where("status IN ? OR billed_through IS NULL OR billed_through < end_at", liveStatuses).
		Order("org_id ASC, customer_id ASC, id ASC").
		Find(&records).Error
	return records, err
}

func take(q *gorm.DB) (*domain.Record, error) {
	var record domain.Record
	if err := q.Take(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
