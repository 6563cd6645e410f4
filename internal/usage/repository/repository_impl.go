package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
	"github.com/smallbiznis/meterly/internal/usage/query"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) usagedomain.Repository {
	return &repo{db: db}
}

// Insert writes the event unless its (org_id, idempotency_key) already
// exists. The bool reports whether a row was written.
func (r *repo) Insert(ctx context.Context, event *usagedomain.Event) (bool, error) {
	if event == nil {
		return false, errors.New("missing_usage_event")
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, orgID snowflake.ID, key string) (*usagedomain.Event, error) {
	var event usagedomain.Event
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND idempotency_key = ?", orgID, key).
		Take(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// Query pushes down the scalar parts of the plan and evaluates property
// predicates in process, so JSON semantics stay identical across dialects.
func (r *repo) Query(ctx context.Context, plan query.Plan) ([]usagedomain.Event, error) {
	stmt := r.db.WithContext(ctx).
		Model(&usagedomain.Event{}).
		Where("org_id = ? AND event_name = ?", plan.OrgID, plan.EventName)
	if plan.CustomerID != nil {
		stmt = stmt.Where("customer_id = ?", *plan.CustomerID)
	}
	if !plan.Start.IsZero() {
		stmt = stmt.Where("occurred_at >= ?", plan.Start)
	}
	stmt = stmt.Where("occurred_at < ?", plan.End).Order("occurred_at ASC, idempotency_key ASC")

	var rows []usagedomain.Event
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := rows[:0]
	for _, row := range rows {
		if plan.Matches(row.Properties) {
			out = append(out, row)
		}
	}
	return out, nil
}
