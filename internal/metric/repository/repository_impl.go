package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/metric/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, metric *domain.Metric) error {
	return db.WithContext(ctx).Create(metric).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status domain.Status) error {
	return db.WithContext(ctx).Exec(
		`UPDATE metrics SET status = ? WHERE org_id = ? AND id = ?`,
		status,
		orgID,
		id,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Metric, error) {
	var metric domain.Metric
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		Take(&metric).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &metric, nil
}

func (r *repo) FindActiveByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*domain.Metric, error) {
	var metric domain.Metric
	err := db.WithContext(ctx).
		Where("org_id = ? AND code = ? AND status = ?", orgID, code, domain.StatusActive).
		Order("version desc").
		Take(&metric).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &metric, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.Metric, error) {
	var metrics []domain.Metric
	err := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("code asc, version desc").
		Find(&metrics).Error
	if err != nil {
		return nil, err
	}
	return metrics, nil
}
