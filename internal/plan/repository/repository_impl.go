package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/plan/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertVersion(ctx context.Context, db *gorm.DB, version *domain.PlanVersion) error {
	return db.WithContext(ctx).Create(version).Error
}

func (r *repo) InsertComponents(ctx context.Context, db *gorm.DB, components []domain.PlanComponent) error {
	if len(components) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&components).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status domain.Status, publishedAt *time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE plan_versions SET status = ?, published_at = COALESCE(?, published_at)
		 WHERE org_id = ? AND id = ?`,
		status,
		publishedAt,
		orgID,
		id,
	).Error
}

func (r *repo) FindVersionByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.PlanVersion, error) {
	return r.takeVersion(db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id))
}

func (r *repo) FindVersionForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.PlanVersion, error) {
	return r.takeVersion(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("org_id = ? AND id = ?", orgID, id))
}

func (r *repo) FindActiveVersion(ctx context.Context, db *gorm.DB, orgID snowflake.ID, planCode string) (*domain.PlanVersion, error) {
	return r.takeVersion(db.WithContext(ctx).
		Where("org_id = ? AND plan_code = ? AND status = ?", orgID, planCode, domain.StatusActive).
		Order("version desc"))
}

func (r *repo) LatestVersion(ctx context.Context, db *gorm.DB, orgID snowflake.ID, planCode string) (int, error) {
	var latest int
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(version), 0) FROM plan_versions WHERE org_id = ? AND plan_code = ?`,
		orgID,
		planCode,
	).Scan(&latest).Error
	return latest, err
}

func (r *repo) ListVersions(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.PlanVersion, error) {
	var versions []domain.PlanVersion
	err := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("plan_code asc, version desc").
		Find(&versions).Error
	return versions, err
}

func (r *repo) ListComponents(ctx context.Context, db *gorm.DB, orgID, versionID snowflake.ID) ([]domain.PlanComponent, error) {
	var components []domain.PlanComponent
	err := db.WithContext(ctx).
		Where("org_id = ? AND plan_version_id = ?", orgID, versionID).
		Order("id asc").
		Find(&components).Error
	return components, err
}

func (r *repo) takeVersion(q *gorm.DB) (*domain.PlanVersion, error) {
	var version domain.PlanVersion
	if err := q.Take(&version).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &version, nil
}
