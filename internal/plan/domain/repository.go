package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertVersion(ctx context.Context, db *gorm.DB, version *PlanVersion) error
	InsertComponents(ctx context.Context, db *gorm.DB, components []PlanComponent) error
	UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status Status, publishedAt *time.Time) error
	FindVersionByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*PlanVersion, error)
	FindVersionForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*PlanVersion, error)
	FindActiveVersion(ctx context.Context, db *gorm.DB, orgID snowflake.ID, planCode string) (*PlanVersion, error)
	LatestVersion(ctx context.Context, db *gorm.DB, orgID snowflake.ID, planCode string) (int, error)
	ListVersions(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]PlanVersion, error)
	ListComponents(ctx context.Context, db *gorm.DB, orgID, versionID snowflake.ID) ([]PlanComponent, error)
}
