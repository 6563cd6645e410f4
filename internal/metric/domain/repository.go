package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, metric *Metric) error
	UpdateStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status Status) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Metric, error)
	FindActiveByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*Metric, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]Metric, error)
}
