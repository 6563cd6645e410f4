package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BillingAdvance moves a record's watermarks after an invoice is written.
type BillingAdvance struct {
	RecordID             snowflake.ID
	LockVersion          int
	BilledThrough        *time.Time
	AdvanceBilledThrough *time.Time
	AmountDelta          decimal.Decimal
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *Record) error
	// Update writes the record guarded by its LockVersion and bumps it.
	// ErrConcurrentUpdate is returned when the version moved.
	Update(ctx context.Context, db *gorm.DB, record *Record) error
	AdvanceBilling(ctx context.Context, db *gorm.DB, orgID snowflake.ID, advance BillingAdvance) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Record, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Record, error)
	FindByIDsForUpdate(ctx context.Context, db *gorm.DB, orgID snowflake.ID, ids []snowflake.ID) ([]Record, error)
	ListLiveForPlan(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, planCode string) ([]Record, error)
	ListChildren(ctx context.Context, db *gorm.DB, orgID, parentID snowflake.ID) ([]Record, error)
	ListByCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) ([]Record, error)
	ListByStatus(ctx context.Context, db *gorm.DB, orgID snowflake.ID, statuses []Status) ([]Record, error)
	ListDueActivation(ctx context.Context, db *gorm.DB, now time.Time) ([]Record, error)
	ListDueRenewal(ctx context.Context, db *gorm.DB, now time.Time) ([]Record, error)
	// ListUnbilled returns live records and terminal records billed short of
	// their end, across organizations.
	ListUnbilled(ctx context.Context, db *gorm.DB) ([]Record, error)
}
