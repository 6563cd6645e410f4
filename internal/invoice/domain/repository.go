package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert writes the invoice and its Items.
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error)
	FindByFinalizationKey(ctx context.Context, db *gorm.DB, orgID snowflake.ID, key string) (*Invoice, error)
	// DeleteDrafts removes draft invoices with draftKey and their items.
	DeleteDrafts(ctx context.Context, db *gorm.DB, orgID snowflake.ID, draftKey string) (int64, error)
	MarkVoid(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	List(ctx context.Context, db *gorm.DB, req ListRequest) ([]Invoice, error)
	ListItems(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) ([]LineItem, error)
	// CountNumbered counts invoices of the org whose number starts with
	// prefix.
	CountNumbered(ctx context.Context, db *gorm.DB, orgID snowflake.ID, prefix string) (int64, error)
}
