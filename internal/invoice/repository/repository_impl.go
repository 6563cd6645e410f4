package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/meterly/internal/invoice/domain"
	"github.com/smallbiznis/meterly/pkg/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	if err := db.WithContext(ctx).Create(invoice).Error; err != nil {
		return err
	}
	items := lo.Map(invoice.Items, func(_ domain.LineItem, i int) *domain.LineItem {
		return &invoice.Items[i]
	})
	return repository.ProvideStore[domain.LineItem](db).BatchCreate(ctx, items)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Invoice, error) {
	return take(db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id))
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Invoice, error) {
	return take(db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("org_id = ? AND id = ?", orgID, id))
}

func (r *repo) FindByFinalizationKey(ctx context.Context, db *gorm.DB, orgID snowflake.ID, key string) (*domain.Invoice, error) {
	return take(db.WithContext(ctx).Where("org_id = ? AND finalization_key = ?", orgID, key))
}

func (r *repo) DeleteDrafts(ctx context.Context, db *gorm.DB, orgID snowflake.ID, draftKey string) (int64, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("org_id = ? AND draft_key = ? AND status = ?", orgID, draftKey, domain.InvoiceStatusDraft).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	if err := db.WithContext(ctx).Where("invoice_id IN ?", ids).Delete(&domain.LineItem{}).Error; err != nil {
		return 0, err
	}
	res := db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.Invoice{})
	return res.RowsAffected, res.Error
}

func (r *repo) MarkVoid(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, voided_at = ?, updated_at = ?
		 WHERE org_id = ? AND id = ?`,
		domain.InvoiceStatusVoid,
		invoice.VoidedAt,
		invoice.UpdatedAt,
		invoice.OrgID,
		invoice.ID,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, req domain.ListRequest) ([]domain.Invoice, error) {
	stmt := db.WithContext(ctx).Where("org_id = ?", req.OrgID)
	if req.CustomerID != nil {
		stmt = stmt.Where("customer_id = ?", *req.CustomerID)
	}
	if req.Status != nil {
		stmt = stmt.Where("status = ?", *req.Status)
	}
	var invoices []domain.Invoice
	if err := stmt.Order("period_start ASC, id ASC").Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) ([]domain.LineItem, error) {
	if len(invoiceIDs) == 0 {
		return nil, nil
	}
	var items []domain.LineItem
	err := db.WithContext(ctx).
		Where("invoice_id IN ?", invoiceIDs).
		Order("invoice_id ASC, position ASC").
		Find(&items).Error
	return items, err
}

func (r *repo) CountNumbered(ctx context.Context, db *gorm.DB, orgID snowflake.ID, prefix string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*)
		 FROM invoices
		 WHERE org_id = ? AND invoice_number LIKE ?`,
		orgID,
		prefix+"%",
	).Scan(&count).Error
	return count, err
}

func take(q *gorm.DB) (*domain.Invoice, error) {
	var invoice domain.Invoice
	if err := q.Take(&invoice).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}
