package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
)

// GenerateRequest invoices RecordIDs as of Now. A zero Now means the clock.
type GenerateRequest struct {
	OrgID          snowflake.ID   `json:"organization_id"`
	RecordIDs      []snowflake.ID `json:"record_ids"`
	Draft          bool           `json:"draft"`
	ChargeNextPlan bool           `json:"charge_next_plan"`
	Now            time.Time      `json:"now"`
}

type ListRequest struct {
	OrgID      snowflake.ID
	CustomerID *snowflake.ID
	Status     *InvoiceStatus
}

type Service interface {
	// GenerateInvoice builds one invoice per (customer, currency) among the
	// records. Finalized invoices move the records' billing watermarks.
	GenerateInvoice(ctx context.Context, req GenerateRequest) ([]Invoice, error)
	// DueRecords lists records with a closed, unbilled period at now.
	// Addons invoiced with their parent are omitted.
	DueRecords(ctx context.Context, now time.Time) ([]subscriptiondomain.Record, error)
	Void(ctx context.Context, orgID, invoiceID snowflake.ID) (*Invoice, error)
	Get(ctx context.Context, orgID, invoiceID snowflake.ID) (*Invoice, error)
	List(ctx context.Context, req ListRequest) ([]Invoice, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidRequest      = errors.New("invalid_invoice_request")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrInvoiceVoid         = errors.New("invoice_already_void")
)
