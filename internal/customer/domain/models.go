package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Customer is the billable party. ExternalID is the identifier producers
// attach to usage events.
type Customer struct {
	ID         snowflake.ID        `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID        `gorm:"column:org_id;not null;uniqueIndex:ux_customers_org_external,priority:1" json:"organization_id"`
	ExternalID string              `gorm:"type:text;not null;uniqueIndex:ux_customers_org_external,priority:2" json:"external_id"`
	Name       string              `gorm:"type:text;not null" json:"name"`
	Email      string              `gorm:"type:text" json:"email,omitempty"`
	Currency   string              `gorm:"type:text;not null" json:"currency"`
	TaxRate    decimal.NullDecimal `gorm:"type:numeric" json:"tax_rate"`
	Metadata   datatypes.JSONMap   `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time           `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time           `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }
