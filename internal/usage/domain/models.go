// Package domain contains persistence models for raw usage events and the
// usage tables computed from them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Event stores a single immutable unit of metered activity.
type Event struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID          snowflake.ID      `json:"organization_id" gorm:"column:org_id;not null;uniqueIndex:ux_usage_events_org_key,priority:1;index:ix_usage_events_lookup,priority:1"`
	CustomerID     snowflake.ID      `json:"customer_id" gorm:"not null;index:ix_usage_events_lookup,priority:3"`
	EventName      string            `json:"event_name" gorm:"type:text;not null;index:ix_usage_events_lookup,priority:2"`
	Timestamp      time.Time         `json:"timestamp" gorm:"column:occurred_at;not null;index:ix_usage_events_lookup,priority:4"`
	IdempotencyKey string            `json:"idempotency_key" gorm:"type:text;not null;uniqueIndex:ux_usage_events_org_key,priority:2"`
	Properties     datatypes.JSONMap `json:"properties" gorm:"type:jsonb"`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "usage_events" }

// Less orders events by (timestamp, idempotency key).
func (e Event) Less(other Event) bool {
	if !e.Timestamp.Equal(other.Timestamp) {
		return e.Timestamp.Before(other.Timestamp)
	}
	return e.IdempotencyKey < other.IdempotencyKey
}
