package cache

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	defaultAPIKeyTTL   = 5 * time.Minute
	defaultCustomerTTL = 10 * time.Minute
)

// UsageResolverCache stores hot-path resolver lookups for usage ingest.
type UsageResolverCache interface {
	GetOrgByAPIKey(keyHash string) (snowflake.ID, bool)
	SetOrgByAPIKey(keyHash string, orgID snowflake.ID)
	InvalidateAPIKey(keyHash string)
	GetCustomerID(orgID snowflake.ID, externalID string) (snowflake.ID, bool)
	SetCustomerID(orgID snowflake.ID, externalID string, customerID snowflake.ID)
	InvalidateCustomer(orgID snowflake.ID, externalID string)
}

type usageResolverCache struct {
	apiKeys     Cache[string, snowflake.ID]
	customers   Cache[string, snowflake.ID]
	apiKeyTTL   time.Duration
	customerTTL time.Duration
}

// NewUsageResolverCache returns an in-memory cache tuned for usage ingest.
func NewUsageResolverCache() UsageResolverCache {
	return &usageResolverCache{
		apiKeys:     NewTTLCache[string, snowflake.ID](),
		customers:   NewTTLCache[string, snowflake.ID](),
		apiKeyTTL:   defaultAPIKeyTTL,
		customerTTL: defaultCustomerTTL,
	}
}

func (c *usageResolverCache) GetOrgByAPIKey(keyHash string) (snowflake.ID, bool) {
	return c.apiKeys.Get(cacheKey(keyHash))
}

func (c *usageResolverCache) SetOrgByAPIKey(keyHash string, orgID snowflake.ID) {
	if orgID == 0 {
		return
	}
	c.apiKeys.Set(cacheKey(keyHash), orgID, c.apiKeyTTL)
}

func (c *usageResolverCache) InvalidateAPIKey(keyHash string) {
	c.apiKeys.Delete(cacheKey(keyHash))
}

// External ids are compared case-sensitively, so only the org part of the
// key is normalized.
func (c *usageResolverCache) GetCustomerID(orgID snowflake.ID, externalID string) (snowflake.ID, bool) {
	return c.customers.Get(customerKey(orgID, externalID))
}

func (c *usageResolverCache) SetCustomerID(orgID snowflake.ID, externalID string, customerID snowflake.ID) {
	if customerID == 0 {
		return
	}
	c.customers.Set(customerKey(orgID, externalID), customerID, c.customerTTL)
}

func (c *usageResolverCache) InvalidateCustomer(orgID snowflake.ID, externalID string) {
	c.customers.Delete(customerKey(orgID, externalID))
}

func customerKey(orgID snowflake.ID, externalID string) string {
	return orgID.String() + "|" + strings.TrimSpace(externalID)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
