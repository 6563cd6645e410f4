package cmd

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	taxdomain "github.com/smallbiznis/meterly/internal/tax/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range RootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"usage", "invoice", "access", "migrate", "tax"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	sub, _, err := RootCmd().Find([]string{"invoice", "generate"})
	require.NoError(t, err)
	assert.Equal(t, "generate", sub.Name())

	sub, _, err = RootCmd().Find([]string{"tax", "create"})
	require.NoError(t, err)
	assert.Equal(t, "create", sub.Name())
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs("record", []string{"12", " 13 "})
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{12, 13}, ids)

	_, err = parseIDs("record", []string{"abc"})
	assert.ErrorContains(t, err, `invalid record id "abc"`)

	_, err = parseID("org", "0")
	assert.Error(t, err)
}

func TestOrgRequired(t *testing.T) {
	orgFlag = ""
	_, err := orgID()
	assert.ErrorContains(t, err, "--org is required")
}

func TestTaxCreateRequest(t *testing.T) {
	taxCode, taxName, taxMode, taxRate, taxDescription = "VAT", "Value added tax", "inclusive", "0.11", ""
	req, err := taxCreateRequest(snowflake.ID(5))
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(5), req.OrgID)
	assert.Equal(t, taxdomain.TaxModeInclusive, req.TaxMode)
	assert.True(t, decimal.RequireFromString("0.11").Equal(req.Rate))
	assert.Nil(t, req.Description)

	taxRate = "eleven"
	_, err = taxCreateRequest(snowflake.ID(5))
	assert.ErrorContains(t, err, `invalid --rate "eleven"`)
}
