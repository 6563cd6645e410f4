package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	taxdomain "github.com/smallbiznis/meterly/internal/tax/domain"
	"github.com/spf13/cobra"
)

var (
	taxCode        string
	taxName        string
	taxRate        string
	taxMode        string
	taxDescription string
	taxEnabledOnly bool
	taxID          string
)

var taxCmd = &cobra.Command{
	Use:   "tax",
	Short: "Manage organization tax definitions",
}

var taxCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a tax definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := orgID()
		if err != nil {
			return err
		}
		req, err := taxCreateRequest(org)
		if err != nil {
			return err
		}

		var svc taxdomain.Service
		return withApp(cmd, func(ctx context.Context) error {
			def, err := svc.Create(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, def)
		}, &svc)
	},
}

var taxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tax definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := orgID()
		if err != nil {
			return err
		}
		req := taxdomain.ListRequest{OrgID: org, Code: taxCode}
		if taxEnabledOnly {
			enabled := true
			req.IsEnabled = &enabled
		}

		var svc taxdomain.Service
		return withApp(cmd, func(ctx context.Context) error {
			items, err := svc.List(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, items)
		}, &svc)
	},
}

var taxDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable a tax definition",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := orgID()
		if err != nil {
			return err
		}
		id, err := parseID("tax definition", taxID)
		if err != nil {
			return err
		}

		var svc taxdomain.Service
		return withApp(cmd, func(ctx context.Context) error {
			def, err := svc.Disable(ctx, org, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, def)
		}, &svc)
	},
}

func taxCreateRequest(org snowflake.ID) (taxdomain.CreateRequest, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(taxRate))
	if err != nil {
		return taxdomain.CreateRequest{}, fmt.Errorf("invalid --rate %q", taxRate)
	}
	req := taxdomain.CreateRequest{
		OrgID:   org,
		Code:    taxCode,
		Name:    taxName,
		TaxMode: taxdomain.TaxMode(taxMode),
		Rate:    rate,
	}
	if taxDescription != "" {
		req.Description = &taxDescription
	}
	return req, nil
}

func init() {
	taxCreateCmd.Flags().StringVar(&taxCode, "code", "", "tax code")
	taxCreateCmd.Flags().StringVar(&taxName, "name", "", "display name")
	taxCreateCmd.Flags().StringVar(&taxRate, "rate", "", "rate as a fraction, 0.11 is 11%")
	taxCreateCmd.Flags().StringVar(&taxMode, "mode", string(taxdomain.TaxModeExclusive), "exclusive or inclusive")
	taxCreateCmd.Flags().StringVar(&taxDescription, "description", "", "optional description")
	_ = taxCreateCmd.MarkFlagRequired("code")
	_ = taxCreateCmd.MarkFlagRequired("rate")

	taxListCmd.Flags().StringVar(&taxCode, "code", "", "filter by code")
	taxListCmd.Flags().BoolVar(&taxEnabledOnly, "enabled", false, "only enabled definitions")

	taxDisableCmd.Flags().StringVar(&taxID, "id", "", "tax definition id")
	_ = taxDisableCmd.MarkFlagRequired("id")

	taxCmd.AddCommand(taxCreateCmd, taxListCmd, taxDisableCmd)
	rootCmd.AddCommand(taxCmd)
}
