package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/smallbiznis/meterly/internal/granularity"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
	"github.com/spf13/cobra"
)

var (
	usageMetric      string
	usageCustomer    string
	usageStart       string
	usageEnd         string
	usageGranularity string
	usageGroupBy     []string
	usageFilters     map[string]string
	usageBillable    bool
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Compute a metric's usage table",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := orgID()
		if err != nil {
			return err
		}
		metricID, err := parseID("metric", usageMetric)
		if err != nil {
			return err
		}
		start, err := time.Parse(time.RFC3339, usageStart)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, usageEnd)
		if err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}
		req := usagedomain.UsageRequest{
			OrgID:        org,
			MetricID:     metricID,
			Start:        start.UTC(),
			End:          end.UTC(),
			Granularity:  granularity.Granularity(usageGranularity),
			GroupBy:      usageGroupBy,
			Filters:      usageFilters,
			BillableOnly: usageBillable,
		}
		if usageCustomer != "" {
			customerID, err := parseID("customer", usageCustomer)
			if err != nil {
				return err
			}
			req.CustomerID = lo.ToPtr(customerID)
		}

		var svc usagedomain.Service
		return withApp(cmd, func(ctx context.Context) error {
			table, err := svc.GetUsage(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, table)
		}, &svc)
	},
}

func init() {
	usageCmd.Flags().StringVar(&usageMetric, "metric", "", "metric id")
	usageCmd.Flags().StringVar(&usageCustomer, "customer", "", "customer id")
	usageCmd.Flags().StringVar(&usageStart, "start", "", "window start (RFC3339)")
	usageCmd.Flags().StringVar(&usageEnd, "end", "", "window end (RFC3339, exclusive)")
	usageCmd.Flags().StringVar(&usageGranularity, "granularity", string(granularity.Total), "bucket granularity")
	usageCmd.Flags().StringSliceVar(&usageGroupBy, "group-by", nil, "group-by properties")
	usageCmd.Flags().StringToStringVar(&usageFilters, "filter", nil, "property=value filters")
	usageCmd.Flags().BoolVar(&usageBillable, "billable", false, "reduce to billable quantities")
	_ = usageCmd.MarkFlagRequired("metric")
	_ = usageCmd.MarkFlagRequired("start")
	_ = usageCmd.MarkFlagRequired("end")
	rootCmd.AddCommand(usageCmd)
}
