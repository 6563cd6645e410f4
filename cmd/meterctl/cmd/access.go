package cmd

import (
	"context"

	"github.com/samber/lo"
	accessdomain "github.com/smallbiznis/meterly/internal/access/domain"
	"github.com/spf13/cobra"
)

var (
	accessCustomer string
	accessMetric   string
	accessFeature  string
)

var accessCmd = &cobra.Command{
	Use:   "access",
	Short: "Check a customer's access to a metric or feature",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := orgID()
		if err != nil {
			return err
		}
		customerID, err := parseID("customer", accessCustomer)
		if err != nil {
			return err
		}
		req := accessdomain.AccessRequest{OrgID: org, CustomerID: customerID, FeatureCode: accessFeature}
		if accessMetric != "" {
			metricID, err := parseID("metric", accessMetric)
			if err != nil {
				return err
			}
			req.MetricID = lo.ToPtr(metricID)
		}

		var svc accessdomain.Service
		return withApp(cmd, func(ctx context.Context) error {
			res, err := svc.GetCurrentAccess(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		}, &svc)
	},
}

func init() {
	accessCmd.Flags().StringVar(&accessCustomer, "customer", "", "customer id")
	accessCmd.Flags().StringVar(&accessMetric, "metric", "", "metric id")
	accessCmd.Flags().StringVar(&accessFeature, "feature", "", "feature code")
	_ = accessCmd.MarkFlagRequired("customer")
	accessCmd.MarkFlagsMutuallyExclusive("metric", "feature")
	rootCmd.AddCommand(accessCmd)
}
