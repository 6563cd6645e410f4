package cmd

import (
	"context"
	"fmt"

	invoicedomain "github.com/smallbiznis/meterly/internal/invoice/domain"
	"github.com/smallbiznis/meterly/internal/scheduler"
	"github.com/spf13/cobra"
)

var (
	invoiceRecords    []string
	invoiceDraft      bool
	invoiceChargeNext bool
	invoiceID         string
)

var invoiceCmd = &cobra.Command{
	Use:   "invoice",
	Short: "Generate, run and void invoices",
}

var invoiceGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate invoices for subscription records",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := orgID()
		if err != nil {
			return err
		}
		recordIDs, err := parseIDs("record", invoiceRecords)
		if err != nil {
			return err
		}
		if len(recordIDs) == 0 {
			return fmt.Errorf("--record is required")
		}

		var svc invoicedomain.Service
		return withApp(cmd, func(ctx context.Context) error {
			invoices, err := svc.GenerateInvoice(ctx, invoicedomain.GenerateRequest{
				OrgID:          org,
				RecordIDs:      recordIDs,
				Draft:          invoiceDraft,
				ChargeNextPlan: invoiceChargeNext,
			})
			if len(invoices) > 0 {
				if perr := printJSON(cmd, invoices); perr != nil {
					return perr
				}
			}
			return err
		}, &svc)
	},
}

var invoiceRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one scheduler pass: activate, renew and invoice what is due",
	RunE: func(cmd *cobra.Command, args []string) error {
		var sched *scheduler.Scheduler
		return withApp(cmd, func(ctx context.Context) error {
			return sched.RunOnce(ctx)
		}, &sched)
	},
}

var invoiceVoidCmd = &cobra.Command{
	Use:   "void",
	Short: "Void an invoice",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := orgID()
		if err != nil {
			return err
		}
		id, err := parseID("invoice", invoiceID)
		if err != nil {
			return err
		}

		var svc invoicedomain.Service
		return withApp(cmd, func(ctx context.Context) error {
			inv, err := svc.Void(ctx, org, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, inv)
		}, &svc)
	},
}

func init() {
	invoiceGenerateCmd.Flags().StringSliceVar(&invoiceRecords, "record", nil, "subscription record ids")
	invoiceGenerateCmd.Flags().BoolVar(&invoiceDraft, "draft", false, "write a draft without moving watermarks")
	invoiceGenerateCmd.Flags().BoolVar(&invoiceChargeNext, "charge-next", false, "bill the next period's advance fees")
	invoiceVoidCmd.Flags().StringVar(&invoiceID, "id", "", "invoice id")
	_ = invoiceVoidCmd.MarkFlagRequired("id")

	invoiceCmd.AddCommand(invoiceGenerateCmd, invoiceRunCmd, invoiceVoidCmd)
	rootCmd.AddCommand(invoiceCmd)
}
