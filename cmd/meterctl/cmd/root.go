package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/access"
	"github.com/smallbiznis/meterly/internal/apikey"
	"github.com/smallbiznis/meterly/internal/cache"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/config"
	"github.com/smallbiznis/meterly/internal/customer"
	"github.com/smallbiznis/meterly/internal/invoice"
	"github.com/smallbiznis/meterly/internal/lock"
	"github.com/smallbiznis/meterly/internal/logger"
	"github.com/smallbiznis/meterly/internal/metric"
	"github.com/smallbiznis/meterly/internal/observability"
	"github.com/smallbiznis/meterly/internal/plan"
	"github.com/smallbiznis/meterly/internal/rating"
	"github.com/smallbiznis/meterly/internal/scheduler"
	"github.com/smallbiznis/meterly/internal/subscription"
	"github.com/smallbiznis/meterly/internal/usage"
	"github.com/smallbiznis/meterly/pkg/db"
	"github.com/smallbiznis/meterly/pkg/telemetry/correlation"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var (
	orgFlag     string
	timeoutFlag time.Duration
	traceParent string
)

var rootCmd = &cobra.Command{
	Use:           "meterctl",
	Short:         "Operate a meterly deployment from the command line",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// RootCmd returns the root command for tests.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&orgFlag, "org", "", "organization id")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 2*time.Minute, "operation timeout")
	rootCmd.PersistentFlags().StringVar(&traceParent, "traceparent", os.Getenv("TRACEPARENT"), "W3C traceparent to continue")
}

// appModules is the service graph without the scheduler loop.
func appModules() fx.Option {
	return fx.Options(
		config.Module,
		logger.Module,
		observability.Module,
		clock.Module,
		db.Module,
		lock.Module,
		cache.Module,
		apikey.Module,
		customer.Module,
		metric.Module,
		usage.Module,
		plan.Module,
		subscription.Module,
		rating.Module,
		invoice.Module,
		access.Module,
		fx.Provide(scheduler.ProvideConfig, scheduler.New),
	)
}

// withApp starts the graph, fills targets and runs fn before stopping it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context) error, targets ...any) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
	defer cancel()
	ctx = withRemoteParent(ctx)
	ctx, _ = correlation.EnsureCorrelationID(ctx)

	app := fx.New(appModules(), fx.NopLogger, fx.Populate(targets...))
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	runErr := fn(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return fmt.Errorf("stop: %w", err)
	}
	return runErr
}

// withRemoteParent continues a trace from a traceparent header value.
func withRemoteParent(ctx context.Context) context.Context {
	parts := strings.Split(strings.TrimSpace(traceParent), "-")
	if len(parts) != 4 {
		return ctx
	}
	return correlation.ContextWithRemoteSpan(ctx, parts[1], parts[2])
}

func orgID() (snowflake.ID, error) {
	if orgFlag == "" {
		return 0, fmt.Errorf("--org is required")
	}
	return parseID("org", orgFlag)
}

func parseID(name, value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s id %q", name, value)
	}
	return id, nil
}

func parseIDs(name string, values []string) ([]snowflake.ID, error) {
	out := make([]snowflake.ID, 0, len(values))
	for _, v := range values {
		id, err := parseID(name, v)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
