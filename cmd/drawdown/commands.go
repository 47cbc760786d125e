package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anthonyo1978/taketwo-ndis-sub000/api"
	"github.com/anthonyo1978/taketwo-ndis-sub000/automation"
	"github.com/anthonyo1978/taketwo-ndis-sub000/billing"
	"github.com/anthonyo1978/taketwo-ndis-sub000/metrics"
)

// =============================================================================
// SERVE
// =============================================================================

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the daily scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			a.generator.Observer = metrics.NewObserver(reg)

			handler := api.NewHandler(a.generator, a.scheduler, a.store, a.logger)
			router := api.NewRouter(handler, api.RouterOptions{
				Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			})
			server := &http.Server{
				Addr:         a.cfg.Server.Addr,
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 60 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			a.scheduler.Start()
			defer a.scheduler.Stop()

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("server starting", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			}

			a.logger.Info("shutting down")
			a.scheduler.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			a.logger.Info("server stopped")
			return nil
		},
	}
}

// =============================================================================
// ONE-SHOT OPERATIONS
// =============================================================================

func runCmd(configPath *string) *cobra.Command {
	var org, asOf string
	var force bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bill an organization's due contracts once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			out := cmd.OutOrStdout()

			if asOf == "" {
				run, err := a.scheduler.RunOrganization(ctx, billing.OrganizationID(org), force)
				if errors.Is(err, automation.ErrAlreadyRan) {
					fmt.Fprintf(out, "already ran for %s on %s (use --force)\n", org, run.RunDate)
					return nil
				}
				if run.ID != "" {
					printRun(out, run)
				}
				return err
			}

			day, err := billing.ParseDate(asOf)
			if err != nil {
				return err
			}
			res, err := a.generator.GenerateForEligibleContracts(ctx, billing.OrganizationID(org), day)
			if res != nil {
				printResult(out, res)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringVar(&asOf, "as-of", "", "bill as of this date (YYYY-MM-DD); skips the run record")
	cmd.Flags().BoolVar(&force, "force", false, "run again even if today's run completed")
	cmd.MarkFlagRequired("org")
	return cmd
}

func previewCmd(configPath *string) *cobra.Command {
	var org, asOf string

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show what a run would bill without writing anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			day, err := optionalDate(asOf)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.generator.Preview(ctx, billing.OrganizationID(org), day)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CONTRACT\tRESIDENT\tFREQUENCY\tAMOUNT\tNEW BALANCE\tRESULT")
			for _, item := range p.Items {
				result := "bill"
				amount, balance := "-", "-"
				if item.WouldBill {
					amount, balance = item.Amount.String(), item.NewBalance.String()
				} else if len(item.Eligibility.Reasons) > 0 {
					result = item.Eligibility.Reasons[0]
				} else {
					result = item.Problem
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", item.ContractID, item.ResidentID, item.Frequency, amount, balance, result)
			}
			tw.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d would bill, total %s\n", p.WouldBill, len(p.Items), p.TotalAmount)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().StringVar(&asOf, "as-of", "", "preview as of this date (YYYY-MM-DD)")
	cmd.MarkFlagRequired("org")
	return cmd
}

func catchupCmd(configPath *string) *cobra.Command {
	var contract, asOf string
	var validateOnly bool

	cmd := &cobra.Command{
		Use:   "catchup",
		Short: "Backfill missed billing dates for one contract",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			day, err := optionalDate(asOf)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()
			out := cmd.OutOrStdout()

			if validateOnly {
				snap, err := a.generator.Store.GetContractSnapshot(ctx, billing.ContractID(contract))
				if err != nil {
					return err
				}
				if day.IsZero() {
					day = a.generator.TodayFor(ctx, snap.Contract.OrganizationID)
				}
				req, err := billing.CatchupRequestFor(snap.Contract, day)
				if err != nil {
					return err
				}
				v := billing.ValidateCatchupGeneration(req.NextRunDate, req.StartDate, req.Frequency, day)
				if !v.Valid {
					return v.Err
				}
				fmt.Fprintf(out, "%d transactions of %s\n", v.Count, req.Amount)
				for _, d := range v.Dates {
					fmt.Fprintf(out, "  %s\n", d)
				}
				printWarnings(out, v.Warnings)
				return nil
			}

			res, err := a.generator.GenerateCatchupForContract(ctx, billing.ContractID(contract), day)
			if res != nil {
				fmt.Fprintf(out, "created %d catch-up transactions (run %s)\n", res.TransactionsCreated, res.RunID)
				for _, tx := range res.Transactions {
					fmt.Fprintf(out, "  %s  %s  %s\n", tx.ID, tx.OccurredAt.Format(billing.DateLayout), tx.Amount)
				}
				if res.NextRunDate != nil {
					fmt.Fprintf(out, "next run date: %s\n", res.NextRunDate)
				}
				printWarnings(out, res.Warnings)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&contract, "contract", "", "contract id")
	cmd.Flags().StringVar(&asOf, "as-of", "", "treat this date as today (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&validateOnly, "validate", false, "only list the dates that would be billed")
	cmd.MarkFlagRequired("contract")
	return cmd
}

func ratesCmd() *cobra.Command {
	var amount, start, end, frequency string

	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Spread a contract amount over its dates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := billing.ParseAmount(amount)
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			s, err := billing.ParseDate(start)
			if err != nil {
				return err
			}
			e, err := billing.ParseDate(end)
			if err != nil {
				return err
			}

			calc := billing.CalculateRates(a, &s, &e, billing.Frequency(frequency))
			out := cmd.OutOrStdout()
			if !calc.IsValid {
				for _, msg := range calc.Errors {
					fmt.Fprintf(out, "error: %s\n", msg)
				}
				return errors.New("invalid rate inputs")
			}
			fmt.Fprintf(out, "days:        %d\n", calc.TotalDays)
			fmt.Fprintf(out, "daily:       %s\n", calc.DailyRate)
			fmt.Fprintf(out, "weekly:      %s\n", calc.WeeklyRate)
			fmt.Fprintf(out, "fortnightly: %s\n", calc.FortnightlyRate)
			if frequency != "" {
				fmt.Fprintf(out, "per %s drawdown: %s\n", frequency, calc.TransactionAmount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "contract amount")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&frequency, "frequency", "", "daily, weekly or fortnightly")
	cmd.MarkFlagRequired("amount")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func settingsCmd(configPath *string) *cobra.Command {
	var org, timezone, prefix string
	var enabled bool

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Enable or disable automation for an organization",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			st := automation.Settings{OrganizationID: billing.OrganizationID(org), Enabled: enabled, Timezone: timezone}
			if _, err := st.Location(nil); err != nil {
				return err
			}
			if err := a.store.SaveSettings(ctx, st); err != nil {
				return err
			}
			if cmd.Flags().Changed("prefix") {
				if err := a.store.SetPrefix(ctx, st.OrganizationID, prefix); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: enabled=%t timezone=%q\n", org, enabled, timezone)
			return nil
		},
	}
	cmd.Flags().StringVar(&org, "org", "", "organization id")
	cmd.Flags().BoolVar(&enabled, "enabled", false, "enable automated drawdowns")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for the organization's billing day")
	cmd.Flags().StringVar(&prefix, "prefix", "", "transaction id prefix")
	cmd.MarkFlagRequired("org")
	return cmd
}

// =============================================================================
// OUTPUT
// =============================================================================

func printRun(w io.Writer, run automation.Run) {
	fmt.Fprintf(w, "run %s for %s on %s: %s\n", run.ID, run.OrganizationID, run.RunDate, run.Status)
	fmt.Fprintf(w, "  processed %d, successful %d, failed %d, total %s\n",
		run.Processed, run.Successful, run.Failed, run.TotalAmount)
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
}

func printResult(w io.Writer, res *billing.GenerationResult) {
	fmt.Fprintf(w, "run %s for %s as of %s\n", res.RunID, res.OrganizationID, res.AsOf)
	fmt.Fprintf(w, "  processed %d, successful %d, failed %d, total %s\n",
		res.ProcessedContracts, res.SuccessfulTransactions, res.FailedTransactions, res.Summary.TotalAmount)
	for _, tx := range res.Transactions {
		fmt.Fprintf(w, "  %s  %s  %s\n", tx.ID, tx.ContractID, tx.Amount)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s: %s (%s)\n", e.ContractID, e.Reason, e.Kind)
	}
}

func printWarnings(w io.Writer, warnings []string) {
	for _, msg := range warnings {
		fmt.Fprintf(w, "warning: %s\n", msg)
	}
}

func optionalDate(s string) (billing.Date, error) {
	if s == "" {
		return billing.Date{}, nil
	}
	return billing.ParseDate(s)
}
