package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"greenbudget/internal/budget"
	"greenbudget/internal/changes"
	"greenbudget/internal/core"
	"greenbudget/internal/log"
	"greenbudget/internal/reconcile"
	"greenbudget/internal/store"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

type options struct {
	format  string
	verbose bool
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "budgetctl",
		Short:         "Recalculate, merge and reconcile budget table snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&opts.format, "output", "o", formatJSON, "Output format: json or yaml")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine diagnostics to stderr")

	root.AddCommand(
		newRecalcCmd(opts),
		newMergeCmd(opts),
		newReconcileCmd(opts),
		newVersionCmd(),
	)
	return root
}

func (o *options) logger(cmd *cobra.Command) *log.Logger {
	if !o.verbose {
		return log.Discard()
	}
	cfg := log.DefaultConfig()
	cfg.Level = slog.LevelDebug
	cfg.Component = "budgetctl"
	cfg.Output = cmd.ErrOrStderr()
	return log.New(cfg)
}

func newRecalcCmd(opts *options) *cobra.Command {
	var accountSource, subAccountSource string

	cmd := &cobra.Command{
		Use:   "recalc FILE",
		Short: "Recompute every derived metric of a table snapshot",
		Long: "Recompute line item estimates, placeholder rows, group totals and the parent\n" +
			"totals of a table snapshot. Consistency warnings are printed to stderr.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := parsePolicy(accountSource, subAccountSource)
			if err != nil {
				return err
			}
			var table store.TableState
			if err := readSnapshot(args[0], cmd.InOrStdin(), &table); err != nil {
				return err
			}
			if !table.Parent.Kind.IsValid() {
				return fmt.Errorf("snapshot parent %s: %w", table.Parent, core.ErrInvalidParent)
			}
			if table.Domain == 0 {
				table.Domain = store.ItemDomain(table.Parent.Kind)
			}

			out, rep := budget.NewEngine(policy, opts.logger(cmd)).RecalculateAll(table)
			for _, w := range rep.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w.Error())
			}
			if rep.Err != nil {
				return rep.Err
			}
			return writeSnapshot(cmd.OutOrStdout(), opts.format, out)
		},
	}

	def := budget.DefaultPolicy()
	cmd.Flags().StringVar(&accountSource, "account-actuals", string(def.Account), "Actual source of account rows: children or actuals")
	cmd.Flags().StringVar(&subAccountSource, "subaccount-actuals", string(def.SubAccount), "Actual source of sub-account rows: children or actuals")
	return cmd
}

func parsePolicy(account, subAccount string) (budget.Policy, error) {
	a, err := budget.ParseActualSource(account)
	if err != nil {
		return budget.Policy{}, fmt.Errorf("--account-actuals: %w", err)
	}
	s, err := budget.ParseActualSource(subAccount)
	if err != nil {
		return budget.Policy{}, fmt.Errorf("--subaccount-actuals: %w", err)
	}
	return budget.Policy{Account: a, SubAccount: s}, nil
}

type partitioned struct {
	Confirmed    []core.Change `json:"confirmed"`
	Placeholders []core.Change `json:"placeholders"`
}

func newMergeCmd(opts *options) *cobra.Command {
	var partition bool

	cmd := &cobra.Command{
		Use:   "merge FILE",
		Short: "Fold a list of table changes into one change per row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []core.Change
			if err := readSnapshot(args[0], cmd.InOrStdin(), &records); err != nil {
				return err
			}
			merged := changes.MergeRowChanges(records)
			if !partition {
				return writeSnapshot(cmd.OutOrStdout(), opts.format, merged)
			}
			var out partitioned
			out.Confirmed, out.Placeholders = changes.Partition(merged)
			return writeSnapshot(cmd.OutOrStdout(), opts.format, out)
		},
	}

	cmd.Flags().BoolVar(&partition, "partition", false, "Split the result into confirmed and placeholder rows")
	return cmd
}

// reconcileInput is a line item list with pending placeholders and the rows a
// bulk create returned for them.
type reconcileInput struct {
	Items   store.ListStore[core.LineItem] `json:"items"`
	Created []core.LineItem                `json:"created"`
}

type reconcileOutput struct {
	Items     store.ListStore[core.LineItem] `json:"items"`
	Matched   map[string]int64               `json:"matched"`
	Unmatched []int64                        `json:"unmatched"`
}

func newReconcileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile FILE",
		Short: "Activate placeholders with the rows a bulk create returned",
		Long: "Match created rows to placeholders by identifier, or description when the\n" +
			"identifier is blank. Unclaimed rows are appended and reported.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in reconcileInput
			if err := readSnapshot(args[0], cmd.InOrStdin(), &in); err != nil {
				return err
			}

			res := reconcile.ReconcileBulkCreate(in.Items.Placeholders, in.Created, reconcile.LineItemKey)
			out := reconcileOutput{
				Items:     reconcile.Apply(in.Items, res, opts.logger(cmd)),
				Matched:   make(map[string]int64, len(res.Activations)),
				Unmatched: []int64{},
			}
			for _, a := range res.Activations {
				out.Matched[a.PlaceholderID] = a.Model.ID
			}
			for _, m := range res.Unmatched {
				out.Unmatched = append(out.Unmatched, m.ID)
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: created row %d matched no placeholder\n", m.ID)
			}
			return writeSnapshot(cmd.OutOrStdout(), opts.format, out)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the budgetctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "budgetctl", version)
			return err
		},
	}
}
