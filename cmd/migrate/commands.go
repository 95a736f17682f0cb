package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mirajehossain/mongomigratex/internal/migrator"
)

// runner connects the backends and hands the runner to fn.
func (a *app) runner(ctx context.Context, fn func(r *migrator.Runner) error) error {
	r, closeFn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	if a.metrics != nil && r.Observer == nil {
		r.Observer = a.metrics
	}
	return fn(r)
}

type targetFlags struct {
	namespace string
	to        int64
}

func (t *targetFlags) bind(cmd *cobra.Command, toHelp string) {
	cmd.Flags().StringVarP(&t.namespace, "namespace", "n", "", "Only this namespace (default: every namespace)")
	cmd.Flags().Int64Var(&t.to, "to", 0, toHelp)
}

func (t *targetFlags) target(cmd *cobra.Command) *int64 {
	if !cmd.Flags().Changed("to") {
		return nil
	}
	v := t.to
	return &v
}

func (a *app) upCommand() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.migrate(cmd.Context(), migrator.Up, tf.namespace, tf.target(cmd))
		},
	}
	tf.bind(cmd, "Apply up to and including this version (default: latest)")
	return cmd
}

func (a *app) downCommand() *cobra.Command {
	var tf targetFlags
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Revert applied migrations",
		Long: `Revert applied migrations in descending order.

Without --to the most recent unit is reverted. --to 0 reverts everything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.migrate(cmd.Context(), migrator.Down, tf.namespace, tf.target(cmd))
		},
	}
	tf.bind(cmd, "Revert every unit above this version")
	return cmd
}

func (a *app) migrate(ctx context.Context, dir migrator.Direction, ns string, target *int64) error {
	return a.runner(ctx, func(r *migrator.Runner) error {
		var (
			results []*migrator.Result
			err     error
		)
		if ns != "" {
			var res *migrator.Result
			res, err = migrateOne(ctx, r, dir, ns, target)
			if res != nil {
				results = append(results, res)
			}
		} else if dir == migrator.Up {
			results, err = r.UpAll(ctx, target)
		} else {
			results, err = r.DownAll(ctx, target)
		}
		for _, res := range results {
			a.reportResult(res)
		}
		a.printResults(results)
		return err
	})
}

func migrateOne(ctx context.Context, r *migrator.Runner, dir migrator.Direction, ns string, target *int64) (*migrator.Result, error) {
	if dir == migrator.Up {
		return r.Up(ctx, ns, target)
	}
	return r.Down(ctx, ns, target)
}

func (a *app) reportResult(res *migrator.Result) {
	msg := string(res.Direction) + " complete"
	if res.DryRun {
		msg = string(res.Direction) + " planned"
	}
	a.log.Info(msg,
		zap.String("namespace", res.Namespace),
		zap.Int64("from", res.From),
		zap.Int64("to", res.To),
		zap.Int("units", len(res.Versions)),
		zap.Bool("dry_run", res.DryRun),
	)
}

func (a *app) statusCommand() *cobra.Command {
	var ns string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied, pending and failed units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.runner(ctx, func(r *migrator.Runner) error {
				var (
					statuses []*migrator.NamespaceStatus
					err      error
				)
				if ns != "" {
					var st *migrator.NamespaceStatus
					if st, err = r.Status(ctx, ns); st != nil {
						statuses = append(statuses, st)
					}
				} else {
					statuses, err = r.StatusAll(ctx)
				}
				a.printStatus(statuses)
				if err != nil {
					return err
				}
				return statusError(statuses)
			})
		},
	}
	cmd.Flags().StringVarP(&ns, "namespace", "n", "", "Only this namespace (default: every namespace)")
	return cmd
}

// statusError turns history findings into the error (and exit code) of the
// status command, so drift fails a CI check.
func statusError(statuses []*migrator.NamespaceStatus) error {
	for _, st := range statuses {
		if len(st.Findings) > 0 {
			f := st.Findings[0]
			return &migrator.Error{Code: f.Code, Namespace: st.Namespace, Version: f.Version, Msg: f.Msg}
		}
		if st.Failed != nil {
			return &migrator.PartialApplicationError{
				Namespace: st.Namespace,
				Version:   st.Failed.Version,
				Direction: st.Failed.Direction,
				Index:     st.Failed.FailedOperation,
				Cause:     errors.New("unit needs operator resolution"),
			}
		}
	}
	return nil
}

func (a *app) resolveCommand() *cobra.Command {
	var (
		ns                                 string
		markApplied, markReverted, doRetry bool
		force                              bool
	)
	cmd := &cobra.Command{
		Use:   "resolve VERSION",
		Short: "Settle a failed or interrupted unit",
		Long: `Settle a unit left failed by an error or an interrupted run.

  --mark-applied   the operator completed the unit by hand
  --mark-reverted  the operator undid its effects by hand
  --retry          run the unit again from its first operation; only for
                   units declared idempotent unless --force is given`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			var action migrator.ResolveAction
			switch {
			case markApplied:
				action = migrator.MarkApplied
			case markReverted:
				action = migrator.MarkReverted
			case doRetry:
				action = migrator.Retry
			default:
				return errors.New("one of --mark-applied, --mark-reverted or --retry is required")
			}
			ctx := cmd.Context()
			return a.runner(ctx, func(r *migrator.Runner) error {
				if err := r.Resolve(ctx, ns, version, action, force); err != nil {
					return err
				}
				a.log.Info("resolved", zap.String("namespace", ns), zap.Int64("version", version), zap.String("action", string(action)))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&ns, "namespace", "n", "", "Namespace of the unit")
	cmd.Flags().BoolVar(&markApplied, "mark-applied", false, "Record the unit as applied")
	cmd.Flags().BoolVar(&markReverted, "mark-reverted", false, "Forget the unit")
	cmd.Flags().BoolVar(&doRetry, "retry", false, "Run the unit again")
	cmd.Flags().BoolVar(&force, "force", false, "Allow --retry of a unit that is not idempotent")
	_ = cmd.MarkFlagRequired("namespace")
	cmd.MarkFlagsMutuallyExclusive("mark-applied", "mark-reverted", "retry")
	return cmd
}

func (a *app) namespacesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "namespaces",
		Short: "List the namespaces found under --dir",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			namespaces, err := a.source().Namespaces()
			if err != nil {
				return err
			}
			a.printNamespaces(namespaces)
			return nil
		},
	}
}
