package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"migline/internal/app"
	"migline/internal/domain"
	"migline/internal/engine"
)

func migrateCmd() *cobra.Command {
	var all, force bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate [scope...]",
		Short: "Run pending plugins",
		Long: `Run the pending plugins of a scope and wait for the result. With --all every
known scope is migrated, migration.concurrency at a time. Interrupting the
command cancels the runs; versions already reached are kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.MigrateOptions{Force: force, Timeout: timeout, Wait: true}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				scopes := args
				if scope := viper.GetString("scope"); scope != "" {
					scopes = append(scopes, scope)
				}
				if all || len(scopes) > 1 {
					if all {
						scopes = nil
					}
					jobs, err := a.Engine.MigrateAll(ctx, localActor(), scopes, opts)
					if perr := printJobMap(jobs); perr != nil {
						return perr
					}
					return err
				}
				if len(scopes) == 0 {
					return fmt.Errorf("--scope or --all required")
				}
				job, err := a.Engine.Migrate(ctx, localActor(), scopes[0], opts)
				if job.ID == "" {
					return err
				}
				if perr := printJobs([]domain.Job{job}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "migrate every known scope")
	cmd.Flags().BoolVar(&force, "force", false, "take over a scope claimed by another instance")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel a run after this long (default migration.timeout)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status of one or every scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				scopes := []string{viper.GetString("scope")}
				if scopes[0] == "" {
					var err error
					if scopes, err = a.Engine.Scopes(ctx, localActor()); err != nil {
						return err
					}
				}
				items := make([]domain.ScopeStatus, 0, len(scopes))
				for _, s := range scopes {
					st, err := a.Engine.Status(ctx, localActor(), s)
					if err != nil {
						return err
					}
					items = append(items, st)
				}
				return printStatuses(items)
			})
		},
	}
}

func resetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear a failed, cancelled or stale status",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := requireScope()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Reset(ctx, localActor(), scope, force)
				if err != nil {
					return err
				}
				return printStatuses([]domain.ScopeStatus{st})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "clear a claim held by another instance")
	return cmd
}

func jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List jobs of a scope, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := requireScope()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if len(args) == 1 {
					job, err := a.Engine.Job(ctx, localActor(), scope, args[0])
					if err != nil {
						return err
					}
					return printJobs([]domain.Job{job})
				}
				jobs, err := a.Engine.Jobs(ctx, localActor(), scope)
				if err != nil {
					return err
				}
				return printJobs(jobs)
			})
		},
	}
}

func pluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List registered plugins in version order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				plugins, err := a.Engine.Plugins(localActor())
				if err != nil {
					return err
				}
				return printPlugins(plugins)
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var q engine.EventsQuery
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show journal entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q.Scope = viper.GetString("scope")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.Events(ctx, localActor(), q)
				if err != nil {
					return err
				}
				return printEvents(evts)
			})
		},
	}
	cmd.Flags().IntVarP(&q.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&q.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&q.JobID, "job", "", "job id filter")
	cmd.Flags().Int64Var(&q.Before, "before", 0, "only events older than this id")
	return cmd
}
