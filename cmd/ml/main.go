package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"migline/internal/app"
	"migline/internal/engine/auth"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "migline CLI",
	Long: `migline evolves the stored encoding of entity records, one scope at a time.
- Scope: a tenant or database whose records migrate together; each has a version and a status code.
- Plugin: one ordered migration step; a scope at version N runs every plugin above N.
- Job: one run over a scope, claimed in the status store so only one instance runs it.
- Reset: clears a failed, cancelled or stale status so the scope can run again.
- Journal: every run writes events, view them with 'ml events'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MIGLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/migline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("scope", "s", "", "scope to operate on")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor recorded in the journal")
	for _, name := range []string{"workspace", "config", "json", "scope", "actor-id"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(pluginsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

// --- helpers ---

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func localActor() auth.Actor {
	return auth.Local(viper.GetString("actor-id"))
}

func requireScope() (string, error) {
	scope := strings.TrimSpace(viper.GetString("scope"))
	if scope == "" {
		return "", fmt.Errorf("--scope required")
	}
	return scope, nil
}
