package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maintline/internal/app"
	"maintline/internal/config"
	"maintline/internal/db"
	"maintline/internal/domain"
	"maintline/internal/engine/auth"
	"maintline/internal/logging"
	"maintline/internal/scheduler"
	"maintline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mtl",
	Short: "maintline CLI",
	Long: `maintline tracks maintenance work orders and the part requests they depend on.
- Machines: equipment with an operational status.
- Parts: the catalog with stock on hand; stock only changes by restock or fulfillment.
- Work orders: pending -> in_progress -> completed, or cancelled. Completion waits until no part request is pending or approved.
- Part requests: pending -> approved|rejected, approved -> fulfilled. Fulfillment deducts stock for every item or for none.
- Schedules: recurring maintenance that opens a work order each time it falls due (mtl schedule run).
- Event log: every change, view with 'mtl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MAINTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/maintline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "CLI log level")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(machineCmd())
	rootCmd.AddCommand(partCmd())
	rootCmd.AddCommand(workOrderCmd())
	rootCmd.AddCommand(partRequestCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "maintline.yml holds the site, lock backend, scheduler, server and role definitions. Without a file the defaults apply.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default maintline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("config OK"))
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a JWT for --actor-id (dev use)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			secret := jwtSecret(cfg)
			if secret == "" {
				return errors.New("MAINTLINE_JWT_SECRET or server.jwt_secret is required")
			}
			token, err := server.SignToken(secret, viper.GetString("actor-id"), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable); stored roles apply when empty")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the schedule runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Open(cmd.Context(), app.Options{
				Workspace:  viper.GetString("workspace"),
				ConfigPath: viper.GetString("config"),
			})
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:        jwtSecret(cfg),
				AllowActorHeader: cfg.Server.AllowActorHeader,
				Log:              a.Log,
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
				a.Log.Warn("no jwt secret configured; only API keys will authenticate")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, Auth: a.Auth, BasePath: basePath, AuthCfg: authCfg})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			runnerDone := make(chan error, 1)
			if cfg.Scheduler.Enabled && !noScheduler {
				r := scheduler.New(a.Engine, time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second, a.Log)
				go func() { runnerDone <- r.Run(ctx) }()
			} else {
				runnerDone <- nil
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				srv.Shutdown(shutdownCtx)
			}()
			a.Log.WithField("addr", addr).Infof("serving maintline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			cancel()
			return <-runnerDone
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run due schedules in this process")
	return cmd
}

// --- helpers ---

func jwtSecret(cfg *config.Config) string {
	if s := os.Getenv("MAINTLINE_JWT_SECRET"); s != "" {
		return s
	}
	return cfg.Server.JWTSecret
}

func actorID() string {
	return viper.GetString("actor-id")
}

// withApp opens the workspace with CLI logging on stderr.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     logging.NewWithOutput(viper.GetString("log-level"), "text", os.Stderr),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withPermission runs fn once the CLI actor holds perm through its stored roles.
func withPermission(ctx context.Context, perm string, fn func(context.Context, *app.App) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		perms, err := a.Auth.Permissions(ctx, actorID(), nil)
		if err != nil {
			return err
		}
		if err := auth.Require(actorID(), perms, perm); err != nil {
			return fmt.Errorf("%w (grant a role with: mtl rbac grant, or run mtl rbac bootstrap on a new workspace)", err)
		}
		return fn(ctx, a)
	})
}

func printJSONOrTable(v any, header table.Row, rows func(tw table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	rows(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(v any, summary string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(summary)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func statusColor(status string) string {
	switch status {
	case domain.WorkOrderCompleted, domain.PartRequestFulfilled, domain.MachineOperational:
		return color.GreenString(status)
	case domain.WorkOrderInProgress, domain.PartRequestApproved, domain.MachineMaintenance:
		return color.CyanString(status)
	case domain.WorkOrderCancelled, domain.PartRequestRejected, domain.MachineDown:
		return color.RedString(status)
	case domain.PartRequestPending:
		return color.YellowString(status)
	}
	return status
}

func priorityColor(p string) string {
	switch p {
	case domain.PriorityHigh:
		return color.New(color.FgHiRed, color.Bold).Sprint(p)
	case domain.PriorityLow:
		return color.HiBlackString(p)
	}
	return p
}

func dateOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// optional returns nil unless the flag was set, so unset flags leave fields untouched.
func optional[T any](cmd *cobra.Command, flag string, v T) *T {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &v
}
