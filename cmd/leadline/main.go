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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"leadline/internal/app"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/logging"
	"leadline/internal/repo"
	"leadline/internal/schedule"
	"leadline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "leadline",
	Short: "leadline outreach CLI",
	Long: `leadline selects Swedish companies for e-mail outreach and walks each one through a campaign.
- Workspace: directory holding leadline.yml, .env, outreach.db.sqlite and (read-only) companies.db.sqlite.
- Campaign: a named sequence of step templates (step 1..N, variants A/B/..) imported from YAML.
- target: reads company facts, scores and tiers candidates, links them to a campaign with a staggered first send.
- send: renders the due step for every due link; dry-run campaigns only queue, live ones deliver via the transport.
- mark: reports an outcome (replied, bounced, booked, won, ...). Stops are write-once; bounce, complaint and unsubscribe suppress the company.
- Event log: append-only, view with 'leadline events tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return app.LoadEnv(workspace)
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/leadline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(targetCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(markCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(dncCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scheduleCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "leadline.yml holds targeting defaults, SNI groups, send delays and priorities, the transport and logging. Every field has a default; the file only overrides.",
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
		Short: "Write a default leadline.yml",
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
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Transport.SES.SecretKey = redact(cfg.Transport.SES.SecretKey)
			cfg.Server.JWTSecret = redact(cfg.Server.JWTSecret)
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate leadline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var printToken string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = a.Config.Server.JWTSecret
				}
				if secret == "" {
					return fmt.Errorf("LEADLINE_JWT_SECRET is required for bearer auth")
				}
				if printToken != "" {
					tok, err := server.IssueToken(secret, printToken, server.PermissionMarksWrite)
					if err != nil {
						return err
					}
					fmt.Println(tok)
					return nil
				}
				if !cmd.Flags().Changed("addr") {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Logger: a.Log},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info("api listening", logging.String("addr", addr), logging.String("base_path", basePath))
				fmt.Printf("Serving leadline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&printToken, "print-token", "", "print a marks:write token for this subject and exit")
	_ = viper.BindEnv("jwt-secret", "LEADLINE_JWT_SECRET")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var spec string
	var campaigns []string
	var noAdvance bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run send batches on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				cfg := a.Config.Schedule
				if cmd.Flags().Changed("spec") {
					cfg.Spec = spec
				}
				if cmd.Flags().Changed("campaign") {
					cfg.Campaigns = campaigns
				}
				if noAdvance {
					cfg.AdvanceState = false
				}
				snd, err := a.Sender(ctx)
				if err != nil {
					return err
				}
				s, err := schedule.New(cfg, snd, a.Log)
				if err != nil {
					return err
				}
				s.Start()
				fmt.Printf("scheduled %s for %s; next run %s\n", cfg.Spec, strings.Join(cfg.Campaigns, ", "), s.Next(time.Now()).Format(time.RFC3339))
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				return s.Stop(stopCtx)
			})
		},
	}
	cmd.Flags().StringVar(&spec, "spec", "", "5-field cron spec (default from config)")
	cmd.Flags().StringSliceVar(&campaigns, "campaign", nil, "campaign(s) to send (default from config)")
	cmd.Flags().BoolVar(&noAdvance, "no-advance", false, "render without advancing links")
	return cmd
}

func dncCmd() *cobra.Command {
	dnc := &cobra.Command{Use: "dnc", Short: "Inspect the do-not-contact list"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List suppression entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.Repo.ListSuppressions(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Email", "Orgnr", "Reason", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Email, s.Orgnr, s.Reason, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "max entries")
	dnc.AddCommand(list)
	return dnc
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

// withApp wires the workspace and cancels ctx on SIGINT/SIGTERM. A running
// batch stops between links.
func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		return fn(ctx, a.Engine.Repo)
	})
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSONOrTable(v any, render func(table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := newTable()
	render(tw)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
