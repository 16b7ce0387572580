package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stakeline/internal/amount"
	"stakeline/internal/app"
	"stakeline/internal/db"
	"stakeline/internal/engine"
	"stakeline/internal/logging"
	"stakeline/internal/repo"
	"stakeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Stakeline CLI",
	Long: `Stakeline runs an escrow-backed marketplace for outsourced tasks.
Core concepts:
- Creator: posts a task and funds it with reward + creator stake + fee in one exact payment.
- Member: joins a task by locking a member stake; gets reward + stake back when the work is approved.
- Stake: collateral sized from reward, reputation, deadline and revisions (tiered or ratio strategy).
- Reputation: earned on accepted work, lost on revisions, cancels and missed deadlines; never below 0.
- Cancellation: mutual (request + respond within a cooldown) or unilateral with a penalty split.
- Balance: everything owed to you accrues here; 'sl balance withdraw' pays it out.
- Fee pool: protocol fees, swept to the treasury by staff.
- Event log: every state change, view with 'sl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		if err := godotenv.Load(envPath(workspace)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath(workspace), err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STAKELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("env", logging.EnvProd, "log environment (local, dev, prod)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log every operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("env", rootCmd.PersistentFlags().Lookup("env"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(stakeCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(feesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() (zerolog.Logger, error) {
	log, err := logging.New(viper.GetString("env"), os.Stderr)
	if err != nil {
		return zerolog.Nop(), err
	}
	if !viper.GetBool("verbose") && viper.GetString("env") == logging.EnvProd {
		log = log.Level(zerolog.WarnLevel)
	}
	return log, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show protocol status",
		Long:  "The scoreboard: task counts per status, the fee pool, and whether the books balance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				pool, err := e.FeePool(ctx)
				if err != nil {
					return err
				}
				solvency, err := e.Solvency(ctx)
				if err != nil {
					return err
				}
				cfg, version, err := e.Config(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"task_counts":    counts,
						"fee_pool":       pool,
						"solvency":       solvency,
						"balanced":       solvency.Balanced(),
						"config_version": version,
					})
				}
				perWhole := cfg.Limits.UnitsPerWhole
				fmt.Printf("Config version: %d (strategy %s)\n", version, cfg.Stake.Strategy)
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Fee pool: %s (swept %s to %s)\n", amount.Format(pool.Amount, perWhole), amount.Format(pool.SweptTotal, perWhole), pool.Treasury)
				fmt.Printf("Balanced: %t\n", solvency.Balanced())
				return nil
			})
		},
	}
}

func actorCmd() *cobra.Command {
	actor := &cobra.Command{Use: "actor", Short: "Local identity"}
	actor.AddCommand(&cobra.Command{
		Use:   "use <id>",
		Short: "Set the default actor for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return fmt.Errorf("actor id required")
			}
			path := envPath(viper.GetString("workspace"))
			if err := setEnvValue(path, "STAKELINE_ACTOR_ID", id); err != nil {
				return err
			}
			fmt.Printf("Default actor set to %s in %s\n", id, path)
			return nil
		},
	})
	actor.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show the current actor with roles and capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id := viper.GetString("actor-id")
				roles, err := e.Roles(ctx, id)
				if err != nil {
					return err
				}
				caps, err := e.Capabilities(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": id, "roles": roles, "capabilities": caps})
			})
		},
	})
	return actor
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Everything that happened: task transitions, payments, reputation changes and config updates.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Task", "Actor", "Payload"})
				for _, evt := range events {
					task := ""
					if evt.TaskID > 0 {
						task = fmt.Sprintf("%d", evt.TaskID)
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, task, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().Int64Var(&f.TaskID, "task", 0, "task id filter")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the HTTP API. Settings come from STAKELINE_* environment variables; --addr and --base-path override them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := server.ReadSettings()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				settings.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				settings.BasePath = basePath
			}
			if settings.JWTSecret == "" && !settings.AllowLegacyActorHeader {
				return fmt.Errorf("STAKELINE_JWT_SECRET is required for bearer auth")
			}
			log, err := logging.New(settings.Env, os.Stderr)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			e, conn, err := app.Open(ctx, viper.GetString("workspace"), log)
			if err != nil {
				return err
			}
			defer conn.Close()
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: settings.BasePath,
				Auth:     settings.Auth(),
				Log:      log,
				Context:  ctx,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: settings.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info().
				Str("addr", settings.Addr).
				Str("base_path", settings.BasePath).
				Bool("legacy_actor_header", settings.AllowLegacyActorHeader).
				Msg("serving Stakeline API (OpenAPI at /openapi.json, Swagger UI at /docs)")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	e, conn, err := app.Open(ctx, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func actorID() string {
	return viper.GetString("actor-id")
}

// unitsPerWhole reads the display scale from the current config.
func unitsPerWhole(ctx context.Context, e engine.Engine) int64 {
	cfg, _, err := e.Config(ctx)
	if err != nil || cfg.Limits.UnitsPerWhole <= 0 {
		return 1
	}
	return cfg.Limits.UnitsPerWhole
}

// parseAmount reads a whole-unit amount flag, e.g. "1.5", into base units.
func parseAmount(ctx context.Context, e engine.Engine, name, raw string) (int64, error) {
	v, err := amount.Parse(strings.TrimSpace(raw), unitsPerWhole(ctx, e))
	if err != nil {
		return 0, fmt.Errorf("--%s: %w", name, err)
	}
	return v, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
