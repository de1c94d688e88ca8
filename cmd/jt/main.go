package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"joatu/internal/app"
	"joatu/internal/config"
	"joatu/internal/db"
	"joatu/internal/engine"
	"joatu/internal/notify"
	"joatu/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "jt",
	Short: "Joatu mutual-aid exchange",
	Long: `Joatu matches what neighbours offer with what they need.
- Offers and requests: exchange records with localized name and description, a status, an urgency and one or more categories.
- Matching: an offer matches every request of someone else that shares a category (and the other way round); a target scopes a record to one community.
- Response links: thread one record as a reply to another.
- Agreements: bind one offer to one request; pending -> accepted or rejected. An offer or request holds at most one accepted agreement.
- Notifications: the worker (jt worker) tells both creators when a new match appears.
- Event log: every change, view with 'jt log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		// existing environment wins over .env
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
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
	viper.SetEnvPrefix("JOATU")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("db-driver", "sqlite", "database driver (sqlite or postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "database DSN (postgres only)")
	for _, name := range []string{"workspace", "json", "actor-id", "db-driver", "dsn"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(categoryCmd())
	rootCmd.AddCommand(exchangeCmd("offer"))
	rootCmd.AddCommand(exchangeCmd("request"))
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "joatu.yml declares the locales, the category catalog, roles and the notifier. Without it the built-in defaults apply.",
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
		Short: "Write joatu.yml and a .env with a fresh JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			envPath := filepath.Join(workspace, ".env")
			env, err := godotenv.Read(envPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				env = map[string]string{}
			}
			if env["JOATU_JWT_SECRET"] == "" || force {
				buf := make([]byte, 32)
				if _, err := rand.Read(buf); err != nil {
					return err
				}
				env["JOATU_JWT_SECRET"] = hex.EncodeToString(buf)
			}
			if err := godotenv.Write(env, envPath); err != nil {
				return err
			}
			fmt.Printf("wrote %s and %s\n", path, envPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
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
		Short: "Validate joatu.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacRolesCmd())
	cmd.AddCommand(rbacRoleCmd("grant", "Grant role to actor", func(e engine.Engine) func(context.Context, string, string, string) error { return e.GrantRole }))
	cmd.AddCommand(rbacRoleCmd("revoke", "Revoke role from actor", func(e engine.Engine) func(context.Context, string, string, string) error { return e.RevokeRole }))
	cmd.AddCommand(rbacBootstrapCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				who, err := e.WhoAmI(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
}

func rbacRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List configured roles and their stored permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids := make([]string, 0, len(e.Config.RBAC.Roles))
				for id := range e.Config.RBAC.Roles {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				roles := map[string][]string{}
				for _, id := range ids {
					perms, err := e.Repo.RolePermissions(ctx, nil, id)
					if err != nil {
						return err
					}
					roles[id] = perms
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := newTable("Role", "Permissions")
				for _, id := range ids {
					tw.AppendRow(table.Row{id, strings.Join(roles[id], ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rbacRoleCmd(use, short string, op func(engine.Engine) func(context.Context, string, string, string) error) *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return op(e)(ctx, actorID(), target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Assign a role without RBAC checks (local workspace only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, ok := e.Config.RBAC.Roles[role]; !ok {
					return fmt.Errorf("role %s is not declared in config", role)
				}
				if err := app.EnsureActor(ctx, e.Repo, e.Config, target); err != nil {
					return err
				}
				return e.Repo.AssignRole(ctx, nil, target, role)
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "manager", "role id")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	var owner, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the raw key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, raw, err := e.CreateAPIKey(ctx, actorID(), owner, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
				}
				fmt.Printf("API key for %s (store it now, it is not shown again):\n%s\n", key.ActorID, raw)
				return nil
			})
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "actor owning the key (defaults to --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable("ID", "Name", "Created")
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, actorID(), args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
	cmd.AddCommand(create, list, revoke)
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.EventLog(ctx, actorID(), n, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("#", "Time", "Type", "Entity", "Actor", "Payload")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func workerCmd() *cobra.Command {
	var once, skipBacklog bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver match notifications from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				logger := log.New(os.Stderr, "worker ", log.LstdFlags)
				d := notify.NewDispatcher(e, notify.FromConfig(e.Config.Notifier, logger), logger)
				if skipBacklog {
					last, err := d.SkipBacklog(ctx)
					if err != nil {
						return err
					}
					logger.Printf("skipped backlog up to event %d", last)
				}
				if once {
					n, err := d.DispatchOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("sent %d notifications\n", n)
					return nil
				}
				logger.Printf("dispatching every %s", e.Config.DispatchInterval())
				if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process pending events and exit")
	cmd.Flags().BoolVar(&skipBacklog, "skip-backlog", false, "ignore events written before the worker starts")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader, devLogin, noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				DevLogin:               devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("JOATU_JWT_SECRET is required for bearer auth (jt config init writes one to .env)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				if !noWorker {
					logger := log.New(os.Stderr, "worker ", log.LstdFlags)
					d := notify.NewDispatcher(e, notify.FromConfig(e.Config.Notifier, logger), logger)
					go d.Run(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Joatu API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run the match notifier in-process")
	return cmd
}

// --- helpers ---

func actorID() string {
	return strings.TrimSpace(viper.GetString("actor-id"))
}

func dbConfig() db.Config {
	return db.Config{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("db-driver"),
		DSN:       viper.GetString("dsn"),
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	e, err := app.Open(ctx, dbConfig(), cfg)
	if err != nil {
		return err
	}
	defer e.DB.Close()
	if actor := actorID(); actor != "" {
		if err := app.EnsureActor(ctx, e.Repo, cfg, actor); err != nil {
			return err
		}
	}
	return fn(ctx, e)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
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
