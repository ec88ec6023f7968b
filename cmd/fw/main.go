package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"fleetwatch/internal/app"
	"fleetwatch/internal/config"
	"fleetwatch/internal/db"
	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
	"fleetwatch/internal/migrate"
	"fleetwatch/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "fw",
	Short: "Fleetwatch CLI",
	Long: `Fleetwatch records agent events in an ordered log, keeps the current state of every
agent, and serves snapshots plus event deltas so clients can stay in sync.
- Event log: every accepted event gets the next sequence number (seq); view with 'fw events tail'.
- Agent state: the fold of the log, one row per agent; view with 'fw agents list'.
- Snapshots: a copy of every agent row tagged with the seq it reflects; built every 30s by 'fw serve'.
- Retention: 'fw sweep' expires snapshots and purges old events, never past the oldest retained snapshot.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-format"), viper.GetString("log-level")))
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLEETWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/fleetwatch.yml)")
	rootCmd.PersistentFlags().String("dsn", "", "database DSN (sqlite:<path> or postgres://...)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text|json)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	for _, name := range []string{"workspace", "config", "dsn", "json", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(configCmd())
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with snapshot and retention jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr := viper.GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			if bp := viper.GetString("base-path"); bp != "" {
				cfg.Server.BasePath = bp
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.Open(ctx, cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Serving Fleetwatch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			return a.Serve(ctx, nil)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("base-path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(cmd.Context(), cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"applied": n, "dialect": conn.Dialect})
			}
			fmt.Printf("applied %d migration(s) on %s\n", n, conn.Dialect)
			return nil
		},
	}
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Read the event log"}
	cmd.AddCommand(eventsTailCmd())
	cmd.AddCommand(eventsMaxSeqCmd())
	return cmd
}

func eventsTailCmd() *cobra.Command {
	var since int64
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show events after a seq",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				page, err := e.EventsSince(ctx, since, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Agent", "Timestamp", "Data"})
				for _, evt := range page.Events {
					tw.AppendRow(table.Row{evt.Seq, evt.Type, evt.SubjectID, evt.CreatedAt.Format(time.RFC3339), truncate(string(evt.Payload), 60)})
				}
				tw.AppendFooter(table.Row{"", "", "", "head", page.Head})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "return events with seq greater than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (default from config)")
	return cmd
}

func eventsMaxSeqCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "max-seq",
		Short: "Show the committed head and retention floor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				head, err := e.Head(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(head)
				}
				fmt.Printf("max seq: %d\npurged through: %d\n", head.MaxSeq, head.Floor)
				return nil
			})
		},
	}
}

func ingestCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest an envelope or an array of envelopes from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				trimmed := strings.TrimSpace(string(data))
				if strings.HasPrefix(trimmed, "[") {
					var envs []domain.Envelope
					if err := json.Unmarshal(data, &envs); err != nil {
						return fmt.Errorf("invalid envelope array: %w", err)
					}
					res := e.IngestBatch(ctx, envs)
					if viper.GetBool("json") {
						return printJSON(res)
					}
					fmt.Printf("received %d, processed %d, failed %d, last seq %d\n", res.Received, res.Processed, res.Failed, res.LastSeq)
					for _, be := range res.Errors {
						fmt.Printf("  #%d %s/%s: %s\n", be.Index, be.AgentID, be.Type, be.Message)
					}
					return nil
				}
				var env domain.Envelope
				if err := json.Unmarshal(data, &env); err != nil {
					return fmt.Errorf("invalid envelope: %w", err)
				}
				res, err := e.Ingest(ctx, env)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("seq %d %s %s -> %s\n", res.Event.Seq, res.Event.Type, res.Event.SubjectID, res.State.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSON file, or - for stdin")
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "snapshot", Short: "Build and inspect snapshots"}
	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Build a snapshot now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				info, err := e.GenerateSnapshot(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(info)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "latest",
		Short: "Show the latest retained snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.LatestSnapshot(ctx)
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a snapshot by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				snap, err := e.GetSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printSnapshot(snap)
			})
		},
	})
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List retained snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSnapshots(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Seq", "Agents", "Encoding", "Bytes", "Created", "Expires"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.SnapshotID, s.Seq, s.AgentCount, s.Encoding, s.Size, s.CreatedAt.Format(time.RFC3339), s.ExpiresAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "max snapshots")
	cmd.AddCommand(list)
	return cmd
}

func printSnapshot(snap domain.Snapshot) error {
	if viper.GetBool("json") {
		return printJSON(snap)
	}
	fmt.Printf("snapshot %s at seq %d (created %s, expires %s)\n", snap.SnapshotID, snap.Seq,
		snap.CreatedAt.Format(time.RFC3339), snap.ExpiresAt.Format(time.RFC3339))
	printAgents(snap.Agents)
	return nil
}

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agents", Short: "Inspect current agent state"}
	var f repo.AgentFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				printAgents(agents)
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.ServerID, "server-id", "", "server id filter")
	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count agents by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Agents"})
				for _, c := range stats.ByStatus {
					tw.AppendRow(table.Row{c.Status, c.Count})
				}
				tw.AppendFooter(table.Row{"total", stats.Total})
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func printAgents(agents []domain.AgentState) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Agent", "Status", "Activity", "Tool", "Server", "Last Seq", "Last Activity"})
	for _, a := range agents {
		tw.AppendRow(table.Row{a.AgentID, a.Status, truncate(a.CurrentActivity, 40), a.CurrentTool, a.ServerID, a.LastSeq, a.LastActivity.Format(time.RFC3339)})
	}
	tw.Render()
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire snapshots and purge events past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Skipped {
					fmt.Printf("expired %d snapshot(s); no snapshot retained, events kept\n", res.SnapshotsExpired)
					return nil
				}
				fmt.Printf("expired %d snapshot(s); purged %d event(s) through seq %d (oldest snapshot at seq %d)\n",
					res.SnapshotsExpired, res.EventsPurged, res.PurgedThrough, res.Watermark)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration is read from fleetwatch.yml in the workspace (or --config), overlaid on defaults; --dsn and FLEETWATCH_* env vars override it.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			return yaml.NewEncoder(os.Stdout).Encode(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default fleetwatch.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cfg
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	switch dsn := viper.GetString("dsn"); {
	case dsn != "":
		cfg.Database.DSN = dsn
	case cfg.Database.DSN == config.Default().Database.DSN && workspace != "" && workspace != ".":
		cfg.Database.DSN = "sqlite:" + db.DefaultPath(workspace)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func readInput(file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
