package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vaultline/internal/audit"
	"vaultline/internal/config"
	"vaultline/internal/executor"
	"vaultline/internal/gate"
	"vaultline/internal/planner"
	"vaultline/internal/record"
	"vaultline/internal/sender"
	"vaultline/internal/server"
	"vaultline/internal/state"
	"vaultline/internal/supervisor"
	"vaultline/internal/vault"
	"vaultline/internal/watch"
)

var rootCmd = &cobra.Command{
	Use:   "vl",
	Short: "Vaultline CLI",
	Long: `Vaultline is a file-backed orchestration engine for human-approved automation.
Detectors turn external events into work items, the planner classifies them
against a policy table, risky actions wait in pending-approval for a human
decision, and the dispatcher delivers approved actions and audits everything.
All coordination happens through atomic renames in the vault directory tree.`,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("VAULTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("vault", "", "vault directory (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("vault", rootCmd.PersistentFlags().Lookup("vault"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the vault layout and a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workspace)), 0o644); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if _, err := vault.Open(vaultPath(cfg)); err != nil {
				return err
			}
			fmt.Printf("Initialized vault at %s (config: %s)\n", cfg.Vault.Path, path)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depths per collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openAll()
			if err != nil {
				return err
			}
			counts, err := store.Counts()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				out := map[string]int{}
				for c, n := range counts {
					out[string(c)] = n
				}
				return printJSON(out)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Collection", "Records"})
			for _, c := range vault.Collections {
				t.AppendRow(table.Row{string(c), counts[c]})
			}
			t.Render()
			return nil
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	var loop bool
	var interval int
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Classify new work items into plans and approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, log, err := openAll()
			if err != nil {
				return err
			}
			p := planner.New(store, log, cfg)
			run := func() {
				sum, err := p.RunOnce()
				if err != nil {
					logrus.WithError(err).Error("plan cycle")
					return
				}
				logrus.WithFields(logrus.Fields{
					"planned": sum.Planned, "auto": sum.AutoClosed,
					"raised": sum.Raised, "quarantined": sum.Quarantined,
				}).Info("plan cycle")
			}
			if !loop {
				sum, err := p.RunOnce()
				if err != nil {
					return err
				}
				return printJSON(sum)
			}
			d := intervalOr(interval, cfg.Planner.IntervalSeconds)
			return runLoop(cmd.Context(), d, run)
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "run continuously")
	cmd.Flags().IntVar(&interval, "interval", 0, "loop interval in seconds")
	return cmd
}

func dispatchCmd() *cobra.Command {
	var loop, dryRun bool
	var interval int
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver approved actions and sweep expired requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, log, err := openAll()
			if err != nil {
				return err
			}
			e := executor.New(store, log, buildSenders(cfg, dryRun), cfg)
			run := func() {
				sum, err := e.RunOnce(cmd.Context())
				if err != nil {
					logrus.WithError(err).Error("dispatch cycle")
					return
				}
				logrus.WithFields(logrus.Fields{
					"sent": sum.Sent, "failed": sum.Failed, "expired": sum.Expired,
					"rejected": sum.Rejected, "deferred": sum.Deferred,
				}).Info("dispatch cycle")
			}
			if !loop {
				sum, err := e.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(sum)
			}
			d := intervalOr(interval, cfg.Executor.IntervalSeconds)
			return runLoop(cmd.Context(), d, run)
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "run continuously")
	cmd.Flags().IntVar(&interval, "interval", 0, "loop interval in seconds")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "acknowledge without delivering")
	return cmd
}

func watchCmd() *cobra.Command {
	var loop bool
	var interval int
	cmd := &cobra.Command{
		Use:   "watch <source>",
		Short: "Poll one configured source for new events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, log, err := openAll()
			if err != nil {
				return err
			}
			wcfg, src, err := sourceFor(cfg, args[0])
			if err != nil {
				return err
			}
			st, err := openState()
			if err != nil {
				return err
			}
			defer st.Close()
			runner := watch.NewRunner(store, st, log, src)
			if wcfg.MaxAttempts > 0 {
				runner.MaxAttempts = wcfg.MaxAttempts
			}
			if !loop {
				n, err := runner.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(map[string]int{"detected": n})
			}

			ctx := cmd.Context()
			run := func() {
				n, err := runner.RunOnce(ctx)
				if err != nil {
					logrus.WithError(err).WithField("source", src.Name()).Error("watch cycle")
					return
				}
				if n > 0 {
					logrus.WithFields(logrus.Fields{"source": src.Name(), "detected": n}).Info("watch cycle")
				}
			}
			if fs, ok := src.(*watch.FileSource); ok {
				trigger := make(chan struct{}, 1)
				go func() {
					if err := fs.Notify(ctx, trigger); err != nil && !errors.Is(err, context.Canceled) {
						logrus.WithError(err).Warn("filesystem notify")
					}
				}()
				go func() {
					for range trigger {
						run()
					}
				}()
			}
			d := intervalOr(interval, wcfg.IntervalSeconds)
			return runLoop(ctx, d, run)
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "run continuously")
	cmd.Flags().IntVar(&interval, "interval", 0, "loop interval in seconds")
	return cmd
}

func drainCmd() *cobra.Command {
	var maxIterations int
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run planner and dispatcher cycles until no actionable work remains",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, log, err := openAll()
			if err != nil {
				return err
			}
			sup := &supervisor.Supervisor{
				Store:    store,
				Planner:  planner.New(store, log, cfg),
				Executor: executor.New(store, log, buildSenders(cfg, dryRun), cfg),
				Log:      logrus.StandardLogger(),
			}
			res, err := sup.Drain(cmd.Context(), maxIterations)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max-iterations", supervisor.DefaultMaxIterations, "iteration bound")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "acknowledge without delivering")
	return cmd
}

func approveCmd() *cobra.Command {
	return decisionCmd("approve", "Approve a pending request", func(g *gate.Gate, name, actor string) error {
		return g.Approve(name, actor)
	})
}

func rejectCmd() *cobra.Command {
	return decisionCmd("reject", "Reject a pending request", func(g *gate.Gate, name, actor string) error {
		return g.Reject(name, actor)
	})
}

func decisionCmd(verb, short string, decide func(g *gate.Gate, name, actor string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, log, err := openAll()
			if err != nil {
				return err
			}
			name := args[0]
			if !strings.HasPrefix(name, "APPROVAL_") {
				name = record.ApprovalName(name)
			}
			actor := viper.GetString("actor-id")
			if err := decide(gate.New(store, log), name, actor); err != nil {
				return err
			}
			fmt.Printf("%sd %s\n", verb, name)
			return nil
		},
	}
	return cmd
}

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List pending approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, _, err := openAll()
			if err != nil {
				return err
			}
			refs, err := store.List(vault.PendingApproval, vault.Filter{
				Prefix: "APPROVAL_",
				Status: record.ApprovalStatusPending,
			})
			if err != nil {
				return err
			}
			type row struct {
				Name      string `json:"name"`
				Action    string `json:"action"`
				Target    string `json:"target"`
				ExpiresAt string `json:"expires_at"`
			}
			var rows []row
			for _, ref := range refs {
				data, err := store.Read(ref)
				if err != nil {
					continue
				}
				var req record.ApprovalRequest
				if _, err := record.Decode(data, &req); err != nil {
					continue
				}
				rows = append(rows, row{ref.Name, string(req.Action), req.Target, req.ExpiresAt})
			}
			if viper.GetBool("json") {
				return printJSON(rows)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Name", "Action", "Target", "Expires"})
			for _, r := range rows {
				t.AppendRow(table.Row{r.Name, r.Action, r.Target, r.ExpiresAt})
			}
			t.Render()
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	log.AddCommand(logTailCmd())
	log.AddCommand(logSweepCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, log, err := openAll()
			if err != nil {
				return err
			}
			entries, err := log.Tail(n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Timestamp", "Event", "Result", "Record", "Error"})
			for _, e := range entries {
				ref := e.Approval
				if ref == "" {
					ref = e.Item
				}
				t.AppendRow(table.Row{e.Timestamp, e.Event, e.Result, ref, e.Error})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func logSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove audit partitions older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, log, err := openAll()
			if err != nil {
				return err
			}
			removed, err := log.Sweep(cfg.AuditRetention())
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"removed": removed})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if err := c.Validate(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, log, err := openAll()
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("VAULTLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("VAULTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Store:    store,
				Audit:    log,
				Gate:     gate.New(store, log),
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(cmd.Context(), log, cfg.Webhooks)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Vaultline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
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

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("vault"); v != "" {
		cfg.Vault.Path = v
	}
	return cfg, nil
}

func vaultPath(cfg *config.Config) string {
	if v := viper.GetString("vault"); v != "" {
		return v
	}
	return cfg.Vault.Path
}

func openAll() (*config.Config, *vault.Store, *audit.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := vault.Open(vaultPath(cfg))
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, store, audit.New(store.LogPath()), nil
}

func openState() (*state.Store, error) {
	return state.Open(state.Config{Workspace: viper.GetString("workspace")})
}

func buildSenders(cfg *config.Config, dryRun bool) sender.Registry {
	reg := sender.Registry{}
	actions := []record.Action{
		record.ActionSendEmail,
		record.ActionSendMessage,
		record.ActionSendPost,
		record.ActionSendDM,
	}
	for _, action := range actions {
		if dryRun {
			reg[action] = sender.Noop{}
			continue
		}
		sc, ok := cfg.Senders[string(action)]
		if !ok || len(sc.Command) == 0 {
			continue
		}
		timeout := cfg.DispatchTimeout()
		if sc.TimeoutSeconds > 0 {
			timeout = time.Duration(sc.TimeoutSeconds) * time.Second
		}
		reg[action] = &sender.Script{Argv: sc.Command, Timeout: timeout}
	}
	return reg
}

func sourceFor(cfg *config.Config, name string) (config.Watcher, watch.Source, error) {
	for _, w := range cfg.Watchers {
		if w.Name != name {
			continue
		}
		switch w.Kind {
		case "maildir":
			return w, &watch.MaildirSource{SourceName: w.Name, Dir: w.Path}, nil
		default:
			return w, &watch.FileSource{SourceName: w.Name, Dir: w.Path}, nil
		}
	}
	var known []string
	for _, w := range cfg.Watchers {
		known = append(known, w.Name)
	}
	sort.Strings(known)
	return config.Watcher{}, nil, fmt.Errorf("unknown source %q (configured: %s)", name, strings.Join(known, ", "))
}

func intervalOr(flagSeconds, cfgSeconds int) time.Duration {
	if flagSeconds > 0 {
		return time.Duration(flagSeconds) * time.Second
	}
	if cfgSeconds > 0 {
		return time.Duration(cfgSeconds) * time.Second
	}
	return 30 * time.Second
}

func runLoop(ctx context.Context, interval time.Duration, task func()) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return err
	}
	sched.Start()
	<-ctx.Done()
	return sched.Shutdown()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
