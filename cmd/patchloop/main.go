// Command patchloop is the autonomous coding-agent orchestrator's CLI
// surface: poll, poll-once, run, webhook, status, and report.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/patchloop/patchloop/internal/config"
	"github.com/patchloop/patchloop/internal/ledger"
	"github.com/patchloop/patchloop/internal/orchestrator"
	"github.com/patchloop/patchloop/internal/poller"
	"github.com/patchloop/patchloop/internal/report"
	"github.com/patchloop/patchloop/internal/scm"
	"github.com/patchloop/patchloop/internal/webhook"
	"github.com/patchloop/patchloop/internal/workspace"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "patchloop",
		Short:         "Autonomous coding-agent orchestrator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newPollCmd(),
		newPollOnceCmd(),
		newRunCmd(),
		newWebhookCmd(),
		newStatusCmd(),
		newReportCmd(),
	)
	return root
}

// setLogLevel reconfigures the default logger's level once the config
// (and thus LOG_LEVEL) is known: log at default level until config is
// loaded, then tighten to the configured level.
func setLogLevel(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// externalDeps bundles the collaborators every external-service command
// (poll, poll-once, run, webhook) wires together: config -> ledger ->
// workspace -> scm -> orchestrator.
type externalDeps struct {
	cfg   *config.Config
	ldg   *ledger.Ledger
	ws    *workspace.Manager
	scm   scm.Client
	orch  *orchestrator.Orchestrator
	close func()
}

func wireExternal() (*externalDeps, error) {
	cfg, err := config.Load(true)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	setLogLevel(cfg.LogLevel)

	ldg, err := ledger.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	ws, err := workspace.NewManager(cfg.WorkspaceDir)
	if err != nil {
		ldg.Close()
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}

	scmClient := scm.NewGitHubClient(cfg.GitHubToken)

	orch := orchestrator.New(cfg, scmClient, ldg, ws)
	writer := report.NewWriter(cfg.ReportsDir, cfg.Publish, cfg.JarvisRepoDir)
	orch.WriteReport = writer.WriteRun

	return &externalDeps{
		cfg:  cfg,
		ldg:  ldg,
		ws:   ws,
		scm:  scmClient,
		orch: orch,
		close: func() {
			ldg.Close()
		},
	}, nil
}

func newPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Start the continuous poll loop",
		Long: "Start the continuous poll loop. Repositories configured via TARGET_REPO " +
			"are polled every POLL_INTERVAL seconds until interrupted.\n\n" +
			"One orchestrator process per (repo, workspace_dir) is assumed: running two " +
			"instances against the same workspace_dir is unsupported.",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := wireExternal()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			defer deps.close()

			p := poller.New(deps.cfg, deps.scm, deps.ldg, deps.orch)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p.Run(ctx)
			return nil
		},
	}
}

func newPollOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll-once",
		Short: "Run a single poll cycle, write a session report, and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := wireExternal()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			defer deps.close()

			p := poller.New(deps.cfg, deps.scm, deps.ldg, deps.orch)
			summary := p.PollOnce(cmd.Context())

			writer := report.NewWriter(deps.cfg.ReportsDir, deps.cfg.Publish, deps.cfg.JarvisRepoDir)
			if err := writer.WriteSession(summary); err != nil {
				slog.Warn("writing session report", "error", err)
			}
			fmt.Println(report.FormatSessionSummary(summary))
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <issue_number> [<repo>]",
		Short: "Process a single issue immediately",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := wireExternal()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			defer deps.close()

			issueNumber, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid issue number %q: %w", args[0], err)
			}

			repo, err := resolveRepo(deps.cfg, args)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}

			result, err := deps.orch.RunSingle(cmd.Context(), repo, issueNumber, ledger.TriggerCLI)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			fmt.Println(report.FormatRunArtifact(result.Run))
			return nil
		},
	}
}

func resolveRepo(cfg *config.Config, args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	if len(cfg.TargetRepos) == 1 {
		return cfg.TargetRepos[0], nil
	}
	return "", fmt.Errorf("repo argument required: TARGET_REPO configures %d repositories", len(cfg.TargetRepos))
}

func newWebhookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "webhook",
		Short: "Start the webhook front-end HTTP server",
		Long: "Start the webhook front-end HTTP server on WEBHOOK_PORT.\n\n" +
			"One orchestrator process per (repo, workspace_dir) is assumed: running two " +
			"instances against the same workspace_dir is unsupported.",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := wireExternal()
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			defer deps.close()

			mux := http.NewServeMux()
			mux.HandleFunc("/webhook", webhook.Handler(deps.cfg, deps.orch))
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"status":"ok"}`))
			})

			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", deps.cfg.WebhookPort),
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				slog.Info("webhook server starting", "addr", server.Addr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("webhook server error", "error", err)
				}
			}()

			<-ctx.Done()
			slog.Info("shutting down webhook server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				slog.Error("webhook server shutdown error", "error", err)
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status [issue_number]",
		Short: "Print ledger rows, one line per run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(false)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			ldg, err := ledger.Open(cfg.DBPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			defer ldg.Close()

			runs, err := loadRuns(ldg, args)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}

			if format == "yaml" {
				out, err := report.FormatYAML(runs)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			}

			for _, r := range runs {
				printStatusLine(r)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or yaml")
	return cmd
}

func printStatusLine(r *ledger.Run) {
	line := fmt.Sprintf("#%d issue=%d %s %s %s", r.ID, r.IssueNumber, r.Status, r.Trigger, r.CreatedAt.Format(time.RFC3339))
	if r.PRURL != "" {
		line += " -> " + r.PRURL
	}
	if r.Error != "" {
		line += " | error: " + r.Error
	}
	fmt.Println(line)
}

func newReportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "report [issue_number]",
		Short: "Print a formatted report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(false)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			ldg, err := ledger.Open(cfg.DBPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			defer ldg.Close()

			if len(args) == 1 {
				issueNumber, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid issue number %q: %w", args[0], err)
				}
				runs, err := ldg.GetRunsForIssue(issueNumber, "")
				if err != nil {
					return err
				}
				if format == "yaml" {
					out, err := report.FormatYAML(runs)
					if err != nil {
						return err
					}
					fmt.Print(out)
					return nil
				}
				fmt.Println(report.FormatIssueReport(runs, issueNumber))
				return nil
			}

			runs, err := ldg.GetAllRuns()
			if err != nil {
				return err
			}
			if format == "yaml" {
				out, err := report.FormatYAML(runs)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			}
			fmt.Println(report.FormatSummaryReport(runs))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or yaml")
	return cmd
}

func loadRuns(ldg *ledger.Ledger, args []string) ([]*ledger.Run, error) {
	if len(args) == 1 {
		issueNumber, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("invalid issue number %q: %w", args[0], err)
		}
		return ldg.GetRunsForIssue(issueNumber, "")
	}
	return ldg.GetAllRuns()
}
