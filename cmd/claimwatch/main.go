package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"claimwatch/internal/app"
	"claimwatch/internal/config"
	"claimwatch/internal/mcp"
	"claimwatch/internal/recorder"
	"claimwatch/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath   string
	noWorkspace  bool
	workspaceDir string
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "claimwatch",
		Short:         "Claims processing host with per-claim timing and email lookup",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "explicit config file (overrides the workspace config)")
	root.PersistentFlags().BoolVar(&g.noWorkspace, "no-workspace", false, "skip .claimwatch workspace discovery")
	root.PersistentFlags().StringVar(&g.workspaceDir, "workspace-dir", "", "use this directory as the workspace root")

	root.AddCommand(newServeCmd(&g))
	root.AddCommand(newSummaryCmd(&g))
	root.AddCommand(newMetricsCmd(&g))
	root.AddCommand(newUserCmd(&g))
	root.AddCommand(newClaimsCmd(&g))
	root.AddCommand(newTraceCmd(&g))
	root.AddCommand(newInitCmd())
	return root
}

func loadConfig(g *globalFlags) (config.Config, error) {
	cfg, _, err := config.LoadWithWorkspace(g.configPath, config.WorkspaceOptions{
		Disable:     g.noWorkspace,
		ExplicitDir: g.workspaceDir,
	})
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openStore(g *globalFlags) (*store.Store, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Storage.Path)
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var ssePort int
	var user string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the claim session and serve MCP over stdio or SSE",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if ssePort != 0 {
				cfg.MCP.SSEPort = ssePort
			}
			if user != "" {
				cfg.Server.User = user
			}
			return serve(cfg)
		},
	}
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "SSE port override (falls back to config)")
	cmd.Flags().StringVar(&user, "user", "", "user the metrics session is opened for")
	return cmd
}

func serve(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// stdio carries the MCP protocol; logs go to the log file or nowhere.
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}

	coord, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return fmt.Errorf("initialize session: %w", err)
	}
	defer func() {
		if err := coord.ShutdownTimeout(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	server, err := mcp.NewServer(cfg, coord.Deps())
	if err != nil {
		return fmt.Errorf("initialize MCP server: %w", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting claimwatch MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting claimwatch MCP stdio server")
		startErr = server.Start(ctx)
	}
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		return fmt.Errorf("server exited: %w", startErr)
	}
	return nil
}

func newSummaryCmd(g *globalFlags) *cobra.Command {
	var sessionID int64

	cmd := &cobra.Command{
		Use:   "summary --session <id>",
		Short: "Show the closed-claim summary of one session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionID <= 0 {
				return fmt.Errorf("--session is required")
			}
			st, err := openStore(g)
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.QuerySessionSummary(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "session: %d\nclaims: %d\navg: %s\ntotal: %s\n",
				s.SessionID, s.ClaimsProcessed, formatSeconds(s.AvgClaimDuration), formatSeconds(float64(s.TotalTimeSeconds)))
			return nil
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "session id")
	return cmd
}

func newMetricsCmd(g *globalFlags) *cobra.Command {
	var from, to, claimType, user string

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Aggregate closed claims per claim type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := store.ClaimFilter{ClaimType: claimType, User: user}
			var err error
			if f.From, err = parseDay(from); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			if f.To, err = parseDay(to); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			st, err := openStore(g)
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.QueryClaimMetrics(cmd.Context(), f)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no closed claims")
				return nil
			}
			for _, r := range rows {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\tavg=%s\tmin=%ds\tmax=%ds\n",
					r.ClaimType, r.TotalClaims, formatSeconds(r.AvgDuration), r.MinDuration, r.MaxDuration)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "earliest claim start (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "claim start upper bound, exclusive")
	cmd.Flags().StringVar(&claimType, "type", "", "claim type: workers_comp|liability|unknown")
	cmd.Flags().StringVar(&user, "user", "", "only sessions of this user")
	return cmd
}

func newUserCmd(g *globalFlags) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "user",
		Short: "Print everything recorded for one user as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(g)
			if err != nil {
				return err
			}
			defer st.Close()

			if user == "" {
				cfg, err := loadConfig(g)
				if err != nil {
					return err
				}
				user = cfg.Server.User
			}
			m, err := st.QueryUserMetrics(cmd.Context(), user)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user (defaults to server.user)")
	return cmd
}

func newClaimsCmd(g *globalFlags) *cobra.Command {
	var sessionID int64

	cmd := &cobra.Command{
		Use:   "claims --session <id>",
		Short: "List the claims of one session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sessionID <= 0 {
				return fmt.Errorf("--session is required")
			}
			st, err := openStore(g)
			if err != nil {
				return err
			}
			defer st.Close()

			claims, err := st.ListClaims(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			if len(claims) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no claims")
				return nil
			}
			for _, c := range claims {
				duration := "open"
				if c.DurationSeconds != nil {
					duration = fmt.Sprintf("%ds", *c.DurationSeconds)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\t%s\t%s\n",
					c.ID, c.ExternalID, c.ClaimType, c.Start.UTC().Format(time.RFC3339), duration)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "session id")
	return cmd
}

func newTraceCmd(g *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "trace [file]",
		Short: "List trace files, or print the last entries of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				files, err := recorder.Files(cfg.Recorder.Dir)
				if err != nil {
					return err
				}
				if len(files) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no traces")
					return nil
				}
				for _, f := range files {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), filepath.Base(f))
				}
				return nil
			}

			name := args[0]
			if filepath.Base(name) != name {
				return fmt.Errorf("trace file must be a base name: %s", name)
			}
			entries, err := recorder.Read(filepath.Join(cfg.Recorder.Dir, name))
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) > limit {
				entries = entries[len(entries)-limit:]
			}
			for _, e := range entries {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tclaim=%d\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Type, e.ClaimID, string(e.Data))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of trailing entries to print (0 for all)")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .claimwatch workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", filepath.Join(root, config.WorkspaceDirName))
			return nil
		},
	}
}

var dayLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseDay(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range dayLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}

func formatSeconds(s float64) string {
	return (time.Duration(s * float64(time.Second))).Round(time.Second).String()
}
