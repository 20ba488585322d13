package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agent"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentlog"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentstore"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/domain"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/executor"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/logparser"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/logstream"
	"github.com/hummer98/sdd-orchestrator-sub011/internal/observer"
	"github.com/hummer98/sdd-orchestrator-sub011/web/api"
)

var (
	runSpec    string
	runPhase   string
	runEngine  string
	runPrompt  string
	runDir     string
	runQuiet   bool
	listSpec   string
	listStatus string
	listActive bool
	listLimit  int
	analyzeEng string
	analyzeRaw bool
	analyzeRes bool
	analyzeMsg bool
	logsTail   int
	serveHost  string
	servePort  int
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run --spec SPEC --phase PHASE [-- ENGINE_ARGS...]",
		Short: "Run one phase of a spec and follow its output",
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runSpec, "spec", "", "spec ID")
	runCmd.Flags().StringVar(&runPhase, "phase", "", "phase name")
	runCmd.Flags().StringVar(&runEngine, "engine", "", "engine (claude, gemini); defaults to the configured engine")
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "prompt to send")
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory; defaults to the project root")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "do not print agent output")
	runCmd.MarkFlagRequired("spec")
	runCmd.MarkFlagRequired("phase")
	rootCmd.AddCommand(runCmd)

	// agents command
	agentsCmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents",
		RunE:  runAgents,
	}
	agentsCmd.Flags().StringVar(&listSpec, "spec", "", "filter by spec")
	agentsCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	agentsCmd.Flags().BoolVar(&listActive, "active", false, "only agents whose process may be running")
	agentsCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of agents")
	rootCmd.AddCommand(agentsCmd)

	// analyze command
	analyzeCmd := &cobra.Command{
		Use:   "analyze AGENT|LOGFILE",
		Short: "Classify how a run ended",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().StringVar(&analyzeEng, "engine", "", "engine of a bare log file")
	analyzeCmd.Flags().BoolVar(&analyzeRaw, "json", false, "print the report as JSON")
	analyzeCmd.Flags().BoolVar(&analyzeRes, "result", false, "print only the raw result event")
	analyzeCmd.Flags().BoolVar(&analyzeMsg, "last-message", false, "print only the last assistant message")
	rootCmd.AddCommand(analyzeCmd)

	// logs command
	logsCmd := &cobra.Command{
		Use:   "logs AGENT",
		Short: "Print the parsed output of an agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 0, "only the last n log records")
	rootCmd.AddCommand(logsCmd)

	// stop command
	stopCmd := &cobra.Command{
		Use:   "stop AGENT",
		Short: "Kill an agent left running by another instance",
		Args:  cobra.ExactArgs(1),
		RunE:  runStop,
	}
	rootCmd.AddCommand(stopCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise agents and serve the HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveHost, "host", "", "address to bind; defaults to the config")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on; defaults to the config")
	rootCmd.AddCommand(serveCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !runQuiet {
		cancel := a.stream.Subscribe(logstream.ObserverFunc(func(_ string, entries []logparser.Entry) {
			printEntries(cmd.OutOrStdout(), entries)
		}))
		defer cancel()
	}

	h, err := a.service.StartAgent(ctx, executor.StartRequest{
		SpecID: runSpec,
		Phase:  runPhase,
		Engine: domain.EngineID(runEngine),
		Prompt: runPrompt,
		Args:   args,
		Dir:    runDir,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "agent %s started (pid %d)\nlog: %s\n", h.AgentID(), h.PID(), h.LogPath())

	last, err := a.service.Wait(ctx, h)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.Agents.StopGracePeriod.Duration+5*time.Second)
		defer cancel()
		if serr := a.service.StopAgent(stopCtx, last.AgentID()); serr != nil {
			a.logger.Warn("stopping agent", "agent_id", last.AgentID(), "error", serr)
		}
		return fmt.Errorf("interrupted: %w", err)
	}

	rec, err := a.store.GetAgent(last.AgentID())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "agent %s %s", rec.AgentID, rec.Status)
	if rec.RetryCount > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), " after %d retries", rec.RetryCount)
	}
	fmt.Fprintln(cmd.ErrOrStderr())
	if rec.Status != string(agent.StateCompleted) {
		return fmt.Errorf("phase %s of %s did not complete: %s", rec.Phase, rec.SpecID, rec.ExitReason)
	}
	return nil
}

// printEntries renders entries for a terminal
func printEntries(w io.Writer, entries []logparser.Entry) {
	for _, e := range entries {
		switch e.Type {
		case logparser.EntryText:
			if e.Text.Role == logparser.RoleUser {
				continue
			}
			fmt.Fprintln(w, e.Text.Content)
		case logparser.EntryToolUse:
			fmt.Fprintf(w, "→ %s\n", e.Tool.Name)
		case logparser.EntryError:
			fmt.Fprintf(w, "error: %s\n", e.Error.Message)
		case logparser.EntryResult:
			r := e.Result
			fmt.Fprintf(w, "result: %s", r.Subtype)
			if r.CostUSD > 0 {
				fmt.Fprintf(w, " ($%.4f)", r.CostUSD)
			}
			fmt.Fprintln(w)
		case logparser.EntrySystem:
			if e.Session != nil && e.Session.Model != "" {
				fmt.Fprintf(w, "session %s (%s)\n", e.Session.SessionID, e.Session.Model)
			}
		}
	}
}

func runAgents(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.store.ListAgents(agentstore.ListOptions{
		SpecID:     listSpec,
		Status:     listStatus,
		ActiveOnly: listActive,
		Limit:      listLimit,
	})
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No agents found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSPEC\tPHASE\tENGINE\tSTATUS\tSTARTED\tRETRIES\tREASON")
	for _, r := range recs {
		id := r.AgentID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			id, r.SpecID, r.Phase, r.EngineID, r.Status,
			humanize.Time(r.StartedAt), r.RetryCount, r.ExitReason)
	}
	return w.Flush()
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	path := args[0]
	engine := domain.EngineID(analyzeEng)
	if _, statErr := os.Stat(path); statErr != nil {
		rec, err := findAgent(a.store, args[0])
		if err != nil {
			return err
		}
		path = rec.LogPath
		if engine == "" {
			engine = rec.EngineID
		}
	}

	switch {
	case analyzeRes:
		line, err := a.analyzer.ResultLine(path)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
		return nil
	case analyzeMsg:
		msg, err := a.analyzer.LastAssistantMessage(path, engine)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	}

	report, err := a.analyzer.Analyze(path, engine)
	if err != nil {
		return err
	}

	if analyzeRaw {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Result:      %s\n", report.Subtype)
	fmt.Fprintf(out, "Retryable:   %s\n", strconv.FormatBool(report.Subtype.Retryable()))
	if report.NumTurns > 0 {
		fmt.Fprintf(out, "Turns:       %d\n", report.NumTurns)
	}
	if report.CostUSD > 0 {
		fmt.Fprintf(out, "Cost:        $%.4f\n", report.CostUSD)
	}
	if report.RepairedLines > 0 || report.MalformedSkipped > 0 {
		fmt.Fprintf(out, "Malformed:   %d repaired, %d skipped\n", report.RepairedLines, report.MalformedSkipped)
	}
	if report.LastAssistant != "" {
		fmt.Fprintf(out, "\nLast message:\n%s\n", report.LastAssistant)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := findAgent(a.store, args[0])
	if err != nil {
		return err
	}
	envs, err := agentlog.Tail(rec.LogPath, logsTail)
	if err != nil {
		return fmt.Errorf("reading log of %s: %w", rec.AgentID, err)
	}
	printEntries(cmd.OutOrStdout(), a.stream.Replay(rec.AgentID, envs))
	return nil
}

// findAgent resolves a full agent ID or a unique prefix of one
func findAgent(store *agentstore.Store, idOrPrefix string) (*domain.AgentRecord, error) {
	rec, err := store.GetAgent(idOrPrefix)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, agentstore.ErrNotFound) {
		return nil, err
	}
	recs, err := store.ListAgents(agentstore.ListOptions{})
	if err != nil {
		return nil, err
	}
	var match *domain.AgentRecord
	for _, r := range recs {
		if !strings.HasPrefix(r.AgentID, idOrPrefix) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("agent prefix %q is ambiguous", idOrPrefix)
		}
		match = r
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", agentstore.ErrNotFound, idOrPrefix)
	}
	return match, nil
}

func runStop(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := findAgent(a.store, args[0])
	if err != nil {
		return err
	}
	if _, err := a.service.RecoverAgents(cmd.Context()); err != nil {
		return err
	}
	if err := a.service.StopAgent(cmd.Context(), rec.AgentID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "agent %s stopped\n", rec.AgentID)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reattached, err := a.service.RecoverAgents(ctx)
	if err != nil {
		return err
	}
	if len(reattached) > 0 {
		a.logger.Info("resumed supervision", "agents", len(reattached))
	}

	stats := observer.New()
	cancelStats := a.stream.Subscribe(stats)
	defer cancelStats()

	watchdog := observer.NewWatchdog(a.service, a.cfg.Agents.Timeout.Duration, a.cfg.Agents.PollInterval.Duration, a.logger)
	if err := watchdog.Start(); err != nil {
		return err
	}
	defer watchdog.Stop()

	host := a.cfg.Web.Host
	if serveHost != "" {
		host = serveHost
	}
	port := a.cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	server := api.NewServer(api.Options{
		Agents:   a.service,
		Store:    a.store,
		Stream:   a.stream,
		Analyzer: a.analyzer,
		Stats:    stats,
		Gatherer: a.metrics,
		StateDir: a.cfg.General.StateDir,
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Logger:   a.logger,
	})

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s\n", net.JoinHostPort(host, strconv.Itoa(port)))
	err = server.Start(ctx)
	// agents keep running; the next instance reattaches to them
	a.logger.Info("shutting down", "live_agents", a.service.Registry().Len())
	return err
}
