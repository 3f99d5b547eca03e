package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/modoterra/sractl/internal/buildinfo"
	"github.com/modoterra/sractl/pkg/config"
	"github.com/modoterra/sractl/pkg/daemon/service"
	"github.com/modoterra/sractl/pkg/transport/uds"
	tuimodel "github.com/modoterra/sractl/pkg/tui/model"
)

var (
	socketPath string
	configPath string
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sractl",
	Short: "Console and control CLI for StarRailAssistant",
	Long: "sractl talks to sractld, which supervises the StarRailAssistant command-line worker, " +
		"captures its output as structured log records, and persists them to a per-session log file.",
	SilenceUsage:      true,
	PersistentPreRunE: resolveSocket,
	RunE:              runTUI,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (default from config)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to sractl.yaml")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serviceCmd)
}

// resolveSocket fills socketPath from the config when --socket is not given.
func resolveSocket(_ *cobra.Command, _ []string) error {
	if socketPath != "" {
		return nil
	}
	socketPath = config.DefaultSocket
	cfg, err := config.Load(configPath)
	if err != nil {
		if configPath != "" {
			return err
		}
		return nil
	}
	if cfg.Socket != "" {
		socketPath = cfg.Socket
	}
	return nil
}

// --- Root: TUI ---

func runTUI(_ *cobra.Command, _ []string) error {
	ensureDaemon()
	app := tuimodel.New(socketPath)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func daemonArgs() []string {
	args := []string{"--socket", socketPath}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}

func ensureDaemon() {
	if _, err := os.Stat(socketPath); err == nil {
		return
	}
	cmd := exec.Command("sractld", daemonArgs()...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not start daemon:", err)
		return
	}
	for i := 0; i < 30; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "warning: could not start daemon, continuing anyway")
}

func dialDaemon() (*uds.Client, error) {
	client, err := uds.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", socketPath, err)
	}
	return client, nil
}

// call dials the daemon, issues one request and decodes the response into out.
func call(timeout time.Duration, method string, data, out any) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return client.Call(ctx, method, data, out)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var pong uds.PingResponse
		if err := call(2*time.Second, uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ (sractld %s)\n", pong.Version)
		}
		return nil
	},
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sractl %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
	},
}

// --- Daemon ---

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start daemon in foreground (for debugging)",
	Long:  "Normally the TUI auto-spawns the daemon. Use this to run it manually.",
	RunE: func(_ *cobra.Command, _ []string) error {
		cmd := exec.Command("sractld", daemonArgs()...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	},
}

// --- Status ---

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st uds.WorkerStatusResponse
		if err := call(2*time.Second, uds.MethodWorkerStatus, nil, &st); err != nil {
			return err
		}
		if statusJSON {
			return writeJSON(cmd.OutOrStdout(), st)
		}
		printStatus(cmd.OutOrStdout(), st)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func printStatus(w io.Writer, st uds.WorkerStatusResponse) {
	fmt.Fprintf(w, "state:    %s\n", st.State)
	if st.PID != 0 {
		fmt.Fprintf(w, "pid:      %d\n", st.PID)
	}
	if st.SessionID != "" {
		fmt.Fprintf(w, "session:  %s\n", st.SessionID)
	}
	if st.StartedAt != nil {
		fmt.Fprintf(w, "started:  %s (%s ago)\n", st.StartedAt.Format(time.DateTime), time.Since(*st.StartedAt).Round(time.Second))
	}
	if st.Processes > 0 {
		fmt.Fprintf(w, "procs:    %d (%.1f MiB resident)\n", st.Processes, float64(st.RSSBytes)/(1<<20))
	}
	if st.LogFile != "" {
		fmt.Fprintf(w, "log file: %s\n", st.LogFile)
	}
}

// --- Worker lifecycle ---

var workerArgs string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st uds.WorkerStatusResponse
		if err := call(10*time.Second, uds.MethodWorkerStart, uds.WorkerStartRequest{Args: workerArgs}, &st); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "start → %s (pid %d) ✓\n", st.State, st.PID)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st uds.WorkerStatusResponse
		if err := call(10*time.Second, uds.MethodWorkerStop, nil, &st); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stop → %s ✓\n", st.State)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st uds.WorkerStatusResponse
		if err := call(15*time.Second, uds.MethodWorkerRestart, uds.WorkerStartRequest{Args: workerArgs}, &st); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restart → %s (pid %d) ✓\n", st.State, st.PID)
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&workerArgs, "args", "", "extra worker arguments, whitespace separated")
	restartCmd.Flags().StringVar(&workerArgs, "args", "", "extra worker arguments, whitespace separated")
}

var sendCmd = &cobra.Command{
	Use:   "send <text...>",
	Short: "Send a line to the worker's console",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return call(5*time.Second, uds.MethodSendInput, uds.SendInputRequest{Line: strings.Join(args, " ")}, nil)
	},
}

// --- Task ---

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Run or stop worker tasks",
}

var taskRunCmd = &cobra.Command{
	Use:   "run [config]",
	Short: "Run the task list, optionally with a named config",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := uds.TaskRunRequest{}
		if len(args) > 0 {
			req.Config = args[0]
		}
		if err := call(5*time.Second, uds.MethodTaskRun, req, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "task run ✓")
		return nil
	},
}

var taskStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running task",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := call(5*time.Second, uds.MethodTaskStop, nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "task stop ✓")
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskRunCmd)
	taskCmd.AddCommand(taskStopCmd)
}

// --- Config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage sractl.yaml",
}

var (
	configInitOutput string
	configInitForce  bool
)

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default sractl.yaml",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.WriteDefault(configInitOutput, configInitForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Generated %s\n", configInitOutput)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a sractl.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultFile
		if len(args) > 0 {
			path = args[0]
		}

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		errs := config.Validate(cfg)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid\n", path)
			return nil
		}

		w := cmd.ErrOrStderr()
		fmt.Fprintf(w, "%s: %d error(s)\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintf(w, "  • %s\n", e)
		}
		return fmt.Errorf("%s is invalid", path)
	},
}

func init() {
	configInitCmd.Flags().StringVar(&configInitOutput, "output", config.DefaultFile, "output file path")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
}

// --- Service ---

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the sractld systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and start the sractld user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Install(cmd.Context(), configPath); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sractld.service installed ✓")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the sractld user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sractld.service removed ✓")
		return nil
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show socket and service state",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(cmd.Context(), socketPath))
	},
}

func init() {
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}
