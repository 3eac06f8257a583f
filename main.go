package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"Drover/mcp"
)

var version = "0.3.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		cfg        *Config
	)

	root := &cobra.Command{
		Use:           "drover",
		Short:         "AI agent that drives an Android device through natural-language tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = LoadConfig(configPath)
			if err != nil {
				return err
			}
			logCfg := cfg.Log
			if err := InitLogger(logCfg); err != nil {
				return err
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			CloseLogger()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to the YAML config file")

	root.AddCommand(
		newRunCmd(&cfg, &configPath),
		newReplayCmd(&cfg),
		newDevicesCmd(&cfg),
		newConnectCmd(&cfg),
		newDisconnectCmd(&cfg),
		newTcpipCmd(&cfg),
		newAppsCmd(),
		newMCPCmd(&cfg),
	)
	return root
}

func defaultConfigPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// buildManager wires the full stack for task execution.
func buildManager(cfg *Config, confirm Confirmer, takeover TakeoverHandler) (*SessionManager, *AdbClient, error) {
	adb, err := NewAdbClient()
	if err != nil {
		return nil, nil, err
	}
	store, err := NewSQLiteTaskStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := NewLocalBlobStore(filepath.Join(cfg.DataDir, "screenshots"))
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	// Replay steps a crashed process left behind before taking new work.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if n, err := RecoverSpilledSteps(ctx, filepath.Join(cfg.DataDir, "spill"), store); err == nil && n > 0 {
		LogInfo("main").Int("steps", n).Msg("recovered spilled steps from previous run")
	}
	cancel()

	return NewSessionManager(cfg, adb, store, blobs, confirm, takeover), adb, nil
}

func newRunCmd(cfg **Config, configPath *string) *cobra.Command {
	var (
		deviceID     string
		maxSteps     int
		lang         string
		verbose      bool
		headless     bool
		recordScript bool
	)

	cmd := &cobra.Command{
		Use:   "run <task description>",
		Short: "Run a single task to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *cfg
			agentCfg := c.AgentConfig()
			if deviceID != "" {
				agentCfg.DeviceID = deviceID
			}
			if maxSteps > 0 {
				agentCfg.MaxSteps = maxSteps
			}
			if lang != "" {
				agentCfg.Lang = Language(lang)
			}
			agentCfg.Verbose = verbose
			if recordScript {
				agentCfg.RecordScript = true
			}
			agentCfg.normalize()
			c.SetAgentConfig(agentCfg)

			var confirm Confirmer = ConsoleConfirmer{}
			var takeover TakeoverHandler = ConsoleTakeover{}
			if headless {
				confirm = AutoApprove{}
				takeover = AutoCancel{}
			}

			manager, _, err := buildManager(c, confirm, takeover)
			if err != nil {
				return err
			}
			defer manager.Close()

			// Pick up config edits made while the process runs; new tasks
			// see the updated values.
			watcher := NewConfigWatcher(c, *configPath)
			if err := watcher.Start(); err == nil {
				defer watcher.Stop()
			}

			sessionID := manager.CreateSession("cli")
			events, unsubscribe, err := manager.Subscribe(sessionID)
			if err != nil {
				return err
			}
			defer unsubscribe()

			taskID, err := manager.Start(sessionID, strings.Join(args, " "), &agentCfg)
			if err != nil {
				return err
			}

			for ev := range events {
				switch ev.Type {
				case EventStepUpdate:
					fmt.Printf("[step %d] %s %s\n", ev.StepNumber, ev.Action, ev.Outcome)
				case EventOverflow:
					fmt.Printf("[overflow] %d step(s) dropped from the trace buffer\n", ev.DroppedCount)
				case EventTerminal:
					fmt.Printf("[%s] %s\n", ev.Status, ev.Message)
					if ev.Status != TaskCompleted {
						return fmt.Errorf("task %s ended with status %s", taskID, ev.Status)
					}
					return nil
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "target device ID (default: first connected)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "maximum loop iterations")
	cmd.Flags().StringVar(&lang, "lang", "", "prompt language: cn or en")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print thinking and actions per step")
	cmd.Flags().BoolVar(&headless, "headless", false, "auto-approve sensitive taps and decline takeovers")
	cmd.Flags().BoolVar(&recordScript, "record-script", false, "save the run as a replayable JSON script")
	return cmd
}

func newReplayCmd(cfg **Config) *cobra.Command {
	var deviceID string
	var strict bool
	cmd := &cobra.Command{
		Use:   "replay <script.json>",
		Short: "Replay a recorded automation script without the model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := LoadScript(args[0])
			if err != nil {
				return err
			}

			adb, err := NewAdbClient()
			if err != nil {
				return err
			}
			if deviceID == "" {
				devices, err := adb.ListDevices(cmd.Context())
				if err != nil {
					return err
				}
				for _, d := range devices {
					if d.State == "device" {
						deviceID = d.ID
						break
					}
				}
				if deviceID == "" {
					return fmt.Errorf("no connected device")
				}
			}

			fmt.Printf("Replaying %q (%d steps) on %s\n", script.Name, len(script.Steps), deviceID)
			opts := ReplayOptions{
				Strict: strict,
				OnStep: func(step ScriptStep, outcome Outcome, err error) {
					switch {
					case err != nil:
						fmt.Printf("[step %d] %s error: %v\n", step.StepNumber, step.Action, err)
					case outcome.Success:
						fmt.Printf("[step %d] %s ok\n", step.StepNumber, step.Action)
					default:
						fmt.Printf("[step %d] %s failed: %s\n", step.StepNumber, step.Action, outcome.Message)
					}
				},
			}
			return ReplayScript(cmd.Context(), adb, deviceID, script, (*cfg).AgentConfig().Lang, opts)
		},
	}
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "target device ID (default: first connected)")
	cmd.Flags().BoolVar(&strict, "strict", false, "stop at the first failing step")
	return cmd
}

func newDevicesCmd(cfg **Config) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List connected ADB devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			adb, err := NewAdbClient()
			if err != nil {
				return err
			}
			conn := NewConnectionManager(adb, (*cfg).AgentConfig().Lang,
				filepath.Join((*cfg).DataDir, "device_history.json"))
			devices, err := conn.ListDevices(cmd.Context())
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no devices")
				return nil
			}
			for _, d := range devices {
				fmt.Printf("%-28s %-5s %-12s %s\n", d.ID, d.Type, d.State, d.Model)
			}
			return nil
		},
	}
}

func newConnectCmd(cfg **Config) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <ip:port>",
		Short: "Connect to a device over TCP/IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adb, err := NewAdbClient()
			if err != nil {
				return err
			}
			conn := NewConnectionManager(adb, (*cfg).AgentConfig().Lang,
				filepath.Join((*cfg).DataDir, "device_history.json"))
			ok, msg := conn.Connect(cmd.Context(), args[0])
			fmt.Println(msg)
			if !ok {
				return fmt.Errorf("connect failed")
			}
			return nil
		},
	}
}

func newDisconnectCmd(cfg **Config) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect [ip:port]",
		Short: "Disconnect a wireless device (all when no address given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adb, err := NewAdbClient()
			if err != nil {
				return err
			}
			conn := NewConnectionManager(adb, (*cfg).AgentConfig().Lang, "")
			addr := ""
			if len(args) == 1 {
				addr = args[0]
			}
			ok, msg := conn.Disconnect(cmd.Context(), addr)
			fmt.Println(msg)
			if !ok {
				return fmt.Errorf("disconnect failed")
			}
			return nil
		},
	}
}

func newTcpipCmd(cfg **Config) *cobra.Command {
	var port int
	var deviceID string
	cmd := &cobra.Command{
		Use:   "tcpip",
		Short: "Enable TCP/IP debugging on a USB device and print its address",
		RunE: func(cmd *cobra.Command, args []string) error {
			adb, err := NewAdbClient()
			if err != nil {
				return err
			}
			conn := NewConnectionManager(adb, (*cfg).AgentConfig().Lang, "")
			ok, msg := conn.EnableTcpip(cmd.Context(), port, deviceID)
			fmt.Println(msg)
			if !ok {
				return fmt.Errorf("tcpip failed")
			}
			if ip, err := conn.GetDeviceIP(cmd.Context(), deviceID); err == nil {
				fmt.Printf("connect with: drover connect %s:%d\n", ip, port)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 5555, "TCP port")
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "USB device ID")
	return cmd
}

func newAppsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List app names the agent can launch",
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range SupportedApps() {
				pkg, _ := ResolveApp(name)
				fmt.Printf("%-16s %s\n", name, pkg)
			}
		},
	}
}

func newMCPCmd(cfg **Config) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the agent over the Model Context Protocol on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, adb, err := buildManager(*cfg, AutoApprove{}, AutoCancel{})
			if err != nil {
				return err
			}
			defer manager.Close()

			bridge := NewMCPBridge(manager, adb, version)
			return mcp.NewMCPServer(bridge).Start()
		},
	}
}

// ========================================
// Console callbacks
// ========================================

// ConsoleConfirmer asks for sensitive-tap confirmation on the terminal.
type ConsoleConfirmer struct{}

func (ConsoleConfirmer) Confirm(message string) bool {
	fmt.Printf("\nSensitive action: %s\nProceed? [y/N] ", message)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// ConsoleTakeover blocks until the operator finishes on the device.
type ConsoleTakeover struct{}

func (ConsoleTakeover) Takeover(ctx context.Context, message string) error {
	fmt.Printf("\nTakeover requested: %s\nFinish on the device, then press Enter to resume...\n", message)

	done := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		_, err := reader.ReadString('\n')
		done <- err
	}()

	select {
	case <-ctx.Done():
		return cancelledErr("takeover")
	case err := <-done:
		return err
	}
}
