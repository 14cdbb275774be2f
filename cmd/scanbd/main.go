/*
scanbd - scanner button and option transition daemon
*/
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version is the program version as filled in by the Makefile.
var Version string

// newRootCmd returns the primary [cobra.Command] pointer for the program.
func newRootCmd(ctx context.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "scanbd",
		Short:             "Scanner button and option transition daemon",
		Version:           Version,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	monitorCmd := newMonitorCmd(ctx)
	checkCmd := newCheckCmd()
	triggerCmd := newTriggerCmd()
	managerCmd := newManagerCmd(ctx)

	rootCmd.AddCommand(monitorCmd, checkCmd, triggerCmd, managerCmd)

	return rootCmd
}

// newMonitorCmd returns the "monitor" [cobra.Command] pointer for the
// program: it starts polling every enabled, locally attached device and
// runs the Signal Control Plane (spec.md §4.5) until terminated.
func newMonitorCmd(ctx context.Context) *cobra.Command {
	monitorCmd := &cobra.Command{
		Use:   "monitor <config.yaml>",
		Short: "Monitor target scanner devices using a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			configPath := args[0]

			yamlConfig, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("failure reading configuration file: %w", err)
			}

			prog, err := NewProgram(yamlConfig, nil, nil, nil, os.Stderr)
			if err != nil {
				return fmt.Errorf("failure establishing program: %w", err)
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			if err := prog.Start(runCtx); err != nil {
				return fmt.Errorf("failure starting program: %w", err)
			}

			ctrlLogger := log.New(os.Stderr, "", log.LstdFlags|log.Lmsgprefix)
			runSignalControlPlane(runCtx, cancel, prog, configPath, ctrlLogger)

			return nil
		},
	}

	return monitorCmd
}

// newCheckCmd returns the "check" [cobra.Command] pointer for the program.
func newCheckCmd() *cobra.Command {
	checkCmd := &cobra.Command{
		Use:   "check <config.yaml>",
		Short: "Check if a configuration file is syntactically parseable (YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			yamlConfig, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failure reading configuration file: %w", err)
			}

			decoder := yaml.NewDecoder(bytes.NewReader(yamlConfig))
			decoder.KnownFields(true)

			var config ConfigYAML
			if err := decoder.Decode(&config); err != nil {
				return fmt.Errorf("failure parsing YAML: %w", err)
			}

			return nil
		},
	}

	return checkCmd
}

// newTriggerCmd returns the "trigger" [cobra.Command] pointer for the
// program: a thin client that calls a running daemon's FireTrigger bus
// method (spec.md §4.2, §6), the Go equivalent of the original's
// dbus_call_trigger.
func newTriggerCmd() *cobra.Command {
	triggerCmd := &cobra.Command{
		Use:   "trigger <device-index> <action-index>",
		Short: "Fire an action trigger on a currently running scanbd instance",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			deviceIndex, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: invalid device index %q", errInvalidArgument, args[0])
			}

			actionIndex, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("%w: invalid action index %q", errInvalidArgument, args[1])
			}

			bus, err := NewDBusBusClient()
			if err != nil {
				return fmt.Errorf("failure connecting to bus: %w", err)
			}
			defer bus.Close()

			if err := bus.FireTrigger(deviceIndex, actionIndex); err != nil {
				return fmt.Errorf("failure firing trigger: %w", err)
			}

			return nil
		},
	}

	return triggerCmd
}

// newManagerCmd returns the "manager" [cobra.Command] pointer for the
// program (spec.md §1, §6, the supplemented manager-mode front-end).
func newManagerCmd(ctx context.Context) *cobra.Command {
	var signalMode bool

	managerCmd := &cobra.Command{
		Use:   "manager <config.yaml>",
		Short: "Run the configured scanner server exclusively, quiescing a running scanbd first",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			yamlConfig, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failure reading configuration file: %w", err)
			}

			var cfg ConfigYAML

			decoder := yaml.NewDecoder(bytes.NewReader(yamlConfig))
			decoder.KnownFields(true)

			if err := decoder.Decode(&cfg); err != nil {
				return fmt.Errorf("failure parsing YAML: %w", err)
			}

			logger := log.New(os.Stderr, "", log.LstdFlags|log.Lmsgprefix)

			var bus Bus = NewLoggingBus(logger)
			if !signalMode {
				dbusBus, err := NewDBusBusClient()
				if err != nil {
					return fmt.Errorf("failure connecting to bus: %w", err)
				}
				defer dbusBus.Close()

				bus = dbusBus
			}

			if err := runManager(ctx, cfg.Global, bus, afero.NewOsFs(), signalMode, logger); err != nil {
				return fmt.Errorf("failure running manager: %w", err)
			}

			return nil
		},
	}

	managerCmd.Flags().BoolVar(&signalMode, "signal", false, "coordinate with a running scanbd via SIGUSR1/SIGUSR2 rather than the bus")

	return managerCmd
}

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rootCmd := newRootCmd(ctx)
	if err := rootCmd.Execute(); err != nil {
		exitCode = 1
	}
}
