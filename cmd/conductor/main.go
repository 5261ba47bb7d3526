// Package main provides the conductor binary entry point. Conductor drives
// LLM build workflows: it admits a task graph, dispatches worker roles over
// the event bus, validates deliverables in a sandbox, and versions artifacts
// in a git-backed store.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/c360studio/conductor/router/providers"

	"github.com/c360studio/conductor/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "conductor"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath  string
		graphPath   string
		metricsAddr string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "LLM build-workflow engine",
		Long: `Conductor decomposes a build request into a task graph and drives
specialized worker roles through it.

It provides:
- A durable workflow scheduler with retry and auto-branching on failure
- A multi-key request router with atomic per-credential rate budgets
- A sandboxed validation gateway with deterministic re-runs
- A git-backed artifact store with secret scanning

All components communicate over the conductor event bus.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a task-graph document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if graphPath == "" {
				return fmt.Errorf("--graph is required")
			}
			return run(cmd.Context(), configPath, graphPath, metricsAddr, logLevel)
		},
	}
	runCmd.Flags().StringVarP(&graphPath, "graph", "g", "", "Task-graph document (YAML or JSON)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for /metrics (disabled when empty)")
	cmd.AddCommand(runCmd)

	validateCmd := &cobra.Command{
		Use:   "validate <graph-file>",
		Short: "Validate a task-graph document without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return validateGraph(args[0])
		},
	}
	cmd.AddCommand(validateCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func validateGraph(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read graph: %w", err)
	}
	g, err := workflow.ParseGraph(data)
	if err != nil {
		return err
	}
	if err := g.Validate(); err != nil {
		return err
	}
	fmt.Printf("graph %s is valid: %d tasks\n", g.GraphID, len(g.Tasks))
	return nil
}
