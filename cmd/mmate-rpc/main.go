package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configPath string
	transport  string
	verbose    bool
}

func main() {
	// a local .env overrides the process environment
	if err := godotenv.Overload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, ".env load warning: %v\n", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "mmate-rpc",
		Short: "Synchronous request/reply over a message broker",
		Long: `mmate-rpc turns broker pub/sub into synchronous calls. The serve command
exposes an HTTP gateway that fans calls out to domain workers and waits for
their replies; call and worker are the client and server ends for scripting.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file (default $MMATE_RPC_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&opts.transport, "transport", "t", "", "Broker transport: rabbitmq, kafka or memory")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newCallCmd(opts),
		newWorkerCmd(opts),
		newQueuesCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mmate-rpc %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", gitCommit)
			fmt.Fprintf(cmd.OutOrStdout(), "built: %s\n", buildTime)
		},
	}
}
