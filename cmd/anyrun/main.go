package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"anyrun/internal/adapter/render"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	debug      bool
	plain      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		render.New(os.Stderr, !isTerminal(os.Stderr), 0).Error(err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "anyrun",
		Short: "Query the ANY.RUN malware sandbox from the terminal",
		Long: `anyrun talks to the ANY.RUN sandbox over its realtime API.

List and search public tasks, inspect a single analysis, fetch its
indicators of compromise, download samples and network captures, or
watch the public feed for new submissions.

CONFIGURATION:
    Config file: --config PATH, $ANYRUN_CONFIG or ~/.anyrun/config.yaml
    Environment: ANYRUN_* variables override the config file
    Credentials: ANYRUN_EMAIL / ANYRUN_PASSWORD, config, or prompt
    Secrets:     "enc:" values are decrypted with $ANYRUN_CONFIG_KEY`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flags.plain, "plain", false, "disable colours and styled output")

	root.AddCommand(
		publicCmd(flags),
		searchCmd(flags),
		taskCmd(flags),
		iocCmd(flags),
		downloadCmd(flags),
		downloadPcapCmd(flags),
		watchCmd(flags),
		encryptCmd(flags),
	)
	return root
}
