// Command dhis2-extract pulls monthly DHIS2 analytics for one connection and
// writes them as a wide CSV into the workspace.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/dhis2-extract/pkg/logging"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

type rootOptions struct {
	logLevel  string
	logPretty bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "dhis2-extract",
		Short: "Extract monthly DHIS2 analytics into a wide CSV",
		Long: `dhis2-extract queries the analytics API of a DHIS2 instance for a set of
data elements, a closed range of months and an organisation unit level, then
writes one wide CSV per connection to <workspace>/<project>/outputs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !logging.ValidLevel(opts.logLevel) {
				return fmt.Errorf("invalid log level %q", opts.logLevel)
			}
			logging.Setup(logging.Config{
				Level:  logging.LogLevel(opts.logLevel),
				Pretty: opts.logPretty,
				Output: cmd.ErrOrStderr(),
			})
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.logPretty, "log-pretty", false, "Human-readable console logs instead of JSON")

	root.AddCommand(newRunCmd())
	root.AddCommand(newParamsCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newCacheCmd())

	return root
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
