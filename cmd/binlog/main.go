package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"
)

var logger = loggo.GetLogger("binlog.cmd")

var rootCmd = &cobra.Command{
	Use:   "binlog",
	Short: "Read MySQL binary logs",
	Long: `binlog reads the binary log of a MySQL server, as a replica does,
or from local binlog and relay log files, and prints its events.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", `logging config, e.g. "DEBUG" or "<root>=INFO;binlog.driver.tcp=DEBUG"`)
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		levels, _ := cmd.Flags().GetString("log-level")
		if levels == "" {
			return nil
		}
		return errors.Annotate(loggo.ConfigureLoggers(levels), "log level")
	}
}
