package main

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/replisten/binlog"
)

var filesCmd = &cobra.Command{
	Use:   "files --dsn DSN",
	Short: "List the binary logs of a server",
	Long: `List the binary logs of a server with their sizes, and the
position the server writes next.

Example:
  binlog files --dsn 'repl:secret@tcp(localhost:3306)/'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, _ := cmd.Flags().GetString("dsn")
		if dsn == "" {
			return errors.NotValidf("empty --dsn")
		}
		cfg, err := binlog.ParseDSN(dsn)
		if err != nil {
			return err
		}
		admin, err := binlog.OpenAdmin(cfg)
		if err != nil {
			return err
		}
		defer admin.Close()

		ctx := cmd.Context()
		files, err := admin.ListBinaryLogs(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, f := range files {
			fmt.Fprintf(out, "%-24s %12d\n", f.Name, f.Size)
		}
		pos, err := admin.MasterStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "master status: %s\n", pos)
		return nil
	},
}

func init() {
	filesCmd.Flags().String("dsn", "", "server data source name")
	rootCmd.AddCommand(filesCmd)
}
