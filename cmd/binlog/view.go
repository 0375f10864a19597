package main

import (
	"context"
	"io"
	"net/http"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/replisten/binlog"
	"github.com/replisten/binlog/checkpoint"
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the events of a binary log",
	Long: `Print the events of a server's binary log, or of a local binlog or
relay log file, one line per event. Row images follow the line of
their rows event.

Examples:
  binlog view --dsn 'repl:secret@tcp(localhost:3306)/' --server-id 10 --from binlog.000002:4
  binlog view --file /var/lib/mysql/binlog.000002 --transactions
  binlog view --config replica.yaml --checkpoint ./state`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := viewConfig(cmd)
		if err != nil {
			return err
		}
		return runView(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

func init() {
	f := viewCmd.Flags()
	f.String("config", "", "YAML config file")
	f.String("dsn", "", "server data source name, e.g. 'user:password@tcp(host:3306)/?tls=skip-verify'")
	f.String("file", "", "local binlog or relay log file")
	f.String("from", "earliest", "where to start: earliest, latest or FILE[:POS]")
	f.Uint32("server-id", 0, "replica server id; 0 stops at the end of the log")
	f.Duration("heartbeat", 0, "heartbeat period asked from the server")
	f.Bool("follow", false, "keep reading a local file as it grows")
	f.Bool("transactions", false, "group row changes into transactions")
	f.String("checkpoint", "", "directory of the position store to resume from and record to")
	f.String("metrics-addr", "", "address to serve prometheus metrics on")
	rootCmd.AddCommand(viewCmd)
}

// viewConfig loads the config file, if any, and applies the flags set
// on the command line over it.
func viewConfig(cmd *cobra.Command) (*Config, error) {
	f := cmd.Flags()
	cfg := DefaultConfig()
	if path, _ := f.GetString("config"); path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
		// the config file sets levels unless --log-level did
		if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
			if err := loggo.ConfigureLoggers(cfg.LogLevel); err != nil {
				return nil, errors.Annotate(err, "log level")
			}
		}
	}
	if f.Changed("dsn") {
		cfg.DSN, _ = f.GetString("dsn")
	}
	if f.Changed("file") {
		cfg.File, _ = f.GetString("file")
	}
	if f.Changed("from") {
		cfg.From, _ = f.GetString("from")
	}
	if f.Changed("server-id") {
		cfg.ServerID, _ = f.GetUint32("server-id")
	}
	if f.Changed("heartbeat") {
		cfg.Heartbeat, _ = f.GetDuration("heartbeat")
	}
	if f.Changed("follow") {
		cfg.Follow, _ = f.GetBool("follow")
	}
	if f.Changed("transactions") {
		cfg.Transactions, _ = f.GetBool("transactions")
	}
	if f.Changed("checkpoint") {
		cfg.Checkpoint, _ = f.GetString("checkpoint")
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = f.GetString("metrics-addr")
	}
	return cfg, cfg.Validate()
}

func runView(ctx context.Context, cfg *Config, out io.Writer) error {
	from, err := parseFrom(cfg.From)
	if err != nil {
		return err
	}

	var metrics *binlog.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = binlog.NewMetrics(reg)
		go serveMetrics(cfg.MetricsAddr, reg)
	}

	var (
		handlers []binlog.Handler
		tp       *binlog.TransactionParser
	)
	if cfg.Transactions {
		tp = binlog.NewTransactionParser(metrics)
		handlers = append(handlers, tp)
	}
	var start *binlog.Position
	if cfg.Checkpoint != "" {
		store, err := checkpoint.Open(cfg.Checkpoint)
		if err != nil {
			return err
		}
		defer store.Close()
		pos, ok, err := store.Load()
		if err != nil {
			return err
		}
		if ok {
			logger.Infof("resuming at %s", pos)
			start = &pos
		}
		handlers = append(handlers, checkpoint.Recorder(store, tp))
	}
	if start == nil && !from.earliest && !from.latest {
		start = &from.pos
	}

	var d binlog.Driver
	if cfg.File != "" {
		d = binlog.NewFileDriver(cfg.File, binlog.FileOptions{Follow: cfg.Follow, Metrics: metrics})
	} else {
		tc, err := binlog.ParseDSN(cfg.DSN)
		if err != nil {
			return err
		}
		tc.ServerID = cfg.ServerID
		tc.NonBlocking = cfg.ServerID == 0
		tc.HeartbeatPeriod = cfg.Heartbeat
		tc.Metrics = metrics
		if start == nil && from.earliest {
			if start, err = earliest(ctx, tc); err != nil {
				return err
			}
		}
		if d, err = binlog.NewTCPDriver(*tc); err != nil {
			return err
		}
	}

	bl := binlog.NewBinaryLog(d, handlers...)
	defer bl.Close()
	if start != nil {
		if err := bl.Seek(ctx, *start); err != nil {
			return err
		}
	}
	if err := bl.Connect(ctx); err != nil {
		return err
	}
	logger.Debugf("reading from %s", bl.Position())
	for {
		ev, err := bl.NextEvent(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Infof("interrupted at %s", bl.Position())
				return nil
			}
			return err
		}
		if err := printEvent(out, ev); err != nil {
			return err
		}
	}
}

// earliest returns the start of the oldest binary log on the server.
func earliest(ctx context.Context, tc *binlog.TCPConfig) (*binlog.Position, error) {
	admin, err := binlog.OpenAdmin(tc)
	if err != nil {
		return nil, err
	}
	defer admin.Close()
	files, err := admin.ListBinaryLogs(ctx)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.NotFoundf("binary logs")
	}
	return &binlog.Position{File: files[0].Name, Offset: 4}, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Infof("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("metrics server: %v", err)
	}
}
