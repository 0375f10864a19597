package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"github.com/replisten/binlog"
)

// Config holds the settings of the view command. Flags override the
// values read from the config file.
type Config struct {
	// DSN selects a server, File a local binlog file. Exactly one is set.
	DSN  string `yaml:"dsn"`
	File string `yaml:"file"`

	// From is earliest, latest or FILE[:POS].
	From string `yaml:"from"`

	// ServerID 0 stops at the end of the log, any other id waits for
	// new events.
	ServerID  uint32        `yaml:"server_id"`
	Heartbeat time.Duration `yaml:"heartbeat"`

	// Follow keeps reading a local file as it grows.
	Follow bool `yaml:"follow"`

	Transactions bool   `yaml:"transactions"`
	Checkpoint   string `yaml:"checkpoint"`
	MetricsAddr  string `yaml:"metrics_addr"`
	LogLevel     string `yaml:"log_level"`
}

func DefaultConfig() *Config {
	return &Config{
		From:      "earliest",
		Heartbeat: 30 * time.Second,
		LogLevel:  "<root>=WARNING",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "read config")
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Annotatef(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.DSN == "" && c.File == "":
		return errors.NotValidf("config without dsn or file")
	case c.DSN != "" && c.File != "":
		return errors.NotValidf("config with both dsn and file")
	}
	from, err := parseFrom(c.From)
	if err != nil {
		return err
	}
	if c.File != "" && from.latest {
		return errors.NotSupportedf("from latest for a file")
	}
	if c.File == "" && c.Follow {
		return errors.NotValidf("follow without file")
	}
	if _, err := loggo.ParseConfigString(c.LogLevel); err != nil {
		return errors.Annotate(err, "log level")
	}
	return nil
}

// startAt is a parsed --from value.
type startAt struct {
	earliest bool
	latest   bool
	pos      binlog.Position
}

func parseFrom(s string) (startAt, error) {
	switch s {
	case "", "earliest":
		return startAt{earliest: true}, nil
	case "latest":
		return startAt{latest: true}, nil
	}
	file, off, found := strings.Cut(s, ":")
	if file == "" {
		return startAt{}, errors.NotValidf("from %q", s)
	}
	pos := binlog.Position{File: file, Offset: 4}
	if found {
		v, err := strconv.ParseUint(off, 0, 32)
		if err != nil {
			return startAt{}, errors.NotValidf("from %q", s)
		}
		pos.Offset = uint32(v)
	}
	return startAt{pos: pos}, nil
}
