package binlog

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/clock"
	"github.com/juju/errors"
)

const (
	defaultQueueSize   = 256
	defaultRetryDelay  = 2 * time.Second
	defaultMaxRetries  = 10
	defaultDialTimeout = 10 * time.Second
	defaultKeepAlive   = 30 * time.Second
)

// TCPConfig configures a TCPDriver.
type TCPConfig struct {
	Net    string // "tcp" or "unix"
	Addr   string
	User   string
	Passwd string
	DBName string

	// TLSConfig upgrades the connection to TLS when not nil.
	TLSConfig *tls.Config

	DialTimeout time.Duration

	// ServerID identifies this client to the server. It must differ
	// from the server ids of every other replica. Servers end the dump
	// of a client with server id 0 at the end of the log.
	ServerID uint32

	// NonBlocking asks the server to end the dump with EOF once it
	// reaches the end of the last binlog file, instead of waiting for
	// new events.
	NonBlocking bool

	// HeartbeatPeriod makes the server send heartbeat events in the
	// absence of data. Zero keeps the server default.
	HeartbeatPeriod time.Duration

	// QueueSize bounds the number of events read ahead of the consumer.
	QueueSize int

	// RetryDelay is the pause before reconnecting and between
	// reconnect attempts. MaxRetries bounds the attempts.
	RetryDelay time.Duration
	MaxRetries int

	TableMapCapacity int

	Clock   clock.Clock
	Metrics *Metrics

	// tlsName is the key TLSConfig is registered under with the
	// mysql driver, used by the SQL side channel.
	tlsName string
}

// ParseDSN builds a TCPConfig from a data source name in the format of
// the go-sql-driver/mysql package:
//
//	user:password@tcp(localhost:3306)/?tls=skip-verify
func ParseDSN(dsn string) (*TCPConfig, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Annotate(err, "parse dsn")
	}
	cfg := &TCPConfig{
		Net:         mc.Net,
		Addr:        mc.Addr,
		User:        mc.User,
		Passwd:      mc.Passwd,
		DBName:      mc.DBName,
		DialTimeout: mc.Timeout,
	}
	switch mc.TLSConfig {
	case "", "false":
	case "true":
		host, _, err := net.SplitHostPort(mc.Addr)
		if err != nil {
			host = mc.Addr
		}
		cfg.TLSConfig = &tls.Config{ServerName: host}
	case "skip-verify", "preferred":
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	default:
		return nil, errors.NotSupportedf("tls config %q", mc.TLSConfig)
	}
	return cfg, nil
}

func (c *TCPConfig) setDefaults() {
	if c.Net == "" {
		c.Net = "tcp"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.TableMapCapacity <= 0 {
		c.TableMapCapacity = DefaultTableMapCapacity
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
}

// Validate checks the settings a connection cannot do without.
func (c *TCPConfig) Validate() error {
	if c.Addr == "" {
		return errors.NotValidf("empty address")
	}
	switch c.Net {
	case "", "tcp", "tcp4", "tcp6", "unix":
	default:
		return errors.NotSupportedf("network %q", c.Net)
	}
	return nil
}

// FormatDSN returns the data source name the SQL side channel opens.
func (c *TCPConfig) FormatDSN() (string, error) {
	mc := mysql.NewConfig()
	mc.Net = c.Net
	mc.Addr = c.Addr
	mc.User = c.User
	mc.Passwd = c.Passwd
	mc.DBName = c.DBName
	mc.Timeout = c.DialTimeout
	if c.TLSConfig != nil {
		if c.tlsName == "" {
			c.tlsName = "binlog-" + c.Addr
			if err := mysql.RegisterTLSConfig(c.tlsName, c.TLSConfig); err != nil {
				return "", errors.Annotate(err, "register tls config")
			}
		}
		mc.TLSConfig = c.tlsName
	}
	return mc.FormatDSN(), nil
}
