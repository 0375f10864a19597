package binlog

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/go-sql-driver/mysql"
	"github.com/juju/errors"
)

func TestParseDSN(t *testing.T) {
	testCases := []struct {
		dsn        string
		tls        bool
		skipVerify bool
		serverName string
	}{
		{dsn: "repl:secret@tcp(db1:3306)/"},
		{dsn: "repl:secret@tcp(db1:3306)/?tls=false"},
		{dsn: "repl:secret@tcp(db1:3306)/?tls=true", tls: true, serverName: "db1"},
		{dsn: "repl:secret@tcp(db1:3306)/?tls=skip-verify", tls: true, skipVerify: true},
		{dsn: "repl:secret@tcp(db1:3306)/?tls=preferred", tls: true, skipVerify: true},
	}
	for _, tc := range testCases {
		t.Run(tc.dsn, func(t *testing.T) {
			c := qt.New(t)
			cfg, err := ParseDSN(tc.dsn)
			c.Assert(err, qt.IsNil)
			c.Assert(cfg.Net, qt.Equals, "tcp")
			c.Assert(cfg.Addr, qt.Equals, "db1:3306")
			c.Assert(cfg.User, qt.Equals, "repl")
			c.Assert(cfg.Passwd, qt.Equals, "secret")
			c.Assert(cfg.TLSConfig != nil, qt.Equals, tc.tls)
			if tc.tls {
				c.Assert(cfg.TLSConfig.InsecureSkipVerify, qt.Equals, tc.skipVerify)
				c.Assert(cfg.TLSConfig.ServerName, qt.Equals, tc.serverName)
			}
		})
	}
}

func TestParseDSN_Invalid(t *testing.T) {
	c := qt.New(t)
	_, err := ParseDSN("repl@tcp(db1:3306")
	c.Assert(err, qt.ErrorMatches, "parse dsn: .*")
}

func TestTCPConfig_Validate(t *testing.T) {
	c := qt.New(t)
	cfg := &TCPConfig{}
	c.Assert(cfg.Validate(), qt.ErrorMatches, "empty address not valid")
	cfg = &TCPConfig{Net: "udp", Addr: "db1:3306"}
	err := cfg.Validate()
	c.Assert(errors.Is(err, errors.NotSupported), qt.IsTrue)
	cfg = &TCPConfig{Addr: "db1:3306"}
	c.Assert(cfg.Validate(), qt.IsNil)

	cfg.setDefaults()
	c.Assert(cfg.Net, qt.Equals, "tcp")
	c.Assert(cfg.QueueSize, qt.Equals, defaultQueueSize)
	c.Assert(cfg.RetryDelay, qt.Equals, defaultRetryDelay)
	c.Assert(cfg.MaxRetries, qt.Equals, defaultMaxRetries)
	c.Assert(cfg.Clock, qt.IsNotNil)
}

func TestTCPConfig_FormatDSN(t *testing.T) {
	c := qt.New(t)
	cfg, err := ParseDSN("repl:secret@tcp(db2:3306)/shop?tls=skip-verify&timeout=3s")
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.DialTimeout, qt.Equals, 3*time.Second)

	dsn, err := cfg.FormatDSN()
	c.Assert(err, qt.IsNil)
	mc, err := mysql.ParseDSN(dsn)
	c.Assert(err, qt.IsNil)
	c.Assert(mc.User, qt.Equals, "repl")
	c.Assert(mc.Passwd, qt.Equals, "secret")
	c.Assert(mc.Addr, qt.Equals, "db2:3306")
	c.Assert(mc.DBName, qt.Equals, "shop")
	c.Assert(mc.TLSConfig, qt.Equals, "binlog-db2:3306")
	c.Assert(mc.Timeout, qt.Equals, 3*time.Second)
}
