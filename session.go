package binlog

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/juju/errors"
)

// session is one authenticated connection to a server. It runs plain
// queries until startDump turns it into a binlog dump.
type session struct {
	conn     net.Conn
	seq      uint8
	hs       handshake
	version  serverVersion
	pubKey   *rsa.PublicKey
	authFlow []string
}

// dialSession connects to cfg.Addr, upgrades to TLS when configured and
// authenticates.
func dialSession(ctx context.Context, cfg *TCPConfig) (*session, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: defaultKeepAlive}
	conn, err := d.DialContext(ctx, cfg.Net, cfg.Addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	s := &session{conn: conn}
	if err := s.setup(ctx, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) setup(ctx context.Context, cfg *TCPConfig) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.conn.SetDeadline(deadline); err != nil {
			return &TransportError{Op: "set deadline", Err: err}
		}
		defer s.conn.SetDeadline(time.Time{})
	}
	p, err := s.read()
	if err != nil {
		return err
	}
	if err := s.hs.decode(newReader(p)); err != nil {
		return errors.Annotate(err, "handshake")
	}
	// unset the features we dont support
	s.hs.capabilityFlags &^= capSessionTrack
	if s.version, err = parseServerVersion(s.hs.serverVersion); err != nil {
		return err
	}
	if v := s.version.binlogVersion(); v < 4 {
		return errors.NotSupportedf("binlog version %d of server %s", v, s.hs.serverVersion)
	}
	tcpLogger.Debugf("connected to %s, server version %s", cfg.Addr, s.hs.serverVersion)

	if cfg.TLSConfig != nil {
		if s.hs.capabilityFlags&capSSL == 0 {
			return errors.NotSupportedf("tls by server %s", cfg.Addr)
		}
		err := s.write(sslRequest{
			capabilityFlags: s.capabilities(),
			maxPacketSize:   maxPacketSize,
			characterSet:    s.hs.characterSet,
		})
		if err != nil {
			return err
		}
		tlsConf := cfg.TLSConfig.Clone()
		if tlsConf.ServerName == "" && !tlsConf.InsecureSkipVerify {
			if host, _, err := net.SplitHostPort(cfg.Addr); err == nil {
				tlsConf.ServerName = host
			}
		}
		s.conn = tls.Client(s.conn, tlsConf)
	}
	return s.authenticate(cfg.User, cfg.Passwd, cfg.DBName)
}

func (s *session) capabilities() uint32 {
	return capLongFlag | capSecureConnection | capTransactions
}

func (s *session) write(e interface{ encode(w *writer) error }) error {
	w := newWriter(s.conn, &s.seq)
	if err := e.encode(w); err != nil {
		return err
	}
	return w.Close()
}

// command starts a new command phase, which resets the sequence.
func (s *session) command(e interface{ encode(w *writer) error }) error {
	s.seq = 0
	return s.write(e)
}

func (s *session) read() ([]byte, error) {
	return readPacket(s.conn, &s.seq)
}

func (s *session) readOkErr() error {
	p, err := s.read()
	if err != nil {
		return err
	}
	if len(p) == 0 {
		return errors.Annotate(ErrMalformedPacket, "empty packet")
	}
	switch p[0] {
	case okMarker:
		return nil
	case errMarker:
		return decodeErrPacket(p, s.hs.capabilityFlags)
	}
	return errors.Annotatef(ErrMalformedPacket, "got 0x%02x want OK packet", p[0])
}

// exec runs a statement that returns no rows.
func (s *session) exec(q string) error {
	rows, err := s.queryRows(q)
	if err != nil {
		return err
	}
	if rows != nil {
		tcpLogger.Debugf("%q returned %d rows", q, len(rows))
	}
	return nil
}

// queryRows runs q and returns its rows as text. Statements that return
// no result set give nil rows.
func (s *session) queryRows(q string) ([][]*string, error) {
	if err := s.command(comQueryRequest{query: q}); err != nil {
		return nil, err
	}
	p, err := s.read()
	if err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, errors.Annotate(ErrMalformedPacket, "empty query response")
	}
	switch p[0] {
	case okMarker:
		ok := okPacket{}
		return nil, ok.decode(newReader(p), s.hs.capabilityFlags)
	case errMarker:
		return nil, decodeErrPacket(p, s.hs.capabilityFlags)
	}
	return readResultSet(p, s.read, s.hs.capabilityFlags)
}

// binlogChecksum returns the binlog_checksum server variable, or "" for
// servers without one.
func (s *session) binlogChecksum() (string, error) {
	rows, err := s.queryRows(`SHOW GLOBAL VARIABLES LIKE 'binlog_checksum'`)
	if err != nil {
		return "", err
	}
	if len(rows) > 0 && len(rows[0]) > 1 && rows[0][1] != nil {
		return *rows[0][1], nil
	}
	return "", nil
}

// startDump requests the binlog from pos. Events then arrive through
// the returned Stream, and the session accepts no more queries.
func (s *session) startDump(pos Position, cfg *TCPConfig) (*Stream, error) {
	var checksum string
	if s.version.hasChecksum() {
		var err error
		if checksum, err = s.binlogChecksum(); err != nil {
			return nil, err
		}
	}
	// servers only send checksums to replicas that announce support
	withChecksum := checksum != "" && checksum != "NONE"
	if withChecksum {
		if err := s.exec(`SET @master_binlog_checksum = @@global.binlog_checksum`); err != nil {
			return nil, err
		}
	}
	if cfg.HeartbeatPeriod > 0 {
		if err := s.exec(fmt.Sprintf("SET @master_heartbeat_period = %d", cfg.HeartbeatPeriod.Nanoseconds())); err != nil {
			return nil, err
		}
	}
	var flags uint16
	if cfg.NonBlocking {
		flags |= binlogDumpNonBlock
	}
	err := s.command(comBinlogDumpRequest{
		binlogPos:      pos.Offset,
		flags:          flags,
		serverID:       cfg.ServerID,
		binlogFilename: pos.File,
	})
	if err != nil {
		return nil, err
	}
	tcpLogger.Infof("dumping binlog from %s (checksum %q)", pos, checksum)
	return NewStream(newDumpReader(s.conn, &s.seq, s.hs.capabilityFlags), StreamOptions{
		File:             pos.File,
		Pos:              pos.Offset,
		Checksum:         withChecksum,
		TableMapCapacity: cfg.TableMapCapacity,
		Metrics:          cfg.Metrics,
	}), nil
}

func (s *session) Close() error {
	return s.conn.Close()
}
