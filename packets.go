package binlog

import (
	"io"

	"github.com/juju/errors"
)

// https://dev.mysql.com/doc/internals/en/mysql-packet.html
const (
	headerSize    = 4
	maxPacketSize = 1<<24 - 1
)

// Capability Flags: https://dev.mysql.com/doc/internals/en/capability-flags.html#packet-Protocol::CapabilityFlags
const (
	capLongPassword         = 0x00000001
	capLongFlag             = 0x00000004
	capConnectWithDB        = 0x00000008
	capProtocol41           = 0x00000200
	capSSL                  = 0x00000800
	capTransactions         = 0x00002000
	capSecureConnection     = 0x00008000
	capPluginAuth           = 0x00080000
	capConnectAttrs         = 0x00100000
	capPluginAuthLenencData = 0x00200000
	capSessionTrack         = 0x00800000
)

// Status Flags: https://dev.mysql.com/doc/internals/en/status-flags.html
const (
	sessionStateChanged = 0x4000
)

const (
	okMarker  = 0x00
	eofMarker = 0xfe
	errMarker = 0xff
)

// errPacket ---

// https://dev.mysql.com/doc/internals/en/packet-ERR_Packet.html

func decodeErrPacket(p []byte, capabilities uint32) error {
	r := newReader(p)
	if r.int1() != errMarker {
		return errors.Annotate(ErrMalformedPacket, "ERR packet header")
	}
	e := &ServerError{Code: r.int2()}
	if capabilities&capProtocol41 != 0 && r.remaining() > 0 && r.peek() == '#' {
		r.skip(1)
		e.SQLState = r.string(5)
	}
	e.Message = r.stringEOF()
	if r.err != nil {
		return errors.Annotate(ErrMalformedPacket, "ERR packet")
	}
	return e
}

// okPacket ---

// https://dev.mysql.com/doc/internals/en/packet-OK_Packet.html

type okPacket struct {
	affectedRows        uint64
	lastInsertID        uint64
	statusFlags         uint16
	numWarnings         uint16
	info                string
	sessionStateChanges string
}

func (p *okPacket) decode(r *reader, capabilities uint32) error {
	if r.int1() != okMarker && r.err == nil {
		return errors.Annotate(ErrMalformedPacket, "OK packet header")
	}
	p.affectedRows = r.intN()
	p.lastInsertID = r.intN()
	if capabilities&capProtocol41 != 0 {
		p.statusFlags = r.int2()
		p.numWarnings = r.int2()
	} else if capabilities&capTransactions != 0 {
		p.statusFlags = r.int2()
	}
	if r.err != nil {
		return r.err
	}
	if capabilities&capSessionTrack != 0 {
		p.info = r.stringN()
		if p.statusFlags&sessionStateChanged != 0 {
			p.sessionStateChanges = r.stringN()
		}
	} else {
		p.info = r.stringEOF()
	}
	return r.err
}

// resultSet ---

// https://dev.mysql.com/doc/internals/en/com-query-response.html

// readResultSet reads the column count packet p and the packets
// following it. Values are returned as text, NULL as nil.
func readResultSet(p []byte, next func() ([]byte, error), capabilities uint32) ([][]*string, error) {
	r := newReader(p)
	ncol := r.intN()
	if r.err != nil || r.more() {
		return nil, errors.Annotate(ErrMalformedPacket, "column count")
	}
	// column definitions are not needed, only counted.
	for i := uint64(0); i < ncol; i++ {
		if _, err := next(); err != nil {
			return nil, err
		}
	}
	// EOF after the column definitions
	if _, err := next(); err != nil {
		return nil, err
	}
	var rows [][]*string
	for {
		p, err := next()
		if err != nil {
			return nil, err
		}
		switch {
		case len(p) > 0 && p[0] == errMarker:
			return nil, decodeErrPacket(p, capabilities)
		case len(p) > 0 && p[0] == eofMarker && len(p) < 9:
			return rows, nil
		}
		r := newReader(p)
		row := make([]*string, ncol)
		for i := range row {
			if r.peek() == 0xfb {
				r.skip(1)
				continue
			}
			s := r.stringN()
			row[i] = &s
		}
		if r.err != nil {
			return nil, errors.Annotatef(ErrMalformedPacket, "result row: %v", r.err)
		}
		rows = append(rows, row)
	}
}

// readPacket reads one logical packet, joining continuation packets
// of payloads larger than maxPacketSize.
func readPacket(rd io.Reader, seq *uint8) ([]byte, error) {
	p, err := io.ReadAll(&packetReader{rd: rd, seq: seq})
	if err != nil {
		return nil, &TransportError{Op: "read packet", Err: err}
	}
	return p, nil
}
