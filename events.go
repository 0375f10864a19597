package binlog

import (
	"strings"

	"github.com/juju/errors"
)

// EventData is the decoded body of an Event. The set of implementations
// is closed; switch on the concrete type to handle a variant.
type EventData interface {
	eventData()
}

func (*FormatDescriptionEvent) eventData() {}
func (*RotateEvent) eventData()            {}
func (*QueryEvent) eventData()             {}
func (*IntVarEvent) eventData()            {}
func (*UserVarEvent) eventData()           {}
func (*IncidentEvent) eventData()          {}
func (*XidEvent) eventData()               {}
func (*TableMapEvent) eventData()          {}
func (*RowsEvent) eventData()              {}
func (*TransactionEvent) eventData()       {}
func (*OpaqueEvent) eventData()            {}

// decodeEventData decodes payload according to the type in h.
// payload must not include the checksum trailer.
func decodeEventData(h EventHeader, payload []byte, fde *FormatDescriptionEvent) (EventData, error) {
	r := newReader(payload)
	var data interface {
		EventData
		decode(r *reader) error
	}
	switch typ := h.EventType; {
	case typ == FORMAT_DESCRIPTION_EVENT:
		data = &FormatDescriptionEvent{}
	case typ == ROTATE_EVENT:
		data = &RotateEvent{}
	case typ == QUERY_EVENT:
		data = &QueryEvent{}
	case typ == INTVAR_EVENT:
		data = &IntVarEvent{}
	case typ == USER_VAR_EVENT:
		data = &UserVarEvent{}
	case typ == INCIDENT_EVENT:
		data = &IncidentEvent{}
	case typ == XID_EVENT:
		data = &XidEvent{}
	case typ == TABLE_MAP_EVENT:
		data = &TableMapEvent{tableIDSize: fde.tableIDSize(typ)}
	case typ.IsRows():
		data = &RowsEvent{eventType: typ, tableIDSize: fde.tableIDSize(typ)}
	default:
		return &OpaqueEvent{}, nil
	}
	if err := data.decode(r); err != nil {
		return nil, errors.Annotatef(err, "decode %s event", h.EventType)
	}
	return data, nil
}

// FormatDescriptionEvent is written to the beginning of the each binary log file.
// This event is used as of MySQL 5.0; it supersedes START_EVENT_V3.
//
// https://dev.mysql.com/doc/internals/en/format-description-event.html
type FormatDescriptionEvent struct {
	BinlogVersion          uint16
	ServerVersion          string
	CreateTimestamp        uint32
	EventHeaderLength      uint8
	EventTypeHeaderLengths []byte

	// ChecksumAlg is the checksum algorithm of events following this one.
	// It is checksumAlgUndef for servers older than 5.6.1.
	ChecksumAlg uint8
}

const (
	checksumAlgOff   = 0
	checksumAlgCRC32 = 1
	checksumAlgUndef = 0xff
	checksumSize     = 4

	// binlog version, server version, create timestamp, header length
	fdeFixedSize = 2 + 50 + 4 + 1
)

func (e *FormatDescriptionEvent) decode(r *reader) error {
	e.BinlogVersion = r.int2()
	e.ServerVersion = r.string(50)
	if i := strings.IndexByte(e.ServerVersion, 0); i != -1 {
		e.ServerVersion = e.ServerVersion[:i]
	}
	e.CreateTimestamp = r.int4()
	e.EventHeaderLength = r.int1()
	lengths := r.view(r.remaining())
	if r.err != nil {
		return r.err
	}
	// the post-header length of this very event tells where the table ends.
	n := len(lengths)
	if n >= int(FORMAT_DESCRIPTION_EVENT) {
		if m := int(lengths[FORMAT_DESCRIPTION_EVENT-1]) - fdeFixedSize; m >= 0 && m <= n {
			n = m
		}
	}
	e.EventTypeHeaderLengths = append([]byte(nil), lengths[:n]...)
	e.ChecksumAlg = checksumAlgUndef
	if rest := lengths[n:]; len(rest) == 1+checksumSize {
		e.ChecksumAlg = rest[0]
	}
	return nil
}

func (e *FormatDescriptionEvent) postHeaderLength(typ EventType, def int) int {
	if e != nil && typ > 0 && len(e.EventTypeHeaderLengths) >= int(typ) {
		return int(e.EventTypeHeaderLengths[typ-1])
	}
	return def
}

// tableIDSize is 4 for servers that wrote a 6 byte post-header for
// table map and rows events, 6 otherwise.
func (e *FormatDescriptionEvent) tableIDSize(typ EventType) int {
	if e.postHeaderLength(typ, 8) == 6 {
		return 4
	}
	return 6
}

// RotateEvent is written when mysqld switches to a new binary log file.
// This occurs when someone issues a FLUSH LOGS statement or
// the current binary log file becomes too large.
// The maximum size is determined by max_binlog_size.
//
// https://dev.mysql.com/doc/internals/en/rotate-event.html
type RotateEvent struct {
	Position   uint64
	NextBinlog string
}

func (e *RotateEvent) decode(r *reader) error {
	e.Position = r.int8()
	e.NextBinlog = r.stringEOF()
	return r.err
}

// QueryEvent is written when an updating statement is done.
// Transaction boundaries BEGIN and COMMIT are also query events.
//
// https://dev.mysql.com/doc/internals/en/query-event.html
type QueryEvent struct {
	ThreadID      uint32
	ExecutionTime uint32
	ErrorCode     uint16
	StatusVars    []byte
	Schema        string
	Query         string
}

func (e *QueryEvent) decode(r *reader) error {
	e.ThreadID = r.int4()
	e.ExecutionTime = r.int4()
	schemaLen := r.int1()
	e.ErrorCode = r.int2()
	statusVarsLen := r.int2()
	e.StatusVars = r.bytes(int(statusVarsLen))
	e.Schema = r.string(int(schemaLen))
	r.skip(1)
	e.Query = r.stringEOF()
	return r.err
}

// IncidentEvent used to log an out of the ordinary event that
// occurred on the master. It notifies the slave that something
// happened on the master that might cause data to be in an
// inconsistent state.
//
// https://dev.mysql.com/doc/internals/en/incident-event.html
type IncidentEvent struct {
	Type    uint16
	Message string
}

func (e *IncidentEvent) decode(r *reader) error {
	e.Type = r.int2()
	e.Message = r.string1()
	return r.err
}

// IntVarEvent written every time a statement uses an AUTO_INCREMENT column
// or the LAST_INSERT_ID() function. It precedes other events for the statement.
// This is written only before a QUERY_EVENT and is not used with row-based logging.
//
// https://dev.mysql.com/doc/internals/en/intvar-event.html
type IntVarEvent struct {
	// Type indicates subtype.
	//
	// INSERT_ID_EVENT(0x02) indicates the value to use for an AUTO_INCREMENT column in the next statement.
	//
	// LAST_INSERT_ID_EVENT(0x01) indicates the value to use for the LAST_INSERT_ID() function in the next statement.
	Type  uint8
	Value uint64
}

func (e *IntVarEvent) decode(r *reader) error {
	e.Type = r.int1()
	e.Value = r.int8()
	return r.err
}

// UserVarEvent is written every time a statement uses a user variable.
// It precedes other events for the statement. Indicates the value to
// use for the user variable in the next statement. This is written only
// before a QUERY_EVENT and is not used with row-based logging.
//
// https://dev.mysql.com/doc/internals/en/user-var-event.html
type UserVarEvent struct {
	Name     string
	Null     bool
	Type     uint8
	Charset  uint32
	Value    []byte
	Unsigned bool
}

func (e *UserVarEvent) decode(r *reader) error {
	nameLen := r.int4()
	e.Name = r.string(int(nameLen))
	e.Null = r.int1() != 0
	if r.err != nil || e.Null {
		return r.err
	}
	e.Type = r.int1()
	e.Charset = r.int4()
	valueLen := r.int4()
	e.Value = r.bytes(int(valueLen))
	if r.more() {
		e.Unsigned = r.int1()&0x01 != 0
	}
	return r.err
}

// XidEvent is written for a COMMIT of a transaction that modified
// transactional tables.
//
// https://dev.mysql.com/doc/internals/en/xid-event.html
type XidEvent struct {
	XID uint64
}

func (e *XidEvent) decode(r *reader) error {
	e.XID = r.int8()
	return r.err
}

// OpaqueEvent stands for any event type that is not decoded.
// Only its header is meaningful.
type OpaqueEvent struct{}
