package binlog

import "fmt"

// TransactionEvent is synthesized by TransactionParser from the events
// between BEGIN and COMMIT. Its event header has type USER_DEFINED_EVENT
// and the timestamp of the BEGIN query.
type TransactionEvent struct {
	// StartTime is the timestamp of the BEGIN query.
	StartTime uint32

	// NextPos is the next position of the last rows event, or of the
	// commit event for transactions without rows events.
	NextPos uint32

	// Events holds the table map and rows events of the transaction in
	// binlog order.
	Events []*Event

	// TableMaps indexes the table map events of the transaction by
	// table id.
	TableMaps map[uint64]*TableMapEvent
}

// TxState is the state of a TransactionParser.
type TxState int

const (
	NotInProgress TxState = iota
	Starting
	InProgress
	Committing
)

var txStateNames = [...]string{"NOT_IN_PROGRESS", "STARTING", "IN_PROGRESS", "COMMITTING"}

func (s TxState) String() string {
	if int(s) < len(txStateNames) {
		return txStateNames[s]
	}
	return fmt.Sprintf("TxState(%d)", int(s))
}

// TransactionParser is a Handler that folds the table map and rows
// events of a transaction into one TransactionEvent. The BEGIN and
// commit events are consumed. The transaction event is injected so it
// runs through the whole handler chain.
//
// Events other than table map and rows events are forwarded as they
// come, also within a transaction. A commit seen outside a transaction
// is forwarded unchanged.
type TransactionParser struct {
	state     TxState
	startTime uint32
	startPos  uint32
	buf       []*Event
	metrics   *Metrics
}

func NewTransactionParser(m *Metrics) *TransactionParser {
	return &TransactionParser{metrics: m}
}

// State returns the current state of the parser.
func (p *TransactionParser) State() TxState {
	return p.state
}

func (p *TransactionParser) Handle(ev *Event) (Result, error) {
	switch d := ev.Data.(type) {
	case *QueryEvent:
		switch d.Query {
		case "BEGIN":
			if p.state == InProgress {
				txLogger.Warningf("BEGIN at %s:%d inside a transaction, dropping %d buffered events", ev.LogFile, ev.StartPos, len(p.buf))
			}
			p.reset()
			p.state = Starting
		case "COMMIT":
			if p.state == InProgress {
				p.state = Committing
			}
		case "ROLLBACK":
			if p.state == InProgress {
				txLogger.Debugf("rollback at %s:%d, dropping %d buffered events", ev.LogFile, ev.StartPos, len(p.buf))
				p.reset()
				return Consume(), nil
			}
		}
	case *XidEvent:
		if p.state == InProgress {
			p.state = Committing
		}
	}

	switch p.state {
	case Starting:
		p.startTime = ev.Header.Timestamp
		p.startPos = ev.StartPos
		p.state = InProgress
		return Consume(), nil
	case InProgress:
		switch ev.Data.(type) {
		case *TableMapEvent, *RowsEvent:
			p.buf = append(p.buf, ev)
			return Consume(), nil
		}
		return Forward(ev), nil
	case Committing:
		tx := p.commit(ev)
		return Result{Inject: []*Event{tx}}, nil
	}
	return Forward(ev), nil
}

func (p *TransactionParser) commit(commit *Event) *Event {
	tx := &TransactionEvent{
		StartTime: p.startTime,
		NextPos:   commit.Header.NextPos,
		Events:    make([]*Event, 0, len(p.buf)),
		TableMaps: make(map[uint64]*TableMapEvent),
	}
	for _, ev := range p.buf {
		switch d := ev.Data.(type) {
		case *TableMapEvent:
			tx.TableMaps[d.TableID] = d
			tx.Events = append(tx.Events, ev)
		case *RowsEvent:
			tx.Events = append(tx.Events, ev)
			tx.NextPos = ev.Header.NextPos
		}
	}
	txLogger.Debugf("transaction at %s:%d with %d events", commit.LogFile, p.startPos, len(tx.Events))
	ev := &Event{
		Header: EventHeader{
			Timestamp: p.startTime,
			EventType: USER_DEFINED_EVENT,
			ServerID:  commit.Header.ServerID,
			NextPos:   tx.NextPos,
		},
		LogFile:  commit.LogFile,
		StartPos: p.startPos,
		Data:     tx,
	}
	p.reset()
	p.metrics.transactionAssembled()
	return ev
}

func (p *TransactionParser) reset() {
	p.state = NotInProgress
	p.buf = nil
	p.startTime = 0
	p.startPos = 0
}
