package binlog

// Result is what a Handler decides for an event.
//
// A nil Event consumes the event: no later handler sees it and it is
// never returned to the application. Inject lists synthesized events
// that run through the whole chain, in order, before the next event is
// read from the source.
type Result struct {
	Event  *Event
	Inject []*Event
}

// Forward returns a Result passing ev, or its replacement, down the chain.
func Forward(ev *Event) Result {
	return Result{Event: ev}
}

// Consume returns a Result that drops the event.
func Consume() Result {
	return Result{}
}

// Handler is one stage of a Pipeline. Handlers are always called from
// the goroutine driving the pipeline, one event at a time.
type Handler interface {
	Handle(ev *Event) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev *Event) (Result, error)

func (f HandlerFunc) Handle(ev *Event) (Result, error) {
	return f(ev)
}

// ContentHandler dispatches events to one function per event variant.
// A nil function forwards the event unchanged. Default receives events
// of variants without a dedicated function.
type ContentHandler struct {
	Query       func(ev *Event, q *QueryEvent) (Result, error)
	Rotate      func(ev *Event, r *RotateEvent) (Result, error)
	IntVar      func(ev *Event, v *IntVarEvent) (Result, error)
	UserVar     func(ev *Event, v *UserVarEvent) (Result, error)
	TableMap    func(ev *Event, tm *TableMapEvent) (Result, error)
	Rows        func(ev *Event, r *RowsEvent) (Result, error)
	Xid         func(ev *Event, x *XidEvent) (Result, error)
	Incident    func(ev *Event, i *IncidentEvent) (Result, error)
	Transaction func(ev *Event, tx *TransactionEvent) (Result, error)
	Default     func(ev *Event) (Result, error)
}

func (h *ContentHandler) Handle(ev *Event) (Result, error) {
	switch d := ev.Data.(type) {
	case *QueryEvent:
		if h.Query != nil {
			return h.Query(ev, d)
		}
		return Forward(ev), nil
	case *RotateEvent:
		if h.Rotate != nil {
			return h.Rotate(ev, d)
		}
		return Forward(ev), nil
	case *IntVarEvent:
		if h.IntVar != nil {
			return h.IntVar(ev, d)
		}
		return Forward(ev), nil
	case *UserVarEvent:
		if h.UserVar != nil {
			return h.UserVar(ev, d)
		}
		return Forward(ev), nil
	case *TableMapEvent:
		if h.TableMap != nil {
			return h.TableMap(ev, d)
		}
		return Forward(ev), nil
	case *RowsEvent:
		if h.Rows != nil {
			return h.Rows(ev, d)
		}
		return Forward(ev), nil
	case *XidEvent:
		if h.Xid != nil {
			return h.Xid(ev, d)
		}
		return Forward(ev), nil
	case *IncidentEvent:
		if h.Incident != nil {
			return h.Incident(ev, d)
		}
		return Forward(ev), nil
	case *TransactionEvent:
		if h.Transaction != nil {
			return h.Transaction(ev, d)
		}
		return Forward(ev), nil
	}
	if h.Default != nil {
		return h.Default(ev)
	}
	return Forward(ev), nil
}
