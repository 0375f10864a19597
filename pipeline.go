package binlog

import (
	"context"

	"github.com/juju/errors"
)

// Source produces the events a Pipeline processes.
type Source func(ctx context.Context) (*Event, error)

// Pipeline runs events through an ordered chain of handlers.
//
// Events injected by handlers are queued and take precedence over the
// source: each runs through the whole chain, starting at the first
// handler, before the next event is read. Next returns only events that
// survive the whole chain.
type Pipeline struct {
	source   Source
	handlers []Handler
	injected []*Event
}

func NewPipeline(source Source, handlers ...Handler) *Pipeline {
	return &Pipeline{source: source, handlers: handlers}
}

// Handlers returns the handler chain.
func (p *Pipeline) Handlers() []Handler {
	return p.handlers
}

// SetHandlers replaces the handler chain. It takes effect with the next
// event processed.
func (p *Pipeline) SetHandlers(handlers ...Handler) {
	p.handlers = handlers
}

// Append adds h to the end of the chain.
func (p *Pipeline) Append(h Handler) {
	p.handlers = append(p.handlers, h)
}

// Pending returns the number of injected events not yet processed.
func (p *Pipeline) Pending() int {
	return len(p.injected)
}

// Next returns the next event that survives every handler. Errors from
// the source are returned as is; handler errors are annotated.
func (p *Pipeline) Next(ctx context.Context) (*Event, error) {
	for {
		var ev *Event
		if len(p.injected) > 0 {
			ev = p.injected[0]
			p.injected[0] = nil
			p.injected = p.injected[1:]
		} else {
			var err error
			if ev, err = p.source(ctx); err != nil {
				return nil, err
			}
		}
		ev, err := p.run(ev)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
}

func (p *Pipeline) run(ev *Event) (*Event, error) {
	for i, h := range p.handlers {
		res, err := h.Handle(ev)
		if err != nil {
			return nil, errors.Annotatef(err, "handler %d on %s event", i, ev.Header.EventType)
		}
		if len(res.Inject) > 0 {
			pipelineLogger.Tracef("handler %d injected %d events", i, len(res.Inject))
			p.injected = append(p.injected, res.Inject...)
		}
		if res.Event == nil {
			pipelineLogger.Tracef("handler %d consumed %s event", i, ev.Header.EventType)
			return nil, nil
		}
		ev = res.Event
	}
	return ev, nil
}
