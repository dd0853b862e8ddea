package chat

import (
	"context"

	"IMProject/tools/errs"
)

// HandlerFunc processes one inbound frame for an authenticated connection.
type HandlerFunc func(ctx context.Context, conn *Conn, f *Frame) error

type Dispatcher struct {
	handlers map[EventType]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventType]HandlerFunc)}
}

func (d *Dispatcher) Register(t EventType, h HandlerFunc) { d.handlers[t] = h }

func (d *Dispatcher) Dispatch(ctx context.Context, conn *Conn, f *Frame) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.ErrValidation.WithDetail("no handler for " + string(f.Type))
	}
	return h(ctx, conn, f)
}
