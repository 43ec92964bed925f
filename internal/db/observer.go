package db

import "time"

// QueryObserver is told about every statement the client executes.
// Both methods run synchronously on the caller's goroutine and must be cheap.
type QueryObserver interface {
	BeforeExecute(statement string, args []any)
	AfterExecute(statement string, args []any, started, finished time.Time, err error)
}

// PoolObserver is told about connection lifecycle events. conn identifies
// the underlying driver connection and is stable between checkout and checkin.
type PoolObserver interface {
	OnConnect(conn any)
	OnCheckout(conn any)
	OnCheckin(conn any)
	OnInvalidate(conn any, err error)
}

// Hooks fans driver events out to the registered observers. It is itself
// a QueryObserver and a PoolObserver, so events reported from outside the
// client reach the same observers.
type Hooks struct {
	Queries []QueryObserver
	Pool    []PoolObserver
}

func (h Hooks) BeforeExecute(statement string, args []any) {
	for _, o := range h.Queries {
		o.BeforeExecute(statement, args)
	}
}

func (h Hooks) AfterExecute(statement string, args []any, started, finished time.Time, err error) {
	for _, o := range h.Queries {
		o.AfterExecute(statement, args, started, finished, err)
	}
}

func (h Hooks) OnConnect(conn any) {
	for _, o := range h.Pool {
		o.OnConnect(conn)
	}
}

func (h Hooks) OnCheckout(conn any) {
	for _, o := range h.Pool {
		o.OnCheckout(conn)
	}
}

func (h Hooks) OnCheckin(conn any) {
	for _, o := range h.Pool {
		o.OnCheckin(conn)
	}
}

func (h Hooks) OnInvalidate(conn any, err error) {
	for _, o := range h.Pool {
		o.OnInvalidate(conn, err)
	}
}
